package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/pricing"
)

func malformed(err error) error {
	return fault.Wrap(fault.KindInvalidRequest, err, "malformed request body")
}

// decodePricingRequest reads
//
//	{"customer_id": "...", "items": [{"catalog_item_id", "item_kind", "quantity"}], "coupon_code": "..."|null}
//
// Unknown fields are skipped. Field validation is left to the service.
func decodePricingRequest(body []byte) (pricing.Request, error) {
	var req pricing.Request
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return req, fault.New(fault.KindInvalidRequest, "request body must be a JSON object")
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "customer_id":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "customer_id")
			}
			req.CustomerID = v
		case "coupon_code":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "coupon_code")
			}
			req.CouponCode = v
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				item, err := decodeCartItem(d)
				if err != nil {
					return errors.Wrapf(err, "items[%d]", len(req.Items))
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return pricing.Request{}, malformed(err)
	}
	return req, nil
}

func decodeCartItem(d *jx.Decoder) (pricing.CartItem, error) {
	var item pricing.CartItem
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "catalog_item_id":
			item.CatalogItemID, err = d.Str()
		case "item_kind":
			var kind string
			kind, err = d.Str()
			item.Kind = catalog.ItemKind(kind)
		case "quantity":
			item.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, string(key))
		}
		return nil
	})
	return item, err
}

// decodeCommit reads {"order_id": "..."}.
func decodeCommit(body []byte) (string, error) {
	var orderID string
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return "", fault.New(fault.KindInvalidRequest, "request body must be a JSON object")
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "order_id" {
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return errors.Wrap(err, "order_id")
		}
		orderID = v
		return nil
	})
	if err != nil {
		return "", malformed(err)
	}
	return orderID, nil
}

func money(e *jx.Encoder, field string, v decimal.Decimal) {
	e.FieldStart(field)
	e.Str(v.StringFixed(2))
}

func encodeResult(e *jx.Encoder, res *pricing.Result) {
	e.ObjStart()
	e.FieldStart("line_items")
	e.ArrStart()
	for _, li := range res.LineItems {
		e.ObjStart()
		e.FieldStart("catalog_item_id")
		e.Str(li.CatalogItemID)
		e.FieldStart("item_kind")
		e.Str(string(li.Kind))
		e.FieldStart("name")
		e.Str(li.Name)
		e.FieldStart("quantity")
		e.Int(li.Quantity)
		money(e, "unit_price", li.UnitPrice)
		money(e, "original_unit_price", li.OriginalUnitPrice)
		money(e, "line_total", li.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	money(e, "subtotal", res.Subtotal)
	e.FieldStart("discount_source")
	e.Str(string(res.DiscountSource))
	money(e, "discount_amount", res.DiscountAmount)
	money(e, "total", res.Total)
	money(e, "offer_savings", res.OfferSavings)
	if res.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(res.CouponCode)
	}
	if res.ReservationID != "" {
		e.FieldStart("reservation_id")
		e.Str(res.ReservationID)
		e.FieldStart("reservation_expires_at")
		e.Str(res.ReservationExpiresAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}

func encodeSuggestions(e *jx.Encoder, list []pricing.Suggestion) {
	e.ObjStart()
	e.FieldStart("coupons")
	e.ArrStart()
	for _, s := range list {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(s.Code)
		e.FieldStart("description")
		e.Str(s.Description)
		money(e, "discount_amount", s.DiscountAmount)
		money(e, "total", s.Total)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
}

func encodeOK(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("ok")
	e.Bool(true)
	e.ObjEnd()
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
