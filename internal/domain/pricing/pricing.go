// Package pricing assembles order totals: it prices a cart from the catalog,
// applies at most one discount source and holds coupon quota for checkout.
package pricing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/quota"
)

// DiscountSource tells which mechanism discounted the order.
type DiscountSource string

const (
	DiscountNone   DiscountSource = "none"
	DiscountCoupon DiscountSource = "coupon"
	DiscountOffer  DiscountSource = "offer"
)

// CartItem is one requested line. Prices are never taken from the client.
type CartItem struct {
	CatalogItemID string
	Kind          catalog.ItemKind
	Quantity      int
}

// Request is the input of Service.Price.
type Request struct {
	CustomerID string
	Items      []CartItem
	CouponCode string
}

// LineItem is a cart line priced at evaluation time.
type LineItem struct {
	CatalogItemID     string
	Kind              catalog.ItemKind
	Name              string
	ServiceID         string
	CategoryID        string
	Quantity          int
	UnitPrice         decimal.Decimal
	OriginalUnitPrice decimal.Decimal
	LineTotal         decimal.Decimal
	// OfferSavings is the offer discount baked into LineTotal.
	OfferSavings decimal.Decimal
}

// Result is the priced order. It is never mutated after being returned.
type Result struct {
	LineItems      []LineItem
	Subtotal       decimal.Decimal
	DiscountSource DiscountSource
	// DiscountAmount is the coupon discount. Offer discounts are already
	// part of Subtotal and are reported in OfferSavings instead.
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	OfferSavings   decimal.Decimal

	CouponCode           string
	ReservationID        string
	ReservationExpiresAt time.Time
}

// Suggestion is a discoverable coupon the cart qualifies for.
type Suggestion struct {
	Code           string
	Description    string
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
}

// Total is subtotal minus discount, floored at zero and rounded to cents.
func Total(subtotal, discount decimal.Decimal) decimal.Decimal {
	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	return total.Round(2)
}

// Quota is the part of the quota coordinator the assembler depends on.
type Quota interface {
	Reserve(ctx context.Context, code, customerID string, limits quota.Limits) (*quota.Reservation, error)
	Commit(ctx context.Context, id, orderID string) error
	Release(ctx context.Context, id string) error
	Usage(ctx context.Context, code, customerID string) (quota.Usage, error)
}

var _ Quota = (*quota.Coordinator)(nil)
