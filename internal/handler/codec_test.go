package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/backoffice-pricing/internal/domain/catalog"
	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/pricing"
)

func TestDecodePricingRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want pricing.Request
	}{
		{
			name: "single item",
			body: `{"customer_id":"c-1","items":[{"catalog_item_id":"svc-1","item_kind":"service","quantity":1}]}`,
			want: pricing.Request{
				CustomerID: "c-1",
				Items:      []pricing.CartItem{{CatalogItemID: "svc-1", Kind: catalog.KindService, Quantity: 1}},
			},
		},
		{
			name: "several items with coupon",
			body: `{"items":[
				{"catalog_item_id":"svc-1","item_kind":"service","quantity":2},
				{"quantity":1,"item_kind":"offer","catalog_item_id":"off-1","extra":[1,{"a":null}]}
			],"coupon_code":"SPRING10","customer_id":"c-2"}`,
			want: pricing.Request{
				CustomerID: "c-2",
				CouponCode: "SPRING10",
				Items: []pricing.CartItem{
					{CatalogItemID: "svc-1", Kind: catalog.KindService, Quantity: 2},
					{CatalogItemID: "off-1", Kind: catalog.KindOffer, Quantity: 1},
				},
			},
		},
		{
			name: "null coupon",
			body: `{"customer_id":"c-3","items":[],"coupon_code":null}`,
			want: pricing.Request{CustomerID: "c-3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodePricingRequest([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePricingRequest_Invalid(t *testing.T) {
	for _, body := range []string{
		`{"customer_id":"c","items":[{"catalog_item_id":1}]}`,
		`{"customer_id":"c","items":[{"quantity":"1"}]}`,
		`{"customer_id":"c","items":{}}`,
		`"text"`,
	} {
		t.Run(body, func(t *testing.T) {
			_, err := decodePricingRequest([]byte(body))
			kind, ok := fault.KindOf(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, fault.KindInvalidRequest, kind)
		})
	}
}

func TestDecodeCommit(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{body: `{"order_id":"ord-1"}`, want: "ord-1"},
		{body: `{"note":"x","order_id":"ord-2"}`, want: "ord-2"},
		{body: `{}`, want: ""},
		{body: `{"order_id":7}`, wantErr: true},
		{body: `[]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, err := decodeCommit([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, fault.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
