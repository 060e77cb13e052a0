package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ItemKind distinguishes regular services from pre-discounted offers.
type ItemKind string

const (
	KindService ItemKind = "service"
	KindOffer   ItemKind = "offer"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == KindService || k == KindOffer
}

var hundred = decimal.NewFromInt(100)

// Service is a bookable catalog item sold at its list price.
type Service struct {
	ID         string
	Name       string
	CategoryID string
	Price      decimal.Decimal
}

// Offer is a pre-discounted price bundle for a service. The discount is baked
// into SalePrice.
type Offer struct {
	ID            string
	Name          string
	ServiceID     string
	CategoryID    string
	OriginalPrice decimal.Decimal
	SalePrice     decimal.Decimal
	StartDate     time.Time
	EndDate       time.Time
	IsActive      bool
}

// Savings is the per-unit discount of the offer.
func (o Offer) Savings() decimal.Decimal {
	return o.OriginalPrice.Sub(o.SalePrice)
}

// DiscountPercentage is the savings as a whole percentage of the original
// price, rounded half-up. It is zero for a free original price.
func (o Offer) DiscountPercentage() int64 {
	if !o.OriginalPrice.IsPositive() {
		return 0
	}
	return o.Savings().Div(o.OriginalPrice).Mul(hundred).Round(0).IntPart()
}

// AvailableAt reports whether the offer can be sold at instant now. Both
// window bounds are inclusive.
func (o Offer) AvailableAt(now time.Time) bool {
	if !o.IsActive {
		return false
	}
	return !now.Before(o.StartDate) && !now.After(o.EndDate)
}

// Provider returns current catalog prices. Missing ids are omitted from the
// result rather than reported as errors; inactive services are treated as
// missing.
type Provider interface {
	Services(ctx context.Context, ids []string) ([]Service, error)
	Offers(ctx context.Context, ids []string) ([]Offer, error)
}
