package customer

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by a Provider when the customer is unknown.
var ErrNotFound = errors.New("customer not found")

// Segment is the customer classification coupons can target.
type Segment string

const (
	SegmentNew       Segment = "new"
	SegmentReturning Segment = "returning"
	SegmentVIP       Segment = "vip"
)

// Customer is the acting customer as resolved by the identity provider.
type Customer struct {
	ID              string
	VIP             bool
	CompletedOrders int
}

// Classification derives the customer's segment. VIP takes precedence over
// order history.
func (c Customer) Classification() Segment {
	switch {
	case c.VIP:
		return SegmentVIP
	case c.CompletedOrders == 0:
		return SegmentNew
	default:
		return SegmentReturning
	}
}

// Provider resolves customers by id.
type Provider interface {
	Get(ctx context.Context, id string) (*Customer, error)
}

// Resolve looks up id and falls back to a first-time customer when the
// provider does not know it yet.
func Resolve(ctx context.Context, p Provider, id string) (*Customer, error) {
	c, err := p.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Customer{ID: id}, nil
		}
		return nil, errors.Wrap(err, "get customer")
	}
	return c, nil
}
