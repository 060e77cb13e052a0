// Package events publishes coupon reservation lifecycle events so that the
// order and audit collaborators can follow quota consumption.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"
)

// Routing keys.
const (
	ReservationCommitted = "reservation.committed"
	ReservationReleased  = "reservation.released"
	ReservationExpired   = "reservation.expired"
)

// ReservationEvent is the payload of every reservation event.
type ReservationEvent struct {
	ReservationID string
	CouponCode    string
	CustomerID    string
	OrderID       string
	At            time.Time
}

// Encode writes the event as a JSON object.
func (ev ReservationEvent) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("reservation_id")
	e.Str(ev.ReservationID)
	e.FieldStart("coupon_code")
	e.Str(ev.CouponCode)
	e.FieldStart("customer_id")
	e.Str(ev.CustomerID)
	if ev.OrderID != "" {
		e.FieldStart("order_id")
		e.Str(ev.OrderID)
	}
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

// Publisher delivers reservation events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, ev ReservationEvent) error
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, ReservationEvent) error { return nil }
