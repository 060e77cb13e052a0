// Package handler exposes the pricing service over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
	"github.com/xenking/backoffice-pricing/internal/domain/pricing"
	"github.com/xenking/backoffice-pricing/pkg/httpmiddleware"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Pricer is the pricing service as used by the handlers.
type Pricer interface {
	Price(ctx context.Context, req pricing.Request) (*pricing.Result, error)
	AvailableCoupons(ctx context.Context, req pricing.Request) ([]pricing.Suggestion, error)
	Commit(ctx context.Context, reservationID, orderID string) error
	Release(ctx context.Context, reservationID string) error
}

var _ Pricer = (*pricing.Service)(nil)

// Handler serves the public pricing API and the internal reservation
// callbacks used by the order service.
type Handler struct {
	pricer Pricer
}

// NewHandler returns a Handler backed by pricer.
func NewHandler(pricer Pricer) *Handler {
	return &Handler{pricer: pricer}
}

// Mount registers the routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/pricing", func(r chi.Router) {
		r.Post("/resolve", h.Resolve)
		r.Post("/coupons", h.Coupons)
	})
	r.Route("/internal/reservations/{id}", func(r chi.Router) {
		r.Post("/commit", h.Commit)
		r.Post("/release", h.Release)
	})
}

// Resolve prices a cart and, when a coupon is given, reserves its quota.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	req, err := readPricingRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.pricer.Price(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeResult(e, res) })
}

// Coupons lists the public coupons the cart qualifies for.
func (h *Handler) Coupons(w http.ResponseWriter, r *http.Request) {
	req, err := readPricingRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.pricer.AvailableCoupons(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSuggestions(e, list) })
}

// Commit finalizes a reservation once the order is placed.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	orderID, err := decodeCommit(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.pricer.Commit(r.Context(), chi.URLParam(r, "id"), orderID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOK)
}

// Release frees a reservation of an abandoned checkout.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	if err := h.pricer.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOK)
}

func readPricingRequest(r *http.Request) (pricing.Request, error) {
	body, err := readBody(r)
	if err != nil {
		return pricing.Request{}, err
	}
	return decodePricingRequest(body)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fault.New(fault.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

// fail writes the error envelope. Unclassified errors are logged and
// reported as Internal.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := httpmiddleware.RequestIDFromContext(r.Context())
	kind, ok := fault.KindOf(err)
	if !ok {
		zctx.From(r.Context()).Error("Unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, kindInternal, "internal server error", requestID)
		return
	}

	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Warn("Pricing unavailable", zap.Error(err))
	}
	var fe *fault.Error
	errors.As(err, &fe)
	writeError(w, status, string(kind), fe.Message, requestID)
}
