package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/backoffice-pricing/internal/domain/fault"
)

// kindInternal is reported for errors outside the fault taxonomy.
const kindInternal = "Internal"

var statuses = map[fault.Kind]int{
	fault.KindInvalidRequest: http.StatusBadRequest,

	fault.KindInvalidCouponCode:   http.StatusNotFound,
	fault.KindCatalogItemNotFound: http.StatusNotFound,
	fault.KindReservationNotFound: http.StatusNotFound,

	fault.KindExpired:              http.StatusUnprocessableEntity,
	fault.KindNotYetActive:         http.StatusUnprocessableEntity,
	fault.KindCustomerNotEligible:  http.StatusUnprocessableEntity,
	fault.KindNotApplicableToItems: http.StatusUnprocessableEntity,
	fault.KindBelowMinimumPurchase: http.StatusUnprocessableEntity,

	fault.KindUsageLimitExceeded:             http.StatusConflict,
	fault.KindPerCustomerLimitExceeded:       http.StatusConflict,
	fault.KindConcurrentReservationConflict:  http.StatusConflict,
	fault.KindReservationExpiredBeforeCommit: http.StatusConflict,

	fault.KindServiceUnavailable: http.StatusServiceUnavailable,
}

func statusOf(kind fault.Kind) int {
	if s, ok := statuses[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError writes {error_kind, message, request_id?}.
func writeError(w http.ResponseWriter, status int, kind, message, requestID string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("error_kind")
		e.Str(kind)
		e.FieldStart("message")
		e.Str(message)
		if requestID != "" {
			e.FieldStart("request_id")
			e.Str(requestID)
		}
		e.ObjEnd()
	})
}
