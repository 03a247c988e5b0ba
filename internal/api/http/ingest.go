package http

import (
	"net/http"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/pkg/types"
)

// CalculateResponse is the body of POST /calculate-latest.
type CalculateResponse struct {
	Report    *materializer.Report `json:"report"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
	RequestID string               `json:"request_id,omitempty"`
}

// CalculateLatest handles POST /calculate-latest: materialize every date of
// [startInclusive, endExclusive).
func (h *Handler) CalculateLatest(w http.ResponseWriter, r *http.Request) {
	var req types.CalculationRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeServiceError(w, r, err)
		return
	}

	report, err := h.svc.Materialize(r.Context(), req)
	if err != nil {
		// Partial runs still carry the per-date outcome
		if report != nil && staterrors.GetCode(err) == staterrors.CodePartialMaterialization {
			writeJSON(w, StatusFor(err), CalculateResponse{
				Report:    report,
				Error:     err.Error(),
				Code:      staterrors.GetCode(err),
				RequestID: GetRequestID(r.Context()),
			})
			return
		}
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CalculateResponse{Report: report, RequestID: GetRequestID(r.Context())})
}

// StoreEvent handles POST /events.
func (h *Handler) StoreEvent(w http.ResponseWriter, r *http.Request) {
	var event types.ResourceEvent
	if err := decodeBody(r, &event, false); err != nil {
		writeServiceError(w, r, err)
		return
	}

	if err := h.svc.StoreEvent(r.Context(), event); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateCache handles POST /cache/invalidate.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.InvalidateCache(r.Context()); err != nil {
		writeServiceError(w, r, staterrors.NewStoreError("failed to invalidate the shared cache", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
