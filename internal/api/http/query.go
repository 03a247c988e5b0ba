package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/service"
	"github.com/chronostat/chronostat/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Service is what the handlers call.
type Service interface {
	TimeSeries(ctx context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error)
	Materialize(ctx context.Context, req types.CalculationRequest) (*materializer.Report, error)
	StoreEvent(ctx context.Context, event types.ResourceEvent) error
	StateAt(ctx context.Context, date types.Date, includeRemoved bool) ([]types.ResourceEvent, error)
	InvalidateCache(ctx context.Context) error
	Stats(ctx context.Context) (service.Stats, error)
	Health(ctx context.Context) error
}

// Handler serves the statistics API.
type Handler struct {
	svc Service
}

// NewHandler creates a new handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// TimeSeries handles POST /time-series. An empty body asks for the defaults.
func (h *Handler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	var q types.TimeSeriesQuery
	if err := decodeBody(r, &q, true); err != nil {
		writeServiceError(w, r, err)
		return
	}

	points, err := h.svc.TimeSeries(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if points == nil {
		points = []types.TimeSeriesPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// Snapshot handles GET /snapshots/{date}: the latest state of every resource
// as of that date. includeRemoved=true adds tombstones.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	date, err := types.ParseDate(r.PathValue("date"))
	if err != nil {
		writeServiceError(w, r, staterrors.NewValidationError(staterrors.CodeInvalidFormat,
			fmt.Sprintf("date must follow yyyy-MM-dd, got %q", r.PathValue("date"))))
		return
	}

	includeRemoved := false
	if v := r.URL.Query().Get("includeRemoved"); v != "" {
		includeRemoved, err = strconv.ParseBool(v)
		if err != nil {
			writeServiceError(w, r, staterrors.NewValidationError(staterrors.CodeInvalidFormat,
				fmt.Sprintf("includeRemoved must be a boolean, got %q", v)))
			return
		}
	}

	events, err := h.svc.StateAt(r.Context(), date, includeRemoved)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// decodeBody reads a JSON body into v. With allowEmpty an absent body
// leaves v untouched.
func decodeBody(r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return staterrors.NewValidationError(staterrors.CodeInvalidFormat, fmt.Sprintf("invalid request body: %v", err))
	}
	return nil
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch staterrors.GetCategory(err) {
	case staterrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case staterrors.ErrCategoryStore:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      staterrors.GetCode(err),
		Details:   staterrors.GetDetails(err),
		RequestID: GetRequestID(r.Context()),
	}
	if status == http.StatusInternalServerError && staterrors.GetCategory(err) == staterrors.ErrCategoryInternal {
		resp.Error = "internal server error"
	}
	writeError(w, status, resp)
}
