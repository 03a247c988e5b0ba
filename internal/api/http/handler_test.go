package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chronostat/chronostat/internal/cache"
	staterrors "github.com/chronostat/chronostat/internal/errors"
	"github.com/chronostat/chronostat/internal/materializer"
	"github.com/chronostat/chronostat/internal/service"
	"github.com/chronostat/chronostat/internal/store"
	"github.com/chronostat/chronostat/internal/timeseries"
	"github.com/chronostat/chronostat/internal/validation"
	"github.com/chronostat/chronostat/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "s3cret"

// fakeService returns canned results.
type fakeService struct {
	points      []types.TimeSeriesPoint
	err         error
	report      *materializer.Report
	healthErr   error
	panics      bool
	lastQuery   types.TimeSeriesQuery
	lastRequest types.CalculationRequest
}

func (f *fakeService) TimeSeries(_ context.Context, q types.TimeSeriesQuery) ([]types.TimeSeriesPoint, error) {
	if f.panics {
		panic("boom")
	}
	f.lastQuery = q
	return f.points, f.err
}

func (f *fakeService) Materialize(_ context.Context, req types.CalculationRequest) (*materializer.Report, error) {
	f.lastRequest = req
	return f.report, f.err
}

func (f *fakeService) StoreEvent(context.Context, types.ResourceEvent) error { return f.err }

func (f *fakeService) StateAt(context.Context, types.Date, bool) ([]types.ResourceEvent, error) {
	return []types.ResourceEvent{}, f.err
}

func (f *fakeService) InvalidateCache(context.Context) error { return f.err }

func (f *fakeService) Stats(context.Context) (service.Stats, error) { return service.Stats{Events: 3}, f.err }

func (f *fakeService) Health(context.Context) error { return f.healthErr }

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantCode string
	}{
		{"validation", staterrors.NewValidationError(staterrors.CodeRangeTooLong, "too long"), http.StatusBadRequest, staterrors.CodeRangeTooLong},
		{"store", staterrors.NewStoreError("down", errors.New("refused")), http.StatusServiceUnavailable, staterrors.CodeStoreUnavailable},
		{"internal", staterrors.NewInternalError("bug", nil), http.StatusInternalServerError, staterrors.CodeUnexpected},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(NewHandler(&fakeService{err: tt.err}), testToken, nil)
			rec := do(t, router, http.MethodPost, "/time-series", `{}`, "")
			assert.Equal(t, tt.status, rec.Code)

			resp := decodeError(t, rec)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestTimeSeries_Body(t *testing.T) {
	fs := &fakeService{points: nil}
	router := NewRouter(NewHandler(fs), testToken, nil)

	rec := do(t, router, http.MethodPost, "/time-series", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, types.TimeSeriesQuery{}, fs.lastQuery)

	rec = do(t, router, http.MethodPost, "/time-series",
		`{"start":"2024-01-01","end":"2024-06-01","interval":"WEEK","filters":{"resourceType":{"value":"DATASET"}}}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-01-01", fs.lastQuery.Start)
	assert.Equal(t, types.IntervalWeek, fs.lastQuery.Interval)
	require.NotNil(t, fs.lastQuery.Filters)
	assert.Equal(t, types.ResourceDataset, fs.lastQuery.Filters.ResourceType.Value)

	rec = do(t, router, http.MethodPost, "/time-series", `{"start":`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, staterrors.CodeInvalidFormat, decodeError(t, rec).Code)

	rec = do(t, router, http.MethodGet, "/time-series", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	fs := &fakeService{report: &materializer.Report{}}

	disabled := NewRouter(NewHandler(fs), "", nil)
	for _, path := range []string{"/calculate-latest", "/events", "/cache/invalidate"} {
		rec := do(t, disabled, http.MethodPost, path, `{}`, "anything")
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}

	router := NewRouter(NewHandler(fs), testToken, nil)
	rec := do(t, router, http.MethodPost, "/cache/invalidate", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, router, http.MethodPost, "/cache/invalidate", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, router, http.MethodPost, "/cache/invalidate", "", testToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodPost, "/calculate-latest",
		`{"startInclusive":"2024-01-01","endExclusive":"2024-01-03"}`, testToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-01-03", fs.lastRequest.EndExclusive.String())

	rec = do(t, router, http.MethodPost, "/calculate-latest", `{"startInclusive":"01/01/2024"}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalculateLatest_PartialCarriesReport(t *testing.T) {
	report := &materializer.Report{
		StartInclusive: types.MustParseDate("2024-01-01"),
		EndExclusive:   types.MustParseDate("2024-01-03"),
		Committed:      []types.Date{types.MustParseDate("2024-01-01")},
		Failed:         []materializer.DateFailure{{Date: types.MustParseDate("2024-01-02"), Error: "locked"}},
	}
	fs := &fakeService{
		report: report,
		err:    staterrors.NewPartialMaterializationError("1 of 2 dates failed", nil),
	}
	router := NewRouter(NewHandler(fs), testToken, nil)

	rec := do(t, router, http.MethodPost, "/calculate-latest",
		`{"startInclusive":"2024-01-01","endExclusive":"2024-01-03"}`, testToken)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp CalculateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, staterrors.CodePartialMaterialization, resp.Code)
	require.NotNil(t, resp.Report)
	assert.Equal(t, types.MustParseDate("2024-01-03"), resp.Report.EndExclusive)
	assert.Len(t, resp.Report.Committed, 1)
	assert.Len(t, resp.Report.Failed, 1)
}

func TestHealthAndStats(t *testing.T) {
	fs := &fakeService{}
	router := NewRouter(NewHandler(fs), testToken, nil)

	rec := do(t, router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	fs.healthErr = errors.New("database is closed")
	rec = do(t, router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, router, http.MethodGet, "/stats", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var stats service.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(3), stats.Events)
}

func TestMiddleware(t *testing.T) {
	router := NewRouter(NewHandler(&fakeService{panics: true}), testToken, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/time-series", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "req-42", decodeError(t, rec).RequestID)
}

func TestSnapshot_BadInput(t *testing.T) {
	router := NewRouter(NewHandler(&fakeService{}), testToken, nil)

	rec := do(t, router, http.MethodGet, "/snapshots/yesterday", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/snapshots/2024-01-01?includeRemoved=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/snapshots/2024-01-01?includeRemoved=true", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// End to end over a real store.
func TestRouter_EndToEnd(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "events.db"), store.Options{})
	require.NoError(t, err)
	defer s.Close()

	agg := timeseries.New(s, cache.NewLRU(cache.LRUConfig{MaxEntries: 10}), time.Hour, nil, nil)
	mat := materializer.New(s, materializer.Config{Now: now}, nil, nil)
	mat.OnCommitted(func(ctx context.Context, _ types.Date) { _ = agg.InvalidateCache(ctx) })
	svc := service.New(service.Options{
		Store:        s,
		Validator:    validation.New(validation.Config{Now: now}),
		Aggregator:   agg,
		Materializer: mat,
		Now:          now,
	})
	router := NewRouter(NewHandler(svc), testToken, nil)

	rec := do(t, router, http.MethodPost, "/events",
		`{"resourceId":"A","timestamp":1704758400000,"resourceType":"CONCEPT"}`, testToken)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/calculate-latest",
		`{"startInclusive":"2024-01-01","endExclusive":"2024-02-02"}`, testToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/time-series",
		`{"start":"2024-01-01","end":"2024-02-01","interval":"MONTH"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"date":"2024-01-01","count":0},{"date":"2024-02-01","count":1}]`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/snapshots/2024-02-01", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []types.ResourceEvent
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "A-1704758400000", events[0].EventID)

	rec = do(t, router, http.MethodPost, "/calculate-latest",
		`{"startInclusive":"2024-06-01","endExclusive":"2024-06-30"}`, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, staterrors.CodeFutureRange, decodeError(t, rec).Code)
}
