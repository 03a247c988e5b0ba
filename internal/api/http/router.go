package http

import (
	"net/http"

	"go.uber.org/zap"
)

// NewRouter registers every endpoint behind the default middleware chain.
// Write endpoints additionally require the admin token.
func NewRouter(h *Handler, adminToken string, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	admin := AdminMiddleware(adminToken)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /time-series", h.TimeSeries)
	mux.HandleFunc("GET /snapshots/{date}", h.Snapshot)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("POST /calculate-latest", admin(http.HandlerFunc(h.CalculateLatest)))
	mux.Handle("POST /events", admin(http.HandlerFunc(h.StoreEvent)))
	mux.Handle("POST /cache/invalidate", admin(http.HandlerFunc(h.InvalidateCache)))

	return DefaultMiddleware(logger)(mux)
}
