package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/sessions/internal/metrics"
)

// pinger is the health dependency of the router.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status      string `json:"status"`
	Server      string `json:"server"`
	FeedClients int    `json:"feed_clients"`
}

// newRouter builds the daemon's HTTP surface: health, metrics and the
// WebSocket event feed.
func newRouter(server string, store pinger, feed http.Handler, clients func() int) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Server: server, FeedClients: clients()}
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			resp.Status = "store unavailable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/events", feed)

	return r
}
