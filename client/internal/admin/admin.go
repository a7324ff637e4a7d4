// Package admin serves the local status endpoint: session and proxy
// status, recent warnings, a health probe and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"frpc/client/internal/agent"
	"frpc/shared/logging"
	"frpc/shared/metrics"
)

// StatusSource is implemented by *agent.Service.
type StatusSource interface {
	Status() agent.ServiceStatus
	Active() bool
}

// NewHandler builds the admin mux. events and m may be nil.
func NewHandler(src StatusSource, events *logging.EventRing, m *metrics.Set) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", securityHeaders(getOnly(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	})))

	mux.HandleFunc("/api/events", securityHeaders(getOnly(func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeJSON(w, http.StatusOK, []logging.Event{})
			return
		}
		q := r.URL.Query()
		var out []logging.Event
		switch {
		case q.Get("category") != "":
			out = events.EventsByCategory(logging.Category(q.Get("category")))
		case q.Get("since") != "":
			since, err := strconv.ParseInt(q.Get("since"), 10, 64)
			if err != nil {
				http.Error(w, "bad since", http.StatusBadRequest)
				return
			}
			out = events.EventsSince(since)
		default:
			out = events.Events()
		}
		if out == nil {
			out = []logging.Event{}
		}
		writeJSON(w, http.StatusOK, out)
	})))

	mux.HandleFunc("/healthz", securityHeaders(getOnly(func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		code := http.StatusOK
		if !src.Active() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"state": st.State, "run_id": st.RunID})
	})))

	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func securityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next(w, r)
	}
}

// Serve runs the admin server on addr until ctx ends.
func Serve(ctx context.Context, addr string, h http.Handler, log *logging.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveListener(ctx, ln, h, log)
}

func serveListener(ctx context.Context, ln net.Listener, h http.Handler, log *logging.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info(logging.CatAdmin, "admin endpoint listening", logging.F("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(ctx2)
		cancel()
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
