package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/dbip_updater/internal/config"
	"github.com/austindbirch/dbip_updater/internal/logging"
)

// source imitates the DB-IP account descriptor endpoint.
type source struct {
	cfg    config.FakeSource
	logger *logging.Logger

	mu       sync.Mutex
	reqCount int
}

func newSource(cfg config.FakeSource, logger *logging.Logger) *source {
	return &source{cfg: cfg, logger: logger}
}

func (s *source) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("GET /account/{key}/db/ip-to-location/", s.handleDescriptor)
	mux.HandleFunc("GET /descriptor.json", s.handleDescriptor)
	return mux
}

func (s *source) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.reqCount++
	n := s.reqCount
	s.mu.Unlock()

	entry := s.logger.WithContext(r.Context()).
		WithField("request", n).
		WithField("path", r.URL.Path).
		WithField("user_agent", r.UserAgent())

	if s.cfg.ResponseWait > 0 {
		select {
		case <-time.After(s.cfg.ResponseWait):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= s.cfg.FailFirstN {
		entry.Infof("FAILING (%d/%d)", n, s.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}
	if s.cfg.ForceStatus != 0 {
		entry.WithField("status", s.cfg.ForceStatus).Info("Forced status")
		http.Error(w, http.StatusText(s.cfg.ForceStatus), s.cfg.ForceStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.cfg.Malformed {
		entry.Info("Serving malformed descriptor")
		_, _ = w.Write([]byte(`{"mmdb":{"url":`))
		return
	}

	entry.WithField("mmdb_url", s.cfg.MmdbURL).Info("Serving descriptor")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"mmdb": map[string]string{"url": s.cfg.MmdbURL},
	})
}

func main() {
	_ = config.LoadDotEnv(".env")
	cfg := config.FromEnv()
	logger := logging.New("fake-source")

	srv := newSource(cfg.FakeSource, logger)
	logger.Plain().
		WithField("addr", cfg.FakeSource.Port).
		WithField("fail_first_n", cfg.FakeSource.FailFirstN).
		WithField("force_status", cfg.FakeSource.ForceStatus).
		WithField("malformed", cfg.FakeSource.Malformed).
		Info("fake-source listening")
	if err := http.ListenAndServe(cfg.FakeSource.Port, srv.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-source stopped")
	}
}
