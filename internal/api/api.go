// Package api exposes the updater settings and a manual trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"

	"github.com/austindbirch/dbip_updater/internal/auth"
	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/logging"
	"github.com/austindbirch/dbip_updater/internal/schedule"
	"github.com/austindbirch/dbip_updater/internal/settings"
	"github.com/austindbirch/dbip_updater/internal/updater"
)

// SettingsService loads and saves typed settings.
type SettingsService interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, s settings.Settings) error
}

// ConfigReader reads the host configuration.
type ConfigReader interface {
	Read(ctx context.Context, section, key string) (string, bool, error)
}

// Executor runs one update.
type Executor interface {
	Execute(ctx context.Context) (updater.Result, error)
}

type Server struct {
	settings   SettingsService
	config     ConfigReader
	task       Executor
	guard      *schedule.Exclusive
	logger     *logging.Logger
	runTimeout time.Duration
}

func NewServer(s SettingsService, cfg ConfigReader, task Executor, guard *schedule.Exclusive, logger *logging.Logger, runTimeout time.Duration) *Server {
	return &Server{
		settings:   s,
		config:     cfg,
		task:       task,
		guard:      guard,
		logger:     logger,
		runTimeout: runTimeout,
	}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/settings", s.getSettings},
		{http.MethodPut, "/v1/settings", s.putSettings},
		{http.MethodPost, "/v1/run", s.run},
		{http.MethodGet, "/v1/mmdb-url", s.mmdbURL},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return err
		}
	}
	return nil
}

type settingsResponse struct {
	settings.Settings
	Status string `json:"status"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// settingsRequest fields are optional; absent ones keep their stored value.
type settingsRequest struct {
	JSONURL           *string `json:"jsonUrl"`
	DetailedLogging   *bool   `json:"enableDetailedLogging"`
	ConnectionTimeout *int    `json:"connectionTimeout"`
	MaxRetries        *int    `json:"maxRetries"`
}

type runResponse struct {
	Status   string `json:"status"`
	RunID    string `json:"run_id"`
	URL      string `json:"url"`
	Changed  bool   `json:"changed"`
	Attempts int    `json:"attempts"`
}

type mmdbURLResponse struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	URL     string `json:"url"`
	Found   bool   `json:"found"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	cur, err := s.settings.Load(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("Failed to load settings")
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Settings: cur, Status: "success"})
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx := r.Context()

	var req settingsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "invalid request body: " + err.Error()})
		return
	}

	next, err := s.settings.Load(ctx)
	if err != nil && !errors.Is(err, settings.ErrInvalid) {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	if err != nil {
		// Corrupt stored values are replaced by defaults plus the request.
		next = settings.Defaults()
	}
	if req.JSONURL != nil {
		next.JSONURL = *req.JSONURL
	}
	if req.DetailedLogging != nil {
		next.DetailedLogging = *req.DetailedLogging
	}
	if req.ConnectionTimeout != nil {
		next.ConnectionTimeout = *req.ConnectionTimeout
	}
	if req.MaxRetries != nil {
		next.MaxRetries = *req.MaxRetries
	}

	if err := s.settings.Save(ctx, next); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: err.Error()})
			return
		}
		s.logger.WithContext(ctx).WithError(err).Error("Failed to save settings")
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
		return
	}

	subject, _ := auth.SubjectFromContext(ctx)
	s.logger.WithContext(ctx).
		WithField("subject", subject).
		WithField("json_url", next.JSONURL).
		Info("Settings saved")
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Settings saved successfully"})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	// The run must finish even if the client disconnects mid-backoff.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
	defer cancel()

	var res updater.Result
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.task.Execute(ctx)
		return err
	})

	switch {
	case errors.Is(err, schedule.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, statusResponse{Status: "error", Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, statusResponse{
			Status:  "error",
			Message: err.Error(),
			Kind:    updater.KindOf(err).String(),
		})
	default:
		writeJSON(w, http.StatusOK, runResponse{
			Status:   "success",
			RunID:    res.RunID,
			URL:      res.URL,
			Changed:  res.Changed,
			Attempts: res.Attempts,
		})
	}
}

func (s *Server) mmdbURL(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	v, found, err := s.config.Read(r.Context(), configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, mmdbURLResponse{
		Section: configstore.SectionGeoIP2,
		Key:     configstore.KeyDbipMmdbURL,
		URL:     v,
		Found:   found,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandlerOptions configures the outer HTTP stack.
type HandlerOptions struct {
	Validator *auth.JWTValidator // nil disables authentication
	Limiter   *rate.Limiter      // nil disables rate limiting
	Health    http.Handler
	Metrics   http.Handler
}

// NewHandler mounts health, metrics and the API behind rate limiting and
// authentication.
func NewHandler(s *Server, opts HandlerOptions) (http.Handler, error) {
	gwmux := runtime.NewServeMux()
	if err := s.Register(gwmux); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	if opts.Health != nil {
		mux.Handle("/healthz", opts.Health)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	mux.Handle("/", gwmux)

	var h http.Handler = mux
	if opts.Validator != nil {
		h = opts.Validator.HTTPMiddleware(h)
	}
	return rateLimitMiddleware(opts.Limiter, h), nil
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, statusResponse{Status: "error", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
