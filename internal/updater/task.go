// Package updater refreshes the DB-IP MMDB download URL stored in the host
// configuration from a JSON descriptor published by DB-IP.
package updater

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/logging"
	"github.com/austindbirch/dbip_updater/internal/metrics"
	"github.com/austindbirch/dbip_updater/internal/settings"
	"github.com/austindbirch/dbip_updater/internal/tracing"
)

// BackoffStep is the linear backoff unit: the k-th retry waits k*BackoffStep.
const BackoffStep = 5 * time.Second

// Backoff returns the wait before retry k (1-based).
func Backoff(k int) time.Duration {
	return time.Duration(k) * BackoffStep
}

const DefaultUserAgent = "DbipUpdater/dev"

// SettingsReader loads the current plugin settings.
type SettingsReader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// ConfigStore is the host configuration the URL is persisted in.
type ConfigStore interface {
	Read(ctx context.Context, section, key string) (string, bool, error)
	Write(ctx context.Context, section, key, value string) error
}

// Logger is a leveled structured logger.
type Logger interface {
	Debug(ctx context.Context, msg string, fields map[string]any)
	Info(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

// Notifier is told about every change of the stored URL.
type Notifier interface {
	NotifyURLChanged(ctx context.Context, previous, current string) error
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TaskConfig is the per-run snapshot of the settings.
type TaskConfig struct {
	SourceURL         string
	DetailedLogging   bool
	ConnectionTimeout time.Duration // 0 disables the per-request timeout
	MaxRetries        int
}

// Result describes a successful run.
type Result struct {
	RunID    string
	URL      string
	Changed  bool
	Attempts int
}

// Task performs one fetch-validate-retry-persist run per Run call. A Task
// keeps no state between runs.
type Task struct {
	settings  SettingsReader
	store     ConfigStore
	client    HTTPClient
	logger    Logger
	notifier  Notifier
	sleep     Sleeper
	now       func() time.Time
	hook      StateHook
	userAgent string
}

type Option func(*Task)

func WithHTTPClient(c HTTPClient) Option { return func(t *Task) { t.client = c } }
func WithLogger(l Logger) Option         { return func(t *Task) { t.logger = l } }
func WithNotifier(n Notifier) Option     { return func(t *Task) { t.notifier = n } }
func WithSleeper(s Sleeper) Option       { return func(t *Task) { t.sleep = s } }
func WithClock(now func() time.Time) Option {
	return func(t *Task) { t.now = now }
}
func WithStateHook(h StateHook) Option { return func(t *Task) { t.hook = h } }
func WithUserAgent(ua string) Option   { return func(t *Task) { t.userAgent = ua } }

func New(s SettingsReader, store ConfigStore, opts ...Option) *Task {
	t := &Task{
		settings:  s,
		store:     store,
		client:    &http.Client{},
		logger:    nopLogger{},
		sleep:     sleepContext,
		now:       time.Now,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run executes one update. It satisfies the scheduler's job signature.
func (t *Task) Run(ctx context.Context) error {
	_, err := t.Execute(ctx)
	return err
}

// Execute runs one update and reports what happened.
func (t *Task) Execute(ctx context.Context) (Result, error) {
	r := &run{id: uuid.NewString(), state: StateIdle}
	res := Result{RunID: r.id}
	start := t.now()

	ctx, span := tracing.StartSpan(ctx, "dbip.update", attribute.String("run.id", r.id))
	defer span.End()

	cfg, err := t.loadConfig(ctx)
	if err != nil {
		t.fail(ctx, r, err, map[string]any{"kind": KindOf(err).String()})
		return res, err
	}
	span.SetAttributes(
		attribute.Int("max_retries", cfg.MaxRetries),
		attribute.String("source.host", hostOf(cfg.SourceURL)),
	)

	t.detail(ctx, cfg, "starting DB-IP URL update", map[string]any{
		"run_id":     r.id,
		"started_at": start.UTC().Format(time.RFC3339),
	})
	t.detail(ctx, cfg, "loaded settings", map[string]any{
		"json_url":           cfg.SourceURL,
		"connection_timeout": cfg.ConnectionTimeout.Seconds(),
		"max_retries":        cfg.MaxRetries,
	})

	attemptsMade := 0
	for {
		url, changed, err := t.attempt(ctx, r, cfg, attemptsMade+1)
		if err == nil {
			res.URL, res.Changed, res.Attempts = url, changed, attemptsMade+1
			t.transition(ctx, r, StateSucceeded)
			outcome := "unchanged"
			if changed {
				outcome = "updated"
			}
			metrics.RecordRun(outcome, t.now())
			t.detail(ctx, cfg, "task completed successfully", map[string]any{
				"run_id":   r.id,
				"outcome":  outcome,
				"attempts": res.Attempts,
				"seconds":  t.now().Sub(start).Seconds(),
			})
			return res, nil
		}

		var te *Error
		if !errors.As(err, &te) || !te.Kind.Retryable() {
			t.fail(ctx, r, err, logFields(r, attemptsMade+1, err))
			return res, err
		}

		fields := logFields(r, attemptsMade+1, err)
		if te.Kind == KindTransient {
			t.detail(ctx, cfg, "attempt failed", fields)
		} else {
			t.logger.Error(ctx, "attempt failed", fields)
		}

		if attemptsMade >= cfg.MaxRetries {
			failure := &TaskFailure{Attempts: attemptsMade + 1, Last: err}
			t.fail(ctx, r, failure, fields)
			return res, failure
		}

		attemptsMade++
		delay := Backoff(attemptsMade)
		t.transition(ctx, r, StateRetryScheduled)
		metrics.RecordRetry(reason(err))
		t.detail(ctx, cfg, "waiting before retry", map[string]any{
			"run_id":       r.id,
			"retry":        attemptsMade,
			"wait_seconds": delay.Seconds(),
		})
		if serr := t.sleep(ctx, delay); serr != nil {
			werr := fmt.Errorf("retry wait interrupted after %d attempts: %w", attemptsMade, serr)
			t.fail(ctx, r, werr, fields)
			return res, werr
		}
	}
}

// attempt fetches, validates and persists once. It reports the extracted
// URL and whether the stored value changed.
func (t *Task) attempt(ctx context.Context, r *run, cfg TaskConfig, n int) (string, bool, error) {
	t.transition(ctx, r, StateFetching)
	t.detail(ctx, cfg, "fetching JSON", map[string]any{"run_id": r.id, "attempt": n, "url": cfg.SourceURL})

	fr, err := t.fetch(ctx, cfg)
	if err != nil {
		return "", false, err
	}

	t.transition(ctx, r, StateValidating)
	url, err := extractURL(fr.body, cfg.SourceURL)
	if err != nil {
		return "", false, err
	}

	t.transition(ctx, r, StateComparing)
	current, found, err := t.store.Read(ctx, configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL)
	if err != nil {
		return "", false, &Error{Kind: KindConfigWrite, Err: fmt.Errorf("read %s.%s: %w",
			configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL, err)}
	}
	if found && current == url {
		t.transition(ctx, r, StateDone)
		t.detail(ctx, cfg, "DB-IP URL unchanged, no update needed", map[string]any{"run_id": r.id, "url": url})
		return url, false, nil
	}

	t.transition(ctx, r, StateWritingConfig)
	if err := t.store.Write(ctx, configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL, url); err != nil {
		return "", false, &Error{Kind: KindConfigWrite, Err: fmt.Errorf("write %s.%s: %w",
			configstore.SectionGeoIP2, configstore.KeyDbipMmdbURL, err)}
	}
	t.logger.Info(ctx, "successfully updated DB-IP MMDB URL", map[string]any{
		"run_id":   r.id,
		"url":      url,
		"previous": current,
	})

	if t.notifier != nil {
		if err := t.notifier.NotifyURLChanged(ctx, current, url); err != nil {
			t.logger.Error(ctx, "failed to publish URL change", map[string]any{
				"run_id": r.id,
				"error":  err.Error(),
			})
		}
	}
	return url, true, nil
}

func (t *Task) loadConfig(ctx context.Context) (TaskConfig, error) {
	s, err := t.settings.Load(ctx)
	if err != nil {
		return TaskConfig{}, &Error{Kind: KindConfiguration, Err: fmt.Errorf("load settings: %w", err)}
	}
	cfg := TaskConfig{
		SourceURL:         s.JSONURL,
		DetailedLogging:   s.DetailedLogging,
		ConnectionTimeout: time.Duration(s.ConnectionTimeout) * time.Second,
		MaxRetries:        s.MaxRetries,
	}
	if cfg.SourceURL == "" {
		return cfg, newError(KindConfiguration, "%s is not configured", settings.KeyJSONURL)
	}
	if !settings.IsAbsoluteURL(cfg.SourceURL) {
		return cfg, newError(KindConfiguration, "%s is not a valid URL: %q", settings.KeyJSONURL, cfg.SourceURL)
	}
	if cfg.MaxRetries < 0 || cfg.ConnectionTimeout < 0 {
		return cfg, newError(KindConfiguration, "timeout and retries must be non-negative")
	}
	return cfg, nil
}

func (t *Task) fail(ctx context.Context, r *run, err error, fields map[string]any) {
	t.transition(ctx, r, StateFailed)
	tracing.SetSpanError(ctx, err)
	metrics.RecordRun("failed", t.now())

	fields = maps.Clone(fields)
	msg := "update failed"
	var failure *TaskFailure
	if errors.As(err, &failure) {
		msg = "all retry attempts failed"
		fields["attempts"] = failure.Attempts
	}
	fields["error"] = err.Error()
	t.logger.Error(ctx, msg, fields)
}

// detail logs at debug level when detailed logging is enabled. The entry is
// written even when the process log level is above debug.
func (t *Task) detail(ctx context.Context, cfg TaskConfig, msg string, fields map[string]any) {
	if cfg.DetailedLogging {
		t.logger.Debug(logging.WithVerbose(ctx), msg, fields)
	}
}

func logFields(r *run, attempt int, err error) map[string]any {
	fields := map[string]any{
		"run_id":  r.id,
		"attempt": attempt,
		"error":   err.Error(),
	}
	var te *Error
	if errors.As(err, &te) {
		fields["kind"] = te.Kind.String()
		if te.StatusCode != 0 {
			fields["status"] = te.StatusCode
		}
		for k, v := range te.detail {
			fields[k] = v
		}
	}
	return fields
}

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, map[string]any) {}
func (nopLogger) Info(context.Context, string, map[string]any)  {}
func (nopLogger) Error(context.Context, string, map[string]any) {}
