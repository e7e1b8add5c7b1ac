package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/dbip_updater/internal/auth"
	"github.com/austindbirch/dbip_updater/internal/configstore"
	"github.com/austindbirch/dbip_updater/internal/logging"
	"github.com/austindbirch/dbip_updater/internal/schedule"
	"github.com/austindbirch/dbip_updater/internal/settings"
	"github.com/austindbirch/dbip_updater/internal/updater"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) Get(_ context.Context, k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[k]
	return v, ok, nil
}

func (m *memSettings) Set(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[k] = v
	return nil
}

type fakeConfig struct {
	value string
	found bool
	err   error
}

func (f fakeConfig) Read(context.Context, string, string) (string, bool, error) {
	return f.value, f.found, f.err
}

type fakeExecutor struct {
	res     updater.Result
	err     error
	block   chan struct{}
	started chan struct{}
	ctxErr  error
}

func (f *fakeExecutor) Execute(ctx context.Context) (updater.Result, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	f.ctxErr = ctx.Err()
	return f.res, f.err
}

type fixture struct {
	store   *memSettings
	exec    *fakeExecutor
	guard   *schedule.Exclusive
	handler http.Handler
}

func newFixture(t *testing.T, cfg fakeConfig, exec *fakeExecutor, opts HandlerOptions) *fixture {
	t.Helper()
	store := &memSettings{values: map[string]string{}}
	guard := schedule.NewExclusive(func(context.Context) error { return nil })
	logger := logging.New("test", logging.WithOutput(&bytes.Buffer{}))
	srv := NewServer(settings.NewAccessor(store), cfg, exec, guard, logger, time.Minute)
	h, err := NewHandler(srv, opts)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return &fixture{store: store, exec: exec, guard: guard, handler: h}
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %q", rr.Body.String())
	}
	return m
}

func TestGetSettings(t *testing.T) {
	f := newFixture(t, fakeConfig{}, &fakeExecutor{}, HandlerOptions{})
	f.store.values[settings.KeyJSONURL] = "https://db-ip.com/account/k/db/ip-to-location/"
	f.store.values[settings.KeyMaxRetries] = "5"

	rr := f.do(http.MethodGet, "/v1/settings", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["status"] != "success" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["jsonUrl"] != "https://db-ip.com/account/k/db/ip-to-location/" {
		t.Errorf("jsonUrl = %v", body["jsonUrl"])
	}
	if body["maxRetries"] != float64(5) || body["connectionTimeout"] != float64(30) {
		t.Errorf("numeric settings = %v / %v", body["maxRetries"], body["connectionTimeout"])
	}
	if body["enableDetailedLogging"] != false {
		t.Errorf("enableDetailedLogging = %v", body["enableDetailedLogging"])
	}
}

func TestPutSettings(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantStored map[string]string
	}{
		{
			name:       "full update",
			body:       `{"jsonUrl":"https://db-ip.com/account/new/db/ip-to-location/","enableDetailedLogging":true,"connectionTimeout":10,"maxRetries":1}`,
			wantStatus: http.StatusOK,
			wantStored: map[string]string{
				settings.KeyJSONURL:           "https://db-ip.com/account/new/db/ip-to-location/",
				settings.KeyDetailedLogging:   "true",
				settings.KeyConnectionTimeout: "10",
				settings.KeyMaxRetries:        "1",
			},
		},
		{
			name:       "partial update keeps defaults",
			body:       `{"maxRetries":0}`,
			wantStatus: http.StatusOK,
			wantStored: map[string]string{
				settings.KeyConnectionTimeout: "30",
				settings.KeyMaxRetries:        "0",
			},
		},
		{name: "invalid url", body: `{"jsonUrl":"not a url"}`, wantStatus: http.StatusBadRequest},
		{name: "negative timeout", body: `{"connectionTimeout":-5}`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"jsonLink":"https://x.test/"}`, wantStatus: http.StatusBadRequest},
		{name: "wrong type", body: `{"maxRetries":"three"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fakeConfig{}, &fakeExecutor{}, HandlerOptions{})

			rr := f.do(http.MethodPut, "/v1/settings", tt.body, map[string]string{"Content-Type": "application/json"})
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			body := decode(t, rr)
			if tt.wantStatus == http.StatusOK {
				if body["message"] != "Settings saved successfully" {
					t.Errorf("message = %v", body["message"])
				}
			} else if body["status"] != "error" {
				t.Errorf("status field = %v, want error", body["status"])
			}
			for k, want := range tt.wantStored {
				if got := f.store.values[k]; got != want {
					t.Errorf("stored %s = %q, want %q", k, got, want)
				}
			}
			if tt.wantStatus != http.StatusOK && len(f.store.values) != 0 {
				t.Errorf("rejected request wrote %v", f.store.values)
			}
		})
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		exec       *fakeExecutor
		wantStatus int
		wantKind   string
	}{
		{
			name:       "changed",
			exec:       &fakeExecutor{res: updater.Result{RunID: "r1", URL: "https://x.test/a.mmdb", Changed: true, Attempts: 2}},
			wantStatus: http.StatusOK,
		},
		{
			name: "failed",
			exec: &fakeExecutor{err: &updater.TaskFailure{
				Attempts: 4,
				Last:     &updater.Error{Kind: updater.KindAuthentication, StatusCode: 403, Err: errors.New("forbidden")},
			}},
			wantStatus: http.StatusBadGateway,
			wantKind:   "authentication",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fakeConfig{}, tt.exec, HandlerOptions{})

			rr := f.do(http.MethodPost, "/v1/run", "", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			body := decode(t, rr)
			if tt.wantKind != "" && body["kind"] != tt.wantKind {
				t.Errorf("kind = %v, want %v", body["kind"], tt.wantKind)
			}
			if tt.wantStatus == http.StatusOK {
				if body["run_id"] != "r1" || body["changed"] != true || body["attempts"] != float64(2) {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestRunSurvivesClientCancel(t *testing.T) {
	exec := &fakeExecutor{}
	f := newFixture(t, fakeConfig{}, exec, HandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/run", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if exec.ctxErr != nil {
		t.Errorf("run context was cancelled with the request: %v", exec.ctxErr)
	}
}

func TestRunConflict(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{}), started: make(chan struct{})}
	f := newFixture(t, fakeConfig{}, exec, HandlerOptions{})

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- f.do(http.MethodPost, "/v1/run", "", nil) }()
	<-exec.started

	rr := f.do(http.MethodPost, "/v1/run", "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("overlapping run status = %d, want 409", rr.Code)
	}

	close(exec.block)
	if first := <-done; first.Code != http.StatusOK {
		t.Errorf("first run status = %d", first.Code)
	}
}

func TestMmdbURL(t *testing.T) {
	tests := []struct {
		name       string
		cfg        fakeConfig
		wantStatus int
		wantURL    string
	}{
		{name: "present", cfg: fakeConfig{value: "https://x.test/a.mmdb", found: true}, wantStatus: http.StatusOK, wantURL: "https://x.test/a.mmdb"},
		{name: "missing", cfg: fakeConfig{}, wantStatus: http.StatusOK},
		{name: "unreadable", cfg: fakeConfig{err: errors.New("permission denied")}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, &fakeExecutor{}, HandlerOptions{})
			rr := f.do(http.MethodGet, "/v1/mmdb-url", "", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			body := decode(t, rr)
			if body["url"] != tt.wantURL || body["section"] != configstore.SectionGeoIP2 || body["key"] != configstore.KeyDbipMmdbURL {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHandlerAuthAndRateLimit(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := auth.PublicKeyPEM(key)
	validator, err := auth.NewJWTValidator(pub, "iss", "aud")
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := auth.NewSigner(key, "iss", "aud", time.Hour).Sign("admin", auth.RoleSuperUser)
	if err != nil {
		t.Fatal(err)
	}

	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	f := newFixture(t, fakeConfig{}, &fakeExecutor{}, HandlerOptions{
		Validator: validator,
		Limiter:   rate.NewLimiter(rate.Every(time.Hour), 3),
		Health:    health,
	})

	if rr := f.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without token", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/v1/settings", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rr.Code)
	}
	if rr := f.do(http.MethodGet, "/v1/settings", "", map[string]string{"Authorization": "Bearer " + token}); rr.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rr.Code)
	}
	// Burst of 3 is exhausted
	if rr := f.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("rate limited status = %d, want 429", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, fakeConfig{}, &fakeExecutor{}, HandlerOptions{})
	if rr := f.do(http.MethodGet, "/v1/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
