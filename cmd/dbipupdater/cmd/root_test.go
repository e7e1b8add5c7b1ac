package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/dbip_updater/internal/config"
	"github.com/austindbirch/dbip_updater/internal/settings"
)

func TestApplySetting(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		want    settings.Settings
		wantErr bool
	}{
		{key: "jsonUrl", value: "https://db-ip.com/account/k/db/ip-to-location/", want: settings.Settings{JSONURL: "https://db-ip.com/account/k/db/ip-to-location/", ConnectionTimeout: 30, MaxRetries: 3}},
		{key: "enableDetailedLogging", value: "true", want: settings.Settings{DetailedLogging: true, ConnectionTimeout: 30, MaxRetries: 3}},
		{key: "connectionTimeout", value: "10", want: settings.Settings{ConnectionTimeout: 10, MaxRetries: 3}},
		{key: "maxRetries", value: "0", want: settings.Settings{ConnectionTimeout: 30}},
		{key: "maxRetries", value: "lots", wantErr: true},
		{key: "enableDetailedLogging", value: "maybe", wantErr: true},
		{key: "colour", value: "blue", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			s := settings.Defaults()
			err := applySetting(&s, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applySetting() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s != tt.want {
				t.Errorf("applySetting() = %+v, want %+v", s, tt.want)
			}
		})
	}
}

func TestApplySettingTypeErrorsAreInvalid(t *testing.T) {
	s := settings.Defaults()
	if err := applySetting(&s, settings.KeyConnectionTimeout, "ten"); !errors.Is(err, settings.ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
}

func TestPrintOutput(t *testing.T) {
	old := outputFormat
	t.Cleanup(func() { outputFormat = old })

	v := runOutput{RunID: "r1", URL: "https://x.test/a.mmdb", Changed: true, Attempts: 1}
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{format: "json", want: `"run_id": "r1"`},
		{format: "yaml", want: "run_id: r1"},
		{format: "text", want: "RunID:r1"},
		{format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			outputFormat = tt.format
			var buf bytes.Buffer
			err := printOutput(&buf, v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrintOutputProtoJSON(t *testing.T) {
	old := outputFormat
	t.Cleanup(func() { outputFormat = old })
	outputFormat = "json"

	var buf bytes.Buffer
	if err := printOutput(&buf, &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"SERVING"`) {
		t.Errorf("output = %s, want enum name", buf.String())
	}
}

func TestCheckHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	resp, err := checkHealth(context.Background(), lis.Addr().String())
	if err != nil {
		t.Fatalf("checkHealth() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v", resp.GetStatus())
	}

	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	resp, err = checkHealth(context.Background(), lis.Addr().String())
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("checkHealth() = %v, %v", resp.GetStatus(), err)
	}
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.FromEnv()
	cfg.LogLevel = "error"
	cfg.HostConfigPath = filepath.Join(dir, "config.ini.php")
	cfg.NSQ.NsqdTCPAddr = ""
	cfg.Settings = config.Settings{
		Backend:    backend,
		SQLitePath: filepath.Join(dir, "settings.db"),
		FilePath:   filepath.Join(dir, "settings.yaml"),
	}
	return cfg
}

func TestNewApp(t *testing.T) {
	for _, backend := range []string{"sqlite", "file"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			a, err := newApp(ctx, testConfig(t, backend))
			if err != nil {
				t.Fatalf("newApp() error = %v", err)
			}
			defer a.Close()

			if _, ok := a.checks["settings_store"]; !ok {
				t.Error("settings store check not registered")
			}
			for name, check := range a.checks {
				if err := check(ctx); err != nil {
					t.Errorf("check %s failed: %v", name, err)
				}
			}

			if err := a.settings.Save(ctx, settings.Settings{JSONURL: "https://x.test/", MaxRetries: 1}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := a.settings.Load(ctx)
			if err != nil || got.JSONURL != "https://x.test/" {
				t.Errorf("Load() = %+v, %v", got, err)
			}

			if _, err := a.newTask(); err != nil {
				t.Errorf("newTask() error = %v", err)
			}
		})
	}
}

func TestNewAppErrors(t *testing.T) {
	cfg := testConfig(t, "redis")
	if _, err := newApp(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "redis") {
		t.Errorf("newApp() error = %v, want unknown backend", err)
	}

	cfg = testConfig(t, "file")
	cfg.LogLevel = "loud"
	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Error("newApp() accepted an unknown log level")
	}
}
