package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Evaluate runs every check with a shared timeout.
func Evaluate(ctx context.Context, checks map[string]Check) Status {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	st := Status{OK: true, Message: "ok", Checks: make(map[string]string, len(checks))}
	var failed []string
	for name, check := range checks {
		if err := check(ctx); err != nil {
			st.Checks[name] = err.Error()
			failed = append(failed, name)
			continue
		}
		st.Checks[name] = "ok"
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		st.OK = false
		st.Message = "unhealthy: " + failed[0]
		if len(failed) > 1 {
			st.Message += " and others"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Evaluate(r.Context(), checks)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// SyncGRPC mirrors the check results into a gRPC health server for service
// until ctx is cancelled.
func SyncGRPC(ctx context.Context, hs *grpchealth.Server, service string, checks map[string]Check, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Evaluate(ctx, checks).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(service, status)
		hs.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
