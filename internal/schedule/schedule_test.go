package schedule

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/dbip_updater/internal/logging"
)

func TestMonthlyNext(t *testing.T) {
	utc := time.UTC
	tests := []struct {
		name     string
		schedule Monthly
		after    time.Time
		want     time.Time
	}{
		{
			name:     "later this month",
			schedule: Monthly{Day: 2, Location: utc},
			after:    time.Date(2026, 3, 1, 12, 0, 0, 0, utc),
			want:     time.Date(2026, 3, 2, 0, 0, 0, 0, utc),
		},
		{
			name:     "exactly at trigger moves to next month",
			schedule: Monthly{Day: 2, Location: utc},
			after:    time.Date(2026, 3, 2, 0, 0, 0, 0, utc),
			want:     time.Date(2026, 4, 2, 0, 0, 0, 0, utc),
		},
		{
			name:     "year rollover",
			schedule: Monthly{Day: 2, Hour: 3, Minute: 30, Location: utc},
			after:    time.Date(2026, 12, 15, 0, 0, 0, 0, utc),
			want:     time.Date(2027, 1, 2, 3, 30, 0, 0, utc),
		},
		{
			name:     "day clamped to february",
			schedule: Monthly{Day: 31, Location: utc},
			after:    time.Date(2026, 2, 1, 0, 0, 0, 0, utc),
			want:     time.Date(2026, 2, 28, 0, 0, 0, 0, utc),
		},
		{
			name:     "day clamped in leap year",
			schedule: Monthly{Day: 30, Location: utc},
			after:    time.Date(2028, 2, 10, 0, 0, 0, 0, utc),
			want:     time.Date(2028, 2, 29, 0, 0, 0, 0, utc),
		},
		{
			name:     "clamped day already passed",
			schedule: Monthly{Day: 31, Location: utc},
			after:    time.Date(2026, 4, 30, 1, 0, 0, 0, utc),
			want:     time.Date(2026, 5, 31, 0, 0, 0, 0, utc),
		},
		{
			name:     "day below one treated as first",
			schedule: Monthly{Day: 0, Location: utc},
			after:    time.Date(2026, 6, 15, 0, 0, 0, 0, utc),
			want:     time.Date(2026, 7, 1, 0, 0, 0, 0, utc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.schedule.Next(tt.after); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.after, got, tt.want)
			}
		})
	}
}

func TestExclusive(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ex := NewExclusive(func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ex.Run(context.Background()); err != nil {
			t.Errorf("first Run() error = %v", err)
		}
	}()

	<-started
	if !ex.Running() {
		t.Error("Running() = false during invocation")
	}
	if err := ex.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("overlapping Run() = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	wg.Wait()
	if ex.Running() {
		t.Error("Running() = true after invocation finished")
	}
}

func TestRunnerInvokesJobAndStops(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("test", logging.WithOutput(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	job := func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
			return errors.New("source unreachable")
		}
		return nil
	}

	r := NewRunner(Monthly{Day: 2, Location: time.UTC}, job, logger)
	r.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	var waits []time.Duration
	r.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if calls != 2 {
		t.Errorf("job calls = %d, want 2", calls)
	}
	if len(waits) < 2 || waits[0] != 24*time.Hour {
		t.Errorf("waits = %v, want first wait of 24h", waits)
	}
	if !strings.Contains(buf.String(), "Scheduled update failed") {
		t.Errorf("expected job failure to be logged, got:\n%s", buf.String())
	}
}
