package updater

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/dbip_updater/internal/tracing"
)

// State is the position of a run in its state machine.
type State string

const (
	StateIdle           State = "idle"
	StateFetching       State = "fetching"
	StateValidating     State = "validating"
	StateComparing      State = "comparing"
	StateWritingConfig  State = "writing_config"
	StateDone           State = "done"
	StateSucceeded      State = "succeeded"
	StateRetryScheduled State = "retry_scheduled"
	StateFailed         State = "failed"
)

// StateHook observes every transition of a run.
type StateHook func(ctx context.Context, from, to State)

type run struct {
	id    string
	state State
}

func (t *Task) transition(ctx context.Context, r *run, to State) {
	from := r.state
	r.state = to
	tracing.AddSpanEvent(ctx, "state."+string(to),
		attribute.String("state.from", string(from)),
	)
	if t.hook != nil {
		t.hook(ctx, from, to)
	}
}
