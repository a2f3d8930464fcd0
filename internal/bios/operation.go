package bios

import (
	"context"
	"sync"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/google/uuid"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
)

// Mode is the direction of a BIOS operation.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Operation is the in memory state of a BIOS read or write on one blade.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Operation struct {
	ID        uuid.UUID
	BladeIP   string
	Requestor string
	Mode      Mode
	StartedAt time.Time

	// payload is the image pushed by a write.
	payload string

	traceID string
	spanID  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	state     sw.State
	result    model.Result
	image     string
	detail    string
	cancelled bool
}

func newOperation(req Request, timeout time.Duration, now time.Time) *Operation {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return &Operation{
		ID:        uuid.New(),
		BladeIP:   req.BladeIP,
		Requestor: req.Requestor,
		Mode:      req.Mode,
		StartedAt: now,
		deadline:  now.Add(timeout),
		payload:   req.Image,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     statemachine.StateIdle,
		result:    model.ResultPending,
	}
}

// State implements the stateswitch.StateSwitch interface.
func (o *Operation) State() sw.State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// SetState implements the stateswitch.StateSwitch interface.
func (o *Operation) SetState(state sw.State) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = state

	switch state {
	case statemachine.StateSuccess:
		o.result = model.ResultSuccess
	case statemachine.StateFailed:
		o.result = model.ResultGenericFail
	case statemachine.StateCancelled:
		o.result = model.ResultCancelled
	}

	return nil
}

// Finished returns true once the operation reached a terminal state.
func (o *Operation) Finished() bool {
	return statemachine.Terminal(o.State())
}

// Result returns the operation result and, for a successful read, the image retrieved.
func (o *Operation) Result() (model.Result, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.result, o.image
}

// Deadline returns the time the operation is abandoned at, a cancel moves it to the time of the cancel.
func (o *Operation) Deadline() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.deadline
}

// Done is closed once the worker has returned.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

func (o *Operation) setImage(image string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.image = image
}

func (o *Operation) setDetail(detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.detail = detail
}

func (o *Operation) status() *model.OpStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	return &model.OpStatus{
		Kind:    model.OpKindBIOS,
		ID:      o.ID,
		Target:  o.BladeIP,
		State:   string(o.state),
		Result:  o.result,
		Detail:  o.detail,
		TraceID: o.traceID,
		SpanID:  o.spanID,
	}
}

// collapse cancels the operation, the deadline is moved to now so every wait of the worker returns.
func (o *Operation) collapse(now time.Time) {
	o.mu.Lock()
	if !statemachine.Terminal(o.state) {
		o.cancelled = true
		o.deadline = now
	}
	o.mu.Unlock()

	o.cancel()
}

func (o *Operation) wasCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cancelled
}
