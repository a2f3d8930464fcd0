package provision

import (
	"context"
	"sync"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/google/uuid"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
)

// Operation is the in memory state of a VM provisioning, its wait token is the VM IP.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Operation struct {
	ID        uuid.UUID
	VMIP      string
	ServerIP  string
	Requestor string
	StartedAt time.Time

	recreate bool

	traceID string
	spanID  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	state     sw.State
	result    model.Result
	detail    string
	step      model.StepName
	cancelled bool
}

func newOperation(vm *model.VMRecord, requestor string, recreate bool, timeout time.Duration, now time.Time) *Operation {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	return &Operation{
		ID:        uuid.New(),
		VMIP:      vm.IP,
		ServerIP:  vm.ParentBladeIP,
		Requestor: requestor,
		StartedAt: now,
		recreate:  recreate,
		deadline:  now.Add(timeout),
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

func (o *Operation) Result() model.Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.result
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

// Step returns the step the worker is at.
func (o *Operation) Step() model.StepName {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.step
}

func (o *Operation) setStep(step *model.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.step = step.Name

	if step.State == model.StepFailed {
		o.detail = step.Status
	}
}

func (o *Operation) setDetail(detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.detail = detail
}

func (o *Operation) status() *model.OpStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := string(o.state)
	if o.step != "" && !statemachine.Terminal(o.state) {
		state += "/" + string(o.step)
	}

	return &model.OpStatus{
		Kind:    model.OpKindVM,
		ID:      o.ID,
		Target:  o.VMIP,
		State:   state,
		Result:  o.result,
		Detail:  o.detail,
		TraceID: o.traceID,
		SpanID:  o.spanID,
	}
}

// collapse cancels the operation, the deadline is moved to now so the next step checkpoint fails.
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
