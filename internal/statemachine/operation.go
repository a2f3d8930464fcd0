// Package statemachine holds the lifecycle statemachine shared by the BIOS and VM provisioning operations.
package statemachine

import (
	"context"
	"fmt"

	sw "github.com/filanov/stateswitch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// operation states
	//
	// states an operation transitions through, the active state is named by the operation kind.
	StateIdle         sw.State = "idle"
	StateBooting      sw.State = "booting"
	StateProvisioning sw.State = "provisioning"
	StateSuccess      sw.State = "success"
	StateFailed       sw.State = "failed"
	StateCancelled    sw.State = "cancelled"

	TransitionTypeStart   sw.TransitionType = "start"
	TransitionTypeSucceed sw.TransitionType = "succeed"
	TransitionTypeFail    sw.TransitionType = "fail"
	TransitionTypeCancel  sw.TransitionType = "cancel"
)

var (
	// errors
	ErrInvalidTransitionHandler = errors.New("expected a valid transition handler type")
	ErrInvalidHandlerContext    = errors.New("expected a HandlerContext{} type")
	ErrOperationTransition      = errors.New("error in operation transition")
)

// HandlerContext holds working attributes of an operation transition
//
// This struct is passed to transition handlers which
// depend on the values provided in this struct.
type HandlerContext struct {
	// Ctx is the operation context, it carries the lock holder of the worker.
	Ctx context.Context

	// Err is the failure cause on the fail and cancel transitions.
	Err error

	Logger *logrus.Entry
}

// Transitioner defines stateswitch methods that handle operation transitions.
type Transitioner interface {
	// Started runs when the operation leaves idle.
	Started(sw sw.StateSwitch, args sw.TransitionArgs) error
	// Finish runs once, on the transition into a terminal state.
	Finish(sw sw.StateSwitch, args sw.TransitionArgs) error
	// Publish runs after every transition.
	Publish(sw sw.StateSwitch, args sw.TransitionArgs) error
}

// OperationStateMachine drives a long running operation
//
// idle -> active -> success | failed | cancelled
//
// An operation can also fail or be cancelled before it leaves idle. The terminal states
// have no outgoing transitions so Finish runs at most once per operation.
type OperationStateMachine struct {
	sm     sw.StateMachine
	active sw.State
}

// NewOperationStateMachine returns a statemachine with active as the running state.
func NewOperationStateMachine(active sw.State, handler Transitioner) *OperationStateMachine {
	m := &OperationStateMachine{sm: sw.NewStateMachine(), active: active}

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionTypeStart,
		SourceStates:     sw.States{StateIdle},
		DestinationState: active,
		Condition:        nil,
		Transition:       handler.Started,
		PostTransition:   handler.Publish,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionTypeSucceed,
		SourceStates:     sw.States{active},
		DestinationState: StateSuccess,
		Transition:       handler.Finish,
		PostTransition:   handler.Publish,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionTypeFail,
		SourceStates:     sw.States{StateIdle, active},
		DestinationState: StateFailed,
		Transition:       handler.Finish,
		PostTransition:   handler.Publish,
	})

	m.sm.AddTransition(sw.TransitionRule{
		TransitionType:   TransitionTypeCancel,
		SourceStates:     sw.States{StateIdle, active},
		DestinationState: StateCancelled,
		Transition:       handler.Finish,
		PostTransition:   handler.Publish,
	})

	m.sm.DescribeState(StateIdle, sw.StateDoc{Name: string(StateIdle), Description: "operation accepted, worker not running yet"})
	m.sm.DescribeState(active, sw.StateDoc{Name: string(active), Description: "worker running"})
	m.sm.DescribeState(StateSuccess, sw.StateDoc{Name: string(StateSuccess), Description: "operation completed"})
	m.sm.DescribeState(StateFailed, sw.StateDoc{Name: string(StateFailed), Description: "operation failed, the cause is logged"})
	m.sm.DescribeState(StateCancelled, sw.StateDoc{Name: string(StateCancelled), Description: "operation deadline collapsed by a cancel"})

	m.sm.DescribeTransitionType(TransitionTypeStart, sw.TransitionTypeDoc{Name: string(TransitionTypeStart), Description: "worker picked up the operation"})
	m.sm.DescribeTransitionType(TransitionTypeSucceed, sw.TransitionTypeDoc{Name: string(TransitionTypeSucceed), Description: "every step completed"})
	m.sm.DescribeTransitionType(TransitionTypeFail, sw.TransitionTypeDoc{Name: string(TransitionTypeFail), Description: "a step returned an error or the deadline passed"})
	m.sm.DescribeTransitionType(TransitionTypeCancel, sw.TransitionTypeDoc{Name: string(TransitionTypeCancel), Description: "the operation was cancelled"})

	return m
}

// Active returns the running state of the operation.
func (m *OperationStateMachine) Active() sw.State {
	return m.active
}

// DescribeAsJSON returns a JSON output describing the operation statemachine.
func (m *OperationStateMachine) DescribeAsJSON() ([]byte, error) {
	return m.sm.AsJSON()
}

// Transition runs the transition on the operation.
func (m *OperationStateMachine) Transition(op sw.StateSwitch, transitionType sw.TransitionType, hctx *HandlerContext) error {
	err := m.sm.Run(transitionType, op, hctx)
	if err == nil {
		return nil
	}

	// update error to include some useful context
	if errors.Is(err, sw.NoConditionPassedToRunTransaction) {
		return errors.Wrap(
			ErrOperationTransition,
			fmt.Sprintf("no transition rule found for transition type '%s' and state '%s'", transitionType, op.State()),
		)
	}

	return err
}

// Start moves the operation into the running state.
func (m *OperationStateMachine) Start(op sw.StateSwitch, hctx *HandlerContext) error {
	return m.Transition(op, TransitionTypeStart, hctx)
}

// Finish moves the operation into its terminal state based on err,
// an error caused by a cancel is reported as cancelled.
func (m *OperationStateMachine) Finish(op sw.StateSwitch, hctx *HandlerContext, err error, cancelled bool) error {
	hctx.Err = err

	switch {
	case err == nil:
		return m.Transition(op, TransitionTypeSucceed, hctx)
	case cancelled:
		return m.Transition(op, TransitionTypeCancel, hctx)
	default:
		return m.Transition(op, TransitionTypeFail, hctx)
	}
}

// Terminal returns true when an operation in state will make no further progress.
func Terminal(state sw.State) bool {
	switch state {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// HandlerContextFrom asserts the transition args type.
func HandlerContextFrom(args sw.TransitionArgs) (*HandlerContext, error) {
	hctx, ok := args.(*HandlerContext)
	if !ok {
		return nil, ErrInvalidHandlerContext
	}

	return hctx, nil
}
