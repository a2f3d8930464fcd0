package statemachine

import (
	sw "github.com/filanov/stateswitch"
)

// NoopTransitioner implements the Transitioner interface, it is used to describe the statemachine.
type NoopTransitioner struct{}

func (h *NoopTransitioner) Started(_ sw.StateSwitch, _ sw.TransitionArgs) error {
	return nil
}

func (h *NoopTransitioner) Finish(_ sw.StateSwitch, _ sw.TransitionArgs) error {
	return nil
}

func (h *NoopTransitioner) Publish(_ sw.StateSwitch, _ sw.TransitionArgs) error {
	return nil
}
