package model

import (
	"context"

	"github.com/pkg/errors"
)

// A VM provisioning operation is a fixed sequence of steps,
// each step is checked against the operation deadline before it runs.

// StepName identifies a single step within an operation
type StepName string

// StepState is the execution state of a step
type StepState string

const (
	StepPending   StepState = "pending"
	StepActive    StepState = "active"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepHandler defines the signature for each step to be executed
type StepHandler func(ctx context.Context) error

// Step is the smallest unit of work within an operation
type Step struct {
	Name        StepName    `json:"name"`
	Handler     StepHandler `json:"-"`
	PostStep    StepHandler `json:"-"`
	Description string      `json:"doc"`
	State       StepState   `json:"state"`
	Status      string      `json:"status"`
}

func (s *Step) SetState(state StepState) {
	s.State = state
}

func (s *Step) SetStatus(status string) {
	s.Status = status
}

// Steps is the list of steps to be executed
type Steps []*Step

// ByName returns the step identified by its name
func (us Steps) ByName(name StepName) (u Step, err error) {
	errNotFound := errors.New("step not found by Name")
	for _, unit := range us {
		if unit.Name == name {
			return *unit, nil
		}
	}

	return Step{}, errors.Wrap(errNotFound, string(name))
}

// Remove returns the steps without the one identified by name.
func (us Steps) Remove(name StepName) (final Steps) {
	for _, t := range us {
		if t.Name == name {
			continue
		}

		final = append(final, t)
	}

	return final
}

// Completed returns the names of the steps which succeeded, in order.
func (us Steps) Completed() []StepName {
	names := []StepName{}

	for _, t := range us {
		if t.State == StepSucceeded {
			names = append(names, t.Name)
		}
	}

	return names
}
