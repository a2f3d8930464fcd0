package runner

import (
	"context"
	"testing"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Deadline() time.Time {
	args := m.Called()
	if f, ok := args.Get(0).(func() time.Time); ok {
		return f()
	}

	return args.Get(0).(time.Time)
}

func (m *MockHandler) Publish(step *model.Step) {
	m.Called(step)
}

func stepsFor(calls *[]string, failAt model.StepName) model.Steps {
	names := []model.StepName{"first", "second", "third"}
	steps := model.Steps{}

	for _, name := range names {
		name := name
		steps = append(steps, &model.Step{
			Name: name,
			Handler: func(context.Context) error {
				*calls = append(*calls, string(name))
				if name == failAt {
					return errors.New(string(name) + " failed")
				}

				return nil
			},
		})
	}

	return steps
}

func TestRunSteps(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name          string
		failAt        model.StepName
		deadline      time.Time
		expectedCalls []string
		expectedState []model.StepState
		expectedError string
	}{
		{
			name:          "every step runs",
			deadline:      now.Add(time.Minute),
			expectedCalls: []string{"first", "second", "third"},
			expectedState: []model.StepState{model.StepSucceeded, model.StepSucceeded, model.StepSucceeded},
		},
		{
			name:          "failure skips the remaining steps",
			failAt:        "second",
			deadline:      now.Add(time.Minute),
			expectedCalls: []string{"first", "second"},
			expectedState: []model.StepState{model.StepSucceeded, model.StepFailed, model.StepSkipped},
			expectedError: "second: second failed",
		},
		{
			name:          "deadline passed before the first step",
			deadline:      now,
			expectedCalls: nil,
			expectedState: []model.StepState{model.StepSkipped, model.StepSkipped, model.StepSkipped},
			expectedError: "before first: " + ErrDeadlineExceeded.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string

			steps := stepsFor(&calls, tt.failAt)

			h := new(MockHandler)
			h.On("Deadline").Return(tt.deadline)
			h.On("Publish", mock.Anything).Maybe()

			r := New(logrus.NewEntry(logrus.New()), clock)

			err := r.RunSteps(context.Background(), steps, h)
			if tt.expectedError != "" {
				assert.EqualError(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.expectedCalls, calls)

			for i, s := range steps {
				assert.Equal(t, tt.expectedState[i], s.State, s.Name)
			}

			h.AssertExpectations(t)
		})
	}
}

func TestRunStepsDeadlineMovedByCancel(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := now.Add(time.Hour)

	var calls []string

	steps := stepsFor(&calls, "")

	// the first step collapses the deadline, the way a cancel does
	first := steps[0].Handler
	steps[0].Handler = func(ctx context.Context) error {
		deadline = now
		return first(ctx)
	}

	h := new(MockHandler)
	h.On("Deadline").Return(func() time.Time { return deadline })
	h.On("Publish", mock.Anything).Maybe()

	r := New(logrus.NewEntry(logrus.New()), func() time.Time { return now })

	err := r.RunSteps(context.Background(), steps, h)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Equal(t, []string{"first"}, calls)
}

func TestRunStepsContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls []string

	h := new(MockHandler)
	h.On("Deadline").Return(time.Time{})

	r := New(logrus.NewEntry(logrus.New()), nil)

	err := r.RunSteps(ctx, stepsFor(&calls, ""), h)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestGraph(t *testing.T) {
	var calls []string

	g := Graph(stepsFor(&calls, ""))
	out := g.String()

	for _, name := range []string{"pending", "first", "second", "third", "succeeded", "failed"} {
		assert.Contains(t, out, name)
	}
}
