// Package runner executes the steps of a long running operation.
package runner

import (
	"context"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDeadlineExceeded = errors.New("operation deadline exceeded")
	ErrStepFailed       = errors.New("step failed")
)

// A Runner runs the steps of a single operation in order, every step is checked
// against the operation deadline before it runs.
type Runner struct {
	logger *logrus.Entry
	now    func() time.Time
}

// Handler is the operation the steps belong to.
type Handler interface {
	// Deadline returns the time the operation is abandoned at, it moves when the operation is cancelled.
	Deadline() time.Time
	// Publish is called on every step state change.
	Publish(step *model.Step)
}

func New(logger *logrus.Entry, now func() time.Time) *Runner {
	if now == nil {
		now = time.Now
	}

	return &Runner{
		logger: logger,
		now:    now,
	}
}

// RunSteps runs steps until one fails, the context is done or the deadline passes.
// The remaining steps are marked skipped.
func (r *Runner) RunSteps(ctx context.Context, steps model.Steps, handler Handler) error {
	for idx, step := range steps {
		if err := r.checkpoint(ctx, step, handler); err != nil {
			skip(steps[idx:])
			return err
		}

		logger := r.logger.WithField("step", step.Name)
		logger.Debug("step running")

		step.SetState(model.StepActive)
		handler.Publish(step)

		started := r.now()

		err := step.Handler(ctx)
		if err == nil && step.PostStep != nil {
			err = step.PostStep(ctx)
		}

		elapsed := r.now().Sub(started)

		if err != nil {
			step.SetState(model.StepFailed)
			step.SetStatus(err.Error())
			handler.Publish(step)

			metrics.VMProvisionStepSummary.WithLabelValues(string(step.Name), string(model.StepFailed)).
				Observe(elapsed.Seconds())

			skip(steps[idx+1:])

			return errors.Wrap(err, string(step.Name))
		}

		step.SetState(model.StepSucceeded)
		handler.Publish(step)

		metrics.VMProvisionStepSummary.WithLabelValues(string(step.Name), string(model.StepSucceeded)).
			Observe(elapsed.Seconds())

		logger.WithField("elapsed", elapsed.String()).Debug("step completed")
	}

	return nil
}

func (r *Runner) checkpoint(ctx context.Context, step *model.Step, handler Handler) error {
	if deadline := handler.Deadline(); !deadline.IsZero() && !r.now().Before(deadline) {
		r.logger.WithFields(logrus.Fields{
			"step":     step.Name,
			"deadline": deadline.String(),
		}).Warn("operation deadline passed, remaining steps abandoned")

		return errors.Wrap(ErrDeadlineExceeded, "before "+string(step.Name))
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "before "+string(step.Name))
	}

	if step.Handler == nil {
		return errors.Wrap(ErrStepFailed, "no handler for "+string(step.Name))
	}

	return nil
}

func skip(steps model.Steps) {
	for _, s := range steps {
		s.SetState(model.StepSkipped)
	}
}
