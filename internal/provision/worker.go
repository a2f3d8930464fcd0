package provision

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/runner"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const (
	StepEnsureServerReady model.StepName = "ensureServerReady"
	StepPrepareVM         model.StepName = "prepareVM"
	StepProvisionDisks    model.StepName = "provisionDisks"
	StepSelectSnapshot    model.StepName = "selectSnapshot"
	StepPowerOnVM         model.StepName = "powerOnVM"
	StepFinalize          model.StepName = "finalize"
)

// run is the worker goroutine of an operation.
func (e *Engine) run(op *Operation) {
	ctx, span := otel.Tracer(pkgName).Start(lock.WithHolder(op.ctx), "provision.run")
	defer span.End()

	logger := e.logger.WithFields(logrus.Fields{
		"vm":     op.VMIP,
		"server": op.ServerIP,
		"opID":   op.ID.String(),
	})

	hctx := &statemachine.HandlerContext{Ctx: ctx, Logger: logger}

	defer close(op.done)
	defer op.cancel()

	var err error

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrWorkerPanic, fmt.Sprintf("%v", r))
			logger.WithError(err).WithField("stack", string(debug.Stack())).Error("VM provisioning worker panic recovered")
		}

		if ferr := e.sm.Finish(op, hctx, err, op.wasCancelled()); ferr != nil {
			logger.WithError(ferr).Error("VM provisioning terminal transition failed")

			// errors from these methods are ignored
			// so as to not overwrite the original error
			_ = op.SetState(statemachine.StateFailed)
			e.publish(ctx, op)
		}
	}()

	if err = e.sm.Start(op, hctx); err != nil {
		return
	}

	r := runner.New(logger, e.now)

	err = r.RunSteps(ctx, e.steps(op, logger), &stepHandler{e: e, op: op, ctx: ctx})
}

// steps returns the deployment steps of op, in order.
func (e *Engine) steps(op *Operation, logger *logrus.Entry) model.Steps {
	return model.Steps{
		{
			Name:        StepEnsureServerReady,
			Description: "Power on the VM server once, with its BIOS image deployed.",
			Handler:     func(ctx context.Context) error { return e.ensureServerReady(ctx, op, logger) },
			State:       model.StepPending,
		},
		{
			Name:        StepPrepareVM,
			Description: "Clone the template VM, rewrite its identity and register it on the hypervisor.",
			Handler:     func(ctx context.Context) error { return e.prepareVM(ctx, op) },
			State:       model.StepPending,
		},
		{
			Name:        StepProvisionDisks,
			Description: "Replace the VM disks with clones of the base snapshot.",
			Handler:     func(ctx context.Context) error { return e.provisionDisks(ctx, op) },
			State:       model.StepPending,
		},
		{
			Name:        StepSelectSnapshot,
			Description: "Record the base snapshot as the VM snapshot.",
			Handler:     func(ctx context.Context) error { return e.selectSnapshot(ctx, op) },
			State:       model.StepPending,
		},
		{
			Name:        StepPowerOnVM,
			Description: "Power on the VM.",
			Handler:     func(ctx context.Context) error { return e.powerOnVM(ctx, op) },
			State:       model.StepPending,
		},
		{
			Name:        StepFinalize,
			Description: "Grant the VM to its requestor.",
			Handler:     func(ctx context.Context) error { return e.finalize(ctx, op, logger) },
			State:       model.StepPending,
		},
	}
}

// StepDocs returns the deployment steps without handlers, for documentation.
func StepDocs() model.Steps {
	e := &Engine{}
	steps := e.steps(&Operation{}, nil)

	for _, s := range steps {
		s.Handler = nil
	}

	return steps
}

func (e *Engine) records(ctx context.Context, op *Operation) (*model.BladeRecord, *model.VMRecord, error) {
	vm, err := e.repo.VMByIP(ctx, op.VMIP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrVMReleased
		}

		return nil, nil, err
	}

	server, err := e.repo.BladeByIP(ctx, op.ServerIP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrServerReleased
		}

		return nil, nil, err
	}

	if !server.IsVMServer() {
		return nil, nil, ErrServerReleased
	}

	return server, vm, nil
}

func (e *Engine) prepareVM(ctx context.Context, op *Operation) error {
	server, vm, err := e.records(ctx, op)
	if err != nil {
		return err
	}

	return e.hypervisor.PrepareVM(ctx, server, vm, op.recreate)
}

func (e *Engine) provisionDisks(ctx context.Context, op *Operation) error {
	g, err := e.locks.Acquire(ctx, op.VMIP, lock.NASOps)
	if err != nil {
		return err
	}

	defer g.Release()

	_, vm, err := e.records(ctx, op)
	if err != nil {
		return err
	}

	if err := e.disks.DeleteDisks(ctx, vm.DisplayName); err != nil {
		return err
	}

	return e.disks.CreateDisks(ctx, vm.DisplayName, e.cfg.BaseSnapshot)
}

func (e *Engine) selectSnapshot(ctx context.Context, op *Operation) error {
	g, err := e.locks.Acquire(ctx, op.VMIP, lock.Snapshot)
	if err != nil {
		return err
	}

	defer g.Release()

	_, err = e.repo.UpdateVM(ctx, op.VMIP, func(v *model.VMRecord) error {
		v.SetSnapshot(g, e.cfg.BaseSnapshot)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrVMReleased
	}

	return err
}

func (e *Engine) powerOnVM(ctx context.Context, op *Operation) error {
	server, vm, err := e.records(ctx, op)
	if err != nil {
		return err
	}

	return e.hypervisor.PowerOnVM(ctx, server, vm)
}

// finalize grants the VM to its requestor, unless it was released meanwhile.
func (e *Engine) finalize(ctx context.Context, op *Operation, logger *logrus.Entry) error {
	g, err := e.locks.Acquire(ctx, op.VMIP, lock.Ownership)
	if err != nil {
		return err
	}

	defer g.Release()

	vm, err := e.repo.UpdateVM(ctx, op.VMIP, func(v *model.VMRecord) error {
		if !v.ReservedFor(op.Requestor) {
			return ErrVMReleased
		}

		v.Finalize(g, op.VMIP, e.now())

		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrVMReleased
		}

		return err
	}

	metrics.LeaseTransitionCounter.WithLabelValues(
		string(model.ResourceKindVM),
		string(model.LeaseInUseByDirector),
		string(vm.State),
	).Inc()

	logger.WithField("owner", vm.CurrentOwner).Info("VM granted")

	return nil
}

func (e *Engine) publish(ctx context.Context, op *Operation) {
	e.publisher.Publish(ctx, op.status())
}

// stepHandler implements the runner.Handler interface for an operation.
type stepHandler struct {
	e   *Engine
	op  *Operation
	ctx context.Context
}

func (s *stepHandler) Deadline() time.Time {
	return s.op.Deadline()
}

func (s *stepHandler) Publish(step *model.Step) {
	s.op.setStep(step)
	s.e.publish(s.ctx, s.op)
}

// handler implements the statemachine.Transitioner interface for VM provisioning operations.
type handler struct {
	e *Engine
}

func operationFrom(s sw.StateSwitch) (*Operation, error) {
	op, ok := s.(*Operation)
	if !ok {
		return nil, errors.Wrap(statemachine.ErrInvalidTransitionHandler, fmt.Sprintf("got %T", s))
	}

	return op, nil
}

func (h *handler) Started(s sw.StateSwitch, args sw.TransitionArgs) error {
	hctx, err := statemachine.HandlerContextFrom(args)
	if err != nil {
		return err
	}

	if _, err := operationFrom(s); err != nil {
		return err
	}

	hctx.Logger.Debug("VM provisioning worker running")

	return nil
}

// Finish records the failure cause, the VM record is left as the steps left it.
func (h *handler) Finish(s sw.StateSwitch, args sw.TransitionArgs) error {
	hctx, err := statemachine.HandlerContextFrom(args)
	if err != nil {
		return err
	}

	op, err := operationFrom(s)
	if err != nil {
		return err
	}

	if hctx.Err == nil {
		return nil
	}

	op.setDetail(hctx.Err.Error())

	entry := hctx.Logger.WithError(hctx.Err).WithFields(logrus.Fields{
		"step":      op.Step(),
		"cancelled": op.wasCancelled(),
	})

	if op.wasCancelled() {
		entry.Info("VM provisioning cancelled")
		return nil
	}

	entry.WithField("stack", fmt.Sprintf("%+v", hctx.Err)).Error("VM provisioning failed")

	return nil
}

func (h *handler) Publish(s sw.StateSwitch, args sw.TransitionArgs) error {
	hctx, err := statemachine.HandlerContextFrom(args)
	if err != nil {
		return err
	}

	op, err := operationFrom(s)
	if err != nil {
		return err
	}

	h.e.publish(hctx.Ctx, op)

	if !op.Finished() {
		return nil
	}

	result := op.Result()

	metrics.VMProvisionCounter.WithLabelValues(string(result)).Inc()
	metrics.VMProvisionRunTimeSummary.WithLabelValues(string(result)).
		Observe(h.e.now().Sub(op.StartedAt).Seconds())

	hctx.Logger.WithFields(logrus.Fields{
		"result":  result,
		"elapsed": h.e.now().Sub(op.StartedAt).String(),
	}).Info("VM provisioning finished")

	return nil
}
