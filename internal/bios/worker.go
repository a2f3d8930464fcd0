package bios

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bladedirector/internal/bmc"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var (
	powerOffTimeout = 5 * time.Minute
)

type script struct {
	name string
	data []byte
}

// run is the worker goroutine of an operation.
func (e *Engine) run(op *Operation) {
	ctx, span := otel.Tracer(pkgName).Start(lock.WithHolder(op.ctx), "bios.run")
	defer span.End()

	logger := e.logger.WithFields(logrus.Fields{
		"blade": op.BladeIP,
		"mode":  op.Mode,
		"opID":  op.ID.String(),
	})

	hctx := &statemachine.HandlerContext{Ctx: ctx, Logger: logger}

	defer close(op.done)
	defer op.cancel()

	var err error

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(ErrWorkerPanic, fmt.Sprintf("%v", r))
			logger.WithError(err).WithField("stack", string(debug.Stack())).Error("BIOS worker panic recovered")
		}

		if ferr := e.sm.Finish(op, hctx, err, op.wasCancelled()); ferr != nil {
			logger.WithError(ferr).Error("BIOS operation terminal transition failed")

			// errors from these methods are ignored
			// so as to not overwrite the original error
			_ = op.SetState(statemachine.StateFailed)
			e.publish(ctx, op)
		}
	}()

	lr, err := e.locks.Acquire(ctx, op.BladeIP, lock.LongRunningBIOS)
	if err != nil {
		return
	}

	defer lr.Release()

	if err = e.sm.Start(op, hctx); err != nil {
		return
	}

	err = e.execute(ctx, op, logger)
}

// execute power cycles the blade, waits for SSH and runs the BIOS script.
func (e *Engine) execute(ctx context.Context, op *Operation, logger *logrus.Entry) error {
	blade, err := e.repo.BladeByIP(ctx, op.BladeIP)
	if err != nil {
		return err
	}

	scripts, err := e.loadScripts()
	if err != nil {
		return err
	}

	pc := e.power(blade)
	if err := pc.Open(ctx); err != nil {
		return err
	}

	defer pc.Close()

	logger.Info("power cycling blade into the deploy environment")

	if err := pc.PowerOff(ctx); err != nil {
		return err
	}

	if err := pc.PowerOn(ctx); err != nil {
		return err
	}

	defer e.powerOff(pc, logger)

	portCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	err = e.waitPort(portCtx, blade.IP, e.sshPort, logger)
	cancel()

	if err != nil {
		return err
	}

	sess, err := e.dialer.Dial(ctx, blade.IP)
	if err != nil {
		return err
	}

	defer sess.Close()

	if err := remote.Retry(ctx, e.cfg.Retries, logger, "push deploy scripts", func(ctx context.Context) error {
		for _, s := range scripts {
			if err := sess.Push(ctx, path.Join(e.cfg.RemoteDir, s.name), s.data); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return err
	}

	imagePath := path.Join(e.cfg.RemoteDir, e.cfg.ImageFile)
	cmd := e.cfg.ReadScript

	if op.Mode == ModeWrite {
		cmd = e.cfg.WriteScript

		if err := remote.Retry(ctx, e.cfg.Retries, logger, "push BIOS image", func(ctx context.Context) error {
			return sess.Push(ctx, imagePath, []byte(op.payload))
		}); err != nil {
			return err
		}
	}

	var res *remote.Result

	if err := remote.Retry(ctx, e.cfg.Retries, logger, "run "+cmd, func(ctx context.Context) error {
		var rerr error
		res, rerr = sess.Run(ctx, "./"+cmd, []string{e.cfg.ImageFile}, e.cfg.RemoteDir)

		return rerr
	}); err != nil {
		return err
	}

	fields := logrus.Fields{
		"script":   cmd,
		"exitCode": res.ExitCode,
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
	}

	if !res.Success() {
		logger.WithFields(fields).Error("BIOS script failed")
		return errors.Wrapf(ErrScript, "%s exited with %d", cmd, res.ExitCode)
	}

	logger.WithFields(fields).Debug("BIOS script completed")

	if op.Mode == ModeRead {
		var data []byte

		if err := remote.Retry(ctx, e.cfg.Retries, logger, "pull BIOS image", func(ctx context.Context) error {
			var perr error
			data, perr = sess.Pull(ctx, imagePath)

			return perr
		}); err != nil {
			return err
		}

		op.setImage(string(data))
	}

	return nil
}

// powerOff leaves the blade off once the script ran, it runs on a fresh context since
// the operation context may be done.
func (e *Engine) powerOff(pc bmc.PowerController, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), powerOffTimeout)
	defer cancel()

	if err := pc.PowerOff(ctx); err != nil {
		logger.WithError(err).Warn("unable to power off blade after BIOS operation")
	}
}

// loadScripts reads the deploy scripts, in name order.
func (e *Engine) loadScripts() ([]script, error) {
	if e.cfg.ScriptsDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(e.cfg.ScriptsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read deploy scripts")
	}

	scripts := []script{}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(e.cfg.ScriptsDir, entry.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "read deploy script "+entry.Name())
		}

		scripts = append(scripts, script{name: entry.Name(), data: data})
	}

	return scripts, nil
}

func (e *Engine) publish(ctx context.Context, op *Operation) {
	e.publisher.Publish(ctx, op.status())
}

// handler implements the statemachine.Transitioner interface for BIOS operations.
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

	hctx.Logger.Debug("BIOS worker running")

	return nil
}

// Finish clears the deploy flag of the blade and, on success, records the image now on it.
func (h *handler) Finish(s sw.StateSwitch, args sw.TransitionArgs) error {
	hctx, err := statemachine.HandlerContextFrom(args)
	if err != nil {
		return err
	}

	op, err := operationFrom(s)
	if err != nil {
		return err
	}

	// the operation context is done when cancelled, the lock holder is kept
	ctx := context.WithoutCancel(hctx.Ctx)

	g, err := h.e.locks.Acquire(ctx, op.BladeIP, lock.BIOS)
	if err != nil {
		return err
	}

	defer g.Release()

	succeeded := hctx.Err == nil
	_, image := op.Result()

	_, err = h.e.repo.UpdateBlade(ctx, op.BladeIP, func(b *model.BladeRecord) error {
		b.SetBIOSDeploying(g, false)

		if !succeeded {
			return nil
		}

		switch op.Mode {
		case ModeWrite:
			b.SetLastDeployedBIOS(g, op.payload)
		case ModeRead:
			b.SetLastDeployedBIOS(g, image)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if !succeeded {
		op.setDetail(hctx.Err.Error())
		hctx.Logger.WithError(hctx.Err).WithField("cancelled", op.wasCancelled()).Warn("BIOS operation did not complete")
	}

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

	result, _ := op.Result()

	metrics.BIOSOperationCounter.WithLabelValues(string(op.Mode), string(result)).Inc()
	metrics.BIOSOperationRunTimeSummary.WithLabelValues(string(op.Mode), string(result)).
		Observe(h.e.now().Sub(op.StartedAt).Seconds())

	hctx.Logger.WithFields(logrus.Fields{
		"result":  result,
		"elapsed": h.e.now().Sub(op.StartedAt).String(),
	}).Info("BIOS operation finished")

	return nil
}
