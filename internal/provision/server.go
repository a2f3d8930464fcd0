package provision

import (
	"context"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	biosCancelTimeout = 10 * time.Minute
)

// ensureServerReady returns once the VM server of op is ready for deployment.
//
// The first worker to find the server not ready is elected to power it on, workers
// provisioning other VMs of the same server wait for the election outcome.
func (e *Engine) ensureServerReady(ctx context.Context, op *Operation, logger *logrus.Entry) error {
	for {
		el, elected, err := e.elect(ctx, op.ServerIP)
		if err != nil {
			return err
		}

		if el == nil {
			return nil
		}

		if elected {
			err := e.powerOnServer(ctx, op.ServerIP, logger)

			e.mu.Lock()
			delete(e.poweringOn, op.ServerIP)
			e.mu.Unlock()

			el.err = err
			el.abandoned = ctx.Err() != nil
			close(el.done)

			return err
		}

		logger.Debug("waiting for VM server power on by another worker")

		select {
		case <-el.done:
			// an election abandoned by a cancelled worker is run again
			if el.err != nil && !el.abandoned {
				return errors.Wrap(ErrServerPowerOn, el.err.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// elect returns a nil election when the server is ready, otherwise the running election
// and whether the caller was elected to run it.
func (e *Engine) elect(ctx context.Context, serverIP string) (*election, bool, error) {
	g, err := e.locks.Acquire(ctx, serverIP, lock.VMDeployState)
	if err != nil {
		return nil, false, err
	}

	defer g.Release()

	server, err := e.repo.BladeByIP(ctx, serverIP)
	if err != nil {
		return nil, false, err
	}

	if !server.IsVMServer() {
		return nil, false, ErrServerReleased
	}

	if server.VMDeployState == model.VMDeployReadyForDeployment {
		return nil, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.poweringOn[serverIP]; ok {
		return el, false, nil
	}

	el := &election{done: make(chan struct{})}
	e.poweringOn[serverIP] = el

	return el, true, nil
}

// powerOnServer deploys the VM server BIOS, power cycles the server into its hypervisor
// and marks it ready once the hypervisor answers.
func (e *Engine) powerOnServer(ctx context.Context, serverIP string, logger *logrus.Entry) error {
	logger = logger.WithField("server", serverIP)

	if err := e.deployServerBIOS(ctx, serverIP, logger); err != nil {
		return err
	}

	server, err := e.repo.BladeByIP(ctx, serverIP)
	if err != nil {
		return err
	}

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, serverIP, model.DirectorOwner); err != nil {
			logger.WithError(err).Warn("boot menu notification failed")
		}
	}

	pc := e.power(server)
	if err := pc.Open(ctx); err != nil {
		return err
	}

	defer pc.Close()

	logger.Info("power cycling VM server into the hypervisor")

	if err := pc.PowerOff(ctx); err != nil {
		return err
	}

	if err := pc.PowerOn(ctx); err != nil {
		return err
	}

	portCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	err = e.waitPort(portCtx, serverIP, e.sshPort, logger)
	cancel()

	if err != nil {
		return err
	}

	g, err := e.locks.Acquire(ctx, serverIP, lock.VMDeployState)
	if err != nil {
		return err
	}

	defer g.Release()

	_, err = e.repo.UpdateBlade(ctx, serverIP, func(b *model.BladeRecord) error {
		if !b.IsVMServer() {
			return ErrServerReleased
		}

		b.SetVMDeployState(g, model.VMDeployReadyForDeployment)

		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("VM server ready for deployment")

	return nil
}

// deployServerBIOS writes the VM server BIOS image and waits for the write to finish,
// the write is cancelled when ctx is done.
func (e *Engine) deployServerBIOS(ctx context.Context, serverIP string, logger *logrus.Entry) error {
	if e.serverBIOS == "" || e.flasher == nil {
		return nil
	}

	result, err := e.flasher.StartForVMServer(ctx, serverIP, e.serverBIOS)
	if err != nil {
		return err
	}

	switch result {
	case model.ResultNoActionNeeded:
		logger.Debug("VM server BIOS already deployed")
		return nil
	case model.ResultPending:
	default:
		return errors.Wrap(ErrServerBIOS, "start: "+string(result))
	}

	result, err = e.flasher.Wait(ctx, serverIP)
	if err != nil {
		// the worker context is done, the BIOS operation is not left behind
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), biosCancelTimeout)
		defer cancel()

		e.flasher.CancelAndWait(cctx, serverIP)

		return err
	}

	if result != model.ResultSuccess {
		return errors.Wrap(ErrServerBIOS, string(result))
	}

	return nil
}
