package lease

import (
	"context"

	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CanAccommodate returns true when a VM of hw fits on server.
//
// The guard must hold the VMCreation bit of the server, so concurrent admissions can not
// both pass the check and overshoot its capacity.
func (m *Manager) CanAccommodate(ctx context.Context, g *lock.Guard, server *model.BladeRecord, hw model.VMHardwareSpec) (bool, error) {
	g.MustHold(server.IP, lock.VMCreation)

	totals, err := m.repo.Totals(ctx, server.IP)
	if err != nil {
		return false, err
	}

	return server.Fits(totals, hw), nil
}

// VMServers lists the blades hosting VMs which do not have a queued waiter, in inventory order.
func (m *Manager) VMServers(ctx context.Context) ([]*model.BladeRecord, error) {
	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return nil, err
	}

	servers := []*model.BladeRecord{}

	for _, b := range blades {
		if b.IsVMServer() && b.NextOwner == "" {
			servers = append(servers, b)
		}
	}

	return servers, nil
}

// ClaimVMServer turns the first unused blade large enough for hw into a VM server.
//
// The returned guard holds the VMCreation bit of the new server, the caller releases it once
// the VM record has been created.
func (m *Manager) ClaimVMServer(ctx context.Context, hw model.VMHardwareSpec) (*model.BladeRecord, *lock.Guard, error) {
	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, b := range blades {
		if b.Leased() || b.IsVMServer() || !b.Fits(model.Totals{}, hw) {
			continue
		}

		server, g, err := m.claim(ctx, b.IP, hw)
		if err != nil {
			return nil, nil, err
		}

		if server != nil {
			return server, g, nil
		}
	}

	return nil, nil, ErrNoFreeBlade
}

// claim returns a nil server when the blade was taken in the meantime.
func (m *Manager) claim(ctx context.Context, ip string, hw model.VMHardwareSpec) (*model.BladeRecord, *lock.Guard, error) {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership|lock.VMCreation|lock.VMDeployState)
	if err != nil {
		return nil, nil, err
	}

	blade, err := m.repo.BladeByIP(ctx, ip)
	if err != nil {
		g.Release()

		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil
		}

		return nil, nil, err
	}

	if blade.Leased() || blade.IsVMServer() || blade.CurrentlyHavingBIOSDeployed || !blade.Fits(model.Totals{}, hw) {
		g.Release()
		return nil, nil, nil
	}

	stale, err := m.repo.VMsByParent(ctx, ip)
	if err != nil {
		g.Release()
		return nil, nil, err
	}

	for _, vm := range stale {
		if err := m.repo.DeleteVM(ctx, vm.IP); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.Release()
			return nil, nil, err
		}

		m.logger.WithFields(logrus.Fields{"server": ip, "vm": vm.IP}).Warn("stale VM record removed")
	}

	server, err := m.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		b.GrantToDirector(g, ip, m.now())
		b.SetVMServer(g, true, model.VMDeployNeedsPowerCycle)

		return nil
	})
	if err != nil {
		g.Release()
		return nil, nil, err
	}

	transition(model.ResourceKindBlade, model.LeaseUnused, server.State)

	m.logger.WithFields(logrus.Fields{
		"server":    ip,
		"maxVMs":    server.MaxVMs,
		"maxCPU":    server.MaxCPUCount,
		"maxMemory": server.MaxVMMemoryMB,
	}).Info("blade claimed as VM server")

	g.Downgrade(lock.Ownership | lock.VMDeployState)

	return server, g, nil
}
