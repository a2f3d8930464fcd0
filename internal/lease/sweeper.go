package lease

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultSweepGap = 5 * time.Second

	// guards held longer than this are reported by the periodic sweep
	staleGuardAge = 10 * time.Minute
)

type sweepState struct {
	mu     sync.Mutex
	last   time.Time
	minGap time.Duration
}

// Sweep releases every resource whose owner stopped sending keepalives.
//
// VMs are expired first, so a VM server whose last VM expires in this pass is released
// in the same pass once its own keepalive is stale. Blades mid BIOS operation are skipped.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now()

	var merr *multierror.Error

	vms, err := m.repo.ListVMs(ctx)
	if err != nil {
		return err
	}

	for _, vm := range vms {
		if !vm.Expired(now, m.keepaliveTimeout) {
			continue
		}

		owner := vm.CurrentOwner
		if vm.State == model.LeaseInUseByDirector && vm.NextOwner != "" {
			owner = vm.NextOwner
		}

		result, err := m.releaseVM(lock.WithHolder(ctx), vm.IP, "", true)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "expire vm "+vm.IP))
			continue
		}

		m.forced(model.ResourceKindVM, vm.IP, owner, vm.LastKeepAlive, result)
	}

	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return err
	}

	for _, blade := range blades {
		if !blade.Leased() || blade.CurrentlyHavingBIOSDeployed {
			continue
		}

		expired := blade.Expired(now, m.keepaliveTimeout)

		if blade.IsVMServer() {
			totals, err := m.repo.Totals(ctx, blade.IP)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}

			if totals.VMCount > 0 {
				continue
			}

			// an idle VM server is given up as soon as someone is waiting for the blade
			expired = expired || blade.NextOwner != ""
		}

		if !expired {
			continue
		}

		result, err := m.expireBlade(lock.WithHolder(ctx), blade.IP)
		if err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "expire blade "+blade.IP))
			continue
		}

		m.forced(model.ResourceKindBlade, blade.IP, blade.CurrentOwner, blade.LastKeepAlive, result)
	}

	return merr.ErrorOrNil()
}

// expireBlade force releases a blade after rechecking its state under the Ownership bit.
func (m *Manager) expireBlade(ctx context.Context, ip string) (model.Result, error) {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	blade, err := m.repo.BladeByIP(ctx, ip)
	if err != nil {
		return model.ResultGenericFail, err
	}

	if !blade.Leased() || blade.CurrentlyHavingBIOSDeployed {
		return model.ResultNoActionNeeded, nil
	}

	expired := blade.Expired(m.now(), m.keepaliveTimeout)

	if blade.IsVMServer() {
		totals, err := m.repo.Totals(ctx, ip)
		if err != nil {
			return model.ResultGenericFail, err
		}

		if totals.VMCount > 0 {
			return model.ResultNoActionNeeded, nil
		}

		expired = expired || blade.NextOwner != ""
	}

	if !expired {
		return model.ResultNoActionNeeded, nil
	}

	if err := m.releaseBladeLocked(ctx, g, blade); err != nil {
		return model.ResultGenericFail, err
	}

	return model.ResultSuccess, nil
}

func (m *Manager) forced(kind model.ResourceKind, ip, owner string, lastKeepAlive time.Time, result model.Result) {
	if result != model.ResultSuccess {
		return
	}

	metrics.ForcedReleaseCounter.WithLabelValues(string(kind)).Inc()

	m.logger.WithFields(logrus.Fields{
		"kind":          kind,
		"ip":            ip,
		"owner":         owner,
		"lastKeepAlive": lastKeepAlive,
	}).Warn("keepalive expired, resource released")
}

// MaybeSweep runs a sweep unless one is running or one ran within the minimum gap.
func (m *Manager) MaybeSweep(ctx context.Context) {
	if !m.sweep.mu.TryLock() {
		return
	}

	defer m.sweep.mu.Unlock()

	now := m.now()
	if !m.sweep.last.IsZero() && now.Sub(m.sweep.last) < m.sweep.minGap {
		return
	}

	m.sweep.last = now

	if err := m.Sweep(ctx); err != nil {
		m.logger.WithError(err).Warn("keepalive sweep failed")
	}
}

// Run sweeps every interval until ctx is done, guards held for too long are logged.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MaybeSweep(ctx)
			m.reportStaleGuards()
		}
	}
}

func (m *Manager) reportStaleGuards() {
	for _, info := range m.locks.Outstanding() {
		age := time.Since(info.AcquiredAt)
		if age < staleGuardAge {
			// oldest first
			return
		}

		m.logger.WithFields(logrus.Fields{
			"key":    info.Key,
			"bits":   info.Bits.String(),
			"holder": info.Holder,
			"age":    age.String(),
		}).Warn("capability lock held for a long time")
	}
}
