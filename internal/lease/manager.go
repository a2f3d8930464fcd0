// Package lease implements blade and VM ownership: grants, the single waiter queue,
// releases with handoff and keepalive expiry.
package lease

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKeepaliveTimeout = 3 * time.Minute
)

var (
	ErrNoFreeBlade = errors.New("no free blade to host VMs")
)

// BIOSCanceller cancels the BIOS operation of a blade and waits for it to finish.
type BIOSCanceller interface {
	CancelAndWait(ctx context.Context, bladeIP string)
}

// VMCanceller cancels the provisioning operation of a VM and waits for it to finish.
type VMCanceller interface {
	CancelAndWait(ctx context.Context, vmIP string)
}

// VMTeardown removes a released VM from its hypervisor.
type VMTeardown interface {
	DestroyVM(ctx context.Context, vm *model.VMRecord) error
}

// BootMenuNotifier tells the boot menu service a blade changed hands.
type BootMenuNotifier interface {
	Notify(ctx context.Context, bladeIP, owner string) error
}

// Manager runs the ownership state machine of blades and VMs.
//
// Lock order: a blade Ownership bit may be held while taking the Ownership bit of one
// of its VMs, never the other way round. BIOS and provisioning workers never take
// Ownership of a blade, so a release may wait for them while holding it. A VM server
// releases its VMs before it cancels the BIOS operation, the provisioning workers of
// those VMs are the only ones starting a BIOS operation on a server.
type Manager struct {
	repo   store.Repository
	locks  *lock.Registry
	logger *logrus.Logger

	bios     BIOSCanceller
	vms      VMCanceller
	teardown VMTeardown
	notifier BootMenuNotifier

	keepaliveTimeout time.Duration
	now              func() time.Time

	sweep sweepState
}

// Option sets a Manager parameter.
type Option func(*Manager)

func WithKeepaliveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.keepaliveTimeout = d
		}
	}
}

// WithClock sets the time source used for keepalives.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithBIOSCanceller(c BIOSCanceller) Option {
	return func(m *Manager) { m.bios = c }
}

func WithVMTeardown(t VMTeardown) Option {
	return func(m *Manager) { m.teardown = t }
}

func WithNotifier(n BootMenuNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithSweepInterval sets the minimum gap between opportunistic sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweep.minGap = d }
}

// New returns a lease Manager.
func New(repo store.Repository, locks *lock.Registry, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:             repo,
		locks:            locks,
		logger:           logger,
		keepaliveTimeout: DefaultKeepaliveTimeout,
		now:              time.Now,
		sweep:            sweepState{minGap: defaultSweepGap},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// SetVMCanceller registers the VM provisioning engine, which is built after the manager.
func (m *Manager) SetVMCanceller(c VMCanceller) {
	m.vms = c
}

func transition(kind model.ResourceKind, from, to model.LeaseState) {
	if from == to {
		return
	}

	metrics.LeaseTransitionCounter.WithLabelValues(string(kind), string(from), string(to)).Inc()
}

func (m *Manager) notify(ctx context.Context, bladeIP, owner string) {
	if m.notifier == nil {
		return
	}

	if err := m.notifier.Notify(ctx, bladeIP, owner); err != nil {
		m.logger.WithFields(logrus.Fields{
			"blade": bladeIP,
			"owner": owner,
			"err":   err,
		}).Warn("boot menu notification failed")
	}
}

// RequestBlade asks for ownership of a blade.
//
// An unused blade is granted immediately. When the blade is held by someone else the
// requestor is queued as its single successor and pending is returned, a second
// distinct waiter is refused with queueFull.
func (m *Manager) RequestBlade(ctx context.Context, ip, requestor string) (model.Result, error) {
	return m.requestBlade(ctx, ip, requestor, false)
}

func (m *Manager) requestBlade(ctx context.Context, ip, requestor string, onlyIfUnused bool) (model.Result, error) {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	result := model.ResultUnknown
	now := m.now()

	var from model.LeaseState

	blade, err := m.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		from = b.State

		switch {
		case !b.Leased():
			b.Grant(g, ip, requestor, now)
			result = model.ResultSuccess

			return nil
		case b.OwnedBy(requestor):
			result = model.ResultSuccess
		case b.QueuedFor(requestor):
			result = model.ResultPending
		case onlyIfUnused:
			result = model.ResultInUse
		case b.NextOwner != "":
			result = model.ResultQueueFull
		default:
			b.Enqueue(g, ip, requestor)
			result = model.ResultPending

			return nil
		}

		return store.ErrNoUpdate
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	transition(model.ResourceKindBlade, from, blade.State)

	m.logger.WithFields(logrus.Fields{
		"blade":     ip,
		"requestor": requestor,
		"result":    result,
		"state":     blade.State,
	}).Debug("blade requested")

	if result == model.ResultSuccess && from != blade.State {
		m.notify(ctx, ip, requestor)
	}

	return result, nil
}

// RequestAnyBlade grants the first unused blade in inventory order, failing that the
// requestor is queued on the first held blade with an empty queue.
func (m *Manager) RequestAnyBlade(ctx context.Context, requestor string) (model.Result, string, error) {
	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return model.ResultGenericFail, "", err
	}

	for _, b := range blades {
		if b.Leased() || b.IsVMServer() {
			continue
		}

		result, err := m.requestBlade(ctx, b.IP, requestor, true)
		if err != nil {
			return model.ResultGenericFail, "", err
		}

		if result == model.ResultSuccess {
			return result, b.IP, nil
		}
	}

	for _, b := range blades {
		if b.State != model.LeaseInUse || b.NextOwner != "" || b.CurrentOwner == requestor {
			continue
		}

		result, err := m.requestBlade(ctx, b.IP, requestor, false)
		if err != nil {
			return model.ResultGenericFail, "", err
		}

		if result == model.ResultSuccess || result == model.ResultPending {
			return result, b.IP, nil
		}
	}

	return model.ResultQueueFull, "", nil
}

// Release gives up a blade or VM. A forced release ignores ownership.
func (m *Manager) Release(ctx context.Context, ip, requestor string, force bool) (model.Result, error) {
	if _, err := m.repo.BladeByIP(ctx, ip); err == nil {
		return m.ReleaseBlade(ctx, ip, requestor, force)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.ResultGenericFail, err
	}

	return m.ReleaseVM(ctx, ip, requestor, force)
}

// ReleaseBlade gives up a blade.
//
// A non forced release by anyone other than the owner is rejected, except the queued
// waiter which withdraws its request. An in flight BIOS operation is cancelled and
// awaited, a VM server releases all of its VMs first. The blade then passes to the
// waiter if there is one.
func (m *Manager) ReleaseBlade(ctx context.Context, ip, requestor string, force bool) (model.Result, error) {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	blade, err := m.repo.BladeByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	if !force {
		switch {
		case blade.QueuedFor(requestor):
			return m.withdraw(ctx, g, ip, requestor)
		case !blade.Leased():
			return model.ResultNoActionNeeded, nil
		case blade.CurrentOwner != requestor:
			return model.ResultInUse, nil
		}
	}

	if err := m.releaseBladeLocked(ctx, g, blade); err != nil {
		return model.ResultGenericFail, err
	}

	return model.ResultSuccess, nil
}

func (m *Manager) withdraw(ctx context.Context, g *lock.Guard, ip, requestor string) (model.Result, error) {
	blade, err := m.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		if !b.QueuedFor(requestor) {
			return store.ErrNoUpdate
		}

		b.Withdraw(g, ip)

		return nil
	})
	if err != nil {
		return model.ResultGenericFail, err
	}

	transition(model.ResourceKindBlade, model.LeaseReleaseRequested, blade.State)

	m.logger.WithFields(logrus.Fields{"blade": ip, "requestor": requestor}).Info("queued request withdrawn")

	return model.ResultSuccess, nil
}

// releaseBladeLocked releases a blade, g must hold its Ownership bit.
func (m *Manager) releaseBladeLocked(ctx context.Context, g *lock.Guard, blade *model.BladeRecord) error {
	ip := blade.IP

	var merr *multierror.Error

	if blade.IsVMServer() {
		// admission against this server is blocked until the blade is released
		if err := g.Upgrade(ctx, lock.VMCreation); err != nil {
			return err
		}

		children, err := m.repo.VMsByParent(ctx, ip)
		if err != nil {
			return err
		}

		for _, vm := range children {
			if _, err := m.releaseVM(ctx, vm.IP, "", true); err != nil {
				merr = multierror.Append(merr, errors.Wrap(err, "release vm "+vm.IP))
			}
		}

		if err := merr.ErrorOrNil(); err != nil {
			return err
		}

		if err := g.Upgrade(ctx, lock.VMDeployState); err != nil {
			return err
		}
	}

	// after the VMs, their provisioning workers may have started a flash of the server
	if m.bios != nil {
		m.bios.CancelAndWait(ctx, ip)
	}

	from := blade.State
	previous := blade.CurrentOwner

	var handedOff bool

	updated, err := m.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		if b.IsVMServer() {
			b.SetVMServer(g, false, model.VMDeployNone)
		}

		handedOff = b.Handoff(g, ip, m.now())

		return nil
	})
	if err != nil {
		return err
	}

	transition(model.ResourceKindBlade, from, updated.State)

	m.logger.WithFields(logrus.Fields{
		"blade":    ip,
		"previous": previous,
		"owner":    updated.CurrentOwner,
		"state":    updated.State,
	}).Info("blade released")

	if handedOff {
		m.notify(ctx, ip, updated.CurrentOwner)
	}

	return nil
}

// ReleaseVM gives up a VM, VMs are never handed off, the VM is torn down and its record deleted.
//
// The requestor a VM is still being deployed for may release it, which cancels the deployment.
//
// A VM server left without VMs passes to the requestor queued for it.
func (m *Manager) ReleaseVM(ctx context.Context, ip, requestor string, force bool) (model.Result, error) {
	vm, err := m.repo.VMByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	result, err := m.releaseVM(ctx, ip, requestor, force)
	if err != nil || result != model.ResultSuccess {
		return result, err
	}

	if err := m.handoffIdleServer(ctx, vm.ParentBladeIP); err != nil {
		m.logger.WithFields(logrus.Fields{
			"vm":     ip,
			"server": vm.ParentBladeIP,
			"err":    err,
		}).Warn("VM server handoff failed, left to the sweeper")
	}

	return result, nil
}

// handoffIdleServer releases a VM server without VMs when a requestor is queued for it,
// the blade passes to that requestor. The VM Ownership bit must not be held.
func (m *Manager) handoffIdleServer(ctx context.Context, ip string) error {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return err
	}

	defer g.Release()

	blade, err := m.repo.BladeByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}

		return err
	}

	if !blade.IsVMServer() || blade.NextOwner == "" || blade.CurrentlyHavingBIOSDeployed {
		return nil
	}

	totals, err := m.repo.Totals(ctx, ip)
	if err != nil {
		return err
	}

	if totals.VMCount > 0 {
		return nil
	}

	return m.releaseBladeLocked(ctx, g, blade)
}

func (m *Manager) releaseVM(ctx context.Context, ip, requestor string, force bool) (model.Result, error) {
	vm, err := m.repo.VMByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	allowed := func(v *model.VMRecord) bool {
		return force || v.OwnedBy(requestor) || v.ReservedFor(requestor)
	}

	if !allowed(vm) {
		return model.ResultInUse, nil
	}

	// the provisioning worker takes the VM Ownership bit, it is cancelled before the bit is taken
	if m.vms != nil {
		m.vms.CancelAndWait(ctx, ip)
	}

	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	vm, err = m.repo.VMByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNoActionNeeded, nil
		}

		return model.ResultGenericFail, err
	}

	if !allowed(vm) {
		return model.ResultInUse, nil
	}

	if m.teardown != nil {
		if err := m.teardown.DestroyVM(ctx, vm); err != nil {
			m.logger.WithFields(logrus.Fields{
				"vm":     ip,
				"server": vm.ParentBladeIP,
				"err":    err,
			}).Warn("VM teardown failed, record removed regardless")
		}
	}

	if err := m.repo.DeleteVM(ctx, ip); err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.ResultGenericFail, err
	}

	transition(model.ResourceKindVM, vm.State, model.LeaseUnused)

	m.logger.WithFields(logrus.Fields{
		"vm":       ip,
		"server":   vm.ParentBladeIP,
		"previous": vm.CurrentOwner,
		"forced":   force,
	}).Info("VM released")

	return model.ResultSuccess, nil
}

// Status reports the state of a blade or VM as seen by requestor. The records are read
// without locking.
func (m *Manager) Status(ctx context.Context, ip, requestor string) (model.ResourceStatus, error) {
	blade, err := m.repo.BladeByIP(ctx, ip)
	if err == nil {
		return blade.StatusFor(requestor), nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return model.StatusNotFound, err
	}

	vm, err := m.repo.VMByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.StatusNotFound, nil
		}

		return model.StatusNotFound, err
	}

	return vm.StatusFor(requestor), nil
}

// KeepAlive refreshes the keepalive of every resource requestor holds, VMs refresh their VM server too.
func (m *Manager) KeepAlive(ctx context.Context, requestor string) error {
	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return err
	}

	var merr *multierror.Error

	for _, b := range blades {
		if !b.OwnedBy(requestor) {
			continue
		}

		if err := m.touchBlade(ctx, b.IP, func(b *model.BladeRecord) bool { return b.OwnedBy(requestor) }); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	vms, err := m.repo.ListVMs(ctx)
	if err != nil {
		return err
	}

	servers := map[string]bool{}

	for _, v := range vms {
		if !v.OwnedBy(requestor) && !v.ReservedFor(requestor) {
			continue
		}

		if err := m.touchVM(ctx, v.IP, requestor); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}

		servers[v.ParentBladeIP] = true
	}

	// VM locks are released before the parent is touched
	for server := range servers {
		if err := m.touchBlade(ctx, server, func(b *model.BladeRecord) bool { return b.IsVMServer() }); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

func (m *Manager) touchBlade(ctx context.Context, ip string, match func(*model.BladeRecord) bool) error {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return err
	}

	defer g.Release()

	_, err = m.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		if !match(b) {
			return store.ErrNoUpdate
		}

		b.TouchKeepAlive(g, ip, m.now())

		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	return err
}

func (m *Manager) touchVM(ctx context.Context, ip, requestor string) error {
	g, err := m.locks.Acquire(ctx, ip, lock.Ownership)
	if err != nil {
		return err
	}

	defer g.Release()

	_, err = m.repo.UpdateVM(ctx, ip, func(v *model.VMRecord) error {
		if !v.OwnedBy(requestor) && !v.ReservedFor(requestor) {
			return store.ErrNoUpdate
		}

		v.TouchKeepAlive(g, ip, m.now())

		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	return err
}

// OwnedBy lists the blades and then the VMs held by requestor.
func (m *Manager) OwnedBy(ctx context.Context, requestor string) ([]string, error) {
	blades, err := m.repo.ListBlades(ctx)
	if err != nil {
		return nil, err
	}

	owned := []string{}

	for _, b := range blades {
		if b.OwnedBy(requestor) {
			owned = append(owned, b.IP)
		}
	}

	vms, err := m.repo.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range vms {
		if v.OwnedBy(requestor) {
			owned = append(owned, v.IP)
		}
	}

	return owned, nil
}
