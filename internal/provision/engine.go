// Package provision deploys VMs on blades the director holds as VM servers.
//
// A request is admitted synchronously, the VM record is created reserved for the
// requestor and a worker runs the deployment steps in the background. The requestor
// polls the worker with the VM IP as wait token.
package provision

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/metal-toolbox/bladedirector/internal/bmc"
	"github.com/metal-toolbox/bladedirector/internal/lease"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/remote"
	"github.com/metal-toolbox/bladedirector/internal/statemachine"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/metal-toolbox/bladedirector/internal/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	pkgName = "internal/provision"

	defaultDeadline           = 25 * time.Minute
	defaultConnectTimeout     = 10 * time.Minute
	defaultCancelPollInterval = 10 * time.Second
	defaultSSHPort            = 22
	defaultNamePrefix         = "bladedirector"
	defaultBaseSnapshot       = "clean"
)

var (
	ErrServerReleased = errors.New("VM server released during provisioning")
	ErrVMReleased     = errors.New("VM released during provisioning")
	ErrServerBIOS     = errors.New("VM server BIOS deploy failed")
	ErrServerPowerOn  = errors.New("VM server power on failed")
	ErrWorkerPanic    = errors.New("VM provisioning worker panic")
)

// Config is the VM provisioning configuration.
type Config struct {
	// Deadline bounds a whole provisioning operation.
	Deadline time.Duration `mapstructure:"deadline"`
	// ConnectTimeout bounds the wait for the hypervisor after a VM server is powered on.
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`

	// VMNetwork and ISCSINetwork are the IPv4 networks VM addresses are derived in.
	VMNetwork    string `mapstructure:"vm_network"`
	ISCSINetwork string `mapstructure:"iscsi_network"`
	NamePrefix   string `mapstructure:"name_prefix"`

	// BaseSnapshot is the snapshot the disks of a new VM are created from.
	BaseSnapshot string `mapstructure:"base_snapshot"`
}

// nolint:gomnd // default values are clear as is.
func (c *Config) setDefaults() {
	if c.Deadline == 0 {
		c.Deadline = defaultDeadline
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.CancelPollInterval == 0 {
		c.CancelPollInterval = defaultCancelPollInterval
	}

	if c.VMNetwork == "" {
		c.VMNetwork = "10.20.0.0/16"
	}

	if c.ISCSINetwork == "" {
		c.ISCSINetwork = "10.30.0.0/16"
	}

	if c.NamePrefix == "" {
		c.NamePrefix = defaultNamePrefix
	}

	if c.BaseSnapshot == "" {
		c.BaseSnapshot = defaultBaseSnapshot
	}
}

// ServerFlasher writes the VM server BIOS image to a blade.
type ServerFlasher interface {
	StartForVMServer(ctx context.Context, bladeIP, image string) (model.Result, error)
	Wait(ctx context.Context, bladeIP string) (model.Result, error)
	CancelAndWait(ctx context.Context, bladeIP string)
}

// Hypervisor registers and starts VMs on a VM server.
type Hypervisor interface {
	// PrepareVM removes a stale VM of the same name, clones the template and registers the VM.
	PrepareVM(ctx context.Context, server *model.BladeRecord, vm *model.VMRecord, recreate bool) error
	PowerOnVM(ctx context.Context, server *model.BladeRecord, vm *model.VMRecord) error
}

// DiskProvisioner clones the disks of a VM on the NAS.
type DiskProvisioner interface {
	DeleteDisks(ctx context.Context, name string) error
	CreateDisks(ctx context.Context, name, baseSnapshot string) error
}

// BootMenuNotifier tells the boot menu service a blade changed hands.
type BootMenuNotifier interface {
	Notify(ctx context.Context, bladeIP, owner string) error
}

// PortWaiter blocks until host:port accepts connections or ctx is done.
type PortWaiter func(ctx context.Context, host string, port int, logger *logrus.Entry) error

// Engine runs VM provisioning operations, at most one per VM.
type Engine struct {
	repo       store.Repository
	locks      *lock.Registry
	leases     *lease.Manager
	flasher    ServerFlasher
	hypervisor Hypervisor
	disks      DiskProvisioner
	power      bmc.Factory
	limiter    *worker.Limiter
	publisher  model.StatusPublisher
	notifier   BootMenuNotifier
	waitPort   PortWaiter
	sshPort    int
	serverBIOS string
	addressing *addressing
	cfg        Config
	logger     *logrus.Logger
	now        func() time.Time
	sm         *statemachine.OperationStateMachine

	// mu protects ops and poweringOn, operations have their own lock.
	mu         sync.Mutex
	ops        map[string]*Operation
	poweringOn map[string]*election
}

// election is the power on of a VM server, run by the first worker reaching it.
type election struct {
	done      chan struct{}
	err       error
	abandoned bool
}

type Option func(*Engine)

func WithPublisher(p model.StatusPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithNotifier(n BootMenuNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPortWaiter replaces the TCP probe used to wait for the hypervisor on a booting VM server.
func WithPortWaiter(w PortWaiter) Option {
	return func(e *Engine) { e.waitPort = w }
}

func WithSSHPort(port int) Option {
	return func(e *Engine) {
		if port > 0 {
			e.sshPort = port
		}
	}
}

// WithServerBIOS sets the BIOS image written to a blade before it hosts VMs, no image is written when empty.
func WithServerBIOS(image string) Option {
	return func(e *Engine) { e.serverBIOS = image }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns a VM provisioning engine, workers are run through limiter.
func New(
	repo store.Repository,
	locks *lock.Registry,
	leases *lease.Manager,
	flasher ServerFlasher,
	hypervisor Hypervisor,
	disks DiskProvisioner,
	power bmc.Factory,
	limiter *worker.Limiter,
	cfg Config,
	logger *logrus.Logger,
	opts ...Option,
) (*Engine, error) {
	cfg.setDefaults()

	addr, err := newAddressing(cfg.VMNetwork, cfg.ISCSINetwork, cfg.NamePrefix)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		repo:       repo,
		locks:      locks,
		leases:     leases,
		flasher:    flasher,
		hypervisor: hypervisor,
		disks:      disks,
		power:      power,
		limiter:    limiter,
		publisher:  model.NoopPublisher{},
		waitPort:   remote.WaitForPort,
		sshPort:    defaultSSHPort,
		addressing: addr,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		ops:        map[string]*Operation{},
		poweringOn: map[string]*election{},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.sm = statemachine.NewOperationStateMachine(statemachine.StateProvisioning, &handler{e: e})

	return e, nil
}

// StateMachine returns the operation lifecycle statemachine.
func (e *Engine) StateMachine() *statemachine.OperationStateMachine {
	return e.sm
}

// RequestVM admits a VM of hw for requestor and starts its deployment.
//
// An invalid hw is rejected before anything is changed. The VM lands on the first VM server
// with room for it, failing that a free blade is claimed as a new VM server, queueFull is
// returned when there is none. On pending the returned token is the VM IP.
func (e *Engine) RequestVM(ctx context.Context, requestor string, hw model.VMHardwareSpec, sw model.VMSoftwareSpec) (model.Result, string, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "provision.RequestVM")
	defer span.End()

	if err := hw.Validate(); err != nil {
		return model.ResultGenericFail, "", err
	}

	admission, err := e.locks.Acquire(ctx, lock.VMAdmissionKey, lock.VMCreation)
	if err != nil {
		return model.ResultGenericFail, "", err
	}

	defer admission.Release()

	server, sg, err := e.placement(ctx, hw)
	if err != nil {
		if errors.Is(err, lease.ErrNoFreeBlade) {
			e.logger.WithFields(logrus.Fields{
				"requestor": requestor,
				"memory":    humanize.IBytes(uint64(hw.MemoryMB) * humanize.MiByte),
				"cpu":       hw.CPUCount,
			}).Info("VM refused, no VM server has room and no blade is free")

			return model.ResultQueueFull, "", nil
		}

		return model.ResultGenericFail, "", err
	}

	// the server stays locked against admission and release until the worker is registered
	defer sg.Release()

	vm, err := e.newVM(ctx, server, hw, sw)
	if err != nil {
		return model.ResultGenericFail, "", err
	}

	result, err := e.reserve(ctx, vm, requestor)
	if err != nil || result != model.ResultSuccess {
		return result, "", err
	}

	result, err = e.begin(ctx, vm, requestor, sw.ForceRecreate)
	if err != nil || result != model.ResultPending {
		return result, "", err
	}

	return result, vm.IP, nil
}

// placement returns the VM server the VM goes to, with a guard holding its VMCreation bit.
func (e *Engine) placement(ctx context.Context, hw model.VMHardwareSpec) (*model.BladeRecord, *lock.Guard, error) {
	servers, err := e.leases.VMServers(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, s := range servers {
		g, err := e.locks.Acquire(ctx, s.IP, lock.VMCreation)
		if err != nil {
			return nil, nil, err
		}

		// reread, the server may have been released before the bit was taken
		server, err := e.repo.BladeByIP(ctx, s.IP)
		if err != nil {
			g.Release()

			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			return nil, nil, err
		}

		if !server.IsVMServer() || server.NextOwner != "" {
			g.Release()
			continue
		}

		fits, err := e.leases.CanAccommodate(ctx, g, server, hw)
		if err != nil {
			g.Release()
			return nil, nil, err
		}

		if fits {
			return server, g, nil
		}

		g.Release()
	}

	return e.leases.ClaimVMServer(ctx, hw)
}

// newVM builds the record of the next VM on server, at the lowest free index.
func (e *Engine) newVM(ctx context.Context, server *model.BladeRecord, hw model.VMHardwareSpec, sw model.VMSoftwareSpec) (*model.VMRecord, error) {
	children, err := e.repo.VMsByParent(ctx, server.IP)
	if err != nil {
		return nil, err
	}

	used := map[int]bool{}
	for _, c := range children {
		used[c.IndexOnServer] = true
	}

	index := 0
	for used[index] {
		index++
	}

	id, err := e.addressing.identity(server.Ordinal, index)
	if err != nil {
		return nil, err
	}

	return &model.VMRecord{
		IP:              id.IP,
		ParentBladeIP:   server.IP,
		ISCSIIP:         id.ISCSIIP,
		EthMAC:          id.EthMAC,
		ISCSIMAC:        id.ISCSIMAC,
		IndexOnServer:   index,
		DisplayName:     id.DisplayName,
		KernelDebugHost: sw.DebuggerHost,
		KernelDebugPort: sw.DebuggerPort,
		KernelDebugKey:  sw.DebuggerKey,
		Hardware:        hw,
	}, nil
}

// reserve creates the VM record held by the director for requestor.
//
// A stale unused record at the same address is replaced, a leased one is never evicted.
func (e *Engine) reserve(ctx context.Context, vm *model.VMRecord, requestor string) (model.Result, error) {
	g, err := e.locks.Acquire(ctx, vm.IP, lock.Ownership)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	existing, err := e.repo.VMByIP(ctx, vm.IP)

	switch {
	case err == nil && existing.Leased():
		e.logger.WithFields(logrus.Fields{
			"vm":     vm.IP,
			"server": existing.ParentBladeIP,
			"owner":  existing.CurrentOwner,
		}).Error("VM address held by a live VM")

		return model.ResultInUse, nil
	case err == nil:
		if err := e.repo.DeleteVM(ctx, vm.IP); err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.ResultGenericFail, err
		}

		e.logger.WithFields(logrus.Fields{"vm": vm.IP, "server": existing.ParentBladeIP}).Warn("stale VM record removed")
	case !errors.Is(err, store.ErrNotFound):
		return model.ResultGenericFail, err
	}

	vm.Reserve(g, vm.IP, requestor, e.now())

	if err := e.repo.CreateVM(ctx, vm); err != nil {
		return model.ResultGenericFail, err
	}

	return model.ResultSuccess, nil
}

// begin registers and dispatches the worker of a reserved VM.
func (e *Engine) begin(ctx context.Context, vm *model.VMRecord, requestor string, recreate bool) (model.Result, error) {
	logger := e.logger.WithFields(logrus.Fields{"vm": vm.IP, "server": vm.ParentBladeIP, "requestor": requestor})

	e.mu.Lock()
	if prev, ok := e.ops[vm.IP]; ok {
		if !prev.Finished() {
			e.mu.Unlock()
			return model.ResultAlreadyInProgress, nil
		}

		delete(e.ops, vm.IP)
	}
	e.mu.Unlock()

	op := newOperation(vm, requestor, recreate, e.cfg.Deadline, e.now())

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		op.traceID = sc.TraceID().String()
		op.spanID = sc.SpanID().String()
	}

	e.mu.Lock()
	e.ops[vm.IP] = op
	e.mu.Unlock()

	e.publish(ctx, op)

	if err := e.limiter.Dispatch(func() { e.run(op) }); err != nil {
		e.mu.Lock()
		delete(e.ops, vm.IP)
		e.mu.Unlock()

		op.cancel()
		close(op.done)

		if derr := e.repo.DeleteVM(ctx, vm.IP); derr != nil {
			logger.WithError(derr).Error("unable to remove VM record of a refused VM")
		}

		if errors.Is(err, worker.ErrLimiterConcurrency) {
			logger.Info("VM refused, concurrency limit reached")
			return model.ResultQueueFull, nil
		}

		return model.ResultGenericFail, err
	}

	logger.WithFields(logrus.Fields{
		"opID":   op.ID.String(),
		"index":  vm.IndexOnServer,
		"name":   vm.DisplayName,
		"memory": humanize.IBytes(uint64(vm.Hardware.MemoryMB) * humanize.MiByte),
		"cpu":    vm.Hardware.CPUCount,
	}).Info("VM provisioning started")

	return model.ResultPending, nil
}

// Operation returns the current operation of a VM.
func (e *Engine) Operation(vmIP string) (*Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[vmIP]

	return op, ok
}

// GetProgress returns the progress of the provisioning identified by token.
//
// Without an operation the VM record decides, a VM granted to its requestor reports success.
// It never blocks.
func (e *Engine) GetProgress(ctx context.Context, token string) (model.Result, error) {
	vm, err := e.repo.VMByIP(ctx, token)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.ResultUnknown, err
	}

	op, ok := e.Operation(token)

	switch {
	case ok && vm == nil && op.Finished():
		// the VM was released, the operation is of no further interest
		e.mu.Lock()
		if e.ops[token] == op {
			delete(e.ops, token)
		}
		e.mu.Unlock()

		return model.ResultNotFound, nil
	case ok && !op.Finished():
		return model.ResultPending, nil
	case ok:
		return op.Result(), nil
	case vm == nil:
		return model.ResultNotFound, nil
	case vm.State == model.LeaseInUse:
		return model.ResultSuccess, nil
	default:
		return model.ResultUnknown, nil
	}
}

// Wait blocks until the operation of the VM has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context, vmIP string) (model.Result, error) {
	op, ok := e.Operation(vmIP)
	if !ok {
		return model.ResultNotFound, nil
	}

	select {
	case <-op.Done():
		return op.Result(), nil
	case <-ctx.Done():
		return model.ResultPending, ctx.Err()
	}
}

// CancelAndWait collapses the deadline of the running operation and blocks until its
// worker has returned, logging every poll interval. It returns early when ctx is done.
func (e *Engine) CancelAndWait(ctx context.Context, vmIP string) {
	op, ok := e.Operation(vmIP)
	if !ok {
		return
	}

	op.collapse(e.now())

	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-op.Done():
			return
		case <-ticker.C:
			e.logger.WithFields(logrus.Fields{
				"vm":   vmIP,
				"opID": op.ID.String(),
				"step": op.Step(),
			}).Info("waiting for cancelled VM provisioning to finish")
		case <-ctx.Done():
			e.logger.WithFields(logrus.Fields{
				"vm":   vmIP,
				"opID": op.ID.String(),
			}).Warn("gave up waiting for cancelled VM provisioning")

			return
		}
	}
}

// Cancel cancels the operation of a VM and waits for it.
func (e *Engine) Cancel(ctx context.Context, vmIP string) model.Result {
	op, ok := e.Operation(vmIP)
	if !ok {
		return model.ResultNotFound
	}

	if op.Finished() {
		return model.ResultNoActionNeeded
	}

	e.CancelAndWait(ctx, vmIP)

	return op.Result()
}
