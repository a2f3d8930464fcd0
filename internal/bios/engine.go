// Package bios runs BIOS read and write operations on blades.
//
// An operation power cycles the blade into its deploy environment, waits for SSH,
// pushes the deploy scripts and runs the read or write script. One operation runs per
// blade, callers poll its progress and a release cancels it by collapsing its deadline.
package bios

import (
	"context"
	"sync"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/bmc"
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
	pkgName = "internal/bios"

	defaultConnectTimeout     = 10 * time.Minute
	defaultOperationTimeout   = 30 * time.Minute
	defaultCancelPollInterval = 10 * time.Second
	defaultRetries            = 3
	defaultSSHPort            = 22
)

var (
	ErrInvalidMode = errors.New("invalid BIOS operation mode")
	ErrScript      = errors.New("BIOS script failed")
	ErrWorkerPanic = errors.New("BIOS worker panic")
)

// Config is the BIOS deploy configuration.
type Config struct {
	// ScriptsDir is the local directory holding the deploy scripts, every file in it is pushed.
	ScriptsDir string `mapstructure:"scripts_dir"`
	// RemoteDir is the directory on the blade the scripts and image are copied to.
	RemoteDir   string `mapstructure:"remote_dir"`
	ReadScript  string `mapstructure:"read_script"`
	WriteScript string `mapstructure:"write_script"`
	// ImageFile is the name of the image file in RemoteDir, written before a write and read back after a read.
	ImageFile string `mapstructure:"image_file"`

	// ConnectTimeout bounds the wait for SSH after the power cycle.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// OperationTimeout is the overall deadline of an operation.
	OperationTimeout   time.Duration `mapstructure:"operation_timeout"`
	CancelPollInterval time.Duration `mapstructure:"cancel_poll_interval"`
	Retries            int           `mapstructure:"retries"`
}

// nolint:gomnd // default values are clear as is.
func (c *Config) setDefaults() {
	if c.RemoteDir == "" {
		c.RemoteDir = "/tmp/bios"
	}

	if c.ReadScript == "" {
		c.ReadScript = "getbios.sh"
	}

	if c.WriteScript == "" {
		c.WriteScript = "applybios.sh"
	}

	if c.ImageFile == "" {
		c.ImageFile = "bios.xml"
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}

	if c.OperationTimeout == 0 {
		c.OperationTimeout = defaultOperationTimeout
	}

	if c.CancelPollInterval == 0 {
		c.CancelPollInterval = defaultCancelPollInterval
	}

	if c.Retries == 0 {
		c.Retries = defaultRetries
	}
}

// Request is a BIOS operation request.
type Request struct {
	BladeIP   string
	Requestor string
	Mode      Mode
	// Image is the BIOS image pushed by a write.
	Image string
	// Force writes the image even when the blade reports it as already deployed.
	Force bool
}

func (r *Request) validate() error {
	switch r.Mode {
	case ModeRead:
		return nil
	case ModeWrite:
		if r.Image == "" {
			return errors.Wrap(ErrInvalidMode, "write without an image")
		}

		return nil
	default:
		return errors.Wrap(ErrInvalidMode, string(r.Mode))
	}
}

// PortWaiter blocks until host:port accepts connections or ctx is done.
type PortWaiter func(ctx context.Context, host string, port int, logger *logrus.Entry) error

// Engine runs BIOS operations, at most one per blade.
type Engine struct {
	repo      store.Repository
	locks     *lock.Registry
	power     bmc.Factory
	dialer    remote.Dialer
	limiter   *worker.Limiter
	publisher model.StatusPublisher
	waitPort  PortWaiter
	sshPort   int
	cfg       Config
	logger    *logrus.Logger
	now       func() time.Time
	sm        *statemachine.OperationStateMachine

	// mu protects ops, operations have their own lock.
	mu  sync.Mutex
	ops map[string]*Operation
}

type Option func(*Engine)

func WithPublisher(p model.StatusPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithPortWaiter replaces the TCP probe used to wait for SSH on a booting blade.
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

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns a BIOS operation engine, workers are run through limiter.
func New(
	repo store.Repository,
	locks *lock.Registry,
	power bmc.Factory,
	dialer remote.Dialer,
	limiter *worker.Limiter,
	cfg Config,
	logger *logrus.Logger,
	opts ...Option,
) *Engine {
	cfg.setDefaults()

	e := &Engine{
		repo:      repo,
		locks:     locks,
		power:     power,
		dialer:    dialer,
		limiter:   limiter,
		publisher: model.NoopPublisher{},
		waitPort:  remote.WaitForPort,
		sshPort:   defaultSSHPort,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		ops:       map[string]*Operation{},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.sm = statemachine.NewOperationStateMachine(statemachine.StateBooting, &handler{e: e})

	return e
}

// StateMachine returns the operation lifecycle statemachine.
func (e *Engine) StateMachine() *statemachine.OperationStateMachine {
	return e.sm
}

// Start begins a BIOS operation on a blade owned by the requestor.
//
// Returns pending when the worker was started, alreadyInProgress while a previous
// operation is running and noActionNeeded for a write of the image already deployed.
// A terminal previous operation is dropped.
func (e *Engine) Start(ctx context.Context, req Request) (model.Result, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "bios.Start")
	defer span.End()

	if err := req.validate(); err != nil {
		return model.ResultGenericFail, err
	}

	g, err := e.locks.Acquire(ctx, req.BladeIP, lock.Ownership|lock.BIOS)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	blade, err := e.repo.BladeByIP(ctx, req.BladeIP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	if !blade.OwnedBy(req.Requestor) {
		return model.ResultInUse, nil
	}

	return e.begin(ctx, g, blade, req, e.limiter.Dispatch)
}

// StartForVMServer writes image to a blade the director holds as a VM server.
//
// Only the BIOS bit is taken, the caller is a provisioning worker which must not take
// Ownership of the blade. The write is not dispatched through the limiter, it runs
// under the limiter slot of the provisioning worker which waits for it.
func (e *Engine) StartForVMServer(ctx context.Context, bladeIP, image string) (model.Result, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "bios.StartForVMServer")
	defer span.End()

	req := Request{BladeIP: bladeIP, Requestor: model.DirectorOwner, Mode: ModeWrite, Image: image}
	if err := req.validate(); err != nil {
		return model.ResultGenericFail, err
	}

	g, err := e.locks.Acquire(ctx, bladeIP, lock.BIOS)
	if err != nil {
		return model.ResultGenericFail, err
	}

	defer g.Release()

	blade, err := e.repo.BladeByIP(ctx, bladeIP)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ResultNotFound, nil
		}

		return model.ResultGenericFail, err
	}

	if !blade.IsVMServer() || !blade.OwnedBy(model.DirectorOwner) {
		return model.ResultInUse, nil
	}

	return e.begin(ctx, g, blade, req, goDispatch)
}

func goDispatch(f func()) error {
	go f()

	return nil
}

// begin registers the operation and runs its worker through dispatch, g must hold the BIOS bit of the blade.
func (e *Engine) begin(ctx context.Context, g *lock.Guard, blade *model.BladeRecord, req Request, dispatch func(func()) error) (model.Result, error) {
	ip := blade.IP
	logger := e.logger.WithFields(logrus.Fields{"blade": ip, "mode": req.Mode, "requestor": req.Requestor})

	e.mu.Lock()
	if prev, ok := e.ops[ip]; ok {
		if !prev.Finished() {
			e.mu.Unlock()
			return model.ResultAlreadyInProgress, nil
		}

		delete(e.ops, ip)
	}
	e.mu.Unlock()

	if req.Mode == ModeWrite && !req.Force && blade.LastDeployedBIOS != "" && blade.LastDeployedBIOS == req.Image {
		logger.Debug("BIOS image already deployed")
		return model.ResultNoActionNeeded, nil
	}

	if blade.CurrentlyHavingBIOSDeployed {
		logger.Warn("BIOS deploy flag set without a running operation, flag is overwritten")
	}

	if err := e.setDeploying(ctx, g, ip, true); err != nil {
		return model.ResultGenericFail, err
	}

	op := newOperation(req, e.cfg.OperationTimeout, e.now())

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		op.traceID = sc.TraceID().String()
		op.spanID = sc.SpanID().String()
	}

	e.mu.Lock()
	e.ops[ip] = op
	e.mu.Unlock()

	e.publish(ctx, op)

	if err := dispatch(func() { e.run(op) }); err != nil {
		e.mu.Lock()
		delete(e.ops, ip)
		e.mu.Unlock()

		op.cancel()
		close(op.done)

		if rerr := e.setDeploying(ctx, g, ip, false); rerr != nil {
			logger.WithError(rerr).Error("unable to clear BIOS deploy flag")
		}

		if errors.Is(err, worker.ErrLimiterConcurrency) {
			logger.Info("BIOS operation refused, concurrency limit reached")
			return model.ResultQueueFull, nil
		}

		return model.ResultGenericFail, err
	}

	logger.WithField("opID", op.ID.String()).Info("BIOS operation started")

	return model.ResultPending, nil
}

func (e *Engine) setDeploying(ctx context.Context, g *lock.Guard, ip string, deploying bool) error {
	_, err := e.repo.UpdateBlade(ctx, ip, func(b *model.BladeRecord) error {
		b.SetBIOSDeploying(g, deploying)
		return nil
	})

	return err
}

// Operation returns the current operation of a blade.
func (e *Engine) Operation(bladeIP string) (*Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[bladeIP]

	return op, ok
}

// CheckProgress returns notFound when the blade has no operation, pending while it runs
// and its terminal result otherwise. It never blocks.
func (e *Engine) CheckProgress(bladeIP string) model.Result {
	result, _ := e.ReadResult(bladeIP)
	return result
}

// ReadResult returns the progress of the operation and the image retrieved by a successful read.
func (e *Engine) ReadResult(bladeIP string) (model.Result, string) {
	op, ok := e.Operation(bladeIP)
	if !ok {
		return model.ResultNotFound, ""
	}

	if !op.Finished() {
		return model.ResultPending, ""
	}

	return op.Result()
}

// Wait blocks until the operation of the blade has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context, bladeIP string) (model.Result, error) {
	op, ok := e.Operation(bladeIP)
	if !ok {
		return model.ResultNotFound, nil
	}

	select {
	case <-op.Done():
		result, _ := op.Result()
		return result, nil
	case <-ctx.Done():
		return model.ResultPending, ctx.Err()
	}
}

// CancelAndWait collapses the deadline of the running operation and blocks until its
// worker has returned, logging every poll interval. It returns early when ctx is done.
func (e *Engine) CancelAndWait(ctx context.Context, bladeIP string) {
	op, ok := e.Operation(bladeIP)
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
				"blade": bladeIP,
				"opID":  op.ID.String(),
				"state": op.State(),
			}).Info("waiting for cancelled BIOS operation to finish")
		case <-ctx.Done():
			e.logger.WithFields(logrus.Fields{
				"blade": bladeIP,
				"opID":  op.ID.String(),
			}).Warn("gave up waiting for cancelled BIOS operation")

			return
		}
	}
}

// Cancel cancels the operation of a blade and waits for it.
func (e *Engine) Cancel(ctx context.Context, bladeIP string) model.Result {
	op, ok := e.Operation(bladeIP)
	if !ok {
		return model.ResultNotFound
	}

	if op.Finished() {
		return model.ResultNoActionNeeded
	}

	e.CancelAndWait(ctx, bladeIP)

	result, _ := op.Result()

	return result
}

// Clear drops a finished operation, returns false when the operation is still running.
func (e *Engine) Clear(bladeIP string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	op, ok := e.ops[bladeIP]
	if !ok {
		return true
	}

	if !op.Finished() {
		return false
	}

	delete(e.ops, bladeIP)

	return true
}
