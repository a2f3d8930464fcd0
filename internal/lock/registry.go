// Package lock implements per-resource capability locks.
//
// A resource (blade or VM) is identified by its IP address, each resource carries a fixed
// set of capability bits which are taken and released independently, so subsystems that
// touch unrelated state on the same blade do not contend.
package lock

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// VMAdmissionKey is the process wide key under which VM admission is serialized.
	VMAdmissionKey = "vm-admission"

	defaultWaitTimeout = 5 * time.Second
)

var (
	ErrReentrantAcquire = errors.New("capability bit already held by this holder")
	ErrDoubleRelease    = errors.New("lock guard released twice")
	ErrNotHeld          = errors.New("capability bit not held by guard")
	ErrNoBits           = errors.New("no capability bits requested")
	ErrAcquire          = errors.New("lock acquire aborted")
)

// HolderID identifies the execution unit holding lock bits.
type HolderID uint64

type holderKey struct{}

var holderSeq atomic.Uint64

func newHolder() HolderID {
	return HolderID(holderSeq.Add(1))
}

// WithHolder returns a context carrying a new holder identity.
//
// Every entry point and every background worker starts its own holder, acquisitions
// made with the same context are treated as coming from the same execution unit.
func WithHolder(ctx context.Context) context.Context {
	return context.WithValue(ctx, holderKey{}, newHolder())
}

// HolderFrom returns the holder carried by the context, zero if none.
func HolderFrom(ctx context.Context) HolderID {
	if h, ok := ctx.Value(holderKey{}).(HolderID); ok {
		return h
	}

	return 0
}

type resource struct {
	sems    [numBits]chan struct{}
	mu      sync.Mutex
	holders [numBits]HolderID
}

func newResource() *resource {
	r := &resource{}
	for i := range r.sems {
		r.sems[i] = make(chan struct{}, 1)
	}

	return r
}

// Registry holds the capability locks for every resource key.
//
// The registry is created once at process start and entries are never removed,
// a lock for a key outlives the many short lived guards taken on it.
type Registry struct {
	mu          sync.Mutex
	resources   map[string]*resource
	guards      map[uint64]*Guard
	guardSeq    uint64
	waitTimeout time.Duration
	logger      *logrus.Logger
}

// Option sets a Registry parameter.
type Option func(*Registry)

// WithWaitTimeout sets the per bit wait after which a pending acquire is logged and retried.
func WithWaitTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.waitTimeout = d
		}
	}
}

// NewRegistry returns an empty lock registry.
func NewRegistry(logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		resources:   map[string]*resource{},
		guards:      map[uint64]*Guard{},
		waitTimeout: defaultWaitTimeout,
		logger:      logger,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) resource(key string) *resource {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, exists := r.resources[key]
	if !exists {
		res = newResource()
		r.resources[key] = res
	}

	return res
}

// Acquire blocks until all the requested bits on key are held by the caller.
//
// Bits are taken one at a time in ascending order, each wait is bounded by the registry
// wait timeout after which it is logged and retried. When ctx is done, any bits already
// taken are given back and an error is returned. Requesting a bit the context holder
// already holds on key panics, since the wait could never complete.
func (r *Registry) Acquire(ctx context.Context, key string, bits Bits) (*Guard, error) {
	if bits == 0 {
		panic(ErrNoBits)
	}

	holder := HolderFrom(ctx)
	if holder == 0 {
		holder = newHolder()
	}

	res := r.resource(key)
	if err := r.take(ctx, res, key, bits, holder); err != nil {
		return nil, err
	}

	g := &Guard{
		reg:        r,
		res:        res,
		key:        key,
		holder:     holder,
		bits:       bits,
		acquiredAt: time.Now(),
	}

	r.track(g)

	return g, nil
}

func (r *Registry) take(ctx context.Context, res *resource, key string, bits Bits, holder HolderID) error {
	var taken Bits

	var err error

	bits.each(func(idx int, bit Bits) {
		if err != nil {
			return
		}

		res.mu.Lock()
		reentrant := res.holders[idx] == holder
		res.mu.Unlock()

		if reentrant {
			panic(errors.Wrapf(ErrReentrantAcquire, "key: %s, bit: %s", key, bit))
		}

		startTS := time.Now()
		timer := time.NewTimer(r.waitTimeout)
		defer timer.Stop()

		for {
			select {
			case res.sems[idx] <- struct{}{}:
				res.mu.Lock()
				res.holders[idx] = holder
				res.mu.Unlock()

				taken |= bit

				metrics.LockWaitSummary.WithLabelValues(bit.String()).Observe(time.Since(startTS).Seconds())

				return
			case <-timer.C:
				r.logger.WithFields(logrus.Fields{
					"key":     key,
					"bit":     bit.String(),
					"waiting": time.Since(startTS).String(),
				}).Warn("still waiting for capability lock")

				timer.Reset(r.waitTimeout)
			case <-ctx.Done():
				r.give(res, taken)
				err = errors.Wrapf(ErrAcquire, "key: %s, bit: %s: %s", key, bit, ctx.Err())

				return
			}
		}
	})

	return err
}

func (r *Registry) give(res *resource, bits Bits) {
	bits.each(func(idx int, _ Bits) {
		res.mu.Lock()
		res.holders[idx] = 0
		res.mu.Unlock()

		<-res.sems[idx]
	})
}

func (r *Registry) track(g *Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.guardSeq++
	g.id = r.guardSeq
	r.guards[g.id] = g
}

func (r *Registry) untrack(g *Guard) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.guards, g.id)
}

// Held returns the bits currently held on key by anyone.
func (r *Registry) Held(key string) Bits {
	res := r.resource(key)

	res.mu.Lock()
	defer res.mu.Unlock()

	var held Bits

	for i, h := range res.holders {
		if h != 0 {
			held |= Bits(1) << i
		}
	}

	return held
}

// GuardInfo describes a guard which has not been released.
type GuardInfo struct {
	Key        string
	Bits       Bits
	Holder     HolderID
	AcquiredAt time.Time
}

// Outstanding lists every unreleased guard, oldest first.
func (r *Registry) Outstanding() []GuardInfo {
	r.mu.Lock()
	guards := make([]*Guard, 0, len(r.guards))

	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.Unlock()

	infos := make([]GuardInfo, 0, len(guards))

	for _, g := range guards {
		g.mu.Lock()
		infos = append(infos, GuardInfo{Key: g.key, Bits: g.bits, Holder: g.holder, AcquiredAt: g.acquiredAt})
		g.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].AcquiredAt.Before(infos[j].AcquiredAt)
	})

	return infos
}
