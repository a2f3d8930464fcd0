package lock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Guard is the handle for a set of capability bits held on one key.
//
// A guard must be released exactly once on every exit path, releasing twice panics.
// Guards which are never released are listed by Registry.Outstanding.
type Guard struct {
	reg        *Registry
	res        *resource
	key        string
	holder     HolderID
	id         uint64
	acquiredAt time.Time

	mu       sync.Mutex
	bits     Bits
	released bool
}

// Key returns the resource key this guard was taken on.
func (g *Guard) Key() string {
	return g.key
}

// Bits returns the bits currently held through this guard.
func (g *Guard) Bits() Bits {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.bits
}

// Holds returns true when the guard is live and holds all of bits.
func (g *Guard) Holds(bits Bits) bool {
	if g == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return !g.released && g.bits.Has(bits)
}

// MustHold panics unless the guard holds all of bits on key.
func (g *Guard) MustHold(key string, bits Bits) {
	if g == nil {
		panic(errors.Wrapf(ErrNotHeld, "nil guard, key: %s, bits: %s", key, bits))
	}

	if g.key != key || !g.Holds(bits) {
		panic(errors.Wrapf(ErrNotHeld, "guard key: %s, bits: %s, wanted key: %s, bits: %s", g.key, g.Bits(), key, bits))
	}
}

// Upgrade acquires additional bits on the same key for the same holder.
func (g *Guard) Upgrade(ctx context.Context, bits Bits) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		panic(errors.Wrap(ErrNotHeld, "upgrade on released guard, key: "+g.key))
	}
	g.mu.Unlock()

	if err := g.reg.take(ctx, g.res, g.key, bits, g.holder); err != nil {
		return err
	}

	g.mu.Lock()
	g.bits |= bits
	g.mu.Unlock()

	return nil
}

// Downgrade gives back some of the held bits, the guard stays live.
func (g *Guard) Downgrade(bits Bits) {
	g.MustHold(g.key, bits)

	g.mu.Lock()
	g.bits &^= bits
	g.mu.Unlock()

	g.reg.give(g.res, bits)
}

// Release gives back every bit held by the guard.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		panic(errors.Wrap(ErrDoubleRelease, "key: "+g.key))
	}

	g.released = true
	bits := g.bits
	g.bits = 0
	g.mu.Unlock()

	g.reg.give(g.res, bits)
	g.reg.untrack(g)
}
