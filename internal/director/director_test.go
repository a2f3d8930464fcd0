package director

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/bios"
	"github.com/metal-toolbox/bladedirector/internal/fixtures"
	"github.com/metal-toolbox/bladedirector/internal/lease"
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/metal-toolbox/bladedirector/internal/provision"
	"github.com/metal-toolbox/bladedirector/internal/store"
	"github.com/metal-toolbox/bladedirector/internal/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	client1 = "client1"
	client2 = "client2"
	blade1  = "10.0.0.1"
	blade2  = "10.0.0.2"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeHypervisor struct{}

func (fakeHypervisor) PrepareVM(context.Context, *model.BladeRecord, *model.VMRecord, bool) error {
	return nil
}

func (fakeHypervisor) PowerOnVM(context.Context, *model.BladeRecord, *model.VMRecord) error {
	return nil
}

type fakeDisks struct{}

func (fakeDisks) DeleteDisks(context.Context, string) error { return nil }

func (fakeDisks) CreateDisks(context.Context, string, string) error { return nil }

type fakeSnapshots struct {
	known map[string]bool
	err   error
}

func (s *fakeSnapshots) SnapshotExists(_ context.Context, snapshot string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}

	return s.known[snapshot], nil
}

type fixture struct {
	repo      store.Repository
	locks     *lock.Registry
	clock     *clock
	power     *fixtures.PowerLog
	dialer    *fixtures.Dialer
	limiter   *worker.Limiter
	bios      *bios.Engine
	vms       *provision.Engine
	snapshots *fakeSnapshots
	director  *Director
	hook      *test.Hook
}

func portReady(context.Context, string, int, *logrus.Entry) error {
	return nil
}

func newFixture(t *testing.T, blades ...*model.BladeRecord) *fixture {
	t.Helper()

	return newFixtureWithPortWaiter(t, portReady, blades...)
}

// newFixtureWithPortWaiter returns a fixture where BIOS operations wait for SSH through waiter.
func newFixtureWithPortWaiter(t *testing.T, waiter bios.PortWaiter, blades ...*model.BladeRecord) *fixture {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		repo:      store.NewMemory(),
		locks:     lock.NewRegistry(logger),
		clock:     &clock{now: fixtures.Epoch},
		power:     fixtures.NewPowerLog(),
		dialer:    fixtures.NewDialer(),
		limiter:   worker.NewLimiter(4),
		snapshots: &fakeSnapshots{known: map[string]bool{"clean": true, "win11": true}},
		hook:      hook,
	}

	t.Cleanup(f.limiter.StopWait)

	f.bios = bios.New(f.repo, f.locks, f.power.Factory(), f.dialer, f.limiter,
		bios.Config{CancelPollInterval: 10 * time.Millisecond, Retries: 1},
		logger,
		bios.WithPortWaiter(waiter),
		bios.WithClock(f.clock.Now),
	)

	leases := lease.New(f.repo, f.locks, logger,
		lease.WithClock(f.clock.Now),
		lease.WithBIOSCanceller(f.bios),
		lease.WithSweepInterval(0),
	)

	vms, err := provision.New(f.repo, f.locks, leases, f.bios, fakeHypervisor{}, fakeDisks{}, f.power.Factory(), f.limiter,
		provision.Config{CancelPollInterval: 10 * time.Millisecond},
		logger,
		provision.WithPortWaiter(portReady),
		provision.WithServerBIOS("<vmserver/>"),
		provision.WithClock(f.clock.Now),
	)
	require.NoError(t, err)

	leases.SetVMCanceller(vms)

	f.vms = vms
	f.director = New(f.repo, f.locks, leases, f.bios, vms, f.snapshots, logger)

	for _, b := range blades {
		require.NoError(t, f.repo.CreateBlade(context.Background(), b))
	}

	return f
}

func TestEndToEndHandoff(t *testing.T) {
	f := newFixture(t, fixtures.Blade(blade1, 1))
	ctx := context.Background()

	result, err := f.director.RequestBlade(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	status, err := f.director.GetStatus(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYours, status)

	result, err = f.director.RequestBlade(ctx, blade1, client2)
	require.NoError(t, err)
	assert.Equal(t, model.ResultPending, result)

	status, err = f.director.GetStatus(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReleasePending, status)

	result, err = f.director.ReleaseResource(ctx, blade1, client1, false)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	status, err = f.director.GetStatus(ctx, blade1, client2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYours, status)

	owned, err := f.director.GetBladesOwnedBy(ctx, client2)
	require.NoError(t, err)
	assert.Equal(t, []string{blade1}, owned)

	assert.Empty(t, f.locks.Outstanding())
}

func TestInvalidRequestor(t *testing.T) {
	f := newFixture(t, fixtures.Blade(blade1, 1))
	ctx := context.Background()

	for _, requestor := range []string{"", model.DirectorOwner} {
		result, err := f.director.RequestBlade(ctx, blade1, requestor)
		assert.ErrorIs(t, err, ErrRequestor)
		assert.Equal(t, model.ResultGenericFail, result)

		result, _, err = f.director.RequestAnyBlade(ctx, requestor)
		assert.ErrorIs(t, err, ErrRequestor)
		assert.Equal(t, model.ResultGenericFail, result)

		result, _, err = f.director.RequestVM(ctx, requestor, model.VMHardwareSpec{MemoryMB: 4096, CPUCount: 1}, model.VMSoftwareSpec{})
		assert.ErrorIs(t, err, ErrRequestor)
		assert.Equal(t, model.ResultGenericFail, result)
	}

	blade, err := f.repo.BladeByIP(ctx, blade1)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseUnused, blade.State)
}

func TestRequestAnyBladeFillsPool(t *testing.T) {
	f := newFixture(t, fixtures.Blade(blade1, 1), fixtures.Blade(blade2, 2))
	ctx := context.Background()

	expected := []struct {
		requestor string
		result    model.Result
		ip        string
	}{
		{client1, model.ResultSuccess, blade1},
		{client2, model.ResultSuccess, blade2},
		{"client3", model.ResultPending, blade1},
		{"client4", model.ResultPending, blade2},
		{"client5", model.ResultQueueFull, ""},
	}

	for _, e := range expected {
		result, ip, err := f.director.RequestAnyBlade(ctx, e.requestor)
		require.NoError(t, err)
		assert.Equal(t, e.result, result, e.requestor)
		assert.Equal(t, e.ip, ip, e.requestor)
	}

	ids, err := f.director.ListAllBladeIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{blade1, blade2}, ids)
}

func TestBIOSReadAndPoll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, fixtures.OwnedBlade(blade1, 1, client1))
	ctx := context.Background()

	f.dialer.Session(blade1).SetFile("/tmp/bios/bios.xml", []byte("<current/>"))

	result, image := f.director.PollBIOSRead(ctx, blade1)
	assert.Equal(t, model.ResultNotFound, result)
	assert.Empty(t, image)

	result, err := f.director.StartBIOSRead(ctx, blade1, client2)
	require.NoError(t, err)
	assert.Equal(t, model.ResultInUse, result)

	result, err = f.director.StartBIOSRead(ctx, blade1, client1)
	require.NoError(t, err)
	require.Equal(t, model.ResultPending, result)

	result, err = f.bios.Wait(ctx, blade1)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	result, image = f.director.PollBIOSRead(ctx, blade1)
	assert.Equal(t, model.ResultSuccess, result)
	assert.Equal(t, "<current/>", image)
	assert.Equal(t, model.ResultSuccess, f.director.PollBIOSWrite(ctx, blade1))

	// writing back what was read needs no deploy
	result, err = f.director.StartBIOSWrite(ctx, blade1, client1, "<current/>", false)
	require.NoError(t, err)
	assert.Equal(t, model.ResultNoActionNeeded, result)

	result, err = f.director.StartBIOSWrite(ctx, blade1, client1, "<current/>", true)
	require.NoError(t, err)
	require.Equal(t, model.ResultPending, result)

	result, err = f.bios.Wait(ctx, blade1)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	f.limiter.StopWait()
	assert.Empty(t, f.locks.Outstanding())
}

func TestReleaseCancelsBIOSWrite(t *testing.T) {
	tests := []struct {
		name          string
		waiter        string
		releasedBy    string
		force         bool
		expectedState model.LeaseState
		expectedOwner string
	}{
		{"owner release hands off", client2, client1, false, model.LeaseInUse, client2},
		{"forced release", "", "admin", true, model.LeaseUnused, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

			booting := make(chan struct{}, 1)

			// the blade never boots into the deploy environment
			waiter := func(ctx context.Context, _ string, _ int, _ *logrus.Entry) error {
				select {
				case booting <- struct{}{}:
				default:
				}

				<-ctx.Done()

				return ctx.Err()
			}

			f := newFixtureWithPortWaiter(t, waiter, fixtures.Blade(blade1, 1))
			ctx := context.Background()

			result, err := f.director.RequestBlade(ctx, blade1, client1)
			require.NoError(t, err)
			require.Equal(t, model.ResultSuccess, result)

			if tc.waiter != "" {
				result, err = f.director.RequestBlade(ctx, blade1, tc.waiter)
				require.NoError(t, err)
				require.Equal(t, model.ResultPending, result)
			}

			result, err = f.director.StartBIOSWrite(ctx, blade1, client1, "<bios/>", false)
			require.NoError(t, err)
			require.Equal(t, model.ResultPending, result)

			select {
			case <-booting:
			case <-time.After(5 * time.Second):
				t.Fatal("BIOS operation did not reach the boot wait")
			}

			assert.Equal(t, model.ResultPending, f.director.PollBIOSWrite(ctx, blade1))

			result, err = f.director.ReleaseResource(ctx, blade1, tc.releasedBy, tc.force)
			require.NoError(t, err)
			assert.Equal(t, model.ResultSuccess, result)

			// the release returned once the operation was terminal
			assert.Equal(t, model.ResultCancelled, f.bios.CheckProgress(blade1))

			blade, err := f.director.Blade(ctx, blade1)
			require.NoError(t, err)
			assert.False(t, blade.CurrentlyHavingBIOSDeployed)
			assert.Empty(t, blade.LastDeployedBIOS)
			assert.Equal(t, tc.expectedState, blade.State)
			assert.Equal(t, tc.expectedOwner, blade.CurrentOwner)
			assert.Empty(t, blade.NextOwner)

			f.limiter.StopWait()
			assert.Empty(t, f.locks.Outstanding())
		})
	}
}

func TestVMRequestLifecycle(t *testing.T) {
	f := newFixture(t, fixtures.Blade(blade1, 1))
	ctx := context.Background()

	result, _, err := f.director.RequestVM(ctx, client1, model.VMHardwareSpec{MemoryMB: 4095, CPUCount: 1}, model.VMSoftwareSpec{})
	assert.ErrorIs(t, err, model.ErrHardwareSpec)
	assert.Equal(t, model.ResultGenericFail, result)

	vms, err := f.director.ListAllVMIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, vms)

	result, token, err := f.director.RequestVM(ctx, client1, model.VMHardwareSpec{MemoryMB: 4096, CPUCount: 1}, model.VMSoftwareSpec{})
	require.NoError(t, err)
	require.Equal(t, model.ResultPending, result)
	assert.Equal(t, "10.20.1.1", token)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err = f.vms.Wait(wctx, token)
	require.NoError(t, err)
	require.Equal(t, model.ResultSuccess, result)

	result, vmID, err := f.director.PollVMRequest(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)
	assert.Equal(t, token, vmID)

	vms, err = f.director.ListAllVMIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, vms)

	owned, err := f.director.GetBladesOwnedBy(ctx, client1)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, owned)

	// the VM server blade is not the requestor's
	status, err := f.director.GetStatus(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNotYours, status)

	result, err = f.director.ReleaseResource(ctx, token, client1, false)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	result, vmID, err = f.director.PollVMRequest(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.ResultNotFound, result)
	assert.Empty(t, vmID)

	f.limiter.StopWait()
	assert.Empty(t, f.locks.Outstanding())
}

func TestSelectSnapshot(t *testing.T) {
	tests := []struct {
		name        string
		ip          string
		requestor   string
		snapshot    string
		checkErr    error
		expected    model.Result
		expectedErr error
		stored      string
	}{
		{"owner selects a known snapshot", blade1, client1, "win11", nil, model.ResultSuccess, nil, "win11"},
		{"snapshot already selected", blade1, client1, "clean", nil, model.ResultNoActionNeeded, nil, "clean"},
		{"not the owner", blade1, client2, "win11", nil, model.ResultInUse, nil, "clean"},
		{"unused blade", blade2, client1, "win11", nil, model.ResultInUse, nil, ""},
		{"unknown resource", "10.9.9.9", client1, "win11", nil, model.ResultNotFound, nil, ""},
		{"unknown snapshot", blade1, client1, "nope", nil, model.ResultNotFound, nil, "clean"},
		{"empty snapshot", blade1, client1, "", nil, model.ResultGenericFail, ErrSnapshot, "clean"},
		{"NAS unreachable", blade1, client1, "win11", errors.New("dial nas"), model.ResultGenericFail, nil, "clean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owned := fixtures.OwnedBlade(blade1, 1, client1)
			owned.CurrentSnapshot = "clean"

			f := newFixture(t, owned, fixtures.Blade(blade2, 2))
			f.snapshots.err = tt.checkErr

			ctx := context.Background()

			result, err := f.director.SelectSnapshot(ctx, tt.ip, tt.requestor, tt.snapshot)

			switch {
			case tt.expectedErr != nil:
				assert.ErrorIs(t, err, tt.expectedErr)
			case tt.checkErr != nil:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}

			assert.Equal(t, tt.expected, result)

			if blade, err := f.repo.BladeByIP(ctx, tt.ip); err == nil {
				assert.Equal(t, tt.stored, blade.CurrentSnapshot)
			}

			assert.Empty(t, f.locks.Outstanding())
		})
	}
}

func TestSelectSnapshotOnVM(t *testing.T) {
	f := newFixture(t, fixtures.Blade(blade1, 1))
	ctx := context.Background()

	result, token, err := f.director.RequestVM(ctx, client1, model.VMHardwareSpec{MemoryMB: 4096, CPUCount: 1}, model.VMSoftwareSpec{})
	require.NoError(t, err)
	require.Equal(t, model.ResultPending, result)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = f.vms.Wait(wctx, token)
	require.NoError(t, err)

	result, err = f.director.SelectSnapshot(ctx, token, client2, "win11")
	require.NoError(t, err)
	assert.Equal(t, model.ResultInUse, result)

	result, err = f.director.SelectSnapshot(ctx, token, client1, "win11")
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccess, result)

	vm, err := f.repo.VMByIP(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "win11", vm.CurrentSnapshot)
}

func TestEntryPointsSweep(t *testing.T) {
	f := newFixture(t, fixtures.OwnedBlade(blade1, 1, client1))
	ctx := context.Background()

	f.clock.Advance(lease.DefaultKeepaliveTimeout / 2)
	require.NoError(t, f.director.KeepAlive(ctx, client1))

	f.clock.Advance(lease.DefaultKeepaliveTimeout / 2)

	status, err := f.director.GetStatus(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusYours, status)

	f.clock.Advance(2 * lease.DefaultKeepaliveTimeout)

	status, err = f.director.GetStatus(ctx, blade1, client1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnused, status)

	var forced bool

	for _, e := range f.hook.AllEntries() {
		if e.Message == "keepalive expired, resource released" {
			forced = true
		}
	}

	assert.True(t, forced)
}
