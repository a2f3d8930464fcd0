package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(name, "/", "_"))
}

func backends(t *testing.T) map[string]func(t *testing.T) Repository {
	t.Helper()

	return map[string]func(t *testing.T) Repository{
		"memory": func(t *testing.T) Repository {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Repository {
			repo, err := NewSQLite(testDSN(t.Name()), logrus.New())
			require.NoError(t, err)

			t.Cleanup(func() { _ = repo.Close() })

			return repo
		},
		"bolt": func(t *testing.T) Repository {
			repo, err := NewBolt(filepath.Join(t.TempDir(), "director.db"))
			require.NoError(t, err)

			t.Cleanup(func() { _ = repo.Close() })

			return repo
		},
	}
}

func testBlade(ip string, ordinal int) *model.BladeRecord {
	blade := model.NewBlade(ip)
	blade.Ordinal = ordinal
	blade.BMCIP = "192.168.0." + fmt.Sprint(ordinal)
	blade.MaxVMs = 2
	blade.MaxVMMemoryMB = 8192
	blade.MaxCPUCount = 4

	return blade
}

func testVM(ip, parent string, index, mem, cpu int) *model.VMRecord {
	return &model.VMRecord{
		IP:            ip,
		ParentBladeIP: parent,
		IndexOnServer: index,
		EthMAC:        "00:50:56:00:00:0" + fmt.Sprint(index),
		Hardware:      model.VMHardwareSpec{MemoryMB: mem, CPUCount: cpu},
		LeaseFields:   model.LeaseFields{State: model.LeaseInUseByDirector, CurrentOwner: model.DirectorOwner},
	}
}

func TestRepositoryBlades(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			_, err := repo.BladeByIP(ctx, "10.0.0.1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.CreateBlade(ctx, testBlade("10.0.0.2", 2)))
			require.NoError(t, repo.CreateBlade(ctx, testBlade("10.0.0.1", 1)))

			err = repo.CreateBlade(ctx, testBlade("10.0.0.1", 1))
			assert.ErrorIs(t, err, ErrDuplicate)

			blade, err := repo.BladeByIP(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, model.LeaseUnused, blade.State)
			assert.Equal(t, 1, blade.Ordinal)
			assert.True(t, blade.LastKeepAlive.IsZero())

			keepalive := time.Now().Truncate(time.Millisecond)
			blade.State = model.LeaseInUse
			blade.CurrentOwner = "client1"
			blade.LastKeepAlive = keepalive
			blade.CurrentlyHavingBIOSDeployed = true
			blade.VMDeployState = model.VMDeployNeedsPowerCycle
			blade.LastDeployedBIOS = "<bios/>"
			require.NoError(t, repo.PutBlade(ctx, blade))

			got, err := repo.BladeByIP(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, "client1", got.CurrentOwner)
			assert.True(t, got.LastKeepAlive.Equal(keepalive))
			assert.True(t, got.CurrentlyHavingBIOSDeployed)
			assert.Equal(t, model.VMDeployNeedsPowerCycle, got.VMDeployState)
			assert.Equal(t, "<bios/>", got.LastDeployedBIOS)

			// mutating a returned record does not change the store
			got.CurrentOwner = "someone-else"
			again, err := repo.BladeByIP(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, "client1", again.CurrentOwner)

			blades, err := repo.ListBlades(ctx)
			require.NoError(t, err)
			require.Len(t, blades, 2)
			assert.Equal(t, "10.0.0.1", blades[0].IP)
			assert.Equal(t, "10.0.0.2", blades[1].IP)

			require.NoError(t, repo.DeleteBlade(ctx, "10.0.0.2"))
			assert.ErrorIs(t, repo.DeleteBlade(ctx, "10.0.0.2"), ErrNotFound)
		})
	}
}

func TestRepositoryVMs(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			require.NoError(t, repo.CreateBlade(ctx, testBlade("10.0.0.1", 1)))

			totals, err := repo.Totals(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, model.Totals{}, totals)

			require.NoError(t, repo.CreateVM(ctx, testVM("10.1.1.2", "10.0.0.1", 2, 4096, 1)))
			require.NoError(t, repo.CreateVM(ctx, testVM("10.1.1.1", "10.0.0.1", 1, 2048, 2)))
			require.NoError(t, repo.CreateVM(ctx, testVM("10.1.2.1", "10.0.0.2", 1, 1024, 1)))

			assert.ErrorIs(t, repo.CreateVM(ctx, testVM("10.1.1.1", "10.0.0.1", 1, 4, 1)), ErrDuplicate)

			totals, err = repo.Totals(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Equal(t, model.Totals{CPUSum: 3, MemSum: 6144, VMCount: 2}, totals)

			children, err := repo.VMsByParent(ctx, "10.0.0.1")
			require.NoError(t, err)
			require.Len(t, children, 2)
			assert.Equal(t, "10.1.1.1", children[0].IP)

			vm, err := repo.VMByIP(ctx, "10.1.1.2")
			require.NoError(t, err)
			assert.Equal(t, model.DirectorOwner, vm.CurrentOwner)
			assert.Equal(t, 4096, vm.Hardware.MemoryMB)

			vm.State = model.LeaseInUse
			vm.CurrentOwner = "client1"
			require.NoError(t, repo.PutVM(ctx, vm))

			vm, err = repo.VMByIP(ctx, "10.1.1.2")
			require.NoError(t, err)
			assert.Equal(t, "client1", vm.CurrentOwner)

			all, err := repo.ListVMs(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, repo.DeleteVM(ctx, "10.1.1.2"))
			_, err = repo.VMByIP(ctx, "10.1.1.2")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.Reset(ctx))

			blades, err := repo.ListBlades(ctx)
			require.NoError(t, err)
			assert.Empty(t, blades)

			all, err = repo.ListVMs(ctx)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestMigratorIdempotent(t *testing.T) {
	dsn := testDSN(t.Name())

	first, err := NewSQLite(dsn, logrus.New())
	require.NoError(t, err)

	defer first.Close()

	version, err := NewMigrator(first.db, sqliteMigrations...).Version()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	// a second open against the same shared database finds nothing to apply
	second, err := NewSQLite(dsn, logrus.New())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

const testInventory = `
defaults:
  bmcPort: 623
  maxVMs: 4
  maxVMMemoryMB: 65536
  maxCPUCount: 16
blades:
  - ip: 10.0.0.1
    bmcIP: 10.0.1.1
  - ip: 10.0.0.2
    bmcIP: 10.0.1.2
    maxVMs: 2
`

func writeInventory(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadInventory(t *testing.T) {
	inv, err := LoadInventory(writeInventory(t, testInventory))
	require.NoError(t, err)

	records := inv.Records()
	require.Len(t, records, 2)

	assert.Equal(t, 1, records[0].Ordinal)
	assert.Equal(t, 623, records[0].BMCPort)
	assert.Equal(t, 4, records[0].MaxVMs)
	assert.Equal(t, 2, records[1].MaxVMs)
	assert.Equal(t, 65536, records[1].MaxVMMemoryMB)
	assert.Equal(t, model.LeaseUnused, records[1].State)

	_, err = LoadInventory(writeInventory(t, "blades:\n  - ip: 10.0.0.1\n  - ip: 10.0.0.1\n"))
	assert.ErrorIs(t, err, ErrInventory)

	_, err = LoadInventory(writeInventory(t, "blades:\n  - ip: not-an-ip\n"))
	assert.ErrorIs(t, err, ErrInventory)
}

func TestInitPool(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	inv, err := LoadInventory(writeInventory(t, testInventory))
	require.NoError(t, err)

	require.NoError(t, InitPool(ctx, repo, inv, false, logrus.New()))

	// loading the same pool again collides
	assert.ErrorIs(t, InitPool(ctx, repo, inv, false, logrus.New()), ErrDuplicate)

	require.NoError(t, repo.CreateVM(ctx, testVM("10.1.1.1", "10.0.0.1", 1, 4, 1)))
	require.NoError(t, InitPool(ctx, repo, inv, true, logrus.New()))

	vms, err := repo.ListVMs(ctx)
	require.NoError(t, err)
	assert.Empty(t, vms)

	blades, err := repo.ListBlades(ctx)
	require.NoError(t, err)
	assert.Len(t, blades, 2)
}

func TestRepositoryUpdate(t *testing.T) {
	errAbort := errors.New("abort")

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			_, err := repo.UpdateBlade(ctx, "10.0.0.1", func(*model.BladeRecord) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, repo.CreateBlade(ctx, testBlade("10.0.0.1", 1)))

			blade, err := repo.UpdateBlade(ctx, "10.0.0.1", func(b *model.BladeRecord) error {
				b.CurrentlyHavingBIOSDeployed = true
				return nil
			})
			require.NoError(t, err)
			assert.True(t, blade.CurrentlyHavingBIOSDeployed)

			blade, err = repo.UpdateBlade(ctx, "10.0.0.1", func(b *model.BladeRecord) error {
				b.CurrentOwner = "discarded"
				return ErrNoUpdate
			})
			require.NoError(t, err)
			assert.Empty(t, blade.CurrentOwner)

			_, err = repo.UpdateBlade(ctx, "10.0.0.1", func(b *model.BladeRecord) error {
				b.CurrentOwner = "discarded"
				return errAbort
			})
			assert.ErrorIs(t, err, errAbort)

			stored, err := repo.BladeByIP(ctx, "10.0.0.1")
			require.NoError(t, err)
			assert.Empty(t, stored.CurrentOwner)
			assert.True(t, stored.CurrentlyHavingBIOSDeployed)

			require.NoError(t, repo.CreateVM(ctx, testVM("10.1.1.1", "10.0.0.1", 1, 4, 1)))

			vm, err := repo.UpdateVM(ctx, "10.1.1.1", func(v *model.VMRecord) error {
				v.CurrentSnapshot = "clean"
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, "clean", vm.CurrentSnapshot)
		})
	}
}
