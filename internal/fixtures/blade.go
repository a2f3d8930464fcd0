package fixtures

import (
	"time"

	"github.com/metal-toolbox/bladedirector/internal/model"
)

var (
	// Epoch is the start time of the fake clocks used by tests.
	Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Blade returns an unused blade able to host two 4GB VMs.
func Blade(ip string, ordinal int) *model.BladeRecord {
	blade := model.NewBlade(ip)
	blade.Ordinal = ordinal
	blade.BMCIP = "172.17.0." + ip[len(ip)-1:]
	blade.ISCSIIP = "10.1.0." + ip[len(ip)-1:]
	blade.MaxVMs = 2
	blade.MaxVMMemoryMB = 8192
	blade.MaxCPUCount = 4

	return blade
}

// OwnedBlade returns a blade leased to owner.
func OwnedBlade(ip string, ordinal int, owner string) *model.BladeRecord {
	blade := Blade(ip, ordinal)
	blade.State = model.LeaseInUse
	blade.CurrentOwner = owner
	blade.LastKeepAlive = Epoch

	return blade
}
