package model

import (
	"github.com/metal-toolbox/bladedirector/internal/lock"
)

// VMDeployState is the deploy phase of a blade acting as a VM server.
type VMDeployState string

const (
	VMDeployNone               VMDeployState = ""
	VMDeployNeedsPowerCycle    VMDeployState = "needsPowerCycle"
	VMDeployReadyForDeployment VMDeployState = "readyForDeployment"
)

// BladeRecord is a physical machine in the pool.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type BladeRecord struct {
	LeaseFields

	// IP is the management address and the resource key.
	IP string `json:"ip"`
	// Ordinal is the blade position in the pool inventory, VM addresses are derived from it.
	Ordinal int    `json:"ordinal"`
	BMCIP   string `json:"bmc_ip"`
	BMCPort int    `json:"bmc_port"`
	ISCSIIP string `json:"iscsi_ip"`

	CurrentlyHavingBIOSDeployed bool          `json:"currently_having_bios_deployed"`
	CurrentlyBeingVMServer      bool          `json:"currently_being_vm_server"`
	LastDeployedBIOS            string        `json:"last_deployed_bios,omitempty"`
	VMDeployState               VMDeployState `json:"vm_deploy_state,omitempty"`
	CurrentSnapshot             string        `json:"current_snapshot,omitempty"`

	MaxVMs        int `json:"max_vms"`
	MaxVMMemoryMB int `json:"max_vm_memory_mb"`
	MaxCPUCount   int `json:"max_cpu_count"`
}

// NewBlade returns an unused blade record.
func NewBlade(ip string) *BladeRecord {
	return &BladeRecord{
		IP:          ip,
		LeaseFields: LeaseFields{State: LeaseUnused},
	}
}

// IsVMServer returns true when the blade is hosting VMs for the director.
func (b *BladeRecord) IsVMServer() bool {
	return b.CurrentlyBeingVMServer
}

// SetBIOSDeploying sets or clears the BIOS in-progress flag.
func (b *BladeRecord) SetBIOSDeploying(g *lock.Guard, deploying bool) {
	g.MustHold(b.IP, lock.BIOS)

	b.CurrentlyHavingBIOSDeployed = deploying
}

// SetLastDeployedBIOS records the BIOS image now on the blade.
func (b *BladeRecord) SetLastDeployedBIOS(g *lock.Guard, image string) {
	g.MustHold(b.IP, lock.BIOS)

	b.LastDeployedBIOS = image
}

// SetVMServer sets the VM server flag together with its deploy phase.
func (b *BladeRecord) SetVMServer(g *lock.Guard, server bool, state VMDeployState) {
	g.MustHold(b.IP, lock.VMDeployState)

	b.CurrentlyBeingVMServer = server
	b.VMDeployState = state
}

// SetVMDeployState moves the VM server deploy phase.
func (b *BladeRecord) SetVMDeployState(g *lock.Guard, state VMDeployState) {
	g.MustHold(b.IP, lock.VMDeployState)

	b.VMDeployState = state
}

// SetSnapshot records the selected snapshot.
func (b *BladeRecord) SetSnapshot(g *lock.Guard, snapshot string) {
	g.MustHold(b.IP, lock.Snapshot)

	b.CurrentSnapshot = snapshot
}

// Fits returns true when a VM of hw fits the blade capacity given the current totals.
func (b *BladeRecord) Fits(totals Totals, hw VMHardwareSpec) bool {
	return totals.VMCount+1 <= b.MaxVMs &&
		totals.MemSum+hw.MemoryMB <= b.MaxVMMemoryMB &&
		totals.CPUSum+hw.CPUCount <= b.MaxCPUCount
}

// Totals is the capacity in use on a VM server.
type Totals struct {
	CPUSum  int `json:"cpu_sum"`
	MemSum  int `json:"mem_sum"`
	VMCount int `json:"vm_count"`
}
