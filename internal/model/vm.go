package model

import (
	"github.com/metal-toolbox/bladedirector/internal/lock"
	"github.com/pkg/errors"
)

const (
	memoryAlignmentMB = 4
)

var (
	ErrHardwareSpec = errors.New("invalid VM hardware spec")
)

// VMHardwareSpec is the hardware requested for a VM.
type VMHardwareSpec struct {
	MemoryMB int `json:"memory_mb"`
	CPUCount int `json:"cpu_count"`
}

// Validate checks the request can be deployed, memory must be a multiple of 4MB.
func (h VMHardwareSpec) Validate() error {
	if h.MemoryMB <= 0 || h.MemoryMB%memoryAlignmentMB != 0 {
		return errors.Wrapf(ErrHardwareSpec, "memory %dMB is not a positive multiple of %dMB", h.MemoryMB, memoryAlignmentMB)
	}

	if h.CPUCount <= 0 {
		return errors.Wrapf(ErrHardwareSpec, "cpu count %d", h.CPUCount)
	}

	return nil
}

// VMSoftwareSpec carries the optional software settings of a VM request.
type VMSoftwareSpec struct {
	DebuggerHost  string `json:"debugger_host,omitempty"`
	DebuggerPort  int    `json:"debugger_port,omitempty"`
	DebuggerKey   string `json:"debugger_key,omitempty"`
	ForceRecreate bool   `json:"force_recreate,omitempty"`
}

// VMRecord is a virtual machine hosted on a VM server blade.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type VMRecord struct {
	LeaseFields

	// IP is the VM address and the resource key.
	IP            string `json:"ip"`
	ParentBladeIP string `json:"parent_blade_ip"`
	ISCSIIP       string `json:"iscsi_ip"`
	EthMAC        string `json:"eth_mac"`
	ISCSIMAC      string `json:"iscsi_mac"`
	IndexOnServer int    `json:"index_on_server"`
	DisplayName   string `json:"display_name"`

	KernelDebugHost string `json:"kernel_debug_host,omitempty"`
	KernelDebugPort int    `json:"kernel_debug_port,omitempty"`
	KernelDebugKey  string `json:"kernel_debug_key,omitempty"`

	Hardware        VMHardwareSpec `json:"hardware"`
	CurrentSnapshot string         `json:"current_snapshot,omitempty"`
}

// SetSnapshot records the selected snapshot.
func (v *VMRecord) SetSnapshot(g *lock.Guard, snapshot string) {
	g.MustHold(v.IP, lock.Snapshot)

	v.CurrentSnapshot = snapshot
}
