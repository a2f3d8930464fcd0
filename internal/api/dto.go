package api

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"github.com/pkg/errors"
)

type RequestorRequest struct {
	Requestor string `json:"requestor"`
}

type ReleaseRequest struct {
	Requestor string `json:"requestor"`
	Force     bool   `json:"force,omitempty"`
}

type BIOSWriteRequest struct {
	Requestor string `json:"requestor"`
	Image     string `json:"image"`
	Force     bool   `json:"force,omitempty"`
}

type SnapshotRequest struct {
	Requestor string `json:"requestor"`
	Snapshot  string `json:"snapshot"`
}

type HardwareSpec struct {
	MemoryMB int `json:"memory_mb"`
	CPUCount int `json:"cpu_count"`
}

type SoftwareSpec struct {
	DebuggerHost  string `json:"debugger_host,omitempty"`
	DebuggerPort  int    `json:"debugger_port,omitempty"`
	DebuggerKey   string `json:"debugger_key,omitempty"`
	ForceRecreate bool   `json:"force_recreate,omitempty"`
}

type VMRequest struct {
	Requestor string       `json:"requestor"`
	Hardware  HardwareSpec `json:"hardware"`
	Software  SoftwareSpec `json:"software"`
}

// ResultResponse carries the result of a boundary operation, with the resource it concerns if any.
type ResultResponse struct {
	Result model.Result `json:"result"`
	// ID is the blade leased by requestAnyBlade, the wait token of requestVm or the VM of pollVmRequest.
	ID    string `json:"id,omitempty"`
	Image string `json:"image,omitempty"`
	Error string `json:"error,omitempty"`
}

type StatusResponse struct {
	Status model.ResourceStatus `json:"status"`
}

type IDsResponse struct {
	IDs []string `json:"ids"`
}

// BladeResponse is the diagnostic view of a blade record.
type BladeResponse struct {
	IP                          string    `json:"ip"`
	Ordinal                     int       `json:"ordinal"`
	BMCIP                       string    `json:"bmc_ip"`
	ISCSIIP                     string    `json:"iscsi_ip"`
	State                       string    `json:"state"`
	CurrentOwner                string    `json:"current_owner,omitempty"`
	NextOwner                   string    `json:"next_owner,omitempty"`
	LastKeepAlive               time.Time `json:"last_keepalive"`
	CurrentlyHavingBIOSDeployed bool      `json:"currently_having_bios_deployed"`
	CurrentlyBeingVMServer      bool      `json:"currently_being_vm_server"`
	VMDeployState               string    `json:"vm_deploy_state,omitempty"`
	CurrentSnapshot             string    `json:"current_snapshot,omitempty"`
	MaxVMs                      int       `json:"max_vms"`
	MaxVMMemoryMB               int       `json:"max_vm_memory_mb"`
	MaxCPUCount                 int       `json:"max_cpu_count"`
}

// VMResponse is the diagnostic view of a VM record.
type VMResponse struct {
	IP              string       `json:"ip"`
	ParentBladeIP   string       `json:"parent_blade_ip"`
	ISCSIIP         string       `json:"iscsi_ip"`
	EthMAC          string       `json:"eth_mac"`
	ISCSIMAC        string       `json:"iscsi_mac"`
	IndexOnServer   int          `json:"index_on_server"`
	DisplayName     string       `json:"display_name"`
	State           string       `json:"state"`
	CurrentOwner    string       `json:"current_owner,omitempty"`
	LastKeepAlive   time.Time    `json:"last_keepalive"`
	Hardware        HardwareSpec `json:"hardware"`
	CurrentSnapshot string       `json:"current_snapshot,omitempty"`
}

var copyOptions = copier.Option{DeepCopy: true}

func bladeResponse(b *model.BladeRecord) (*BladeResponse, error) {
	dst := &BladeResponse{}
	if err := copier.CopyWithOption(dst, b, copyOptions); err != nil {
		return nil, errors.Wrap(err, "copy blade record")
	}

	return dst, nil
}

func vmResponse(v *model.VMRecord) (*VMResponse, error) {
	dst := &VMResponse{}
	if err := copier.CopyWithOption(dst, v, copyOptions); err != nil {
		return nil, errors.Wrap(err, "copy vm record")
	}

	return dst, nil
}

func (r *VMRequest) specs() (model.VMHardwareSpec, model.VMSoftwareSpec, error) {
	var hw model.VMHardwareSpec
	var sw model.VMSoftwareSpec

	if err := copier.Copy(&hw, &r.Hardware); err != nil {
		return hw, sw, errors.Wrap(err, "copy hardware spec")
	}

	if err := copier.Copy(&sw, &r.Software); err != nil {
		return hw, sw, errors.Wrap(err, "copy software spec")
	}

	return hw, sw, nil
}
