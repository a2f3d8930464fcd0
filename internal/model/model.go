package model

import (
	"strings"
)

type AppKind string

type StoreKind string

const (
	AppName = "bladedirector"

	AppKindServer AppKind = "server"
	AppKindClient AppKind = "client"

	StoreKindSQLite StoreKind = "sqlite"
	StoreKindBolt   StoreKind = "bolt"
	StoreKindMemory StoreKind = "memory"

	LogLevelInfo  = 0
	LogLevelDebug = 1
	LogLevelTrace = 2

	// DirectorOwner is the owner recorded on resources the director holds for itself,
	// VM servers and VMs which are still being deployed.
	DirectorOwner = "vmserver"
)

// AppKinds returns the supported bladedirector app kinds
func AppKinds() []AppKind { return []AppKind{AppKindServer, AppKindClient} }

// StoreKinds returns the supported resource store backends
func StoreKinds() []StoreKind {
	return []StoreKind{StoreKindSQLite, StoreKindBolt, StoreKindMemory}
}

// ParseStoreKind returns the StoreKind matching s, case insensitive.
func ParseStoreKind(s string) (StoreKind, bool) {
	for _, k := range StoreKinds() {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}

	return "", false
}

// ResourceKind is either a blade or a VM.
type ResourceKind string

const (
	ResourceKindBlade ResourceKind = "blade"
	ResourceKindVM    ResourceKind = "vm"
)

// Result is the outcome of a boundary operation.
type Result string

const (
	ResultSuccess           Result = "success"
	ResultNotFound          Result = "notFound"
	ResultInUse             Result = "inUse"
	ResultQueueFull         Result = "queueFull"
	ResultPending           Result = "pending"
	ResultAlreadyInProgress Result = "alreadyInProgress"
	ResultCancelled         Result = "cancelled"
	ResultGenericFail       Result = "genericFail"
	ResultNoActionNeeded    Result = "noActionNeeded"
	ResultUnknown           Result = "unknown"
)

// Terminal returns true when an operation reporting r will make no further progress.
func (r Result) Terminal() bool {
	switch r {
	case ResultSuccess, ResultGenericFail, ResultCancelled, ResultNoActionNeeded:
		return true
	default:
		return false
	}
}

// ResourceStatus is a resource's state from the point of view of one requestor.
type ResourceStatus string

const (
	StatusUnused         ResourceStatus = "unused"
	StatusYours          ResourceStatus = "yours"
	StatusNotYours       ResourceStatus = "notYours"
	StatusReleasePending ResourceStatus = "releasePending"
	StatusNotFound       ResourceStatus = "notFound"
)
