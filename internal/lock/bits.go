package lock

import (
	"strings"
)

// Bits is a set of capability lock bits held on a single resource key.
type Bits uint16

const (
	// Ownership guards the lease fields of a blade or VM.
	Ownership Bits = 1 << iota
	// BIOS guards the BIOS deploy flag and BIOS cache of a blade.
	BIOS
	// Snapshot guards the selected snapshot of a resource.
	Snapshot
	// NASOps serializes disk provisioning calls for a resource.
	NASOps
	// VMCreation serializes VM admission against a VM server.
	VMCreation
	// VMDeployState guards the VM server flags and deploy phase of a blade.
	VMDeployState
	// LongRunningBIOS is held by a BIOS operation worker for its whole lifetime.
	LongRunningBIOS

	numBits = iota
)

// All is every capability bit, except LongRunningBIOS which only BIOS workers take.
const All = Ownership | BIOS | Snapshot | NASOps | VMCreation | VMDeployState

var bitNames = [numBits]string{
	"ownership",
	"bios",
	"snapshot",
	"nasOps",
	"vmCreation",
	"vmDeployState",
	"longRunningBios",
}

// Has returns true when every bit in other is set in b.
func (b Bits) Has(other Bits) bool {
	return b&other == other
}

// Overlaps returns true when b and other share any bit.
func (b Bits) Overlaps(other Bits) bool {
	return b&other != 0
}

// each calls f for every set bit, lowest first.
func (b Bits) each(f func(idx int, bit Bits)) {
	for i := 0; i < numBits; i++ {
		bit := Bits(1) << i
		if b&bit != 0 {
			f(i, bit)
		}
	}
}

func (b Bits) String() string {
	if b == 0 {
		return "none"
	}

	names := []string{}
	b.each(func(idx int, _ Bits) {
		names = append(names, bitNames[idx])
	})

	return strings.Join(names, "|")
}
