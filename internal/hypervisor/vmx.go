package hypervisor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/metal-toolbox/bladedirector/internal/model"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Settings returns the VMX keys carrying the identity and hardware of vm.
func Settings(vm *model.VMRecord) map[string]string {
	s := map[string]string{
		"displayName":           vm.DisplayName,
		"memsize":               strconv.Itoa(vm.Hardware.MemoryMB),
		"numvcpus":              strconv.Itoa(vm.Hardware.CPUCount),
		"ethernet0.addressType": "static",
		"ethernet0.address":     vm.EthMAC,
		"ethernet1.addressType": "static",
		"ethernet1.address":     vm.ISCSIMAC,
		"uuid.bios":             biosUUID(vm.IP),
		"uuid.action":           "keep",
	}

	if vm.KernelDebugHost != "" {
		s["guestinfo.kdnet.host"] = vm.KernelDebugHost
		s["guestinfo.kdnet.port"] = strconv.Itoa(vm.KernelDebugPort)
		s["guestinfo.kdnet.key"] = vm.KernelDebugKey
	}

	return s
}

// biosUUID derives a stable BIOS UUID from the VM address, in VMX notation.
func biosUUID(ip string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(ip))

	parts := make([]string, len(id))
	for i, b := range id {
		parts[i] = fmt.Sprintf("%02x", b)
	}

	return strings.Join(parts[:8], " ") + "-" + strings.Join(parts[8:], " ")
}

// RewriteVMX sets the keys of settings in a VMX file, keys already present are replaced
// in place and missing keys are appended in name order.
func RewriteVMX(data []byte, settings map[string]string) []byte {
	seen := map[string]bool{}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	out := make([]string, 0, len(lines)+len(settings))

	for _, line := range lines {
		key, _, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)

		if value, ok := settings[key]; found && ok {
			if seen[key] {
				continue
			}

			seen[key] = true
			out = append(out, vmxLine(key, value))

			continue
		}

		if strings.TrimSpace(line) == "" && len(out) == 0 {
			continue
		}

		out = append(out, line)
	}

	keys := maps.Keys(settings)
	slices.Sort(keys)

	for _, key := range keys {
		if !seen[key] {
			out = append(out, vmxLine(key, settings[key]))
		}
	}

	return []byte(strings.Join(out, "\n") + "\n")
}

func vmxLine(key, value string) string {
	return key + ` = "` + strings.ReplaceAll(value, `"`, `|22`) + `"`
}
