package provision

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	// addresses and MACs carry the blade ordinal and VM index in one octet each
	maxOrdinal = 255
	maxIndex   = 253

	macPrefix = "00:50:56"

	macNetworkEth   = 0x00
	macNetworkISCSI = 0x01
)

var (
	ErrAddress = errors.New("unable to derive VM address")
)

// addressing derives the identity of a VM from its server ordinal and index on the server.
type addressing struct {
	vmNetwork    netip.Prefix
	iscsiNetwork netip.Prefix
	namePrefix   string
}

func newAddressing(vmNetwork, iscsiNetwork, namePrefix string) (*addressing, error) {
	vm, err := parseNetwork(vmNetwork)
	if err != nil {
		return nil, err
	}

	iscsi, err := parseNetwork(iscsiNetwork)
	if err != nil {
		return nil, err
	}

	return &addressing{vmNetwork: vm, iscsiNetwork: iscsi, namePrefix: namePrefix}, nil
}

// parseNetwork accepts IPv4 prefixes of at most 16 bits, the last two octets are derived.
func parseNetwork(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrap(ErrAddress, err.Error())
	}

	if !prefix.Addr().Is4() || prefix.Bits() > 16 {
		return netip.Prefix{}, errors.Wrap(ErrAddress, "expected an IPv4 network of /16 or larger: "+s)
	}

	return prefix.Masked(), nil
}

// vmIdentity is the derived network identity of a VM.
type vmIdentity struct {
	IP          string
	ISCSIIP     string
	EthMAC      string
	ISCSIMAC    string
	DisplayName string
}

func (a *addressing) identity(ordinal, index int) (*vmIdentity, error) {
	if ordinal < 0 || ordinal > maxOrdinal {
		return nil, errors.Wrapf(ErrAddress, "blade ordinal %d out of range", ordinal)
	}

	if index < 0 || index > maxIndex {
		return nil, errors.Wrapf(ErrAddress, "VM index %d out of range", index)
	}

	return &vmIdentity{
		IP:          hostIn(a.vmNetwork, ordinal, index),
		ISCSIIP:     hostIn(a.iscsiNetwork, ordinal, index),
		EthMAC:      mac(macNetworkEth, ordinal, index),
		ISCSIMAC:    mac(macNetworkISCSI, ordinal, index),
		DisplayName: fmt.Sprintf("%s-%d-%d", a.namePrefix, ordinal, index),
	}, nil
}

// hostIn places the blade ordinal in the third octet and the VM index, starting at 1, in the fourth.
func hostIn(network netip.Prefix, ordinal, index int) string {
	b := network.Addr().As4()
	b[2] = byte(ordinal)
	b[3] = byte(index + 1)

	return netip.AddrFrom4(b).String()
}

func mac(network, ordinal, index int) string {
	return fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, network, ordinal, index)
}
