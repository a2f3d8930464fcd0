package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	a, err := newAddressing("10.20.0.0/16", "10.30.0.0/16", "bladedirector")
	require.NoError(t, err)

	id, err := a.identity(3, 1)
	require.NoError(t, err)

	assert.Equal(t, &vmIdentity{
		IP:          "10.20.3.2",
		ISCSIIP:     "10.30.3.2",
		EthMAC:      "00:50:56:00:03:01",
		ISCSIMAC:    "00:50:56:01:03:01",
		DisplayName: "bladedirector-3-1",
	}, id)
}

func TestIdentityOutOfRange(t *testing.T) {
	a, err := newAddressing("10.20.0.0/16", "10.30.0.0/16", "bladedirector")
	require.NoError(t, err)

	_, err = a.identity(256, 0)
	assert.ErrorIs(t, err, ErrAddress)

	_, err = a.identity(1, 254)
	assert.ErrorIs(t, err, ErrAddress)
}

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		network     string
		expected    string
		expectError bool
	}{
		{"10.20.5.0/16", "10.20.0.0/16", false},
		{"10.0.0.0/8", "10.0.0.0/8", false},
		{"10.20.5.0/24", "", true},
		{"fd00::/16", "", true},
		{"bogus", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.network, func(t *testing.T) {
			got, err := parseNetwork(tc.network)
			if tc.expectError {
				assert.ErrorIs(t, err, ErrAddress)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, got.String())
		})
	}
}
