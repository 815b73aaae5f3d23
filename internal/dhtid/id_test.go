package dhtid

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustIPv4(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}

func TestAliasSharesPrefixAndOwnSuffix(t *testing.T) {
	var own ID
	var h ID
	for i := range h {
		h[i] = 0xFF
	}
	alias := Alias(h, own)
	require.True(t, bytes.Equal(alias[:15], h[:15]))
	require.True(t, bytes.Equal(alias[15:], own[15:]))
}

func TestCompactNodesRoundTrip(t *testing.T) {
	contacts := []NodeContact{
		{ID: Random(), IP: mustIPv4(t, "1.2.3.4"), Port: 6881},
		{ID: Random(), IP: mustIPv4(t, "5.6.7.8"), Port: 51413},
	}
	encoded := EncodeNodes(contacts)
	require.Len(t, encoded, 2*26)
	decoded, err := DecodeNodes(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, contacts[0].ID, decoded[0].ID)
	require.Equal(t, uint16(51413), decoded[1].Port)
}
