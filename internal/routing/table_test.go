package routing

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

func TestTableNeverExceedsCapacity(t *testing.T) {
	tbl := New(4)
	for i := 0; i < 20; i++ {
		tbl.Insert(dhtid.NodeContact{ID: dhtid.Random(), IP: net.ParseIP("10.0.0.1"), Port: uint16(i)})
		require.LessOrEqual(t, tbl.Len(), 4)
	}
	require.Equal(t, 4, tbl.Len())
	require.Greater(t, tbl.Evictions(), int64(0))
}

func TestTableSampleNeverExceedsSize(t *testing.T) {
	tbl := New(10)
	for i := 0; i < 3; i++ {
		tbl.Insert(dhtid.NodeContact{ID: dhtid.Random(), IP: net.ParseIP("10.0.0.1"), Port: uint16(i)})
	}
	require.Len(t, tbl.Sample(100), 3)
	require.Len(t, tbl.Sample(2), 2)
}
