package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
	"github.com/kadcrawl/kadcrawl/internal/krpc"
)

type fakeFilter struct {
	newHashes map[dhtid.ID]bool
}

func (f *fakeFilter) IsNew(ctx context.Context, h dhtid.ID) (bool, error) {
	if f.newHashes == nil {
		return true, nil
	}
	return f.newHashes[h], nil
}

type fakeFetcher struct {
	submitted []dhtid.ID
}

func (f *fakeFetcher) Submit(h dhtid.ID, peer dhtid.PeerContact) {
	f.submitted = append(f.submitted, h)
}

func TestGetPeersReplyAliasesInfoHash(t *testing.T) {
	filter := &fakeFilter{}
	fetcher := &fakeFetcher{}
	node, err := New(Config{Addr: "127.0.0.1:0", OwnID: dhtid.Random()}, filter, fetcher)
	require.NoError(t, err)
	defer node.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	client, err := krpc.New("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer client.Close()
	go client.Serve(ctx)

	infoHash := dhtid.Random()
	addr := node.LocalAddr().(*net.UDPAddr)

	resp, err := client.Query(ctx, addr, krpc.Message{
		Type: krpc.TypeQuery,
		Q:    krpc.QueryGetPeers,
		A:    &krpc.Args{ID: dhtid.Random(), InfoHash: infoHash},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.R)
	require.Equal(t, infoHash[:15], resp.R.ID[:15])
	require.Len(t, resp.R.Token, 2)
	require.Zero(t, len(resp.R.Nodes)%26)
}

func TestAnnouncePeerSubmitsFetchRequestOnce(t *testing.T) {
	filter := &fakeFilter{}
	fetcher := &fakeFetcher{}
	node, err := New(Config{Addr: "127.0.0.1:0", OwnID: dhtid.Random()}, filter, fetcher)
	require.NoError(t, err)
	defer node.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	client, err := krpc.New("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer client.Close()
	go client.Serve(ctx)

	infoHash := dhtid.Random()
	addr := node.LocalAddr().(*net.UDPAddr)

	query := krpc.Message{
		Type: krpc.TypeQuery,
		Q:    krpc.QueryAnnouncePeer,
		A:    &krpc.Args{ID: dhtid.Random(), InfoHash: infoHash, Port: 6881},
	}
	_, err = client.Query(ctx, addr, query)
	require.NoError(t, err)

	// Give the async filter check + submit a moment to run.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fetcher.submitted, 1)
	require.Equal(t, infoHash, fetcher.submitted[0])

	// Filter now reports this hash as known; a duplicate announce yields no
	// additional fetch request. (The fake filter's zero value treats
	// everything as new, so simulate "now known" by marking it directly.)
	filter.newHashes = map[dhtid.ID]bool{}
	_, err = client.Query(ctx, addr, query)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fetcher.submitted, 1)
}
