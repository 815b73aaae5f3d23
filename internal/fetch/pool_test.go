package fetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
)

type fakeSink struct {
	mu    sync.Mutex
	added []dhtid.ID
}

func (s *fakeSink) AddMetadata(ctx context.Context, h dhtid.ID, raw []byte) error {
	s.mu.Lock()
	s.added = append(s.added, h)
	s.mu.Unlock()
	return nil
}

type fakeReleaser struct {
	mu      sync.Mutex
	marked  map[dhtid.ID]bool
	cleared map[dhtid.ID]bool
}

func newFakeReleaser() *fakeReleaser {
	return &fakeReleaser{marked: map[dhtid.ID]bool{}, cleared: map[dhtid.ID]bool{}}
}

func (r *fakeReleaser) MarkPending(h dhtid.ID) {
	r.mu.Lock()
	r.marked[h] = true
	r.mu.Unlock()
}

func (r *fakeReleaser) ClearPending(h dhtid.ID) {
	r.mu.Lock()
	r.cleared[h] = true
	r.mu.Unlock()
}

func TestSubmitRespectsGlobalCap(t *testing.T) {
	sink := &fakeSink{}
	releaser := newFakeReleaser()
	pool := New(Config{GlobalCap: 1}, sink, releaser)

	h1 := dhtid.Random()
	h2 := dhtid.Random()
	// Unreachable peer address (TEST-NET, RFC 5737) so sessions fail fast
	// via dial timeout rather than actually connecting.
	peerAddr := dhtid.PeerContact{IP: []byte{192, 0, 2, 1}, Port: 1}

	pool.Submit(h1, peerAddr)
	pool.Submit(h2, peerAddr)

	time.Sleep(20 * time.Millisecond)
	pool.mu.Lock()
	_, h1Open := pool.jobs[h1]
	_, h2Open := pool.jobs[h2]
	pool.mu.Unlock()
	require.True(t, h1Open)
	require.False(t, h2Open)
}
