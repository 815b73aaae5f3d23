// Package fetch implements the fetcher pool: the scheduler that turns
// fetch requests from the Sybil node into bounded, cancellable
// internal/peer sessions, one per (infohash, peer) pair, with a
// per-infohash concurrency cap and first-success-wins cancellation of
// sibling sessions.
//
// The per-infohash job map guarded by a single mutex, with broadcast
// cancellation to siblings on first success, follows the worker-pool shape
// of the reference implementation's queue manager and relay server (a
// mutex-guarded map of in-flight work plus a cleanup goroutine for stale
// entries).
package fetch

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
	"github.com/kadcrawl/kadcrawl/internal/peer"
)

// MaxActivePeersPerInfoHash bounds concurrent sessions chasing the same
// infohash.
const MaxActivePeersPerInfoHash = 5

// JobTimeout is how long a job may sit idle -- no active sessions and no
// queued peers -- before it is dropped.
const JobTimeout = 60 * time.Second

// RetryCooldown is how long a dropped infohash is kept out of future fetch
// requests.
const RetryCooldown = time.Hour

// Sink is where successfully fetched metadata is delivered; implemented by
// internal/persistence.Store.
type Sink interface {
	AddMetadata(ctx context.Context, infoHash dhtid.ID, raw []byte) error
}

// PendingReleaser lets the pool tell internal/filter.Filter that an
// infohash's pending claim is resolved (success or final failure).
type PendingReleaser interface {
	MarkPending(h dhtid.ID)
	ClearPending(h dhtid.ID)
}

// Config bounds the pool's resource usage.
type Config struct {
	MaxMetadataSize int
	GlobalCap       int
	OwnPeerID       [20]byte
}

type job struct {
	infoHash  dhtid.ID
	ctx       context.Context
	cancel    context.CancelFunc
	peers     chan dhtid.PeerContact
	active    int
	idleTimer *time.Timer
}

// Pool is the fetch scheduler. It implements internal/dht.FetchRequester.
type Pool struct {
	log *log.Logger
	cfg Config

	sink     Sink
	released PendingReleaser

	mu          sync.Mutex
	jobs        map[dhtid.ID]*job
	recentDrops map[dhtid.ID]time.Time
	globalCount int
	parentCtx   context.Context
	cancelAll   context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Pool. Call Start before submitting any work, so sessions are
// cancelled by app shutdown rather than only by a job's own lifecycle.
func New(cfg Config, sink Sink, released PendingReleaser) *Pool {
	if cfg.MaxMetadataSize <= 0 {
		cfg.MaxMetadataSize = 10 * 1024 * 1024
	}
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = 500
	}
	p := &Pool{
		log:         log.New(os.Stderr, "[fetch] ", log.LstdFlags),
		cfg:         cfg,
		sink:        sink,
		released:    released,
		jobs:        make(map[dhtid.ID]*job),
		recentDrops: make(map[dhtid.ID]time.Time),
	}
	p.parentCtx, p.cancelAll = context.WithCancel(context.Background())
	return p
}

// Start rebinds the pool's job contexts to ctx, so cancelling ctx (app
// shutdown) cancels every in-flight and future session. Call it once,
// before the pool starts receiving Submit calls.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parentCtx, p.cancelAll = context.WithCancel(ctx)
}

// Shutdown cancels every live job -- aborting their in-flight peer sessions
// -- and blocks until all session goroutines have returned or ctx expires,
// whichever comes first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.cancelAll()
	for _, j := range p.jobs {
		p.disarmIdleTimerLocked(j)
	}
	p.jobs = make(map[dhtid.ID]*job)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues peer as a candidate for infoHash, starting a new FetchJob
// if none is open and the global cap allows it. It never blocks.
func (p *Pool) Submit(infoHash dhtid.ID, peerContact dhtid.PeerContact) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if until, dropped := p.recentDrops[infoHash]; dropped {
		if time.Since(until) < RetryCooldown {
			return
		}
		delete(p.recentDrops, infoHash)
	}

	j, exists := p.jobs[infoHash]
	if !exists {
		if p.globalCount >= p.cfg.GlobalCap {
			return // overflow: sample, don't queue unboundedly
		}
		j = p.newJobLocked(infoHash)
	}

	select {
	case j.peers <- peerContact:
	default:
		// Candidate queue full; drop the contact rather than block.
	}
	p.maybeStartWorkerLocked(j)
}

func (p *Pool) newJobLocked(infoHash dhtid.ID) *job {
	ctx, cancel := context.WithCancel(p.parentCtx)
	j := &job{
		infoHash: infoHash,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(chan dhtid.PeerContact, 32),
	}
	p.jobs[infoHash] = j
	p.released.MarkPending(infoHash)
	return j
}

func (p *Pool) maybeStartWorkerLocked(j *job) {
	for j.active < MaxActivePeersPerInfoHash {
		select {
		case peerContact := <-j.peers:
			j.active++
			p.globalCount++
			p.wg.Add(1)
			go p.runSession(j, peerContact)
		default:
			p.syncIdleLocked(j)
			return
		}
	}
	p.syncIdleLocked(j)
}

// syncIdleLocked arms the job's idle-drop timer only while it has no active
// sessions and no queued peers -- a job still running up to
// MaxActivePeersPerInfoHash sessions, or still holding queued candidates,
// is never considered idle even past JobTimeout.
func (p *Pool) syncIdleLocked(j *job) {
	if j.active == 0 && len(j.peers) == 0 {
		p.armIdleTimerLocked(j)
	} else {
		p.disarmIdleTimerLocked(j)
	}
}

func (p *Pool) armIdleTimerLocked(j *job) {
	if j.idleTimer != nil {
		j.idleTimer.Stop()
	}
	j.idleTimer = time.AfterFunc(JobTimeout, func() { p.dropIfStillIdle(j) })
}

func (p *Pool) disarmIdleTimerLocked(j *job) {
	if j.idleTimer != nil {
		j.idleTimer.Stop()
		j.idleTimer = nil
	}
}

// dropIfStillIdle fires JobTimeout after a job went idle; it re-checks
// idleness under the lock before dropping, since new work may have arrived
// between the timer firing and this goroutine acquiring the lock.
func (p *Pool) dropIfStillIdle(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.jobs[j.infoHash]
	if !ok || cur != j || j.active != 0 || len(j.peers) != 0 {
		return
	}
	delete(p.jobs, j.infoHash)
	p.recentDrops[j.infoHash] = time.Now()
	j.cancel()
	p.released.ClearPending(j.infoHash)
}

// runSession derives its context from the job's own context, so cancelling
// j.cancel (on first success, on idle timeout, or on pool Shutdown)
// immediately aborts every sibling session still in flight for the same
// infohash.
func (p *Pool) runSession(j *job, peerContact dhtid.PeerContact) {
	defer p.wg.Done()
	defer p.sessionDone(j)

	result, err := peer.Fetch(j.ctx, peerContact, j.infoHash, p.cfg.OwnPeerID, p.cfg.MaxMetadataSize)
	if err != nil {
		return
	}

	if err := p.sink.AddMetadata(context.Background(), j.infoHash, result.Metadata); err != nil {
		p.log.Printf("persist %s failed: %v", j.infoHash, err)
		return
	}
	p.succeed(j)
}

func (p *Pool) sessionDone(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j.active--
	p.globalCount--
	p.maybeStartWorkerLocked(j)
}

func (p *Pool) succeed(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[j.infoHash]; !ok {
		return // already torn down by a sibling's success
	}
	delete(p.jobs, j.infoHash)
	p.disarmIdleTimerLocked(j)
	j.cancel()
	p.released.ClearPending(j.infoHash)
}
