package orchestrator

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/provenet/provenet/internal/proof"
)

// flight is one in-progress request shared between a leader and any number
// of followers. The leader closes done exactly once with result/err set.
type flight struct {
	done   chan struct{}
	result proof.Result
	err    error
}

// registry deduplicates concurrent identical requests in-process. The first
// caller for a fingerprint becomes the leader and executes the request; later
// callers wait for the leader's outcome instead of re-executing.
type registry struct {
	mu      sync.Mutex
	entries map[common.Hash]*flight
}

func newRegistry() *registry {
	return &registry{entries: make(map[common.Hash]*flight)}
}

// join returns the flight for the fingerprint and whether the caller is its
// leader. A leader must call complete exactly once on every exit path.
func (r *registry) join(fingerprint common.Hash) (*flight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.entries[fingerprint]; ok {
		return f, false
	}
	f := &flight{done: make(chan struct{})}
	r.entries[fingerprint] = f
	return f, true
}

// complete publishes the leader's outcome and removes the entry so the next
// request for this fingerprint starts fresh.
func (r *registry) complete(fingerprint common.Hash, f *flight, result proof.Result, err error) {
	r.mu.Lock()
	delete(r.entries, fingerprint)
	r.mu.Unlock()

	f.result = result
	f.err = err
	close(f.done)
}

// size is for tests.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
