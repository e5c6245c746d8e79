package download

import (
	"context"
	"sync"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Guard tracks which source keys have a fetch in progress. A key is marked
// by TryBegin and cleared by End; callers that lose the race are expected to
// report busy rather than wait.
//
// A Guard is scoped to one cache instance.
type Guard struct {
	mu       sync.Mutex
	inflight map[imagecache.Key]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[imagecache.Key]struct{})}
}

// TryBegin marks key as in flight. It returns false without blocking if the
// key is already marked.
func (g *Guard) TryBegin(key imagecache.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inflight[key]; ok {
		telemetry.RecordGuardBusy(context.Background())
		return false
	}
	g.inflight[key] = struct{}{}
	telemetry.RecordGuardInFlight(context.Background(), 1)
	return true
}

// End clears the mark for key. Ending a key that is not marked is a no-op.
func (g *Guard) End(key imagecache.Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.inflight[key]; !ok {
		return
	}
	delete(g.inflight, key)
	telemetry.RecordGuardInFlight(context.Background(), -1)
}

// InFlight reports whether key is currently marked.
func (g *Guard) InFlight(key imagecache.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// Len returns the number of keys in flight.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
