package bulk

import (
	"fmt"
	"sync"

	"github.com/hackcert/hackcert-node/issuer/store"
)

type flightKey struct {
	eventID uint64
	kind    store.OperationKind
}

func (k flightKey) String() string {
	return fmt.Sprintf("%d/%s", k.eventID, k.kind)
}

// Guard is a per-(event, kind) single-flight lock. Acquisition never waits: a second caller
// for a held key is turned away.
type Guard struct {
	mu   sync.Mutex
	held map[flightKey]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{held: make(map[flightKey]struct{})}
}

// TryAcquire claims the key. The returned release is idempotent.
func (g *Guard) TryAcquire(eventID uint64, kind store.OperationKind) (release func(), ok bool) {
	key := flightKey{eventID: eventID, kind: kind}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true
}

// Held reports whether the key is currently claimed.
func (g *Guard) Held(eventID uint64, kind store.OperationKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[flightKey{eventID: eventID, kind: kind}]
	return busy
}
