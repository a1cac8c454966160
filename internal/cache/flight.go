package cache

import "sync"

// Flight deduplicates concurrent identical requests. The first request for a
// fingerprint becomes the leader and executes; later arrivals become waiters
// and are settled with the leader's outcome without ever reaching a backend.
type Flight struct {
	mu     sync.Mutex
	groups map[string]*flightGroup
}

type flightGroup struct {
	leader  string
	waiters []string
}

// NewFlight creates an empty single-flight table.
func NewFlight() *Flight {
	return &Flight{groups: make(map[string]*flightGroup)}
}

// Join registers requestID under a fingerprint. Returns true if the request
// is the leader and must be dispatched; false if it was attached as a waiter.
func (f *Flight) Join(fingerprint, requestID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[fingerprint]
	if !ok {
		f.groups[fingerprint] = &flightGroup{leader: requestID}
		return true
	}
	g.waiters = append(g.waiters, requestID)
	return false
}

// Resolve removes the group for a fingerprint and returns the waiter ids.
// The caller settles each waiter with the leader's outcome.
func (f *Flight) Resolve(fingerprint string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[fingerprint]
	if !ok {
		return nil
	}
	delete(f.groups, fingerprint)
	return g.waiters
}

// Leave removes requestID from its group, for cancellation. If the departing
// request was the leader and waiters remain, the oldest waiter is promoted
// and returned; the caller must dispatch it as the new leader.
func (f *Flight) Leave(fingerprint, requestID string) (promoted string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, exists := f.groups[fingerprint]
	if !exists {
		return "", false
	}
	if g.leader != requestID {
		for i, w := range g.waiters {
			if w == requestID {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		return "", false
	}
	if len(g.waiters) == 0 {
		delete(f.groups, fingerprint)
		return "", false
	}
	promoted = g.waiters[0]
	g.leader = promoted
	g.waiters = g.waiters[1:]
	return promoted, true
}

// Leader returns the current leader for a fingerprint, if a flight exists.
func (f *Flight) Leader(fingerprint string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[fingerprint]
	if !ok {
		return "", false
	}
	return g.leader, true
}

// Size returns the number of in-flight fingerprints.
func (f *Flight) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}
