package backfill

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/g960059/hivesync/internal/model"
)

// Tracker is the in-memory request_id correlation cache. Losing an entry only
// costs a fallback query against backfill_request_id.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]model.BackfillRequest
}

func NewTracker(clk clock.Clock, ttl time.Duration) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:   clk,
		ttl:     ttl,
		entries: map[string]model.BackfillRequest{},
	}
}

func (t *Tracker) Put(req model.BackfillRequest) {
	req.AttemptIDs = append([]string(nil), req.AttemptIDs...)
	t.mu.Lock()
	t.entries[req.RequestID] = req
	t.mu.Unlock()
}

// Take removes and returns the entry for requestID. Expired entries are
// reported as misses.
func (t *Tracker) Take(requestID string) (model.BackfillRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[requestID]
	if !ok {
		return model.BackfillRequest{}, false
	}
	delete(t.entries, requestID)
	if t.expired(req, t.clock.Now()) {
		return model.BackfillRequest{}, false
	}
	return req, true
}

func (t *Tracker) Drop(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// Evict drops entries older than the TTL and returns how many were removed.
func (t *Tracker) Evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	evicted := 0
	for id, req := range t.entries {
		if t.expired(req, now) {
			delete(t.entries, id)
			evicted++
		}
	}
	return evicted
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expired(req model.BackfillRequest, now time.Time) bool {
	return t.ttl > 0 && now.Sub(req.RequestedAt) > t.ttl
}
