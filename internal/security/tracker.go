package security

import (
	"context"
	"sync"
	"time"
)

// Tracker counts blocked hits per client IP. Once an IP crosses the threshold
// inside the retention window it is answered 429 instead of 403; records decay
// out of the map on a periodic sweep so a scanner that goes quiet is forgiven.
type Tracker struct {
	mu        sync.Mutex
	hits      map[string]*ipRecord
	threshold int
	retention time.Duration
}

type ipRecord struct {
	count     int
	firstSeen time.Time
}

// NewTracker creates a tracker; threshold <= 0 falls back to 10 hits and
// retention <= 0 to one hour, matching the deployed defaults.
func NewTracker(threshold int, retention time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = 10
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &Tracker{hits: make(map[string]*ipRecord), threshold: threshold, retention: retention}
}

// Hit records one blocked request for ip and reports whether the IP has now
// exceeded the threshold.
func (t *Tracker) Hit(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.hits[ip]
	if !ok {
		t.hits[ip] = &ipRecord{count: 1, firstSeen: time.Now()}
		return false
	}
	rec.count++
	return rec.count >= t.threshold
}

// Banned reports whether the IP already crossed the threshold, without
// recording a new hit.
func (t *Tracker) Banned(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.hits[ip]
	return ok && rec.count >= t.threshold
}

// Sweep drops records older than the retention window and returns how many
// were removed.
func (t *Tracker) Sweep() int {
	cutoff := time.Now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for ip, rec := range t.hits {
		if rec.firstSeen.Before(cutoff) {
			delete(t.hits, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps on the retention interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	tick := time.NewTicker(t.retention)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Sweep()
		}
	}
}
