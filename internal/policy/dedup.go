package policy

import (
	"sync"
	"time"

	"github.com/wristclaw/wristclaw/internal/collections"
)

const (
	crossAccountCapacity = 2000
	crossAccountMaxAge   = 5 * time.Minute
)

// CrossAccountDedup claims message ids process-wide so a message seen by
// several account monitors is dispatched exactly once. All operations are
// safe for concurrent use.
type CrossAccountDedup struct {
	mu      sync.Mutex
	claimed *collections.BoundedMap[string, time.Time]
	now     func() time.Time
}

// NewCrossAccountDedup creates an independent dedup, used by tests and by
// the process-wide singleton below.
func NewCrossAccountDedup() *CrossAccountDedup {
	return &CrossAccountDedup{
		claimed: collections.NewBoundedMap[string, time.Time](crossAccountCapacity),
		now:     time.Now,
	}
}

// Claim returns true the first time messageID is seen; later calls return
// false. When the map is full, entries older than five minutes are pruned
// before capacity eviction kicks in.
func (d *CrossAccountDedup) Claim(messageID string) bool {
	if messageID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed.Has(messageID) {
		return false
	}
	if d.claimed.Len() >= d.claimed.Capacity() {
		d.pruneLocked()
	}
	d.claimed.Set(messageID, d.now())
	return true
}

// Len returns the number of live claims.
func (d *CrossAccountDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed.Len()
}

func (d *CrossAccountDedup) pruneLocked() {
	cutoff := d.now().Add(-crossAccountMaxAge)
	var stale []string
	d.claimed.Range(func(id string, claimedAt time.Time) bool {
		if claimedAt.Before(cutoff) {
			stale = append(stale, id)
			return true
		}
		// Entries are insertion-ordered, so the first fresh one ends the scan.
		return false
	})
	for _, id := range stale {
		d.claimed.Delete(id)
	}
}

var (
	globalDedupOnce sync.Once
	globalDedup     *CrossAccountDedup
)

// GlobalDedup returns the process-wide dedup, created lazily on first use.
func GlobalDedup() *CrossAccountDedup {
	globalDedupOnce.Do(func() {
		globalDedup = NewCrossAccountDedup()
	})
	return globalDedup
}
