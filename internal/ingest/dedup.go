package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/Hoffylo/CuriTransporteDos/internal/config"
)

// DedupCache suppresses near-instant resubmissions of the same fix
// from the same rider. Keys round coordinates to six decimals, about a
// tenth of a meter, so GPS jitter still gets through.
type DedupCache struct {
	cfg config.Dedup
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDedupCache(cfg config.Dedup) *DedupCache {
	return &DedupCache{cfg: cfg, now: time.Now, seen: make(map[string]time.Time)}
}

// Seen reports whether an identical fix arrived within the TTL, and
// records this one either way.
func (d *DedupCache) Seen(riderKey string, lat, lon float64) bool {
	key := fmt.Sprintf("%s_%.6f_%.6f", riderKey, lat, lon)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	at, dup := d.seen[key]
	dup = dup && now.Sub(at) < d.cfg.TTL
	d.seen[key] = now

	if len(d.seen) > d.cfg.MaxEntries {
		for k, t := range d.seen {
			if now.Sub(t) >= d.cfg.TTL {
				delete(d.seen, k)
			}
		}
	}
	return dup
}

// Len reports the current entry count.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
