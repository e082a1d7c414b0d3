package notify

import (
	"sync"

	"consult-platform/internal/calls"
)

// Dedup drops snapshots a consumer has already seen, or that are older than one it
// has seen. Delivery is at-least-once and relayed events may arrive out of order,
// so consumers route every event through Accept before acting on it.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]int64
}

func NewDedup() *Dedup { return &Dedup{seen: make(map[string]int64)} }

// Accept reports whether ev is newer than anything seen for its record.
// Grant events are per-recipient extras and always pass.
func (d *Dedup) Accept(ev calls.Event) bool {
	if ev.Grant != nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.seen[ev.Record.ID]; ok && ev.Record.Version <= v {
		return false
	}
	d.seen[ev.Record.ID] = ev.Record.Version
	return true
}
