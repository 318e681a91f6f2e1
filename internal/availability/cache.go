// Package availability keeps the in-memory set of products that can be sold,
// fed by the catalog change-feed and by optimistic local edits.
package availability

import (
	"sort"
	"sync"

	"github.com/bodegonbc/bodegon-pos/internal/catalog"
)

type ChangeType string

const (
	Added    ChangeType = "added"
	Replaced ChangeType = "replaced"
	Removed  ChangeType = "removed"
	// Reset means the whole visible set was reloaded; subscribers should refetch.
	Reset ChangeType = "reset"
)

// Change describes one mutation of the visible set.
type Change struct {
	Type    ChangeType       `json:"type"`
	ID      int64            `json:"id,omitempty"`
	Product *catalog.Product `json:"product,omitempty"`
}

// Cache is safe for concurrent use. Only products with quantity > 0 are
// ever visible. Remote events are applied per id in version order: a lower
// version than the last applied one is dropped, an equal one is a replay.
type Cache struct {
	mu          sync.RWMutex
	visible     map[int64]catalog.Product
	versions    map[int64]int64 // last remote version per id, kept after deletes
	provisional map[int64]bool  // ids carrying a local edit not yet confirmed remotely

	// applied counts remote events; touched records the count at each id's
	// last event and loadedAt the count when the last Load finished.
	applied  uint64
	touched  map[int64]uint64
	loadedAt uint64

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

func New() *Cache {
	return &Cache{
		visible:     make(map[int64]catalog.Product),
		versions:    make(map[int64]int64),
		provisional: make(map[int64]bool),
		touched:     make(map[int64]uint64),
		subs:        make(map[int]chan Change),
	}
}

// Load replaces the visible set with a bulk listing of the Catalog Store.
// Ids for which a newer event was already applied keep their current state.
// A visible id missing from the listing is kept when a remote event touched
// it since the previous Load: the listing may predate that event, and the
// feed delivers its eventual delete.
func (c *Cache) Load(products []catalog.Product) {
	c.mu.Lock()
	seen := make(map[int64]bool, len(products))
	for _, p := range products {
		seen[p.ID] = true
		if v, ok := c.versions[p.ID]; ok && v > p.Version {
			continue
		}
		c.versions[p.ID] = p.Version
		delete(c.provisional, p.ID)
		if p.Available() {
			c.visible[p.ID] = p
		} else {
			delete(c.visible, p.ID)
		}
	}
	for id := range c.visible {
		if !seen[id] && c.touched[id] <= c.loadedAt {
			delete(c.visible, id)
			delete(c.provisional, id)
		}
	}
	c.loadedAt = c.applied
	c.mu.Unlock()
	c.notify(Change{Type: Reset})
}

// ListAvailable returns the visible products ordered by name, then id.
func (c *Cache) ListAvailable() []catalog.Product {
	c.mu.RLock()
	out := make([]catalog.Product, 0, len(c.visible))
	for _, p := range c.visible {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Get(id int64) (catalog.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.visible[id]
	return p, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.visible)
}

// ApplyRemoteChange applies one change-feed event and reports whether the
// visible set changed. Inserts and updates are both treated as "the row is
// now this", so visibility always follows the latest quantity.
func (c *Cache) ApplyRemoteChange(ev catalog.ChangeEvent) bool {
	c.mu.Lock()
	last, known := c.versions[ev.ID]
	if known && ev.Version < last {
		c.mu.Unlock()
		return false
	}
	// A replay of the last applied event is a no-op unless a local edit has
	// to be overwritten.
	if known && ev.Version == last && !c.provisional[ev.ID] {
		c.mu.Unlock()
		return false
	}

	var ch *Change
	switch ev.Kind {
	case catalog.Inserted, catalog.Updated:
		if ev.Product == nil || ev.Product.ID != ev.ID {
			c.mu.Unlock()
			return false
		}
		ch = c.upsertLocked(*ev.Product)
	case catalog.Deleted:
		ch = c.removeLocked(ev.ID)
	default:
		c.mu.Unlock()
		return false
	}
	c.versions[ev.ID] = ev.Version
	delete(c.provisional, ev.ID)
	c.applied++
	c.touched[ev.ID] = c.applied
	c.mu.Unlock()

	if ch != nil {
		c.notify(*ch)
		return true
	}
	return false
}

// ApplyLocalEdit merges a field-level change into a visible product without
// waiting for the feed. The value is provisional: the next remote event for
// the id replaces it. Products that are not visible cannot be edited locally.
func (c *Cache) ApplyLocalEdit(id int64, patch catalog.Patch) bool {
	if patch.Empty() {
		return false
	}
	c.mu.Lock()
	p, ok := c.visible[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ch := c.upsertLocked(patch.Apply(p))
	c.provisional[id] = true
	c.mu.Unlock()

	if ch != nil {
		c.notify(*ch)
	}
	return true
}

func (c *Cache) upsertLocked(p catalog.Product) *Change {
	_, visible := c.visible[p.ID]
	switch {
	case visible && p.Available():
		c.visible[p.ID] = p
		return &Change{Type: Replaced, ID: p.ID, Product: &p}
	case visible:
		delete(c.visible, p.ID)
		return &Change{Type: Removed, ID: p.ID}
	case p.Available():
		c.visible[p.ID] = p
		return &Change{Type: Added, ID: p.ID, Product: &p}
	}
	return nil
}

func (c *Cache) removeLocked(id int64) *Change {
	if _, ok := c.visible[id]; !ok {
		return nil
	}
	delete(c.visible, id)
	return &Change{Type: Removed, ID: id}
}

// Subscribe returns a stream of visible-set changes. A subscriber that falls
// behind loses changes instead of stalling the feed; it can resync with
// ListAvailable. The returned func unsubscribes and closes the channel.
func (c *Cache) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Cache) notify(ch Change) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		select {
		case s <- ch:
		default:
		}
	}
}
