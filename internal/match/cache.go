package match

import (
	"sync"
	"time"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/outbox"
)

// CachedMatch is one row of the read-side match list.
type CachedMatch struct {
	Match Match `json:"match"`
	// TempID is the provisional id, kept after confirmation for lookups.
	TempID string `json:"temp_id,omitempty"`
	// Confirmed is true once the server has the match.
	Confirmed bool `json:"confirmed"`
	// Unconfirmed explains why a provisional match is saved locally only.
	Unconfirmed string `json:"unconfirmed,omitempty"`
}

// Saved reports the UI label for the row.
func (c CachedMatch) Saved() string {
	switch {
	case c.Confirmed:
		return "saved"
	case c.Unconfirmed != "":
		return "saved locally only"
	default:
		return "syncing"
	}
}

// Cache is an in-memory, newest-first match list. It implements
// engine.ReadCache.
type Cache struct {
	mu    sync.RWMutex
	items []*CachedMatch // newest first
}

var _ engine.ReadCache = (*Cache)(nil)

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Install prepends a provisional match.
func (c *Cache) Install(p engine.Provisional) {
	m, _ := FromRecord(p.Record)
	if m.ID == "" {
		m.ID = p.TempID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]*CachedMatch{{Match: m, TempID: p.TempID}}, c.items...)
}

// Confirm swaps the provisional match for the server's copy in place.
func (c *Cache) Confirm(tempID string, confirmed outbox.Record) {
	m, err := FromRecord(confirmed)

	c.mu.Lock()
	defer c.mu.Unlock()

	item := c.findTemp(tempID)
	if item == nil {
		if err != nil {
			return
		}
		c.items = append([]*CachedMatch{{Match: m, TempID: tempID, Confirmed: true}}, c.items...)
		return
	}
	if err == nil {
		if m.CreatedAt == "" {
			m.CreatedAt = item.Match.CreatedAt
		}
		if m.ID == "" {
			m.ID = item.Match.ID
		}
		item.Match = m
	}
	item.Confirmed = true
	item.Unconfirmed = ""
}

// MarkUnconfirmed tags a provisional match as saved locally only.
func (c *Cache) MarkUnconfirmed(tempID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.findTemp(tempID); item != nil && !item.Confirmed {
		item.Unconfirmed = reason
	}
}

// Discard removes a provisional match.
func (c *Cache) Discard(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.items {
		if item.TempID == tempID && !item.Confirmed {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Put inserts or replaces confirmed matches fetched from the server.
func (c *Cache) Put(matches ...Match) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range matches {
		if item := c.findID(m.ID); item != nil {
			item.Match = m
			item.Confirmed = true
			item.Unconfirmed = ""
			continue
		}
		c.items = append([]*CachedMatch{{Match: m, Confirmed: true}}, c.items...)
	}
}

// Get returns the match with the given id or temporary id.
func (c *Cache) Get(id string) (CachedMatch, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if item := c.findID(id); item != nil {
		return *item, true
	}
	if item := c.findTemp(id); item != nil {
		return *item, true
	}
	return CachedMatch{}, false
}

// List returns matches passing f, newest first.
func (c *Cache) List(f Filter) []CachedMatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CachedMatch, 0, len(c.items))
	for _, item := range c.items {
		if f.Match(item.Match) {
			out = append(out, *item)
		}
	}
	return out
}

// Len returns the number of cached matches.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) findTemp(tempID string) *CachedMatch {
	for _, item := range c.items {
		if item.TempID == tempID {
			return item
		}
	}
	return nil
}

func (c *Cache) findID(id string) *CachedMatch {
	if id == "" {
		return nil
	}
	for _, item := range c.items {
		if item.Match.ID == id {
			return item
		}
	}
	return nil
}

// FilterType selects a preset match list.
type FilterType string

const (
	FilterAll         FilterType = "all"
	FilterShort       FilterType = "short"
	FilterLong        FilterType = "long"
	FilterTournaments FilterType = "tournaments"
)

// Filter narrows the match list. The zero value matches everything.
type Filter struct {
	Type  FilterType
	Since time.Time
	Until time.Time
}

// Match reports whether m passes the filter. Matches without a parseable
// created_at pass any date bound.
func (f Filter) Match(m Match) bool {
	switch f.Type {
	case FilterShort:
		if m.Team1Sets > 3 || m.Team2Sets > 3 {
			return false
		}
	case FilterLong:
		if m.Team1Sets < 6 && m.Team2Sets < 6 {
			return false
		}
	case FilterTournaments:
		if m.SourceTournamentID == nil {
			return false
		}
	}

	if f.Since.IsZero() && f.Until.IsZero() {
		return true
	}
	created, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return true
	}
	if !f.Since.IsZero() && created.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && created.After(f.Until) {
		return false
	}
	return true
}

// LastDays returns a filter for matches created in the last n days.
func LastDays(n int, now time.Time) Filter {
	return Filter{Type: FilterAll, Since: now.AddDate(0, 0, -n)}
}
