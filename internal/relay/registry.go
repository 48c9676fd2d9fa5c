package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/captcha_relay/internal/wire"
)

// TabSink receives frames routed to one page context. Deliver must not block
// on the page; implementations hand the frame to their own goroutine.
type TabSink interface {
	Deliver(ctx context.Context, env wire.Envelope) error
}

// TabInfo describes one registered page context.
type TabInfo struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Active       bool      `json:"active"`
	Awaiting     int       `json:"awaiting"`
	RegisteredAt time.Time `json:"registered_at"`

	sink TabSink
}

// TabRegistry maps tab IDs to tab metadata and tracks the active tab of the
// focused window.
type TabRegistry struct {
	tabs   map[string]*TabInfo
	active string
	mu     sync.RWMutex
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[string]*TabInfo)}
}

// Register adds or replaces a tab. The first tab registered while no tab is
// active becomes active.
func (r *TabRegistry) Register(id, url string, sink TabSink) TabInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := &TabInfo{ID: id, URL: url, RegisteredAt: time.Now(), sink: sink}
	if prev, ok := r.tabs[id]; ok {
		info.Awaiting = prev.Awaiting
		info.RegisteredAt = prev.RegisteredAt
	}
	r.tabs[id] = info
	if r.active == "" {
		r.active = id
	}
	info.Active = r.active == id
	return *info
}

func (r *TabRegistry) Get(id string) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[id]
	if !ok {
		return TabInfo{}, false
	}
	out := *info
	out.Active = r.active == id
	return out, true
}

// Remove drops a tab. Removing the active tab leaves no tab active.
func (r *TabRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, id)
	if r.active == id {
		r.active = ""
	}
}

// Activate marks id as the active tab. It reports false for unknown tabs.
func (r *TabRegistry) Activate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		return false
	}
	r.active = id
	return true
}

func (r *TabRegistry) Active() (TabInfo, bool) {
	r.mu.RLock()
	id := r.active
	r.mu.RUnlock()
	if id == "" {
		return TabInfo{}, false
	}
	return r.Get(id)
}

func (r *TabRegistry) SetURL(id, url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[id]
	if ok {
		info.URL = url
	}
	return ok
}

// AddAwaiting adjusts the number of in-flight requests for a tab.
func (r *TabRegistry) AddAwaiting(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.tabs[id]
	if !ok {
		return
	}
	info.Awaiting += delta
	if info.Awaiting < 0 {
		info.Awaiting = 0
	}
}

// List returns all tabs ordered by registration time.
func (r *TabRegistry) List() []TabInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TabInfo, 0, len(r.tabs))
	for id, info := range r.tabs {
		t := *info
		t.Active = r.active == id
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
