// Package topics holds the lecture topic list shown in the selector.
// The list mirrors the sub-folders of one NAS folder and is replaced
// wholesale on every successful refresh.
package topics

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
)

// Lister fetches folder names from the NAS. Both synology.Client and
// webdav.Lister satisfy it.
type Lister interface {
	Folders(ctx context.Context, path string) ([]string, error)
}

// Catalog is the shared, most recently fetched folder list.
type Catalog struct {
	mu        sync.RWMutex
	names     []string
	refreshed time.Time
	lastErr   error
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{}
}

// Refresh lists path with l. On success the list is replaced; on failure the
// previous list is kept and the error returned.
func (c *Catalog) Refresh(ctx context.Context, l Lister, path string) ([]string, error) {
	names, err := l.Folders(ctx, path)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		return slices.Clone(c.names), err
	}
	c.names = slices.Clone(names)
	c.refreshed = time.Now()
	return slices.Clone(c.names), nil
}

// Names returns a copy of the current list, never nil.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.names...)
}

// Contains reports whether name is in the current list.
func (c *Catalog) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.names, name)
}

// Status returns when the list was last replaced and the last refresh error.
func (c *Catalog) Status() (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed, c.lastErr
}

// Filter returns names fuzzy-matching query, best match first.
// An empty query returns the whole list in its stored order.
func (c *Catalog) Filter(query string) []string {
	names := c.Names()
	query = strings.TrimSpace(query)
	if query == "" {
		return names
	}
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(n)
	}
	matches := fuzzy.Find(strings.ToLower(query), lower)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, names[m.Index])
	}
	return out
}
