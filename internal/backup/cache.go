package backup

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultMaxEntries = 500
)

// Entry is the locally kept copy of an attachment reference, keyed by the
// message it was sent with.
type Entry struct {
	MessageID   string    `json:"messageId"`
	URL         string    `json:"url"`
	SignedURL   string    `json:"signedUrl,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Name        string    `json:"name,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
}

// Cache is not authoritative. Writes are last-write-wins and readers must
// tolerate misses at any time.
type Cache interface {
	Get(ctx context.Context, messageID string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, messageID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Policy bounds a cache: entries older than TTL are dropped and at most
// MaxEntries are kept, oldest first out.
type Policy struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

func (p Policy) normalized() Policy {
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.MaxEntries <= 0 {
		p.MaxEntries = DefaultMaxEntries
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

func (p Policy) expired(entry Entry, now time.Time) bool {
	return now.Sub(entry.StoredAt) > p.TTL
}

type MemoryCache struct {
	policy  Policy
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryCache(policy Policy) *MemoryCache {
	return &MemoryCache{policy: policy.normalized(), entries: map[string]Entry{}}
}

func (c *MemoryCache) Get(_ context.Context, messageID string) (Entry, bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Entry{}, false, ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[messageID]
	if !ok {
		return Entry{}, false, nil
	}
	if c.policy.expired(entry, c.policy.Now()) {
		delete(c.entries, messageID)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (c *MemoryCache) Put(_ context.Context, entry Entry) error {
	entry, err := c.prepare(entry)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.MessageID] = entry
	c.evictLocked()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.TrimSpace(messageID))
	return nil
}

func (c *MemoryCache) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.entries), nil
}

func (c *MemoryCache) Close() error {
	return nil
}

func (c *MemoryCache) prepare(entry Entry) (Entry, error) {
	entry.MessageID = strings.TrimSpace(entry.MessageID)
	if entry.MessageID == "" || strings.TrimSpace(entry.URL) == "" {
		return Entry{}, ErrInvalidInput
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.policy.Now().UTC()
	}
	return entry, nil
}

func (c *MemoryCache) evictLocked() {
	now := c.policy.Now()
	for id, entry := range c.entries {
		if c.policy.expired(entry, now) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) <= c.policy.MaxEntries {
		return
	}
	for _, id := range oldestFirst(c.entries)[:len(c.entries)-c.policy.MaxEntries] {
		delete(c.entries, id)
	}
}

func (c *MemoryCache) snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, id := range oldestFirst(c.entries) {
		out = append(out, c.entries[id])
	}
	return out
}

func (c *MemoryCache) replace(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.MessageID) == "" {
			continue
		}
		c.entries[entry.MessageID] = entry
	}
	c.evictLocked()
}

func oldestFirst(entries map[string]Entry) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := entries[ids[i]], entries[ids[j]]
		if a.StoredAt.Equal(b.StoredAt) {
			return ids[i] < ids[j]
		}
		return a.StoredAt.Before(b.StoredAt)
	})
	return ids
}
