package realtime

import (
	"sync"
	"time"
)

// SeenSet remembers delivered row ids for ttl so repeated deliveries of the
// same change can be dropped without growing for the life of a channel.
type SeenSet struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewSeenSet(ttl time.Duration, now func() time.Time) *SeenSet {
	if now == nil {
		now = time.Now
	}
	return &SeenSet{ttl: ttl, now: now, entries: map[string]time.Time{}}
}

// Add records id and reports whether it was not already present.
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, at := range s.entries {
		if now.Sub(at) >= s.ttl {
			delete(s.entries, key)
		}
	}
	if _, ok := s.entries[id]; ok {
		return false
	}
	s.entries[id] = now
	return true
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SeenSet) Clear() {
	s.mu.Lock()
	s.entries = map[string]time.Time{}
	s.mu.Unlock()
}
