package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state    *State
	lastUsed time.Time
}

// MemoryStore keeps live State pointers in process and forgets sessions
// idle longer than the TTL.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*memoryEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-memory store. A ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memoryEntry),
		stopCh:   make(chan struct{}),
	}
	if ttl > 0 {
		go s.janitor()
	}
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(max(30*time.Second, s.ttl/2))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) evictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if now.Sub(e.lastUsed) > s.ttl {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	e.lastUsed = time.Now()
	return e.state, nil
}

func (s *MemoryStore) Save(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[st.ID()] = &memoryEntry{state: st, lastUsed: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of live sessions
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the expiry goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}
