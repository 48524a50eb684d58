package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryClipStore keeps clips in a map. It is safe for concurrent use.
//
// If a TTL is configured, a background goroutine removes clips older than
// the TTL; call Stop to end it.
type MemoryClipStore struct {
	mu    sync.RWMutex
	clips map[string]Clip
	ttl   time.Duration
	now   func() time.Time

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopMu        sync.Mutex
	stopped       bool
}

// NewMemoryClipStore creates a store that keeps clips until deleted.
func NewMemoryClipStore() *MemoryClipStore {
	return &MemoryClipStore{
		clips: make(map[string]Clip),
		now:   time.Now,
	}
}

// NewMemoryClipStoreWithTTL creates a store that drops clips older than ttl.
// cleanupInterval defaults to one minute.
func NewMemoryClipStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryClipStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryClipStore{
		clips:         make(map[string]Clip),
		ttl:           ttl,
		now:           time.Now,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}
	go s.runCleanup()
	return s
}

// Stop ends the cleanup goroutine and waits for it. It is safe to call more
// than once and on a store without TTL.
func (s *MemoryClipStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}
	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryClipStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryClipStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, clip := range s.clips {
		if s.expired(clip, now) {
			delete(s.clips, id)
		}
	}
}

func (s *MemoryClipStore) expired(clip Clip, now time.Time) bool {
	return s.ttl > 0 && now.Sub(clip.CreatedAt) > s.ttl
}

// Put stores clip, replacing any clip with the same id. A zero CreatedAt is
// set to the current time.
func (s *MemoryClipStore) Put(ctx context.Context, clip Clip) error {
	if err := validateID(clip.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips[clip.ID] = clip
	return nil
}

// Get returns the clip with the given id. Expired clips are reported as
// missing even before the janitor removes them.
func (s *MemoryClipStore) Get(ctx context.Context, id string) (Clip, bool, error) {
	if err := validateID(id); err != nil {
		return Clip{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Clip{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	clip, found := s.clips[id]
	if !found || s.expired(clip, s.now()) {
		return Clip{}, false, nil
	}
	return clip, true, nil
}

// Len returns the number of stored clips, including expired ones not yet
// cleaned up.
func (s *MemoryClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// Delete removes a clip and reports whether it existed.
func (s *MemoryClipStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clips[id]
	delete(s.clips, id)
	return existed
}
