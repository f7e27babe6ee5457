package explorer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

// Sessions keeps the live sessions. A session unused for its TTL expires,
// evicted or deleted sessions have their worker stopped.
type Sessions struct {
	cache   *ccache.Cache[*Session]
	ttl     time.Duration
	metrics *Metrics
	stop    sync.Once
}

func NewSessions(maxSessions int64, ttl time.Duration, metrics *Metrics) *Sessions {
	if maxSessions <= 0 {
		maxSessions = 64
	}
	prune := uint32(maxSessions / 10)
	if prune == 0 {
		prune = 1
	}
	s := &Sessions{ttl: ttl, metrics: metrics}
	s.cache = ccache.New(ccache.Configure[*Session]().
		MaxSize(maxSessions).
		ItemsToPrune(prune).
		OnDelete(func(item *ccache.Item[*Session]) {
			s.release(item.Value())
		}))
	return s
}

// Add stores sess under its id.
func (s *Sessions) Add(sess *Session) {
	s.cache.Set(sess.ID, sess, s.ttl)
	s.metrics.sessionAdded()
}

// Get returns the session and extends its lifetime.
func (s *Sessions) Get(id string) (*Session, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if item.Expired() {
		s.Delete(id)
		return nil, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	item.Extend(s.ttl)
	return item.Value(), nil
}

// Delete removes the session and stops its worker, reporting whether it
// existed.
func (s *Sessions) Delete(id string) bool {
	item := s.cache.Get(id)
	if !s.cache.Delete(id) {
		return false
	}
	if item != nil {
		s.release(item.Value())
	}
	return true
}

// Len returns the number of stored sessions, expired ones included.
func (s *Sessions) Len() int {
	return s.cache.ItemCount()
}

// Sweep removes the expired sessions and returns how many were removed.
func (s *Sessions) Sweep() int {
	var expired []*Session
	n := s.cache.DeleteFunc(func(_ string, item *ccache.Item[*Session]) bool {
		if item.Expired() {
			expired = append(expired, item.Value())
			return true
		}
		return false
	})
	for _, sess := range expired {
		s.release(sess)
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("expired sessions removed", "count", n)
			}
		}
	}
}

// Close stops every session and the cache. The store must not be used
// afterwards.
func (s *Sessions) Close() {
	s.stop.Do(func() {
		var all []*Session
		s.cache.ForEachFunc(func(_ string, item *ccache.Item[*Session]) bool {
			all = append(all, item.Value())
			return true
		})
		for _, sess := range all {
			s.release(sess)
		}
		s.cache.Stop()
	})
}

func (s *Sessions) release(sess *Session) {
	if sess.shutdown() {
		s.metrics.sessionRemoved()
	}
}
