package server

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps jobs in process memory. Results are only visible to
// the worker that ran them.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore expires records ttl after their last update.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	cleanup := ttl
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &MemoryStore{cache: cache.New(ttl, cleanup)}
}

func (s *MemoryStore) Put(_ context.Context, job Job) error {
	job.UpdatedAt = time.Now()
	s.cache.Set(job.ID, job, cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return v.(Job), nil
}

// Len returns the number of unexpired records.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
