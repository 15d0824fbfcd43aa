package complaint

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Store abstracts repository operations for the registry.
type Store interface {
	GetByID(ctx context.Context, id uint64) (Record, error)
	Insert(ctx context.Context, id uint64, hash []byte) (Record, error)
}

// Registry resolves the canonical content hash committed for a complaint.
type Registry interface {
	LookupHash(ctx context.Context, complaintID uint64) ([]byte, error)
}

// Service exposes the complaint registry.
type Service struct {
	store Store
}

// NewService builds a Service using the provided store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// LookupHash returns the committed hash or ErrNotFound.
func (s *Service) LookupHash(ctx context.Context, complaintID uint64) ([]byte, error) {
	if complaintID == 0 {
		return nil, ErrNotFound
	}
	rec, err := s.store.GetByID(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	return rec.ContentHash, nil
}

// Register commits a complaint hash. Hashes are immutable once committed.
func (s *Service) Register(ctx context.Context, id uint64, hash []byte) (Record, error) {
	if id == 0 {
		return Record{}, ErrInvalidID
	}
	if len(hash) != HashSize {
		return Record{}, fmt.Errorf("%w: got %d bytes", ErrInvalidHash, len(hash))
	}
	return s.store.Insert(ctx, id, bytes.Clone(hash))
}

// CachedRegistry memoizes successful lookups. Misses are not cached so a
// complaint registered later becomes visible immediately.
type CachedRegistry struct {
	next  Registry
	cache *cache.Cache
}

// NewCachedRegistry wraps next with a TTL cache.
func NewCachedRegistry(next Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedRegistry) LookupHash(ctx context.Context, complaintID uint64) ([]byte, error) {
	key := fmt.Sprintf("%d", complaintID)
	if v, ok := c.cache.Get(key); ok {
		return bytes.Clone(v.([]byte)), nil
	}
	hash, err := c.next.LookupHash(ctx, complaintID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, bytes.Clone(hash))
	return hash, nil
}
