package complaint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	records map[uint64]Record
	gets    int
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[uint64]Record)}
}

func (s *stubStore) GetByID(_ context.Context, id uint64) (Record, error) {
	s.gets++
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *stubStore) Insert(_ context.Context, id uint64, hash []byte) (Record, error) {
	if _, ok := s.records[id]; ok {
		return Record{}, ErrAlreadyRegistered
	}
	rec := Record{ID: id, ContentHash: hash, CreatedAt: time.Now().UTC()}
	s.records[id] = rec
	return rec, nil
}

func hash32(b byte) []byte {
	h := make([]byte, HashSize)
	for i := range h {
		h[i] = b
	}
	return h
}

func TestRegisterAndLookup(t *testing.T) {
	svc := NewService(newStubStore())
	ctx := context.Background()

	_, err := svc.Register(ctx, 1, hash32(0xaa))
	require.NoError(t, err)

	got, err := svc.LookupHash(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, hash32(0xaa), got)

	_, err = svc.Register(ctx, 1, hash32(0xbb))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = svc.LookupHash(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegister_Validation(t *testing.T) {
	svc := NewService(newStubStore())
	ctx := context.Background()

	_, err := svc.Register(ctx, 0, hash32(1))
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = svc.Register(ctx, 3, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestCachedRegistry(t *testing.T) {
	store := newStubStore()
	svc := NewService(store)
	cached := NewCachedRegistry(svc, time.Minute)
	ctx := context.Background()

	_, err := cached.LookupHash(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Register(ctx, 7, hash32(0x07))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := cached.LookupHash(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, hash32(0x07), got)
	}
	assert.Equal(t, 2, store.gets, "miss plus one fill, then served from cache")
}
