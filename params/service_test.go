package params

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complaintflow/test/fakes"
)

type fakeRepo struct {
	stored *Params
}

func (f *fakeRepo) Load(context.Context) (Params, error) {
	if f.stored == nil {
		return Params{}, ErrNotInitialized
	}
	return clone(*f.stored), nil
}

func (f *fakeRepo) LockForUpdate(_ context.Context, _ pgx.Tx, defaults Params) (Params, error) {
	if f.stored == nil {
		d := clone(defaults)
		f.stored = &d
	}
	return clone(*f.stored), nil
}

func (f *fakeRepo) Save(_ context.Context, _ pgx.Tx, p Params) error {
	if f.stored == nil {
		return ErrNotInitialized
	}
	c := clone(p)
	f.stored = &c
	return nil
}

func clone(p Params) Params {
	if p.Authority != nil {
		a := *p.Authority
		p.Authority = &a
	}
	return p
}

func newTestService() (*Service, *fakeRepo, *fakes.Pool) {
	repo := &fakeRepo{}
	pool := &fakes.Pool{}
	return NewService(pool, repo, nil), repo, pool
}

func TestCurrent_DefaultsWhenEmpty(t *testing.T) {
	svc, _, _ := newTestService()
	p, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), p)
	assert.Nil(t, p.Authority)
}

func TestSetAuthority_OnlyOnce(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	p, err := svc.SetAuthority(ctx, "authority-1")
	require.NoError(t, err)
	require.NotNil(t, p.Authority)
	assert.Equal(t, "authority-1", *p.Authority)

	_, err = svc.SetAuthority(ctx, "authority-2")
	assert.ErrorIs(t, err, ErrAuthorityAlreadySet)

	ok, err := svc.IsAuthority(ctx, "authority-1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.SetAuthority(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestSetters_RequireAuthority(t *testing.T) {
	svc, _, pool := newTestService()
	ctx := context.Background()

	_, err := svc.SetMatchThreshold(ctx, "anyone", 90)
	assert.ErrorIs(t, err, ErrNotAuthority, "no authority configured yet")

	_, err = svc.SetAuthority(ctx, "root")
	require.NoError(t, err)

	_, err = svc.SetMatchThreshold(ctx, "intruder", 90)
	assert.ErrorIs(t, err, ErrNotAuthority)
	assert.False(t, pool.Last().Committed)

	p, err := svc.SetMatchThreshold(ctx, "root", 90)
	require.NoError(t, err)
	assert.Equal(t, uint8(90), p.MatchThreshold)
	assert.True(t, pool.Last().Committed)
}

func TestSetters_Ranges(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.SetAuthority(ctx, "root")
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() (Params, error)
		ok   bool
	}{
		{"match threshold 0", func() (Params, error) { return svc.SetMatchThreshold(ctx, "root", 0) }, false},
		{"match threshold 101", func() (Params, error) { return svc.SetMatchThreshold(ctx, "root", 101) }, false},
		{"match threshold 100", func() (Params, error) { return svc.SetMatchThreshold(ctx, "root", 100) }, true},
		{"voting period 0", func() (Params, error) { return svc.SetVotingPeriod(ctx, "root", 0) }, false},
		{"voting period 1009", func() (Params, error) { return svc.SetVotingPeriod(ctx, "root", 1009) }, false},
		{"voting period 1008", func() (Params, error) { return svc.SetVotingPeriod(ctx, "root", 1008) }, true},
		{"voting threshold 0", func() (Params, error) { return svc.SetVotingThreshold(ctx, "root", 0) }, false},
		{"voting threshold 1", func() (Params, error) { return svc.SetVotingThreshold(ctx, "root", 1) }, true},
		{"penalty 0", func() (Params, error) { return svc.SetPenaltyAmount(ctx, "root", 0) }, true},
		{"max disputes 0", func() (Params, error) { return svc.SetMaxDisputes(ctx, "root", 0) }, false},
		{"max follow-ups 0", func() (Params, error) { return svc.SetMaxFollowUps(ctx, "root", 0) }, false},
		{"resolution fee above int64", func() (Params, error) { return svc.SetResolutionFee(ctx, "root", math.MaxInt64+1) }, false},
		{"penalty above int64", func() (Params, error) { return svc.SetPenaltyAmount(ctx, "root", math.MaxUint64) }, false},
		{"max disputes above int64", func() (Params, error) { return svc.SetMaxDisputes(ctx, "root", math.MaxInt64+1) }, false},
		{"resolution fee max int64", func() (Params, error) { return svc.SetResolutionFee(ctx, "root", math.MaxInt64) }, true},
		{"resolution fee", func() (Params, error) { return svc.SetResolutionFee(ctx, "root", 250) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.call()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrOutOfRange), "expected ErrOutOfRange, got %v", err)
			}
		})
	}

	p, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(100), p.MatchThreshold)
	assert.Equal(t, uint64(1008), p.VotingPeriod)
	assert.Equal(t, uint64(250), p.ResolutionFee)
}

func TestUpdate_AllOrNothing(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, err := svc.SetAuthority(ctx, "root")
	require.NoError(t, err)

	fee := uint64(7)
	bad := uint8(0)
	_, err = svc.Update(ctx, "root", Changes{ResolutionFee: &fee, VotingThreshold: &bad})
	require.ErrorIs(t, err, ErrOutOfRange)

	p, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Defaults().ResolutionFee, p.ResolutionFee)
}

func TestSeed_OnlyFreshStore(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	authority := "seeded"
	seed := Defaults()
	seed.MatchThreshold = 60
	seed.Authority = &authority

	p, err := svc.Seed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, uint8(60), p.MatchThreshold)

	other := Defaults()
	other.MatchThreshold = 10
	p, err = svc.Seed(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint8(60), p.MatchThreshold, "existing store must not be overwritten")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("match_threshold: 75\nvoting_period: 288\nauthority: ops\n"), 0o600))

	p, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(75), p.MatchThreshold)
	assert.Equal(t, uint64(288), p.VotingPeriod)
	assert.Equal(t, Defaults().MaxFollowUps, p.MaxFollowUps)
	require.NotNil(t, p.Authority)
	assert.Equal(t, "ops", *p.Authority)

	require.NoError(t, os.WriteFile(path, []byte("voting_period: 5000\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorIs(t, err, ErrOutOfRange)
}
