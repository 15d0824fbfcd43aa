package followup

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withStatuses(statuses ...Status) []FollowUp {
	out := make([]FollowUp, len(statuses))
	for i, st := range statuses {
		out[i] = FollowUp{ComplaintID: 1, Agent: string(rune('a' + i)), Status: st}
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []Status
		threshold uint8
		score     uint8
		overall   AggregateStatus
	}{
		{"no follow-ups", nil, 80, 0, AggregatePending},
		{"single verified", []Status{StatusVerified}, 80, 100, AggregateVerified},
		{"single pending", []Status{StatusPending}, 80, 0, AggregateDisputed},
		{"half verified", []Status{StatusVerified, StatusDisputed}, 80, 50, AggregateDisputed},
		{"half verified low threshold", []Status{StatusVerified, StatusPending}, 50, 50, AggregateVerified},
		{"one third floors", []Status{StatusVerified, StatusPending, StatusPending}, 33, 33, AggregateVerified},
		{"two thirds floors", []Status{StatusVerified, StatusVerified, StatusAgainst}, 67, 66, AggregateDisputed},
		{"resolution labels do not count", []Status{StatusInFavor, StatusSettled, StatusVerified, StatusVerified}, 50, 50, AggregateVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs := Score(7, withStatuses(tt.statuses...), tt.threshold, 42)
			assert.Equal(t, uint64(7), vs.ComplaintID)
			assert.Equal(t, uint32(len(tt.statuses)), vs.FollowUpCount)
			assert.Equal(t, tt.score, vs.MatchScore)
			assert.Equal(t, tt.overall, vs.OverallStatus)
			assert.Equal(t, uint64(42), vs.LastUpdated)
		})
	}
}

func TestScore_OrderIndependent(t *testing.T) {
	set := withStatuses(StatusVerified, StatusDisputed, StatusPending, StatusVerified, StatusSettled)
	want := Score(1, set, 40, 9)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]FollowUp(nil), set...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Score(1, shuffled, 40, 9))
	}
}

func TestScore_MatchesFormula(t *testing.T) {
	for n := 1; n <= 12; n++ {
		for k := 0; k <= n; k++ {
			statuses := make([]Status, n)
			for i := range statuses {
				statuses[i] = StatusPending
				if i < k {
					statuses[i] = StatusVerified
				}
			}
			vs := Score(1, withStatuses(statuses...), 80, 0)
			assert.Equal(t, uint8(100*k/n), vs.MatchScore, "n=%d k=%d", n, k)
			assert.Equal(t, vs.MatchScore >= 80, vs.OverallStatus == AggregateVerified, "n=%d k=%d", n, k)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "verified", "disputed", "in-favor", "against", "settled"} {
		st, err := ParseStatus(s)
		assert.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}
	_, err := ParseStatus("approved")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.True(t, StatusAgainst.IsResolution())
	assert.False(t, StatusDisputed.IsResolution())
}

func TestFollowUp_ApplyPreservesUntouchedFields(t *testing.T) {
	resolver := "authority"
	orig := FollowUp{
		ComplaintID:  3,
		Agent:        "agent-a",
		FollowUpHash: []byte{1, 2},
		Details:      "called back",
		DetailsHash:  []byte{3},
		SubmittedAt:  11,
		Status:       StatusDisputed,
		Evidence:     []byte{9},
	}

	next := StatusInFavor
	got := orig.Apply(Changes{Status: &next, Resolver: &resolver})
	assert.Equal(t, StatusInFavor, got.Status)
	assert.Equal(t, "authority", *got.Resolver)
	assert.Equal(t, orig.FollowUpHash, got.FollowUpHash)
	assert.Equal(t, orig.Evidence, got.Evidence)
	assert.Equal(t, orig.SubmittedAt, got.SubmittedAt)

	got.Evidence[0] = 0
	assert.Equal(t, byte(9), orig.Evidence[0])
	assert.Equal(t, StatusDisputed, orig.Status)
	assert.Nil(t, orig.Resolver)
}
