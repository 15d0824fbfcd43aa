// Package memstore provides in-memory repositories used by unit and
// scenario tests. They ignore the transaction argument: writes are visible
// immediately and are not undone on rollback.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"complaintflow/followup"
)

type followUpKey struct {
	complaintID uint64
	agent       string
}

// FollowUps implements followup.Repository.
type FollowUps struct {
	mu       sync.Mutex
	records  map[followUpKey]followup.FollowUp
	statuses map[uint64]followup.VerificationStatus
	Locks    []uint64
}

func NewFollowUps() *FollowUps {
	return &FollowUps{
		records:  map[followUpKey]followup.FollowUp{},
		statuses: map[uint64]followup.VerificationStatus{},
	}
}

func (m *FollowUps) LockComplaint(_ context.Context, _ pgx.Tx, complaintID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Locks = append(m.Locks, complaintID)
	return nil
}

func (m *FollowUps) Get(_ context.Context, _ pgx.Tx, complaintID uint64, agent string) (followup.FollowUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.records[followUpKey{complaintID, agent}]
	if !ok {
		return followup.FollowUp{}, followup.ErrFollowUpNotFound
	}
	return f.Apply(followup.Changes{}), nil
}

func (m *FollowUps) Insert(_ context.Context, _ pgx.Tx, f followup.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followUpKey{f.ComplaintID, f.Agent}
	if _, ok := m.records[key]; ok {
		return followup.ErrAlreadySubmitted
	}
	m.records[key] = f.Apply(followup.Changes{})
	return nil
}

func (m *FollowUps) Update(_ context.Context, _ pgx.Tx, f followup.FollowUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followUpKey{f.ComplaintID, f.Agent}
	if _, ok := m.records[key]; !ok {
		return followup.ErrFollowUpNotFound
	}
	m.records[key] = f.Apply(followup.Changes{})
	return nil
}

func (m *FollowUps) ListByComplaint(_ context.Context, _ pgx.Tx, complaintID uint64) ([]followup.FollowUp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []followup.FollowUp
	for k, f := range m.records {
		if k.complaintID == complaintID {
			out = append(out, f.Apply(followup.Changes{}))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt != out[j].SubmittedAt {
			return out[i].SubmittedAt < out[j].SubmittedAt
		}
		return out[i].Agent < out[j].Agent
	})
	return out, nil
}

func (m *FollowUps) SaveStatus(_ context.Context, _ pgx.Tx, vs followup.VerificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[vs.ComplaintID] = vs
	return nil
}

func (m *FollowUps) GetStatus(_ context.Context, _ pgx.Tx, complaintID uint64) (followup.VerificationStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.statuses[complaintID]
	return vs, ok, nil
}
