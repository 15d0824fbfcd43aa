package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
)

type memRepo struct {
	mu           sync.Mutex
	nextID       uint64
	disputes     map[uint64]Dispute
	open         map[uint64]uint64
	participants map[uint64]map[string]uint64
	votes        map[uint64][]Vote
}

func newMemRepo() *memRepo {
	return &memRepo{
		disputes:     map[uint64]Dispute{},
		open:         map[uint64]uint64{},
		participants: map[uint64]map[string]uint64{},
		votes:        map[uint64][]Vote{},
	}
}

func (m *memRepo) LockComplaint(context.Context, pgx.Tx, uint64) error { return nil }

func (m *memRepo) LockRegistry(context.Context, pgx.Tx) error { return nil }

func (m *memRepo) NextID(context.Context, pgx.Tx) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *memRepo) Count(context.Context, pgx.Tx) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.disputes)), nil
}

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = d.Apply(Changes{})
	return nil
}

func (m *memRepo) Update(_ context.Context, _ pgx.Tx, d Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = d.Apply(Changes{})
	return nil
}

func (m *memRepo) Get(_ context.Context, _ pgx.Tx, id uint64) (Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrDisputeNotFound
	}
	return d.Apply(Changes{}), nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Dispute, error) {
	return m.Get(ctx, tx, id)
}

func (m *memRepo) ListByComplaint(_ context.Context, _ pgx.Tx, complaintID uint64) ([]Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Dispute
	for _, d := range m.disputes {
		if d.ComplaintID == complaintID {
			out = append(out, d.Apply(Changes{}))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) OpenDisputeFor(_ context.Context, _ pgx.Tx, complaintID uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.open[complaintID]
	return id, ok, nil
}

func (m *memRepo) IndexOpen(_ context.Context, _ pgx.Tx, complaintID, disputeID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[complaintID]; ok {
		return ErrDisputeAlreadyRaised
	}
	m.open[complaintID] = disputeID
	return nil
}

func (m *memRepo) ClearOpen(_ context.Context, _ pgx.Tx, complaintID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, complaintID)
	return nil
}

func (m *memRepo) AddParticipant(_ context.Context, _ pgx.Tx, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.participants[p.DisputeID]
	if !ok {
		set = map[string]uint64{}
		m.participants[p.DisputeID] = set
	}
	if _, exists := set[p.Principal]; !exists {
		set[p.Principal] = p.AddedAt
	}
	return nil
}

func (m *memRepo) IsParticipant(_ context.Context, _ pgx.Tx, disputeID uint64, principal string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.participants[disputeID][principal]
	return ok, nil
}

func (m *memRepo) Participants(_ context.Context, _ pgx.Tx, disputeID uint64) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Participant
	for principal, addedAt := range m.participants[disputeID] {
		out = append(out, Participant{DisputeID: disputeID, Principal: principal, AddedAt: addedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

func (m *memRepo) HasVoted(_ context.Context, _ pgx.Tx, disputeID uint64, voter string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.votes[disputeID] {
		if v.Voter == voter {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) InsertVote(_ context.Context, _ pgx.Tx, v Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.votes[v.DisputeID] {
		if existing.Voter == v.Voter {
			return ErrAlreadyVoted
		}
	}
	m.votes[v.DisputeID] = append(m.votes[v.DisputeID], v)
	return nil
}

func (m *memRepo) Votes(_ context.Context, _ pgx.Tx, disputeID uint64) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Vote(nil), m.votes[disputeID]...), nil
}
