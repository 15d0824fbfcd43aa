package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"complaintflow/auth"
	"complaintflow/db"
)

// Repository defines dispute persistence. Every method runs inside the
// caller's transaction.
type Repository interface {
	// LockComplaint serializes raises for one complaint.
	LockComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) error
	// LockRegistry serializes raises globally so the dispute cap holds.
	LockRegistry(ctx context.Context, tx pgx.Tx) error
	NextID(ctx context.Context, tx pgx.Tx) (uint64, error)
	Count(ctx context.Context, tx pgx.Tx) (uint64, error)
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	Update(ctx context.Context, tx pgx.Tx, d Dispute) error
	Get(ctx context.Context, tx pgx.Tx, id uint64) (Dispute, error)
	// GetForUpdate row-locks the dispute for the rest of tx.
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Dispute, error)
	ListByComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) ([]Dispute, error)

	OpenDisputeFor(ctx context.Context, tx pgx.Tx, complaintID uint64) (uint64, bool, error)
	IndexOpen(ctx context.Context, tx pgx.Tx, complaintID, disputeID uint64) error
	ClearOpen(ctx context.Context, tx pgx.Tx, complaintID uint64) error

	AddParticipant(ctx context.Context, tx pgx.Tx, p Participant) error
	IsParticipant(ctx context.Context, tx pgx.Tx, disputeID uint64, principal string) (bool, error)
	Participants(ctx context.Context, tx pgx.Tx, disputeID uint64) ([]Participant, error)

	HasVoted(ctx context.Context, tx pgx.Tx, disputeID uint64, voter string) (bool, error)
	InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error
	Votes(ctx context.Context, tx pgx.Tx, disputeID uint64) ([]Vote, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) LockComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) error {
	return db.LockKey(ctx, tx, "dispute-complaint", complaintID)
}

func (r *PGRepository) LockRegistry(ctx context.Context, tx pgx.Tx) error {
	return db.LockKey(ctx, tx, "dispute-registry", 0)
}

func (r *PGRepository) NextID(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval('dispute_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("dispute: next id: %w", err)
	}
	return uint64(id), nil
}

func (r *PGRepository) Count(ctx context.Context, tx pgx.Tx) (uint64, error) {
	var n int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM disputes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count: %w", err)
	}
	return uint64(n), nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO disputes (id, complaint_id, raised_by, raised_as, evidence_hash, status,
			votes_yes, votes_no, resolution, raised_at, closes_at, resolved_by)
		VALUES ($1, $2, $3, $4::user_role, $5, $6, $7, $8, $9, $10, $11, $12)
	`, int64(d.ID), int64(d.ComplaintID), d.RaisedBy, string(d.RaisedAs), d.EvidenceHash[:], string(d.Status),
		int64(d.VotesYes), int64(d.VotesNo), resolutionArg(d.Resolution), int64(d.RaisedAt), int64(d.ClosesAt), d.ResolvedBy)
	if err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = $2, votes_yes = $3, votes_no = $4, resolution = $5, resolved_by = $6
		WHERE id = $1
	`, int64(d.ID), string(d.Status), int64(d.VotesYes), int64(d.VotesNo), resolutionArg(d.Resolution), d.ResolvedBy)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

const disputeColumns = `id, complaint_id, raised_by, raised_as::text, evidence_hash, status, votes_yes, votes_no,
	resolution, raised_at, closes_at, resolved_by`

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id uint64) (Dispute, error) {
	return r.get(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Dispute, error) {
	return r.get(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

func (r *PGRepository) get(ctx context.Context, tx pgx.Tx, query string, id uint64) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) ListByComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) ([]Dispute, error) {
	rows, err := tx.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE complaint_id = $1 ORDER BY id`, int64(complaintID))
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) OpenDisputeFor(ctx context.Context, tx pgx.Tx, complaintID uint64) (uint64, bool, error) {
	var id int64
	err := tx.QueryRow(ctx, `SELECT dispute_id FROM open_disputes WHERE complaint_id = $1`, int64(complaintID)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("dispute: open index: %w", err)
	}
	return uint64(id), true, nil
}

func (r *PGRepository) IndexOpen(ctx context.Context, tx pgx.Tx, complaintID, disputeID uint64) error {
	_, err := tx.Exec(ctx, `INSERT INTO open_disputes (complaint_id, dispute_id) VALUES ($1, $2)`,
		int64(complaintID), int64(disputeID))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDisputeAlreadyRaised
		}
		return fmt.Errorf("dispute: index open: %w", err)
	}
	return nil
}

func (r *PGRepository) ClearOpen(ctx context.Context, tx pgx.Tx, complaintID uint64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM open_disputes WHERE complaint_id = $1`, int64(complaintID)); err != nil {
		return fmt.Errorf("dispute: clear open: %w", err)
	}
	return nil
}

func (r *PGRepository) AddParticipant(ctx context.Context, tx pgx.Tx, p Participant) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_participants (dispute_id, principal, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dispute_id, principal) DO NOTHING
	`, int64(p.DisputeID), p.Principal, int64(p.AddedAt))
	if err != nil {
		return fmt.Errorf("dispute: add participant: %w", err)
	}
	return nil
}

func (r *PGRepository) IsParticipant(ctx context.Context, tx pgx.Tx, disputeID uint64, principal string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispute_participants WHERE dispute_id = $1 AND principal = $2)
	`, int64(disputeID), principal).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("dispute: participant check: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) Participants(ctx context.Context, tx pgx.Tx, disputeID uint64) ([]Participant, error) {
	rows, err := tx.Query(ctx, `
		SELECT principal, added_at FROM dispute_participants WHERE dispute_id = $1 ORDER BY added_at, principal
	`, int64(disputeID))
	if err != nil {
		return nil, fmt.Errorf("dispute: participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p       Participant
			addedAt int64
		)
		if err := rows.Scan(&p.Principal, &addedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan participant: %w", err)
		}
		p.DisputeID = disputeID
		p.AddedAt = uint64(addedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepository) HasVoted(ctx context.Context, tx pgx.Tx, disputeID uint64, voter string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispute_votes WHERE dispute_id = $1 AND voter = $2)
	`, int64(disputeID), voter).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("dispute: vote check: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_votes (dispute_id, voter, in_favor, cast_at) VALUES ($1, $2, $3, $4)
	`, int64(v.DisputeID), v.Voter, v.InFavor, int64(v.CastAt))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("dispute: insert vote: %w", err)
	}
	return nil
}

func (r *PGRepository) Votes(ctx context.Context, tx pgx.Tx, disputeID uint64) ([]Vote, error) {
	rows, err := tx.Query(ctx, `
		SELECT voter, in_favor, cast_at FROM dispute_votes WHERE dispute_id = $1 ORDER BY cast_at, voter
	`, int64(disputeID))
	if err != nil {
		return nil, fmt.Errorf("dispute: votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var (
			v      Vote
			castAt int64
		)
		if err := rows.Scan(&v.Voter, &v.InFavor, &castAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		v.DisputeID = disputeID
		v.CastAt = uint64(castAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d                                        Dispute
		id, complaintID, yes, no, raised, closes int64
		role, status                             string
		evidence                                 []byte
		resolution                               *string
	)
	if err := row.Scan(&id, &complaintID, &d.RaisedBy, &role, &evidence, &status, &yes, &no,
		&resolution, &raised, &closes, &d.ResolvedBy); err != nil {
		return Dispute{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return Dispute{}, err
	}
	if resolution != nil {
		res, err := ParseResolution(*resolution)
		if err != nil {
			return Dispute{}, err
		}
		d.Resolution = &res
	}
	d.ID = uint64(id)
	d.ComplaintID = uint64(complaintID)
	d.RaisedAs = auth.Role(role)
	copy(d.EvidenceHash[:], evidence)
	d.Status = st
	d.VotesYes = uint64(yes)
	d.VotesNo = uint64(no)
	d.RaisedAt = uint64(raised)
	d.ClosesAt = uint64(closes)
	return d, nil
}

func resolutionArg(r *Resolution) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
