package followup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"complaintflow/db"
)

const lockNamespace = "followup-complaint"

// Repository defines follow-up persistence. Every method runs inside the
// caller's transaction.
type Repository interface {
	// LockComplaint serializes all follow-up mutations for one complaint.
	LockComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) error
	Get(ctx context.Context, tx pgx.Tx, complaintID uint64, agent string) (FollowUp, error)
	Insert(ctx context.Context, tx pgx.Tx, f FollowUp) error
	Update(ctx context.Context, tx pgx.Tx, f FollowUp) error
	ListByComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) ([]FollowUp, error)
	SaveStatus(ctx context.Context, tx pgx.Tx, vs VerificationStatus) error
	// GetStatus returns false when no aggregate has been written yet.
	GetStatus(ctx context.Context, tx pgx.Tx, complaintID uint64) (VerificationStatus, bool, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) LockComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) error {
	return db.LockKey(ctx, tx, lockNamespace, complaintID)
}

const followUpColumns = `complaint_id, agent_id, follow_up_hash, details, details_hash, submitted_at, status, evidence, resolver`

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, complaintID uint64, agent string) (FollowUp, error) {
	row := tx.QueryRow(ctx, `SELECT `+followUpColumns+` FROM follow_ups WHERE complaint_id = $1 AND agent_id = $2`,
		int64(complaintID), agent)
	f, err := scanFollowUp(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FollowUp{}, ErrFollowUpNotFound
		}
		return FollowUp{}, fmt.Errorf("followup: get: %w", err)
	}
	return f, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, f FollowUp) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO follow_ups (`+followUpColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, int64(f.ComplaintID), f.Agent, f.FollowUpHash, f.Details, f.DetailsHash, int64(f.SubmittedAt),
		string(f.Status), f.Evidence, f.Resolver)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadySubmitted
		}
		return fmt.Errorf("followup: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, f FollowUp) error {
	tag, err := tx.Exec(ctx, `
		UPDATE follow_ups SET status = $3, evidence = $4, resolver = $5
		WHERE complaint_id = $1 AND agent_id = $2
	`, int64(f.ComplaintID), f.Agent, string(f.Status), f.Evidence, f.Resolver)
	if err != nil {
		return fmt.Errorf("followup: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFollowUpNotFound
	}
	return nil
}

func (r *PGRepository) ListByComplaint(ctx context.Context, tx pgx.Tx, complaintID uint64) ([]FollowUp, error) {
	rows, err := tx.Query(ctx, `SELECT `+followUpColumns+` FROM follow_ups WHERE complaint_id = $1 ORDER BY submitted_at, agent_id`,
		int64(complaintID))
	if err != nil {
		return nil, fmt.Errorf("followup: list: %w", err)
	}
	defer rows.Close()

	var out []FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("followup: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PGRepository) SaveStatus(ctx context.Context, tx pgx.Tx, vs VerificationStatus) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO verification_status (complaint_id, overall_status, follow_up_count, match_score, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (complaint_id) DO UPDATE SET
			overall_status = EXCLUDED.overall_status,
			follow_up_count = EXCLUDED.follow_up_count,
			match_score = EXCLUDED.match_score,
			last_updated = EXCLUDED.last_updated
	`, int64(vs.ComplaintID), string(vs.OverallStatus), int32(vs.FollowUpCount), int16(vs.MatchScore), int64(vs.LastUpdated))
	if err != nil {
		return fmt.Errorf("followup: save status: %w", err)
	}
	return nil
}

func (r *PGRepository) GetStatus(ctx context.Context, tx pgx.Tx, complaintID uint64) (VerificationStatus, bool, error) {
	var (
		overall     string
		count       int32
		score       int16
		lastUpdated int64
	)
	err := tx.QueryRow(ctx, `
		SELECT overall_status, follow_up_count, match_score, last_updated
		FROM verification_status WHERE complaint_id = $1
	`, int64(complaintID)).Scan(&overall, &count, &score, &lastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerificationStatus{}, false, nil
		}
		return VerificationStatus{}, false, fmt.Errorf("followup: get status: %w", err)
	}
	return VerificationStatus{
		ComplaintID:   complaintID,
		OverallStatus: AggregateStatus(overall),
		FollowUpCount: uint32(count),
		MatchScore:    uint8(score),
		LastUpdated:   uint64(lastUpdated),
	}, true, nil
}

func scanFollowUp(row pgx.Row) (FollowUp, error) {
	var (
		f           FollowUp
		complaintID int64
		submittedAt int64
		status      string
	)
	if err := row.Scan(&complaintID, &f.Agent, &f.FollowUpHash, &f.Details, &f.DetailsHash, &submittedAt,
		&status, &f.Evidence, &f.Resolver); err != nil {
		return FollowUp{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return FollowUp{}, err
	}
	f.ComplaintID = uint64(complaintID)
	f.SubmittedAt = uint64(submittedAt)
	f.Status = st
	return f, nil
}
