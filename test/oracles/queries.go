package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must return zero rows on a
// consistent database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_vote_tally_matches_rows",
			SQL: `SELECT d.id, d.votes_yes, d.votes_no, COALESCE(v.yes, 0), COALESCE(v.no, 0)
                  FROM disputes d
                  LEFT JOIN (SELECT dispute_id,
                                    COUNT(*) FILTER (WHERE in_favor)     AS yes,
                                    COUNT(*) FILTER (WHERE NOT in_favor) AS no
                             FROM dispute_votes GROUP BY dispute_id) v ON v.dispute_id = d.id
                  WHERE d.votes_yes <> COALESCE(v.yes, 0) OR d.votes_no <> COALESCE(v.no, 0)`,
		},
		{
			Name: "O2_single_open_dispute",
			SQL: `SELECT complaint_id, COUNT(*) FROM disputes
                  WHERE status IN ('open', 'voting')
                  GROUP BY complaint_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_open_index_consistent",
			SQL: `SELECT d.id FROM disputes d
                  LEFT JOIN open_disputes o ON o.dispute_id = d.id
                  WHERE (d.status IN ('open', 'voting')) <> (o.dispute_id IS NOT NULL)`,
		},
		{
			Name: "O4_follow_up_cap",
			SQL: `SELECT complaint_id, COUNT(*) FROM follow_ups
                  GROUP BY complaint_id
                  HAVING COUNT(*) > (SELECT max_follow_ups FROM engine_params WHERE id = 1)`,
		},
		{
			Name: "O5_aggregate_matches_follow_ups",
			SQL: `WITH agg AS (
                      SELECT complaint_id,
                             COUNT(*) AS total,
                             COUNT(*) FILTER (WHERE status = 'verified') AS verified
                      FROM follow_ups GROUP BY complaint_id)
                  SELECT s.complaint_id, s.follow_up_count, s.match_score, a.total, a.verified
                  FROM verification_status s
                  JOIN agg a ON a.complaint_id = s.complaint_id
                  WHERE s.follow_up_count <> a.total
                     OR s.match_score <> (100 * a.verified / a.total)`,
		},
		{
			Name: "O6_terminal_disputes_labelled",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status = 'resolved' AND (resolution IS NULL OR resolved_by IS NULL))
                     OR (status <> 'resolved' AND resolution IS NOT NULL)`,
		},
		{
			Name: "O7_dispute_cap",
			SQL: `SELECT COUNT(*) FROM disputes
                  HAVING COUNT(*) > (SELECT max_disputes FROM engine_params WHERE id = 1)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
