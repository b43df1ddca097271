// Package oracles holds the SQL invariants checked while the stress actors
// run. Each query returns rows only when its invariant is violated.
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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_exactly_once_release",
			SQL: `SELECT escrow_id, COUNT(*) FROM timeline_events
                  WHERE type IN ('DELIVERY_CONFIRMED','DISPUTE_RESOLVED','EXPIRY_RELEASED')
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_complete_has_release",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE t.state = 'complete'
                    AND NOT EXISTS (
                      SELECT 1 FROM timeline_events e
                      WHERE e.escrow_id = t.id
                        AND e.type IN ('DELIVERY_CONFIRMED','DISPUTE_RESOLVED','EXPIRY_RELEASED'))`,
		},
		{
			Name: "O3_counter_covers_ids",
			SQL: `SELECT t.id FROM escrow_transactions t
                  WHERE t.id <= 0 OR t.id > (SELECT next FROM ledger_counter WHERE id = 1)`,
		},
		{
			Name: "O4_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_nonnegative_balances",
			SQL: `SELECT account_id::text AS detail FROM asset_accounts WHERE balance < 0
                  UNION ALL
                  SELECT currency FROM fee_balances WHERE balance < 0`,
		},
		{
			Name: "O6_disputed_stays_frozen",
			SQL: `SELECT e.escrow_id FROM timeline_events e
                  JOIN escrow_transactions t ON t.id = e.escrow_id
                  WHERE t.state = 'dispute'
                    AND e.type IN ('DELIVERY_CONFIRMED','EXPIRY_RELEASED')`,
		},
		{
			Name: "O7_outbox_liveness",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
	}
	return "", "", nil
}
