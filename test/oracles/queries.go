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

// All returns the consistency checks run against the live database. Each
// query selects offending rows; an empty result means the check holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_in_lifecycle",
			SQL: `SELECT id, status FROM deliveries
                  WHERE status NOT IN ('created','assigned','out_for_delivery','delivered','failed','cancelled')`,
		},
		{
			Name: "O2_current_status_stamped",
			SQL:  `SELECT id, status, timestamps FROM deliveries WHERE NOT (timestamps ? (status || '_at'))`,
		},
		{
			Name: "O3_geotag_only_when_delivered",
			SQL: `SELECT id, status FROM deliveries
                  WHERE geotag_map_link IS NOT NULL AND status <> 'delivered'`,
		},
		{
			Name: "O4_single_terminal_state",
			SQL: `SELECT id, timestamps FROM deliveries
                  WHERE (timestamps ? 'delivered_at')::int
                      + (timestamps ? 'failed_at')::int
                      + (timestamps ? 'cancelled_at')::int > 1`,
		},
		{
			Name: "O5_driver_on_assigned_states",
			SQL: `SELECT id, status FROM deliveries
                  WHERE status IN ('assigned','out_for_delivery','delivered','failed') AND driver_id IS NULL`,
		},
		{
			Name: "O6_timeline_per_transition",
			SQL: `SELECT d.id, d.timestamps, COUNT(e.id) AS events FROM deliveries d
                  LEFT JOIN timeline_events e
                    ON e.delivery_id = d.id AND e.type = 'DELIVERY_STATUS_CHANGED'
                  GROUP BY d.id
                  HAVING COUNT(e.id) <> (SELECT COUNT(*) FROM jsonb_object_keys(d.timestamps)) - 1`,
		},
		{
			Name: "O7_outbox_per_transition",
			SQL: `SELECT d.id, d.timestamps FROM deliveries d
                  WHERE (SELECT COUNT(*) FROM outbox o
                         WHERE o.topic = 'delivery.status_changed'
                           AND o.payload->>'delivery_id' = d.id::text)
                     <> (SELECT COUNT(*) FROM jsonb_object_keys(d.timestamps)) - 1`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
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
