// Package timing records how long pipeline stages take and predicts
// expected durations from history, so operators can spot runs that are
// stuck rather than slow.
package timing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PredictStageDuration estimates the duration of a stage from its
// recent history. Returns 0 when there is no history yet.
func PredictStageDuration(ctx context.Context, conn *pgxpool.Pool, handlerID, stage string) (int64, error) {
	var avg *float64
	err := conn.QueryRow(ctx, `
		SELECT avg(duration_ms)
		FROM (
			SELECT duration_ms
			FROM bridge_stage_records
			WHERE handler_id = $1 AND stage = $2
			ORDER BY started_at DESC
			LIMIT 50
		) recent`,
		handlerID, stage).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return int64(*avg), nil
}

// StuckRuns lists run ids whose latest stage record is older than
// thresholdMs and that have open, unresolved uncertainty nodes. These
// are the runs most likely parked on an escalation nobody is answering.
func StuckRuns(ctx context.Context, conn *pgxpool.Pool, thresholdMs int64) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT r.run_id
		FROM bridge_stage_records r
		JOIN bridge_nodes n ON n.run_id = r.run_id
		WHERE n.kind = 'uncertainty'
		  AND n.status NOT IN ('resolved', 'blocked')
		GROUP BY r.run_id
		HAVING max(r.started_at) < now() - ($1::bigint * interval '1 millisecond')`,
		thresholdMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, rows.Err()
}
