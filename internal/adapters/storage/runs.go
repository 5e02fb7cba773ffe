package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/skysync/internal/domain"
)

// RecordSync implementa ports.SyncRecorder.
func (r *SQLiteRegistry) RecordSync(ctx context.Context, run domain.SyncRun) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (group_key, started_at, duration_ms, entities, chunks, failed_chunks, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.GroupKey,
		run.StartedAt.UnixMilli(),
		run.Duration.Milliseconds(),
		run.Entities,
		run.Chunks,
		run.FailedChunks,
		run.Error,
	); err != nil {
		return fmt.Errorf("storage.RecordSync: insert %s: %w", run.GroupKey, err)
	}
	return nil
}

// RecentRuns devuelve las últimas syncs, las más nuevas primero.
// groupKey vacío devuelve las de todos los grupos.
func (r *SQLiteRegistry) RecentRuns(ctx context.Context, groupKey string, limit int) ([]domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT group_key, started_at, duration_ms, entities, chunks, failed_chunks, error
		FROM sync_runs`
	args := []any{}
	if groupKey != "" {
		query += ` WHERE group_key = ?`
		args = append(args, domain.NormalizeKey(groupKey))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentRuns: query: %w", err)
	}
	defer rows.Close()

	var runs []domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		var startedMs, durationMs int64
		if err := rows.Scan(
			&run.GroupKey,
			&startedMs,
			&durationMs,
			&run.Entities,
			&run.Chunks,
			&run.FailedChunks,
			&run.Error,
		); err != nil {
			return nil, fmt.Errorf("storage.RecentRuns: scan row: %w", err)
		}
		run.StartedAt = time.UnixMilli(startedMs).UTC()
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
