package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

const taskColumns = `seq, request_id, payload, delivery_state, retry_count, next_attempt_at,
	last_error, created_at, updated_at`

func scanTask(row rowScanner) (*engine.SyncTask, error) {
	var (
		task      engine.SyncTask
		payload   string
		nextAt    int64
		lastError sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&task.Seq,
		&task.RequestID,
		&payload,
		&task.DeliveryState,
		&task.RetryCount,
		&nextAt,
		&lastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Payload = []byte(payload)
	task.NextAttemptAt = fromMillis(nextAt)
	task.LastError = lastError.String
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	return &task, nil
}

// Enqueue adds a task unless one already exists for its request ID.
func (s *SQLStore) Enqueue(ctx context.Context, task *engine.SyncTask) (bool, error) {
	if task == nil || task.RequestID == "" {
		return false, fmt.Errorf("task with request id is required")
	}
	if task.DeliveryState == "" {
		task.DeliveryState = engine.DeliveryPending
	}

	query := `
		INSERT INTO sync_tasks (
			request_id, payload, delivery_state, retry_count, next_attempt_at,
			last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING seq
	`

	var seq int64
	err := s.queryRow(ctx, query,
		task.RequestID,
		string(task.Payload),
		string(task.DeliveryState),
		task.RetryCount,
		toMillis(task.NextAttemptAt),
		nullString(task.LastError),
		toMillis(task.CreatedAt),
		toMillis(task.UpdatedAt),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to enqueue task: %w", err)
	}

	task.Seq = seq
	return true, nil
}

// GetTask retrieves the task for a request ID.
func (s *SQLStore) GetTask(ctx context.Context, requestID string) (*engine.SyncTask, error) {
	query := `SELECT ` + taskColumns + ` FROM sync_tasks WHERE request_id = ?`

	task, err := scanTask(s.queryRow(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", requestID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// Due returns pending tasks whose next attempt is at or before now, in enqueue order.
func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]*engine.SyncTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM sync_tasks
		WHERE delivery_state = ? AND next_attempt_at <= ?
		ORDER BY seq ASC
		LIMIT ?
	`
	return s.listTasks(ctx, query, string(engine.DeliveryPending), toMillis(now), limit)
}

// NextAttemptAt returns the earliest next attempt time among pending tasks.
func (s *SQLStore) NextAttemptAt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.queryRow(ctx,
		`SELECT MIN(next_attempt_at) FROM sync_tasks WHERE delivery_state = ?`,
		string(engine.DeliveryPending)).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next attempt: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}

// Reschedule records a failed attempt and sets the next attempt time.
func (s *SQLStore) Reschedule(ctx context.Context, requestID string, retryCount int, next time.Time, lastErr string) error {
	query := `
		UPDATE sync_tasks
		SET retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE request_id = ? AND delivery_state = ?
	`
	return s.updateTask(ctx, requestID, engine.DeliveryPending, query,
		retryCount, toMillis(next), nullString(lastErr), toMillis(time.Now()),
		requestID, string(engine.DeliveryPending))
}

// MarkSent records a successful delivery.
func (s *SQLStore) MarkSent(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE sync_tasks
		SET delivery_state = ?, last_error = NULL, updated_at = ?
		WHERE request_id = ? AND delivery_state = ?
	`
	return s.updateTask(ctx, requestID, engine.DeliveryPending, query,
		string(engine.DeliverySent), toMillis(at),
		requestID, string(engine.DeliveryPending))
}

// MarkDead parks a task for operator action.
func (s *SQLStore) MarkDead(ctx context.Context, requestID string, lastErr string, at time.Time) error {
	query := `
		UPDATE sync_tasks
		SET delivery_state = ?, last_error = ?, updated_at = ?
		WHERE request_id = ? AND delivery_state = ?
	`
	return s.updateTask(ctx, requestID, engine.DeliveryPending, query,
		string(engine.DeliveryDead), nullString(lastErr), toMillis(at),
		requestID, string(engine.DeliveryPending))
}

// ListDead returns parked tasks in enqueue order.
func (s *SQLStore) ListDead(ctx context.Context) ([]*engine.SyncTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM sync_tasks
		WHERE delivery_state = ?
		ORDER BY seq ASC
	`
	return s.listTasks(ctx, query, string(engine.DeliveryDead))
}

// Requeue moves a dead task back to pending with a fresh retry budget.
func (s *SQLStore) Requeue(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE sync_tasks
		SET delivery_state = ?, retry_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE request_id = ? AND delivery_state = ?
	`
	return s.updateTask(ctx, requestID, engine.DeliveryDead, query,
		string(engine.DeliveryPending), toMillis(at), toMillis(at),
		requestID, string(engine.DeliveryDead))
}

// Purge deletes a dead task and marks its call delivered so recovery
// never re-enqueues it.
func (s *SQLStore) Purge(ctx context.Context, requestID string, at time.Time) error {
	missed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM sync_tasks WHERE request_id = ? AND delivery_state = ?`),
			requestID, string(engine.DeliveryDead))
		if err != nil {
			return fmt.Errorf("failed to purge task: %w", err)
		}
		rows, err := rowsAffected(result)
		if err != nil {
			return err
		}
		if rows == 0 {
			missed = true
			return nil
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE pending_calls
			SET delivered_at = ?, updated_at = ?
			WHERE request_id = ? AND delivered_at IS NULL
		`), toMillis(at), toMillis(at), requestID)
		if err != nil {
			return fmt.Errorf("failed to retire purged call: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if missed {
		return s.taskStateError(ctx, requestID, engine.DeliveryDead)
	}
	return nil
}

// Expedite makes every pending task due at the given time.
func (s *SQLStore) Expedite(ctx context.Context, at time.Time) (int64, error) {
	query := `
		UPDATE sync_tasks
		SET next_attempt_at = ?
		WHERE delivery_state = ? AND next_attempt_at > ?
	`
	result, err := s.exec(ctx, query, toMillis(at), string(engine.DeliveryPending), toMillis(at))
	if err != nil {
		return 0, fmt.Errorf("failed to expedite tasks: %w", err)
	}
	return rowsAffected(result)
}

// Depth returns the number of pending and dead tasks.
func (s *SQLStore) Depth(ctx context.Context) (int, int, error) {
	rows, err := s.query(ctx, `
		SELECT delivery_state, COUNT(*)
		FROM sync_tasks
		WHERE delivery_state IN (?, ?)
		GROUP BY delivery_state
	`, string(engine.DeliveryPending), string(engine.DeliveryDead))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	defer rows.Close()

	var pending, dead int
	for rows.Next() {
		var (
			state engine.DeliveryState
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return 0, 0, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		switch state {
		case engine.DeliveryPending:
			pending = count
		case engine.DeliveryDead:
			dead = count
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating queue depth: %w", err)
	}
	return pending, dead, nil
}

// updateTask runs a conditional update and maps a miss to ErrNotFound or
// ErrStateMismatch.
func (s *SQLStore) updateTask(ctx context.Context, requestID string, expected engine.DeliveryState, query string, args ...any) error {
	result, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.taskStateError(ctx, requestID, expected)
	}
	return nil
}

func (s *SQLStore) taskStateError(ctx context.Context, requestID string, expected engine.DeliveryState) error {
	task, err := s.GetTask(ctx, requestID)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s, expected %s: %w",
		requestID, task.DeliveryState, expected, engine.ErrStateMismatch)
}

func (s *SQLStore) listTasks(ctx context.Context, query string, args ...any) ([]*engine.SyncTask, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.SyncTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
