package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/callsync/callsync/pkg/engine"
)

const callColumns = `request_id, phone_number, source, state, attempts, outcome, duration_seconds,
	matched_evidence_id, created_at, resolved_at, delivered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*engine.PendingCall, error) {
	var (
		call       engine.PendingCall
		outcome    sql.NullString
		duration   sql.NullInt64
		evidenceID sql.NullString
		createdAt  int64
		resolvedAt sql.NullInt64
		delivered  sql.NullInt64
		updatedAt  int64
	)
	err := row.Scan(
		&call.RequestID,
		&call.PhoneNumber,
		&call.Source,
		&call.State,
		&call.Attempts,
		&outcome,
		&duration,
		&evidenceID,
		&createdAt,
		&resolvedAt,
		&delivered,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if outcome.Valid {
		call.Outcome = &engine.Outcome{
			Kind:            engine.OutcomeKind(outcome.String),
			DurationSeconds: int(duration.Int64),
		}
	}
	call.MatchedEvidenceID = evidenceID.String
	call.CreatedAt = fromMillis(createdAt)
	call.ResolvedAt = timePtr(resolvedAt)
	call.DeliveredAt = timePtr(delivered)
	call.UpdatedAt = fromMillis(updatedAt)
	return &call, nil
}

// Add inserts a new pending call.
func (s *SQLStore) Add(ctx context.Context, call *engine.PendingCall) error {
	if call == nil || call.RequestID == "" {
		return fmt.Errorf("call with request id is required")
	}
	if err := call.State.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO pending_calls (` + callColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var (
		outcome  sql.NullString
		duration sql.NullInt64
	)
	if call.Outcome != nil {
		outcome = sql.NullString{String: string(call.Outcome.Kind), Valid: true}
		duration = sql.NullInt64{Int64: int64(call.Outcome.DurationSeconds), Valid: true}
	}

	_, err := s.exec(ctx, query,
		call.RequestID,
		call.PhoneNumber,
		string(call.Source),
		string(call.State),
		call.Attempts,
		outcome,
		duration,
		nullString(call.MatchedEvidenceID),
		toMillis(call.CreatedAt),
		nullMillis(call.ResolvedAt),
		nullMillis(call.DeliveredAt),
		toMillis(call.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("pending call %s: %w", call.RequestID, engine.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to add pending call: %w", err)
	}

	return nil
}

// Get retrieves a call by request ID.
func (s *SQLStore) Get(ctx context.Context, requestID string) (*engine.PendingCall, error) {
	query := `SELECT ` + callColumns + ` FROM pending_calls WHERE request_id = ?`

	call, err := scanCall(s.queryRow(ctx, query, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending call %s: %w", requestID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending call: %w", err)
	}

	return call, nil
}

// CompareAndTransition moves a call out of the expected state in a single
// conditional update. The unique index on matched_evidence_id rejects
// evidence already bound to another call.
func (s *SQLStore) CompareAndTransition(ctx context.Context, requestID string, expected engine.CallState, t engine.Transition) (*engine.PendingCall, error) {
	if err := t.Validate(expected); err != nil {
		return nil, err
	}

	query := `
		UPDATE pending_calls
		SET state = ?, outcome = ?, duration_seconds = ?, matched_evidence_id = ?,
			resolved_at = ?, updated_at = ?
		WHERE request_id = ? AND state = ?
	`

	at := toMillis(t.At)
	result, err := s.exec(ctx, query,
		string(t.To),
		string(t.Outcome.Kind),
		t.Outcome.DurationSeconds,
		nullString(t.MatchedEvidenceID),
		at,
		at,
		requestID,
		string(expected),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("evidence %s: %w", t.MatchedEvidenceID, engine.ErrEvidenceBound)
		}
		return nil, fmt.Errorf("failed to transition pending call: %w", err)
	}

	rows, err := rowsAffected(result)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		current, err := s.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("pending call %s is %s, expected %s: %w",
			requestID, current.State, expected, engine.ErrStateMismatch)
	}

	return s.Get(ctx, requestID)
}

// RecordAttempt increments the attempt counter of a pending call.
func (s *SQLStore) RecordAttempt(ctx context.Context, requestID string) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE pending_calls
			SET attempts = attempts + 1
			WHERE request_id = ? AND state = ?
		`), requestID, string(engine.CallStatePending))
		if err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}
		rows, err := rowsAffected(result)
		if err != nil {
			return err
		}

		var state engine.CallState
		err = tx.QueryRowContext(ctx, s.rebind(
			`SELECT state, attempts FROM pending_calls WHERE request_id = ?`), requestID).
			Scan(&state, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("pending call %s: %w", requestID, engine.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read attempts: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("pending call %s is %s: %w", requestID, state, engine.ErrStateMismatch)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// ListActive returns all pending calls ordered by creation time.
func (s *SQLStore) ListActive(ctx context.Context) ([]*engine.PendingCall, error) {
	query := `
		SELECT ` + callColumns + `
		FROM pending_calls
		WHERE state = ?
		ORDER BY created_at ASC, request_id ASC
	`
	return s.listCalls(ctx, query, string(engine.CallStatePending))
}

// CountActive returns the number of pending calls.
func (s *SQLStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM pending_calls WHERE state = ?`, string(engine.CallStatePending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active calls: %w", err)
	}
	return count, nil
}

// ListUndelivered returns terminal calls that were never acknowledged and
// have no task in the queue.
func (s *SQLStore) ListUndelivered(ctx context.Context) ([]*engine.PendingCall, error) {
	query := `
		SELECT ` + callColumns + `
		FROM pending_calls c
		WHERE c.state <> ?
		  AND c.delivered_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM sync_tasks t WHERE t.request_id = c.request_id)
		ORDER BY c.resolved_at ASC, c.request_id ASC
	`
	return s.listCalls(ctx, query, string(engine.CallStatePending))
}

// MarkDelivered records acknowledgement of the call's report.
func (s *SQLStore) MarkDelivered(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE pending_calls
		SET delivered_at = ?, updated_at = ?
		WHERE request_id = ?
	`

	result, err := s.exec(ctx, query, toMillis(at), toMillis(at), requestID)
	if err != nil {
		return fmt.Errorf("failed to mark call delivered: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("pending call %s: %w", requestID, engine.ErrNotFound)
	}
	return nil
}

// PurgeDelivered removes calls acknowledged before the cutoff together
// with their sent tasks.
func (s *SQLStore) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	cutoff := toMillis(before)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM sync_tasks
			WHERE delivery_state = ?
			  AND request_id IN (
				SELECT request_id FROM pending_calls
				WHERE delivered_at IS NOT NULL AND delivered_at < ?
			  )
		`), string(engine.DeliverySent), cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge sent tasks: %w", err)
		}

		result, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM pending_calls
			WHERE delivered_at IS NOT NULL AND delivered_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM sync_tasks t
				WHERE t.request_id = pending_calls.request_id AND t.delivery_state <> ?
			  )
		`), cutoff, string(engine.DeliverySent))
		if err != nil {
			return fmt.Errorf("failed to purge delivered calls: %w", err)
		}
		purged, err = rowsAffected(result)
		return err
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *SQLStore) listCalls(ctx context.Context, query string, args ...any) ([]*engine.PendingCall, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending calls: %w", err)
	}
	defer rows.Close()

	calls := []*engine.PendingCall{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending call: %w", err)
		}
		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending calls: %w", err)
	}

	return calls, nil
}
