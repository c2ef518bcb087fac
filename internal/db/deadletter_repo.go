package db

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"taproom/internal/types"
)

// DeadLetterRepository provides data access for the dead_letters table, the
// durable store behind the DLQ admin operations. Rows move through the
// status machine pending -> replaying -> (replayed | pending), with
// pending -> acknowledged as the manual close-out path. Every transition is
// a conditional UPDATE guarded by the expected current status, so concurrent
// admin calls interleave safely without row locks.
type DeadLetterRepository struct {
	db DBTX
}

// NewDeadLetterRepository creates a new DeadLetterRepository backed by the
// given database connection (pool or transaction).
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Insert stores a newly captured dead letter in 'pending' status. The
// message_id unique constraint makes ingestion idempotent across Lambda
// retries: a duplicate insert is a no-op and returns false. On success the
// generated row ID is written back to e.ID.
func (r *DeadLetterRepository) Insert(ctx context.Context, e *types.DeadLetterEntry) (bool, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO dead_letters
		 (message_id, record_id, name, failure_reason, failed_at, failure_count,
		  source_queue, status, raw_message)
		 VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), $6, $7, 'pending', $8)
		 ON CONFLICT (message_id) DO NOTHING
		 RETURNING id`,
		e.MessageID,
		nilIfEmpty(e.RecordID),
		nilIfEmpty(e.Name),
		e.FailureReason,
		nilIfZeroTime(e.FailedAt),
		e.FailureCount,
		e.SourceQueue,
		e.RawMessage,
	).Scan(&e.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict path: the message was already captured.
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert dead letter", err)
	}
	return true, nil
}

// List retrieves dead letters matching the filter, newest failures first.
// Pagination is keyset-based on (failed_at, id) so pages stay stable while
// new rows arrive. The returned PageInfo carries the total match count for
// the active filter (computed with a separate COUNT using the same
// conditions, minus the cursor).
//
// RawMessage is only hydrated when filter.IncludeRaw is set; list views
// don't need the payload and some messages are large.
func (r *DeadLetterRepository) List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterEntry, types.PageInfo, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	// Validate the cursor up front so a malformed token fails before any
	// query runs.
	var (
		cursorFailedAt time.Time
		cursorID       int64
	)
	if filter.Cursor != "" {
		var err error
		cursorFailedAt, cursorID, err = decodeDeadLetterCursor(filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeValidationInvalidCursor, "invalid pagination cursor", err)
		}
	}

	var conditions []string
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.RecordID != "" {
		conditions = append(conditions, fmt.Sprintf("record_id = $%d", argIdx))
		args = append(args, filter.RecordID)
		argIdx++
	}

	// Total count uses only the filter conditions; the cursor must not
	// shrink it as the caller pages forward.
	countQuery := "SELECT COUNT(*) FROM dead_letters"
	if len(conditions) > 0 {
		countQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to count dead letters", err)
	}

	if filter.Cursor != "" {
		conditions = append(conditions, fmt.Sprintf("(failed_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorFailedAt, cursorID)
		argIdx += 2
	}

	rawColumn := "NULL"
	if filter.IncludeRaw {
		rawColumn = "raw_message"
	}

	query := fmt.Sprintf(
		`SELECT id, message_id, record_id, name, failure_reason, failed_at,
		        failure_count, source_queue, status, replay_count, replayed_at,
		        acknowledged_at, %s
		 FROM dead_letters`, rawColumn)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	// Fetch one extra row to detect whether another page exists.
	query += fmt.Sprintf(" ORDER BY failed_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()

	var entries []*types.DeadLetterEntry
	for rows.Next() {
		e, scanErr := scanDeadLetterFromRows(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter row", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating dead letter rows", err)
	}

	pageInfo := types.PageInfo{TotalItems: &total}
	if len(entries) > limit {
		entries = entries[:limit]
		pageInfo.HasMore = true
		last := entries[len(entries)-1]
		pageInfo.NextCursor = encodeDeadLetterCursor(last.FailedAt, last.ID)
	}

	return entries, pageInfo, nil
}

// StatusCounts returns the number of dead letters in each status. Statuses
// with no rows are absent from the map.
func (r *DeadLetterRepository) StatusCounts(ctx context.Context) (map[types.DeadLetterStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count dead letters by status", err)
	}
	defer rows.Close()

	counts := make(map[types.DeadLetterStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count row", err)
		}
		counts[types.DeadLetterStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status count rows", err)
	}

	return counts, nil
}

// OldestPendingAge returns the age in hours of the oldest pending entry, or
// nil when nothing is pending. The aggregate always yields exactly one row,
// with a NULL value when the filter matches nothing.
func (r *DeadLetterRepository) OldestPendingAge(ctx context.Context) (*float64, error) {
	var ageHours *float64
	err := r.db.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM (NOW() - MIN(failed_at))) / 3600.0
		 FROM dead_letters
		 WHERE status = 'pending'`,
	).Scan(&ageHours)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read oldest pending age", err)
	}
	return ageHours, nil
}

// TopFailingSources returns the source queues with the most dead letters,
// largest first.
func (r *DeadLetterRepository) TopFailingSources(ctx context.Context, limit int) ([]types.FailingSource, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := r.db.Query(ctx,
		`SELECT source_queue, COUNT(*) AS cnt
		 FROM dead_letters
		 GROUP BY source_queue
		 ORDER BY cnt DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query top failing sources", err)
	}
	defer rows.Close()

	var sources []types.FailingSource
	for rows.Next() {
		var s types.FailingSource
		if err := rows.Scan(&s.SourceQueue, &s.Count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan failing source row", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating failing source rows", err)
	}

	return sources, nil
}

// RepeatFailures returns entries that have been replayed at least once and
// landed back in the store, ordered by replay count. These are the records
// most likely to need manual intervention rather than another replay.
func (r *DeadLetterRepository) RepeatFailures(ctx context.Context, limit int) ([]types.RepeatFailure, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`SELECT COALESCE(record_id, ''), COALESCE(name, ''), replay_count, failure_count
		 FROM dead_letters
		 WHERE replay_count > 0
		 ORDER BY replay_count DESC, failure_count DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query repeat failures", err)
	}
	defer rows.Close()

	var repeats []types.RepeatFailure
	for rows.Next() {
		var f types.RepeatFailure
		if err := rows.Scan(&f.RecordID, &f.Name, &f.ReplayCount, &f.FailureCount); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan repeat failure row", err)
		}
		repeats = append(repeats, f)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating repeat failure rows", err)
	}

	return repeats, nil
}

// CountSince returns how many dead letters failed at or after the given time.
func (r *DeadLetterRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE failed_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count recent dead letters", err)
	}
	return count, nil
}

// ClaimForReplay atomically moves the given entries from 'pending' to
// 'replaying' and returns the claimed rows with the fields replay needs.
// IDs that are missing, already terminal, or claimed by a concurrent replay
// are silently excluded: the RETURNING set is the authoritative claim list.
func (r *DeadLetterRepository) ClaimForReplay(ctx context.Context, ids []int64) ([]*types.DeadLetterEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`UPDATE dead_letters
		 SET status = 'replaying'
		 WHERE id = ANY($1) AND status = 'pending'
		 RETURNING id, record_id, name, raw_message`,
		ids,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim dead letters for replay", err)
	}
	defer rows.Close()

	var claimed []*types.DeadLetterEntry
	for rows.Next() {
		var (
			e        types.DeadLetterEntry
			recordID *string
			name     *string
		)
		if err := rows.Scan(&e.ID, &recordID, &name, &e.RawMessage); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed dead letter row", err)
		}
		if recordID != nil {
			e.RecordID = *recordID
		}
		if name != nil {
			e.Name = *name
		}
		e.Status = types.DeadLetterReplaying
		claimed = append(claimed, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed dead letter rows", err)
	}

	return claimed, nil
}

// MarkReplayed finalizes a successful replay: the entry moves from
// 'replaying' to 'replayed', the replay counter increments and replayed_at
// is stamped. Fails if the entry is not currently claimed.
func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters
		 SET status = 'replayed',
		     replay_count = replay_count + 1,
		     replayed_at = NOW()
		 WHERE id = $1 AND status = 'replaying'`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark dead letter replayed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found in replaying state", nil)
	}
	return nil
}

// ReleaseToPending returns a claimed entry to 'pending' after a failed
// replay attempt, making it eligible for a future retry. Fails if the entry
// is not currently claimed.
func (r *DeadLetterRepository) ReleaseToPending(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters
		 SET status = 'pending'
		 WHERE id = $1 AND status = 'replaying'`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release dead letter to pending", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found in replaying state", nil)
	}
	return nil
}

// Acknowledge marks the given pending entries as acknowledged in a single
// conditional UPDATE and returns how many rows actually transitioned.
// Entries that are not pending (including ones claimed by a concurrent
// replay) are skipped, not errors.
func (r *DeadLetterRepository) Acknowledge(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters
		 SET status = 'acknowledged',
		     acknowledged_at = NOW()
		 WHERE id = ANY($1) AND status = 'pending'`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to acknowledge dead letters", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminalBatch deletes up to limit entries in the given terminal
// status whose resolution timestamp is before cutoff, returning the number
// deleted. Callers loop while a full batch comes back; the subselect keeps
// each DELETE's lock footprint bounded.
func (r *DeadLetterRepository) DeleteTerminalBatch(ctx context.Context, status types.DeadLetterStatus, cutoff time.Time, limit int) (int64, error) {
	column, err := terminalTimestampColumn(status)
	if err != nil {
		return 0, err
	}

	tag, err := r.db.Exec(ctx,
		fmt.Sprintf(
			`DELETE FROM dead_letters
			 WHERE id IN (
			     SELECT id FROM dead_letters
			     WHERE status = $1 AND %s < $2
			     LIMIT $3
			 )`, column),
		string(status),
		cutoff,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired dead letters", err)
	}
	return tag.RowsAffected(), nil
}

// terminalTimestampColumn maps a terminal status to the column recording when
// the entry entered that status. Only terminal statuses are deletable;
// anything else is rejected so retention can never eat live entries.
func terminalTimestampColumn(status types.DeadLetterStatus) (string, error) {
	switch status {
	case types.DeadLetterReplayed:
		return "replayed_at", nil
	case types.DeadLetterAcknowledged:
		return "acknowledged_at", nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidStatus,
			fmt.Sprintf("status %q is not eligible for retention cleanup", status), nil)
	}
}

// scanDeadLetterFromRows scans a single dead_letters row from the List
// column set. Handles nullable columns using pointer types.
func scanDeadLetterFromRows(rows pgx.Rows) (*types.DeadLetterEntry, error) {
	var (
		e        types.DeadLetterEntry
		recordID *string
		name     *string
		status   string
		raw      *string
	)

	err := rows.Scan(
		&e.ID,
		&e.MessageID,
		&recordID,
		&name,
		&e.FailureReason,
		&e.FailedAt,
		&e.FailureCount,
		&e.SourceQueue,
		&status,
		&e.ReplayCount,
		&e.ReplayedAt,
		&e.AcknowledgedAt,
		&raw,
	)
	if err != nil {
		return nil, err
	}

	if recordID != nil {
		e.RecordID = *recordID
	}
	if name != nil {
		e.Name = *name
	}
	if raw != nil {
		e.RawMessage = *raw
	}
	e.Status = types.DeadLetterStatus(status)

	return &e, nil
}

// encodeDeadLetterCursor packs a keyset position into an opaque URL-safe
// token. The format is internal to this repository.
func encodeDeadLetterCursor(failedAt time.Time, id int64) string {
	raw := failedAt.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(id, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeDeadLetterCursor reverses encodeDeadLetterCursor. Any malformed
// input yields an error; callers translate it into a validation failure.
func decodeDeadLetterCursor(cursor string) (time.Time, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("cursor is not valid base64: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, 0, fmt.Errorf("cursor has %d segments, want 2", len(parts))
	}
	failedAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("cursor timestamp is invalid: %w", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("cursor id is invalid: %w", err)
	}
	return failedAt, id, nil
}

// nilIfEmpty returns nil if the string is empty, otherwise returns a pointer
// to the string. Used for nullable text columns.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfZeroTime returns nil if the time is zero, otherwise returns a pointer
// to the time. Used to let the DB default (NOW()) apply when no time is set.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
