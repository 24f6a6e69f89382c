package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/db"
)

var ErrNotFound = errors.New("message not found")

const messageColumns = `id, recipient, content, parts, state, priority, queue_position,
	retry_strategy, attempt_count, max_attempts, last_error, metadata,
	created_at, scheduled_at, sent_at, updated_at`

// Store is the single source of truth for messages. Driver errors are
// retried internally with bounded backoff before they surface; callers must
// treat a surfaced Store error as a retriable fault, never as a
// message-level failure.
type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(database *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: database, logger: logger}
}

func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const (
	storeAttempts     = 3
	storeRetryBackoff = 50 * time.Millisecond
)

// withRetry retries transient driver faults. Conditional-update misses are
// not errors and never reach this path.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("store operation failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(storeRetryBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Insert persists a new message and assigns its id. State must be QUEUED or
// SCHEDULED.
func (s *Store) Insert(ctx context.Context, msg *Message) error {
	if msg.State != StateQueued && msg.State != StateScheduled {
		return fmt.Errorf("insert with state %s is not allowed", msg.State)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = NowMillis()
	}
	msg.UpdatedAt = msg.CreatedAt

	meta, err := json.Marshal(metadataOrEmpty(msg.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	err = s.withRetry(ctx, "insert", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			msg.ID, msg.Recipient, msg.Content, msg.Parts, msg.State, msg.Priority,
			msg.QueuePosition, msg.RetryStrategy, msg.AttemptCount, msg.MaxAttempts,
			msg.LastError, meta, msg.CreatedAt, msg.ScheduledAt, msg.SentAt, msg.UpdatedAt)
		return execErr
	})
	if err != nil {
		return err
	}

	s.logger.Info("message created",
		zap.String("id", msg.ID.String()),
		zap.String("state", string(msg.State)),
		zap.String("priority", msg.Priority.String()))
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var msg *Message
	err := s.withRetry(ctx, "get", func() error {
		row := s.db.QueryRowContext(ctx, query, id)
		m, scanErr := scanMessage(row)
		if scanErr == sql.ErrNoRows {
			return ErrNotFound
		}
		msg = m
		return scanErr
	})
	return msg, err
}

// Fields carries the state-derived columns a transition may touch.
type Fields struct {
	QueuePosition      *int64
	ClearQueuePosition bool
	ScheduledAt        *int64
	ClearScheduledAt   bool
	SentAt             *int64
	LastError          *string
	SetLastError       bool
}

// UpdateState performs a conditional transition: it succeeds only when the
// current state equals from, making each transition exclusive under
// concurrent callers. Returns false when the row was in another state.
func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, from, to State, fields Fields) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	set := []string{"state = $2", "updated_at = $3"}
	args := []interface{}{id, to, NowMillis()}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}

	switch {
	case fields.QueuePosition != nil:
		add("queue_position = $%d", *fields.QueuePosition)
	case fields.ClearQueuePosition:
		set = append(set, "queue_position = NULL")
	}
	switch {
	case fields.ScheduledAt != nil:
		add("scheduled_at = $%d", *fields.ScheduledAt)
	case fields.ClearScheduledAt:
		set = append(set, "scheduled_at = NULL")
	}
	if fields.SentAt != nil {
		add("sent_at = $%d", *fields.SentAt)
	}
	if fields.SetLastError {
		add("last_error = $%d", fields.LastError)
	}

	args = append(args, from)
	query := fmt.Sprintf("UPDATE messages SET %s WHERE id = $1 AND state = $%d",
		strings.Join(set, ", "), len(args))

	var updated bool
	err := s.withRetry(ctx, "update_state", func() error {
		res, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		updated = n == 1
		return execErr
	})
	return updated, err
}

// UpdateTerminal writes a terminal state unconditionally. Used by the
// components that have already decided the outcome (retry engine,
// maintenance expiry).
func (s *Store) UpdateTerminal(ctx context.Context, id uuid.UUID, state State, sentAt int64, lastError *string) error {
	if !state.Terminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}
	query := `UPDATE messages
		SET state = $2, sent_at = $3, last_error = $4,
			queue_position = NULL, scheduled_at = NULL, updated_at = $5
		WHERE id = $1`
	return s.withRetry(ctx, "update_terminal", func() error {
		_, err := s.db.ExecContext(ctx, query, id, state, sentAt, lastError, NowMillis())
		return err
	})
}

// ClaimNext atomically selects the next QUEUED message by the ordering rule
// and transitions it to SENDING. FOR UPDATE SKIP LOCKED keeps concurrent
// claimers from ever receiving the same row; the loser sees the next row or
// nil. attempt_count counts started attempts and is incremented here, on the
// claim write.
func (s *Store) ClaimNext(ctx context.Context) (*Message, error) {
	query := `UPDATE messages
		SET state = 'SENDING', queue_position = NULL,
			attempt_count = attempt_count + 1, updated_at = $1
		WHERE id = (
			SELECT id FROM messages
			WHERE state = 'QUEUED'
			ORDER BY priority DESC, queue_position ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	var msg *Message
	err := s.withRetry(ctx, "claim_next", func() error {
		row := s.db.QueryRowContext(ctx, query, NowMillis())
		m, scanErr := scanMessage(row)
		if scanErr == sql.ErrNoRows {
			msg = nil
			return nil
		}
		msg = m
		return scanErr
	})
	return msg, err
}

func (s *Store) ListByState(ctx context.Context, state State, limit, offset int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	return s.queryMessages(ctx, "list_by_state", query, state, limit, offset)
}

// List returns messages filtered by optional state and priority, newest
// first.
func (s *Store) List(ctx context.Context, state *State, priority *Priority, limit, offset int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []interface{}{}
	if state != nil {
		args = append(args, *state)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if priority != nil {
		args = append(args, *priority)
		query += fmt.Sprintf(" AND priority = $%d", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryMessages(ctx, "list", query, args...)
}

// ListScheduledDue returns SCHEDULED rows whose scheduled_at has passed.
func (s *Store) ListScheduledDue(ctx context.Context, now int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE state = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`
	return s.queryMessages(ctx, "list_scheduled_due", query, now, limit)
}

// ListSendingOlderThan returns SENDING rows untouched since cutoff,
// candidates for rescue after a crash.
func (s *Store) ListSendingOlderThan(ctx context.Context, cutoff int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE state = 'SENDING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryMessages(ctx, "list_sending_older_than", query, cutoff, limit)
}

func (s *Store) CountByState(ctx context.Context) (map[State]int64, error) {
	query := `SELECT state, COUNT(*) FROM messages GROUP BY state`

	counts := make(map[State]int64)
	err := s.withRetry(ctx, "count_by_state", func() error {
		rows, queryErr := s.db.QueryContext(ctx, query)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		for rows.Next() {
			var state State
			var n int64
			if scanErr := rows.Scan(&state, &n); scanErr != nil {
				return scanErr
			}
			counts[state] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (s *Store) CountInState(ctx context.Context, state State) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "count_in_state", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE state = $1`, state).Scan(&n)
	})
	return n, err
}

func (s *Store) CountInBand(ctx context.Context, priority Priority) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "count_in_band", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE state = 'QUEUED' AND priority = $1`,
			priority).Scan(&n)
	})
	return n, err
}

// MaxPositionForPriority returns the highest queue_position currently used
// in the band, or the band base minus one when the band is empty.
func (s *Store) MaxPositionForPriority(ctx context.Context, priority Priority) (int64, error) {
	var max int64
	err := s.withRetry(ctx, "max_position_for_priority", func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(queue_position), $2 - 1)
			 FROM messages WHERE state = 'QUEUED' AND priority = $1`,
			priority, BasePosition(priority)).Scan(&max)
	})
	return max, err
}

// ReorganizePositions densely repacks queue_position for all QUEUED rows,
// preserving the ordering rule inside each priority band. Idempotent: a
// second call right after the first touches zero rows.
func (s *Store) ReorganizePositions(ctx context.Context) (int64, error) {
	query := `WITH ranked AS (
			SELECT id,
				(5 - priority)::bigint * 10000 + ROW_NUMBER() OVER (
					PARTITION BY priority
					ORDER BY queue_position ASC, created_at ASC, id ASC
				) AS new_position
			FROM messages
			WHERE state = 'QUEUED'
		)
		UPDATE messages m
		SET queue_position = r.new_position, updated_at = $1
		FROM ranked r
		WHERE m.id = r.id AND m.queue_position IS DISTINCT FROM r.new_position`

	var n int64
	err := s.withRetry(ctx, "reorganize_positions", func() error {
		res, execErr := s.db.ExecContext(ctx, query, NowMillis())
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	if err == nil && n > 0 {
		s.logger.Info("queue positions reorganized", zap.Int64("rows", n))
	}
	return n, err
}

// DeleteTerminalOlderThan removes terminal rows whose last write predates
// cutoff. Only Maintenance calls this.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, state State, cutoff int64) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("state %s is not terminal", state)
	}
	var n int64
	err := s.withRetry(ctx, "delete_terminal_older_than", func() error {
		res, execErr := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE state = $1 AND updated_at < $2`, state, cutoff)
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

// CancelByState bulk-cancels every row currently in the given state.
func (s *Store) CancelByState(ctx context.Context, state State) (int64, error) {
	if state != StateQueued && state != StateScheduled {
		return 0, fmt.Errorf("cannot bulk-cancel state %s", state)
	}
	var n int64
	err := s.withRetry(ctx, "cancel_by_state", func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE messages
			 SET state = 'CANCELLED', queue_position = NULL, scheduled_at = NULL, updated_at = $2
			 WHERE state = $1`, state, NowMillis())
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

// CancelBand bulk-cancels QUEUED rows of a single priority band.
func (s *Store) CancelBand(ctx context.Context, priority Priority) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "cancel_band", func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE messages
			 SET state = 'CANCELLED', queue_position = NULL, scheduled_at = NULL, updated_at = $2
			 WHERE state = 'QUEUED' AND priority = $1`, priority, NowMillis())
		if execErr != nil {
			return execErr
		}
		n, execErr = res.RowsAffected()
		return execErr
	})
	return n, err
}

// ReprioritizeQueued moves a QUEUED row into another priority band at the
// given position. Conditional on the row still being QUEUED.
func (s *Store) ReprioritizeQueued(ctx context.Context, id uuid.UUID, priority Priority, position int64) (bool, error) {
	var updated bool
	err := s.withRetry(ctx, "reprioritize_queued", func() error {
		res, execErr := s.db.ExecContext(ctx,
			`UPDATE messages SET priority = $2, queue_position = $3, updated_at = $4
			 WHERE id = $1 AND state = 'QUEUED'`,
			id, priority, position, NowMillis())
		if execErr != nil {
			return execErr
		}
		n, execErr := res.RowsAffected()
		updated = n == 1
		return execErr
	})
	return updated, err
}

// OldestQueued returns the QUEUED row that has waited longest, or nil.
func (s *Store) OldestQueued(ctx context.Context) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE state = 'QUEUED'
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	var msg *Message
	err := s.withRetry(ctx, "oldest_queued", func() error {
		row := s.db.QueryRowContext(ctx, query)
		m, scanErr := scanMessage(row)
		if scanErr == sql.ErrNoRows {
			msg = nil
			return nil
		}
		msg = m
		return scanErr
	})
	return msg, err
}

// QueueStats is the aggregate snapshot served by the stats endpoint.
type QueueStats struct {
	Totals       map[State]int64 `json:"totals"`
	AvgWaitMs    float64         `json:"avg_wait_ms"`
	ThroughputHr int64           `json:"throughput_last_hour"`
	ErrorRate    float64         `json:"error_rate"`
	OldestQueued *int64          `json:"oldest_queued,omitempty"`
	Paused       bool            `json:"paused"`
}

func (s *Store) QueueStats(ctx context.Context) (*QueueStats, error) {
	totals, err := s.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{Totals: totals}
	hourAgo := NowMillis() - time.Hour.Milliseconds()

	err = s.withRetry(ctx, "queue_stats", func() error {
		row := s.db.QueryRowContext(ctx, `SELECT
				COALESCE(AVG(sent_at - created_at), 0),
				COUNT(*) FILTER (WHERE state = 'SENT')
			FROM messages
			WHERE state = 'SENT' AND sent_at >= $1`, hourAgo)
		if scanErr := row.Scan(&stats.AvgWaitMs, &stats.ThroughputHr); scanErr != nil {
			return scanErr
		}

		var sent, failed int64
		row = s.db.QueryRowContext(ctx, `SELECT
				COUNT(*) FILTER (WHERE state = 'SENT'),
				COUNT(*) FILTER (WHERE state = 'FAILED')
			FROM messages
			WHERE state IN ('SENT', 'FAILED') AND updated_at >= $1`, hourAgo)
		if scanErr := row.Scan(&sent, &failed); scanErr != nil {
			return scanErr
		}
		if sent+failed > 0 {
			stats.ErrorRate = float64(failed) / float64(sent+failed)
		}

		var oldest sql.NullInt64
		row = s.db.QueryRowContext(ctx,
			`SELECT MIN(created_at) FROM messages WHERE state = 'QUEUED'`)
		if scanErr := row.Scan(&oldest); scanErr != nil {
			return scanErr
		}
		if oldest.Valid {
			stats.OldestQueued = &oldest.Int64
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) queryMessages(ctx context.Context, op, query string, args ...interface{}) ([]*Message, error) {
	var msgs []*Message
	err := s.withRetry(ctx, op, func() error {
		rows, queryErr := s.db.QueryContext(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		msgs = msgs[:0]
		for rows.Next() {
			msg, scanErr := scanMessage(rows)
			if scanErr != nil {
				return scanErr
			}
			msgs = append(msgs, msg)
		}
		return rows.Err()
	})
	return msgs, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var meta []byte
	err := row.Scan(
		&msg.ID, &msg.Recipient, &msg.Content, &msg.Parts, &msg.State, &msg.Priority,
		&msg.QueuePosition, &msg.RetryStrategy, &msg.AttemptCount, &msg.MaxAttempts,
		&msg.LastError, &meta, &msg.CreatedAt, &msg.ScheduledAt, &msg.SentAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
