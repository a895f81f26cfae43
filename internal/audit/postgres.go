package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vidashield/internal/observability"
)

const writeTimeout = 5 * time.Second

// PostgresSink writes events to auth_logs. Write failures are logged and
// otherwise dropped.
type PostgresSink struct {
	db     *sql.DB
	logger *observability.Logger
}

func NewPostgresSink(db *sql.DB, logger *observability.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger}
}

func (s *PostgresSink) Emit(ctx context.Context, event Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := s.Insert(ctx, event); err != nil {
		s.logger.Error("audit_write_failed", map[string]any{
			"action": string(event.Action),
			"error":  err.Error(),
		})
	}
}

func (s *PostgresSink) Insert(ctx context.Context, event Event) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate uuid v7: %w", err)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_logs (id, action, provider, email, account_id, ip_address, user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, id.String(), string(event.Action), event.Provider, event.Email, nullable(event.AccountID),
		event.IPAddress, event.UserAgent, event.Success, nullable(event.FailureReason), event.At.UTC())
	if err != nil {
		return fmt.Errorf("insert auth log: %w", err)
	}

	return nil
}

// DeleteOlderThan removes up to batchSize rows created before cutoff.
func (s *PostgresSink) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_logs
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_logs t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale auth logs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale auth logs rows affected: %w", err)
	}

	return affected, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
