package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrAlertNotFound        = errors.New("alert not found")
	ErrAlertAlreadyResolved = errors.New("alert already resolved")
)

const alertColumns = `id, type, severity, title, details, created_at, resolved, resolved_time, resolved_by, resolution_notes`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, a Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("encode alert details: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, title, details, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`, a.ID, string(a.Type), string(a.Severity), a.Title, details, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, fmt.Errorf("query alert: %w", err)
	}

	return a, nil
}

func (r *Repository) List(ctx context.Context, filter Filter) ([]Alert, int, error) {
	where, args := filterClause(filter)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	limitArg := len(args) + 1
	query := `SELECT ` + alertColumns + ` FROM alerts` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(limitArg) + ` OFFSET $` + strconv.Itoa(limitArg+1)
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate alerts: %w", err)
	}

	return alerts, total, nil
}

func (r *Repository) CountOpenBySeverity(ctx context.Context) (map[Severity]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT severity, COUNT(*)
		FROM alerts
		WHERE resolved = FALSE
		GROUP BY severity
	`)
	if err != nil {
		return nil, fmt.Errorf("count open alerts: %w", err)
	}
	defer rows.Close()

	counts := map[Severity]int{SeverityInfo: 0, SeverityWarning: 0, SeverityCritical: 0}
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		counts[Severity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate severity counts: %w", err)
	}

	return counts, nil
}

// Resolve moves an open alert to resolved under a row lock so that two
// concurrent resolutions cannot both succeed.
func (r *Repository) Resolve(ctx context.Context, id, resolvedBy string, notes *string, at time.Time) (Alert, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Alert{}, fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	var resolved bool
	err = tx.QueryRowContext(ctx, `SELECT resolved FROM alerts WHERE id = $1 FOR UPDATE`, id).Scan(&resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, fmt.Errorf("lock alert row: %w", err)
	}
	if resolved {
		return Alert{}, ErrAlertAlreadyResolved
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE alerts
		SET resolved = TRUE, resolved_time = $2, resolved_by = $3, resolution_notes = $4
		WHERE id = $1
		RETURNING `+alertColumns, id, at.UTC(), resolvedBy, notes)
	a, err := scanAlert(row)
	if err != nil {
		return Alert{}, fmt.Errorf("update alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Alert{}, fmt.Errorf("commit resolve tx: %w", err)
	}

	return a, nil
}

func filterClause(filter Filter) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if filter.Severity != nil {
		args = append(args, string(*filter.Severity))
		conditions = append(conditions, "severity = $"+strconv.Itoa(len(args)))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		conditions = append(conditions, "resolved = $"+strconv.Itoa(len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (Alert, error) {
	var (
		a            Alert
		alertType    string
		severity     string
		details      []byte
		resolvedTime sql.NullTime
		resolvedBy   sql.NullString
		notes        sql.NullString
	)

	if err := row.Scan(&a.ID, &alertType, &severity, &a.Title, &details, &a.CreatedAt, &a.Resolved, &resolvedTime, &resolvedBy, &notes); err != nil {
		return Alert{}, err
	}

	a.Type = Type(alertType)
	a.Severity = Severity(severity)
	a.CreatedAt = a.CreatedAt.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return Alert{}, fmt.Errorf("decode alert details: %w", err)
		}
	}
	if resolvedTime.Valid {
		value := resolvedTime.Time.UTC()
		a.ResolvedTime = &value
	}
	if resolvedBy.Valid {
		value := resolvedBy.String
		a.ResolvedBy = &value
	}
	if notes.Valid {
		value := notes.String
		a.ResolutionNotes = &value
	}

	return a, nil
}
