// Package intrusion turns repeated password failures into lockouts and
// brute-force alerts.
package intrusion

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"vidashield/internal/alert"
	"vidashield/internal/attempts"
	"vidashield/internal/auth"
	"vidashield/internal/observability"
)

const (
	DefaultAlertThreshold = 3
	DefaultMaxAttempts    = 5
)

// DedupePolicy decides how many alerts one burst of failures raises.
type DedupePolicy string

const (
	// DedupeWindow raises one alert per key per window, on the failure that
	// first reaches the threshold.
	DedupeWindow DedupePolicy = "window"
	// DedupeNone raises an alert on every failure at or above the threshold.
	DedupeNone DedupePolicy = "none"
)

type AlertCreator interface {
	Create(ctx context.Context, input alert.NewAlert) (alert.Alert, error)
}

type Config struct {
	AlertThreshold int
	MaxAttempts    int
	Dedupe         DedupePolicy
}

type Engine struct {
	tracker    attempts.Tracker
	alerts     AlertCreator
	suppressor Suppressor
	cfg        Config
	logger     *observability.Logger
}

func NewEngine(tracker attempts.Tracker, alerts AlertCreator, suppressor Suppressor, cfg Config, logger *observability.Logger) *Engine {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dedupe == "" {
		cfg.Dedupe = DedupeWindow
	}
	if suppressor == nil {
		suppressor = NewMemorySuppressor()
	}

	return &Engine{
		tracker:    tracker,
		alerts:     alerts,
		suppressor: suppressor,
		cfg:        cfg,
		logger:     logger,
	}
}

// Locked reports whether the attempt's key has reached the failure limit in
// the current window, and until when the lock holds at the latest.
func (e *Engine) Locked(ctx context.Context, attempt auth.LoginAttempt) (bool, time.Time, error) {
	failures, err := e.tracker.CountFailures(ctx, attempts.Key(attempt.Email, attempt.IP), attempt.At)
	if err != nil {
		return false, time.Time{}, err
	}
	if failures < e.cfg.MaxAttempts {
		return false, time.Time{}, nil
	}
	return true, attempt.At.Add(e.tracker.Window()), nil
}

func (e *Engine) RecordSuccess(ctx context.Context, attempt auth.LoginAttempt) error {
	return e.tracker.Record(ctx, attempts.Key(attempt.Email, attempt.IP), true, attempt.At)
}

// RecordFailure stores the failure and runs detection on the updated window.
func (e *Engine) RecordFailure(ctx context.Context, attempt auth.LoginAttempt) error {
	if err := e.tracker.Record(ctx, attempts.Key(attempt.Email, attempt.IP), false, attempt.At); err != nil {
		return err
	}
	_, err := e.Detect(ctx, attempt)
	return err
}

// Detect raises a critical brute-force alert when the attempt's key has at
// least AlertThreshold failures in the window. It returns nil when no alert
// was created.
func (e *Engine) Detect(ctx context.Context, attempt auth.LoginAttempt) (*alert.Alert, error) {
	key := attempts.Key(attempt.Email, attempt.IP)

	failures, err := e.tracker.CountFailures(ctx, key, attempt.At)
	if err != nil {
		return nil, err
	}
	if failures < e.cfg.AlertThreshold {
		return nil, nil
	}

	if e.cfg.Dedupe == DedupeWindow {
		acquired, err := e.suppressor.Acquire(ctx, key, e.tracker.Window(), attempt.At)
		if err != nil {
			return nil, err
		}
		if !acquired {
			return nil, nil
		}
	}

	created, err := e.alerts.Create(ctx, alert.NewAlert{
		Type:     alert.TypeBruteForceAttempt,
		Severity: alert.SeverityCritical,
		Details: alert.Details{
			Email:     attempt.Email,
			IPAddress: attempt.IP,
			UserAgent: attempt.UserAgent,
			Attempts:  failures,
			Message: fmt.Sprintf("%d failed login attempts in the last %s",
				failures, formatWindow(e.tracker.Window())),
		},
	})
	if err != nil {
		if e.cfg.Dedupe == DedupeWindow {
			if releaseErr := e.suppressor.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				e.logger.Error("alert_suppression_release_failed", map[string]any{
					"email": attempt.Email,
					"ip":    attempt.IP,
					"error": releaseErr.Error(),
				})
			}
		}
		return nil, fmt.Errorf("create brute force alert: %w", err)
	}

	e.logger.Warn("brute_force_detected", map[string]any{
		"alert_id": created.ID,
		"email":    attempt.Email,
		"ip":       attempt.IP,
		"attempts": failures,
	})

	return &created, nil
}

func formatWindow(window time.Duration) string {
	if window%time.Minute == 0 {
		minutes := int(window / time.Minute)
		if minutes == 1 {
			return "1 minute"
		}
		return strconv.Itoa(minutes) + " minutes"
	}
	return window.String()
}
