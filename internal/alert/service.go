package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// Store persists alerts. Resolve must fail with ErrAlertNotFound or
// ErrAlertAlreadyResolved and leave a resolved alert untouched.
type Store interface {
	Insert(ctx context.Context, a Alert) error
	Get(ctx context.Context, id string) (Alert, error)
	List(ctx context.Context, filter Filter) ([]Alert, int, error)
	CountOpenBySeverity(ctx context.Context) (map[Severity]int, error)
	Resolve(ctx context.Context, id, resolvedBy string, notes *string, at time.Time) (Alert, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, input NewAlert) (Alert, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := input.Validate(); err != nil {
		return Alert{}, err
	}
	if input.Title == "" {
		input.Title = defaultTitle(input.Type)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Alert{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	a := Alert{
		ID:        id.String(),
		Type:      input.Type,
		Severity:  input.Severity,
		Title:     input.Title,
		Details:   input.Details,
		CreatedAt: s.now(),
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return Alert{}, err
	}

	return a, nil
}

func (s *Service) List(ctx context.Context, filter Filter) (Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Severity != nil && !filter.Severity.Valid() {
		return Page{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, *filter.Severity)
	}

	alerts, total, err := s.store.List(ctx, filter)
	if err != nil {
		return Page{}, err
	}

	counts, err := s.store.CountOpenBySeverity(ctx)
	if err != nil {
		return Page{}, err
	}

	return Page{Alerts: alerts, Total: total, SeverityCounts: counts}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Alert, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Alert{}, ErrAlertNotFound
	}
	return s.store.Get(ctx, id)
}

func (s *Service) Resolve(ctx context.Context, id, resolvedBy string, notes string) (Alert, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Alert{}, ErrAlertNotFound
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return Alert{}, fmt.Errorf("%w: resolver is required", ErrInvalidAlert)
	}

	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLen {
		return Alert{}, fmt.Errorf("%w: notes too long", ErrInvalidAlert)
	}
	var notesArg *string
	if notes != "" {
		notesArg = &notes
	}

	return s.store.Resolve(ctx, id, resolvedBy, notesArg, s.now())
}
