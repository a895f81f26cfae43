package alert

import (
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeBruteForceAttempt Type = "brute_force_attempt"
	TypeManual            Type = "manual"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

const (
	MaxExtraEntries  = 16
	MaxExtraKeyLen   = 64
	MaxExtraValueLen = 512
	maxTitleLen      = 200
	maxMessageLen    = 1000
	maxNotesLen      = 2000
)

// Details is the structured payload of an alert. Which fields are required
// depends on the alert type; Extra carries bounded provider- or attack-specific
// context.
type Details struct {
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Message   string            `json:"message,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type Alert struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	Severity        Severity   `json:"severity"`
	Title           string     `json:"title"`
	Details         Details    `json:"details"`
	CreatedAt       time.Time  `json:"created_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedTime    *time.Time `json:"resolved_time"`
	ResolvedBy      *string    `json:"resolved_by"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
}

// NewAlert is the input for Create; id and created_at are assigned by the
// store.
type NewAlert struct {
	Type     Type     `json:"type"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Details  Details  `json:"details"`
}

type Filter struct {
	Severity *Severity
	Resolved *bool
	Limit    int
	Offset   int
}

type Page struct {
	Alerts         []Alert          `json:"alerts"`
	Total          int              `json:"total"`
	SeverityCounts map[Severity]int `json:"severity_counts"`
}

var ErrInvalidAlert = errors.New("invalid alert")

func (n NewAlert) Validate() error {
	if !n.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, n.Severity)
	}
	if len(n.Title) > maxTitleLen {
		return fmt.Errorf("%w: title too long", ErrInvalidAlert)
	}
	if len(n.Details.Message) > maxMessageLen {
		return fmt.Errorf("%w: message too long", ErrInvalidAlert)
	}

	switch n.Type {
	case TypeBruteForceAttempt:
		if n.Details.Email == "" || n.Details.IPAddress == "" {
			return fmt.Errorf("%w: brute force alert requires email and ip_address", ErrInvalidAlert)
		}
		if n.Details.Attempts <= 0 {
			return fmt.Errorf("%w: brute force alert requires attempts", ErrInvalidAlert)
		}
	case TypeManual:
		if n.Details.Message == "" {
			return fmt.Errorf("%w: manual alert requires message", ErrInvalidAlert)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAlert, n.Type)
	}

	if len(n.Details.Extra) > MaxExtraEntries {
		return fmt.Errorf("%w: at most %d extra entries", ErrInvalidAlert, MaxExtraEntries)
	}
	for k, v := range n.Details.Extra {
		if k == "" || len(k) > MaxExtraKeyLen {
			return fmt.Errorf("%w: invalid extra key %q", ErrInvalidAlert, k)
		}
		if len(v) > MaxExtraValueLen {
			return fmt.Errorf("%w: extra value for %q too long", ErrInvalidAlert, k)
		}
	}

	return nil
}

func defaultTitle(t Type) string {
	switch t {
	case TypeBruteForceAttempt:
		return "Brute force login attempt"
	default:
		return "Security alert"
	}
}
