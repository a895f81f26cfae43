// Package audit records authentication outcomes asynchronously.
package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionLogin      Action = "login"
	ActionOAuthLogin Action = "oauth_login"
)

// Event is one authentication outcome.
type Event struct {
	Action        Action
	Provider      string
	Email         string
	AccountID     string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	At            time.Time
}

// Sink receives events from the dispatcher goroutine.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}
