// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-mailer-lite/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of composed messages to the
// target service (the SMTP relay, AWS SES, stdout for development).
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Verify checks that the backend is reachable without sending anything.
	// Backends without a cheap probe return nil.
	Verify(ctx context.Context) error

	// Name returns the human-readable name of this provider.
	Name() string
}
