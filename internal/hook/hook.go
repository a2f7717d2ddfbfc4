// Package hook fans delivery outcomes out to audit sinks: a JSON-lines file,
// a sqlite or mysql ledger, and a slack channel for ban alerts. Hook failures
// are logged and never fail a send.
package hook

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// TimeFormat is the timestamp layout written to SQL ledgers.
const TimeFormat = "2006-01-02 15:04:05"

// Record is one delivery outcome handed to every hook.
type Record struct {
	// ID is a fresh ULID for this record.
	ID string

	OccurredAt time.Time
	From       string
	Recipients string
	MessageID  string

	// Status is "success" or "failure".
	Status string

	// ErrorCode is the taxonomy code for failures, empty on success.
	ErrorCode string

	// ElapseMs is the send duration in milliseconds.
	ElapseMs int64
}

// BanEvent describes a recipient entering the banned state.
type BanEvent struct {
	Recipient  string
	OccurredAt time.Time
	Expiry     time.Time
}

// Hook receives delivery outcomes and ban events.
type Hook interface {
	Name() string

	// AfterInit runs once at mailer construction (schema creation etc).
	AfterInit()

	// AfterSend runs after every completed send attempt.
	AfterSend(*Record)

	// AfterBan runs when a recipient is banned.
	AfterBan(*BanEvent)
}

// GenID returns a fresh ULID string.
func GenID() string {
	seed := time.Now().UnixNano()
	entropy := rand.New(rand.NewSource(seed))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
