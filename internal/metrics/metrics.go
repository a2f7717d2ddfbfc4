// Package metrics accumulates delivery counters, a send-duration histogram,
// and the failure ledger. All state is in memory and survives for the process
// lifetime; callers read it through point-in-time snapshots.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// bucketCutoffs are the cumulative histogram boundaries in seconds.
var bucketCutoffs = []float64{0.1, 0.5, 1, 2, 5}

// bucketKeys are the snapshot map keys, index-aligned with bucketCutoffs.
var bucketKeys = []string{"0.1", "0.5", "1", "2", "5"}

// FailureRecord is one entry of the failure ledger.
type FailureRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Recipients string    `json:"recipients"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Kind       string    `json:"kind"`
}

// Timing aggregates send durations in seconds.
type Timing struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
}

// FailureDetails is the ledger portion of a snapshot.
type FailureDetails struct {
	RecentFailures          []FailureRecord  `json:"recent_failures"`
	ErrorCountByRecipient   map[string]int64 `json:"error_count_by_recipient"`
	AvgFailuresPerRecipient float64          `json:"avg_failures_per_recipient"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	EmailsTotal            int64 `json:"emails_total"`
	EmailsSuccessful       int64 `json:"emails_successful"`
	EmailsFailed           int64 `json:"emails_failed"`
	ConnectionErrors       int64 `json:"connection_errors"`
	RateLimitExceededTotal int64 `json:"rate_limit_exceeded_total"`
	TotalRetryAttempts     int64 `json:"total_retry_attempts"`
	SuccessfulRetries      int64 `json:"successful_retries"`
	BannedRecipientsCount  int64 `json:"banned_recipients_count"`
	ConsecutiveFailures    int64 `json:"consecutive_failures"`

	SendDuration Timing           `json:"email_send_duration_seconds"`
	Buckets      map[string]int64 `json:"email_send_duration_buckets"`

	EmailSendRate      float64   `json:"email_send_rate"`
	LastEmailStatus    string    `json:"last_email_status"`
	LastEmailTimestamp time.Time `json:"last_email_timestamp"`

	ErrorsByType map[string]int64 `json:"errors_by_type"`

	FailureDetails FailureDetails `json:"failure_details"`
}

// Recorder is the metrics accumulator. Safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	emailsTotal       int64
	emailsSuccessful  int64
	emailsFailed      int64
	connectionErrors  int64
	rateLimitExceeded int64
	retryAttempts     int64
	successfulRetries int64
	bannedRecipients  int64
	consecFailures    int64

	timing  Timing
	buckets []int64

	sendRate      float64
	lastStatus    string
	lastTimestamp time.Time

	errorsByType map[mailerr.Kind]int64

	failures            []FailureRecord
	failuresByRecipient map[string]int64
	avgFailuresPerRcpt  float64

	now func() time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	now := time.Now
	return &Recorder{
		timing:              Timing{Min: math.Inf(1)},
		buckets:             make([]int64, len(bucketCutoffs)),
		lastStatus:          "none",
		lastTimestamp:       now(),
		errorsByType:        make(map[mailerr.Kind]int64),
		failuresByRecipient: make(map[string]int64),
		now:                 now,
	}
}

// RecordSuccess accounts one delivered send.
func (r *Recorder) RecordSuccess(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emailsTotal++
	r.emailsSuccessful++
	r.lastStatus = "success"
	r.consecFailures = 0
	r.observeDuration(d)
	r.updateRate()
}

// RecordFailure accounts one failed send: counters, timing, error breakdown
// and the failure ledger.
func (r *Recorder) RecordFailure(d time.Duration, kind mailerr.Kind, code, message string, recipients []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emailsTotal++
	r.emailsFailed++
	r.lastStatus = "failure"
	r.consecFailures++
	r.observeDuration(d)

	r.errorsByType[kind]++
	if kind == mailerr.KindConnection {
		r.connectionErrors++
	}

	joined := ""
	for i, rcpt := range recipients {
		if i > 0 {
			joined += ", "
		}
		joined += rcpt
		r.failuresByRecipient[rcpt]++
	}
	r.failures = append(r.failures, FailureRecord{
		Timestamp:  r.now(),
		Recipients: joined,
		Code:       code,
		Message:    message,
		Kind:       string(kind),
	})
	r.recomputeAvgFailures()
	r.updateRate()
}

// RecordProbeFailure accounts a failed connection probe. Probe failures do
// not count as sends.
func (r *Recorder) RecordProbeFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastStatus = "failure"
	r.connectionErrors++
	r.errorsByType[mailerr.KindConnection]++
}

// RecordRateLimitExceeded accounts one rejected admission.
func (r *Recorder) RecordRateLimitExceeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimitExceeded++
}

// RecordBan accounts a recipient entering the banned state.
func (r *Recorder) RecordBan() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bannedRecipients++
}

// RecordBanExpired accounts a ban clearing on expiry.
func (r *Recorder) RecordBanExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bannedRecipients > 0 {
		r.bannedRecipients--
	}
}

// RecordRetryAttempt accounts one retry of a transient failure.
func (r *Recorder) RecordRetryAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryAttempts++
}

// RecordRetrySuccess accounts a send that succeeded on a retry attempt.
func (r *Recorder) RecordRetrySuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successfulRetries++
}

// Snapshot returns a copy of the current metrics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := make(map[string]int64, len(bucketKeys))
	for i, key := range bucketKeys {
		buckets[key] = r.buckets[i]
	}

	errorsByType := make(map[string]int64, len(r.errorsByType))
	for kind, n := range r.errorsByType {
		errorsByType[string(kind)] = n
	}

	byRecipient := make(map[string]int64, len(r.failuresByRecipient))
	for rcpt, n := range r.failuresByRecipient {
		byRecipient[rcpt] = n
	}

	recent := make([]FailureRecord, len(r.failures))
	copy(recent, r.failures)

	return Snapshot{
		EmailsTotal:            r.emailsTotal,
		EmailsSuccessful:       r.emailsSuccessful,
		EmailsFailed:           r.emailsFailed,
		ConnectionErrors:       r.connectionErrors,
		RateLimitExceededTotal: r.rateLimitExceeded,
		TotalRetryAttempts:     r.retryAttempts,
		SuccessfulRetries:      r.successfulRetries,
		BannedRecipientsCount:  r.bannedRecipients,
		ConsecutiveFailures:    r.consecFailures,
		SendDuration:           r.timing,
		Buckets:                buckets,
		EmailSendRate:          r.sendRate,
		LastEmailStatus:        r.lastStatus,
		LastEmailTimestamp:     r.lastTimestamp,
		ErrorsByType:           errorsByType,
		FailureDetails: FailureDetails{
			RecentFailures:          recent,
			ErrorCountByRecipient:   byRecipient,
			AvgFailuresPerRecipient: r.avgFailuresPerRcpt,
		},
	}
}

// observeDuration folds one send duration into the timing aggregate and the
// cumulative histogram.
func (r *Recorder) observeDuration(d time.Duration) {
	s := d.Seconds()

	r.timing.Sum += s
	r.timing.Count++
	r.timing.Avg = r.timing.Sum / float64(r.timing.Count)
	if s > r.timing.Max {
		r.timing.Max = s
	}
	if s < r.timing.Min {
		r.timing.Min = s
	}

	for i, cutoff := range bucketCutoffs {
		if s <= cutoff {
			r.buckets[i]++
		}
	}
}

// recomputeAvgFailures refreshes avg_failures_per_recipient from the
// per-recipient failure counts.
func (r *Recorder) recomputeAvgFailures() {
	if len(r.failuresByRecipient) == 0 {
		r.avgFailuresPerRcpt = 0
		return
	}
	var total int64
	for _, n := range r.failuresByRecipient {
		total += n
	}
	r.avgFailuresPerRcpt = float64(total) / float64(len(r.failuresByRecipient))
}

// updateRate recomputes email_send_rate from the elapsed minutes since the
// previous send and stamps the send time. The ratio is noisy by design; it is
// a per-send figure, not a windowed throughput.
func (r *Recorder) updateRate() {
	now := r.now()
	minutes := now.Sub(r.lastTimestamp).Minutes()
	if minutes > 0 {
		r.sendRate = float64(r.emailsTotal) / minutes
	}
	r.lastTimestamp = now
}
