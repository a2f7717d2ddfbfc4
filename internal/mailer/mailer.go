// Package mailer is the top-level facade: it normalizes configuration, applies
// address validation and per-recipient rate limiting, orchestrates delivery
// through the configured provider, and feeds outcomes into metrics, logs and
// delivery-record hooks.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/config"
	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/hook"
	"github.com/shineum/smtp-mailer-lite/internal/logging"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
	"github.com/shineum/smtp-mailer-lite/internal/metrics"
	"github.com/shineum/smtp-mailer-lite/internal/provider"
	"github.com/shineum/smtp-mailer-lite/internal/provider/relay"
	"github.com/shineum/smtp-mailer-lite/internal/provider/ses"
	"github.com/shineum/smtp-mailer-lite/internal/provider/stdout"
	"github.com/shineum/smtp-mailer-lite/internal/ratelimit"
	"github.com/shineum/smtp-mailer-lite/internal/smtp"
	mtls "github.com/shineum/smtp-mailer-lite/internal/tls"
)

// Mailer is the user-facing sending surface. A single instance serializes its
// sends; the rate-limit map and metrics are shared across them.
type Mailer struct {
	cfg      *config.Config
	logger   *slog.Logger
	limiter  *ratelimit.Limiter
	metrics  *metrics.Recorder
	provider provider.Provider
	hooks    []hook.Hook

	// mu serializes SendMail calls on this instance.
	mu sync.Mutex

	now func() time.Time
}

// New constructs a Mailer from configuration. It fails when the envelope
// sender is missing or the provider selection is invalid.
func New(cfg *config.Config) (*Mailer, error) {
	if cfg.Relay.From == "" {
		return nil, fmt.Errorf("mailer: from address is required")
	}
	if cfg.Relay.Port == 465 && !cfg.Relay.Secure {
		slog.Warn("port 465 implies implicit TLS, forcing secure mode")
		cfg.Relay.Secure = true
	}

	logger := logging.Setup(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		CustomFields: cfg.Logging.CustomFields,
		Destination:  cfg.Logging.Destination,
	})

	prov, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	return NewWithProvider(cfg, prov, logger)
}

// NewWithProvider constructs a Mailer around an explicit delivery backend.
func NewWithProvider(cfg *config.Config, prov provider.Provider, logger *slog.Logger) (*Mailer, error) {
	if cfg.Relay.From == "" {
		return nil, fmt.Errorf("mailer: from address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Mailer{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewRecorder(),
		provider: prov,
		hooks:    buildHooks(cfg.Hooks),
		now:      time.Now,
	}

	m.limiter = ratelimit.New(rateLimitConfig(cfg.RateLimit), m.metrics, m.onBan)

	for _, h := range m.hooks {
		h.AfterInit()
	}

	logger.Info("mailer ready",
		"provider", prov.Name(),
		"per_recipient_limits", cfg.RateLimit.PerRecipient,
		"hooks", hookNames(m.hooks),
	)
	return m, nil
}

// SendMail validates, rate-limits and delivers one message. The message's
// From is always the configured envelope sender.
func (m *Mailer) SendMail(ctx context.Context, msg *email.Message) (*email.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.From = m.cfg.Relay.From
	recipients := msg.Recipients()

	m.logger.Debug("send attempt",
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"recipients", len(recipients),
	)

	if len(recipients) == 0 {
		err := mailerr.New(mailerr.CodeInvalidEmail, "no recipients given")
		return m.rejected(recipients, err), err
	}

	// Validation and rate limiting run before any socket is opened.
	for _, rcpt := range recipients {
		if err := email.ValidateAddress(rcpt); err != nil {
			m.logger.Error("recipient rejected", "recipient", rcpt, "error", err)
			return m.rejected(recipients, err), err
		}
	}

	if m.cfg.RateLimit.PerRecipient {
		for _, rcpt := range recipients {
			if err := m.limiter.Check(rcpt); err != nil {
				m.logger.Warn("rate limit rejection", "recipient", rcpt, "error", err)
				return m.rejected(recipients, err), err
			}
		}
	}

	if !m.cfg.Relay.SkipVerify {
		if err := m.provider.Verify(ctx); err != nil {
			m.metrics.RecordProbeFailure()
			m.logger.Error("connection probe failed", "error", err)
			err := mailerr.Wrap(mailerr.CodeConnection, "connection verification failed", err)
			return m.rejected(recipients, err), err
		}
	}

	start := m.now()
	err := m.deliver(ctx, msg)
	duration := m.now().Sub(start)

	if err != nil {
		me := mailerr.From(err)
		m.metrics.RecordFailure(duration, me.Kind, me.Code, me.Message, recipients)
		m.limiter.RecordFailure(recipients)
		m.afterSend("", recipients, "failure", me.Code, duration)
		m.logger.Error("send failed",
			"recipients", strings.Join(recipients, ", "),
			"code", me.Code,
			"kind", string(me.Kind),
			"last_command", me.LastCommand,
			"error", me.Message,
		)
		return &email.SendResult{
			Success:    false,
			Error:      me.Message,
			ErrorCode:  me.Code,
			Recipients: strings.Join(recipients, ", "),
			Timestamp:  m.now(),
		}, me
	}

	messageID, idErr := smtp.GenerateMessageID()
	if idErr != nil {
		messageID = ""
	}

	m.metrics.RecordSuccess(duration)
	m.limiter.RecordSuccess(recipients)
	m.afterSend(messageID, recipients, "success", "", duration)
	m.logger.Info("email sent",
		"message_id", messageID,
		"recipients", strings.Join(recipients, ", "),
		"duration_ms", duration.Milliseconds(),
	)

	return &email.SendResult{
		Success:    true,
		MessageID:  messageID,
		Recipients: strings.Join(recipients, ", "),
		Timestamp:  m.now(),
	}, nil
}

// deliver runs the provider send, retrying transient connection failures up
// to the configured attempt budget.
func (m *Mailer) deliver(ctx context.Context, msg *email.Message) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.metrics.RecordRetryAttempt()
			m.logger.Debug("retrying delivery", "attempt", attempt)
		}

		lastErr = m.provider.Send(ctx, msg)
		if lastErr == nil {
			if attempt > 0 {
				m.metrics.RecordRetrySuccess()
			}
			return nil
		}

		if attempt >= m.cfg.Relay.RetryAttempts || !transient(lastErr) {
			me := mailerr.From(lastErr)
			if attempt > 0 {
				me.AttemptNumber = attempt + 1
			}
			return me
		}
	}
}

// transient reports whether an error class is worth retrying. Validation,
// authentication, command and attachment failures never are.
func transient(err error) bool {
	switch mailerr.KindOf(err) {
	case mailerr.KindConnection, mailerr.KindTimeout:
		return true
	default:
		return false
	}
}

// VerifyConnection probes the delivery backend without sending.
func (m *Mailer) VerifyConnection(ctx context.Context) bool {
	if err := m.provider.Verify(ctx); err != nil {
		m.metrics.RecordProbeFailure()
		m.logger.Error("connection probe failed", "error", err)
		return false
	}
	return true
}

// Metrics returns a point-in-time snapshot of the delivery metrics.
func (m *Mailer) Metrics() metrics.Snapshot {
	return m.metrics.Snapshot()
}

// Close releases the kept-alive relay connection, if the backend holds one.
func (m *Mailer) Close() error {
	if closer, ok := m.provider.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// rejected builds the failure result for pre-transaction rejections. These
// never count as sends; the only metrics touched are the rate-limit counters,
// by the limiter, and the probe-failure counter, by SendMail.
func (m *Mailer) rejected(recipients []string, err error) *email.SendResult {
	me := mailerr.From(err)
	return &email.SendResult{
		Success:    false,
		Error:      me.Message,
		ErrorCode:  me.Code,
		Recipients: strings.Join(recipients, ", "),
		Timestamp:  m.now(),
	}
}

// afterSend fans a delivery record out to the configured hooks.
func (m *Mailer) afterSend(messageID string, recipients []string, status, errorCode string, d time.Duration) {
	if len(m.hooks) == 0 {
		return
	}
	rec := &hook.Record{
		ID:         hook.GenID(),
		OccurredAt: m.now(),
		From:       m.cfg.Relay.From,
		Recipients: strings.Join(recipients, ", "),
		MessageID:  messageID,
		Status:     status,
		ErrorCode:  errorCode,
		ElapseMs:   d.Milliseconds(),
	}
	for _, h := range m.hooks {
		h.AfterSend(rec)
	}
}

// onBan is the limiter's ban notifier. Hook fan-out runs off the limiter's
// lock.
func (m *Mailer) onBan(recipient string, expiry time.Time) {
	m.logger.Warn("recipient banned", "recipient", recipient, "expiry", expiry)
	if len(m.hooks) == 0 {
		return
	}
	event := &hook.BanEvent{
		Recipient:  recipient,
		OccurredAt: m.now(),
		Expiry:     expiry,
	}
	go func() {
		for _, h := range m.hooks {
			h.AfterBan(event)
		}
	}()
}

// buildProvider selects the delivery backend from configuration.
func buildProvider(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case "", "relay":
		tlsCfg, err := mtls.ClientConfig(cfg.Relay.Host, cfg.Relay.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mailer: building TLS config: %w", err)
		}
		return relay.New(smtp.Config{
			Host:      cfg.Relay.Host,
			Port:      cfg.Relay.Port,
			Secure:    cfg.Relay.Secure,
			Username:  cfg.Relay.Username,
			Password:  cfg.Relay.Password,
			LocalName: cfg.Relay.LocalName,
			Timeout:   time.Duration(cfg.Relay.TimeoutMs) * time.Millisecond,
			TLSConfig: tlsCfg,
		}, cfg.Relay.KeepAlive, logger), nil

	case "ses":
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("mailer: ses provider requires a region")
		}
		p, err := ses.New(context.Background(), ses.ProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("mailer: creating ses provider: %w", err)
		}
		return p, nil

	case "stdout":
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("mailer: unknown provider %q", cfg.Provider)
	}
}

// buildHooks wires the configured delivery-record sinks.
func buildHooks(cfg config.HooksConfig) []hook.Hook {
	var hooks []hook.Hook
	if cfg.FilePath != "" {
		hooks = append(hooks, &hook.HookFile{Path: cfg.FilePath})
	}
	if cfg.SqliteDSN != "" {
		hooks = append(hooks, &hook.HookSqlite{DSN: cfg.SqliteDSN})
	}
	if cfg.MysqlDSN != "" {
		hooks = append(hooks, &hook.HookMysql{DSN: cfg.MysqlDSN})
	}
	if cfg.SlackToken != "" && cfg.SlackChannel != "" {
		hooks = append(hooks, &hook.HookSlack{Token: cfg.SlackToken, Channel: cfg.SlackChannel})
	}
	return hooks
}

func hookNames(hooks []hook.Hook) string {
	if len(hooks) == 0 {
		return "none"
	}
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.Name()
	}
	return strings.Join(names, ",")
}

// rateLimitConfig converts the millisecond-based configuration into the
// limiter's durations.
func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		BurstLimit:             cfg.BurstLimit,
		CooldownPeriod:         time.Duration(cfg.CooldownPeriodMs) * time.Millisecond,
		BanDuration:            time.Duration(cfg.BanDurationMs) * time.Millisecond,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		FailureCooldown:        time.Duration(cfg.FailureCooldownMs) * time.Millisecond,
		MaxRapidAttempts:       cfg.MaxRapidAttempts,
		RapidPeriod:            time.Duration(cfg.RapidPeriodMs) * time.Millisecond,
		MaxTrackedRecipients:   cfg.MaxTrackedRecipients,
	}
}
