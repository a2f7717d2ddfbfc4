// Package relay implements the Provider that submits messages to the
// configured SMTP relay. It owns the connection lifecycle: one connection per
// send by default, or a kept-alive connection that is liveness-probed with
// NOOP before reuse.
package relay

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/shineum/smtp-mailer-lite/internal/composer"
	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
	"github.com/shineum/smtp-mailer-lite/internal/smtp"
)

// Provider submits messages over SMTP.
type Provider struct {
	cfg       smtp.Config
	keepAlive bool
	logger    *slog.Logger

	mu     sync.Mutex
	client *smtp.Client
}

// New creates a relay provider. With keepAlive the connection stays open
// between sends and is reused when still live.
func New(cfg smtp.Config, keepAlive bool, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, keepAlive: keepAlive, logger: logger}
}

// Send composes the message and runs one SMTP transaction for it.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	payload, err := composer.Compose(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	c, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	if err := p.transact(c, msg, payload); err != nil {
		c.Close()
		p.client = nil
		return err
	}

	if p.keepAlive {
		p.client = c
	} else {
		c.Quit()
		p.client = nil
	}
	return nil
}

// transact runs the MAIL FROM / RCPT TO / DATA sequence. Recipients are
// issued in input order: To, then Cc, then Bcc.
func (p *Provider) transact(c *smtp.Client, msg *email.Message, payload string) error {
	if err := c.Mail(msg.From); err != nil {
		return err
	}
	for _, rcpt := range msg.Recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	return c.Data(payload)
}

// acquire returns a live client: the kept-alive one when it still answers
// NOOP, a fresh dial otherwise.
func (p *Provider) acquire(ctx context.Context) (*smtp.Client, error) {
	if p.client != nil {
		if err := p.client.Noop(); err == nil {
			return p.client, nil
		}
		p.logger.Debug("kept-alive connection is dead, reconnecting")
		p.client.Close()
		p.client = nil
	}
	return smtp.Dial(ctx, p.cfg, p.logger)
}

// Verify opens a probe socket to the relay and closes it immediately. No
// SMTP dialogue is run.
func (p *Provider) Verify(ctx context.Context) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(int(p.cfg.Port)))
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return mailerr.Wrap(mailerr.CodeConnection, "connection probe failed", err).
			WithContext("host", p.cfg.Host).
			WithContext("port", p.cfg.Port)
	}
	conn.Close()
	return nil
}

// Close shuts down the kept-alive connection, if any.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	err := p.client.Quit()
	p.client = nil
	return err
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}
