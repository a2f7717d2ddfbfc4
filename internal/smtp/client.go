// Package smtp implements the outbound SMTP transaction engine: socket
// lifecycle, TLS negotiation (implicit and STARTTLS), AUTH LOGIN, and the
// MAIL FROM / RCPT TO / DATA dialogue against a configured relay.
package smtp

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// Config holds the connection parameters for one relay.
type Config struct {
	// Host and Port locate the relay.
	Host string
	Port uint16

	// Secure selects implicit TLS on connect. When false the connection is
	// upgraded with STARTTLS after the first EHLO.
	Secure bool

	// Username and Password enable AUTH LOGIN when both are set.
	Username string
	Password string

	// LocalName is the client identity sent with EHLO; "localhost" when empty.
	LocalName string

	// Timeout is the idle socket deadline applied to every network operation.
	Timeout time.Duration

	// TLSConfig is used for both implicit TLS and the STARTTLS upgrade.
	TLSConfig *tls.Config
}

// Client is a connected SMTP session. One transaction at a time; not safe
// for concurrent use.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	tlsActive bool

	// lastCommand is the command most recently written, captured into errors.
	lastCommand string
}

// Dial connects to the relay, negotiates TLS, and authenticates. The returned
// client is ready for Mail/Rcpt/Data transactions.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connErr(fmt.Sprintf("connecting to %s", addr), err).
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: logger,
	}

	if cfg.Secure {
		if err := c.wrapTLS(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := c.handshake(ctx); err != nil {
		c.conn.Close()
		return nil, err
	}

	return c, nil
}

// handshake runs the greeting, EHLO, STARTTLS upgrade and authentication.
func (c *Client) handshake(ctx context.Context) error {
	greeting, err := c.read()
	if err != nil {
		return err
	}
	if greeting.Code != codeReady {
		return c.commandErr("unexpected greeting", greeting)
	}

	if err := c.ehlo(); err != nil {
		return err
	}

	if !c.cfg.Secure && !c.tlsActive {
		if err := c.startTLS(ctx); err != nil {
			return err
		}
	}

	if c.cfg.Username != "" && c.cfg.Password != "" {
		if err := c.authLogin(); err != nil {
			return err
		}
	}

	return nil
}

// ehlo identifies the client. Issued on connect and again after a STARTTLS
// upgrade (RFC 3207 §4.2).
func (c *Client) ehlo() error {
	reply, err := c.cmd("EHLO %s", c.cfg.LocalName)
	if err != nil {
		return err
	}
	if !reply.Success() {
		return c.commandErr("EHLO rejected", reply)
	}
	return nil
}

// startTLS upgrades the connection and re-issues EHLO over the encrypted
// channel. All subsequent traffic uses the TLS connection.
func (c *Client) startTLS(ctx context.Context) error {
	reply, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if reply.Code != codeReady {
		return c.commandErr("STARTTLS rejected", reply)
	}

	if err := c.wrapTLS(ctx); err != nil {
		return err
	}

	return c.ehlo()
}

// wrapTLS replaces the connection with its TLS-wrapped form and rebuilds the
// buffered reader and writer around it.
func (c *Client) wrapTLS(ctx context.Context) error {
	tlsConn := tls.Client(c.conn, c.cfg.TLSConfig)

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return connErr("TLS handshake", err).WithCommand(c.lastCommand)
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.tlsActive = true

	c.logger.Debug("TLS established",
		"host", c.cfg.Host,
		"version", tlsConn.ConnectionState().Version,
	)
	return nil
}

// authLogin runs the AUTH LOGIN challenge flow (RFC 4954): 334 challenges
// answered with base64 username then password, 235 on success.
func (c *Client) authLogin() error {
	reply, err := c.cmd("AUTH LOGIN")
	if err != nil {
		return err
	}
	if reply.Code != codeAuthContinue {
		return c.authErr("AUTH LOGIN rejected", reply)
	}

	reply, err = c.cmdRedacted(base64.StdEncoding.EncodeToString([]byte(c.cfg.Username)))
	if err != nil {
		return err
	}
	if reply.Code != codeAuthContinue {
		return c.authErr("username rejected", reply)
	}

	reply, err = c.cmdRedacted(base64.StdEncoding.EncodeToString([]byte(c.cfg.Password)))
	if err != nil {
		return err
	}
	if reply.Code != codeAuthOK {
		return c.authErr("authentication failed", reply)
	}

	c.logger.Debug("authenticated", "user", c.cfg.Username)
	return nil
}

// Mail starts a transaction.
func (c *Client) Mail(from string) error {
	reply, err := c.cmd("MAIL FROM:<%s>", from)
	if err != nil {
		return err
	}
	if reply.Code != codeOK {
		return c.commandErr("MAIL FROM rejected", reply)
	}
	return nil
}

// Rcpt adds one recipient to the open transaction.
func (c *Client) Rcpt(to string) error {
	reply, err := c.cmd("RCPT TO:<%s>", to)
	if err != nil {
		return err
	}
	if reply.Code != codeOK {
		return c.commandErr(fmt.Sprintf("RCPT TO rejected for %s", to), reply).
			WithContext("recipient", to)
	}
	return nil
}

// Data sends the composed payload. The payload carries its own CRLF line
// endings and the terminating "." line produced by the composer.
func (c *Client) Data(payload string) error {
	reply, err := c.cmd("DATA")
	if err != nil {
		return err
	}
	if reply.Code != codeStartMailData {
		return c.commandErr("DATA rejected", reply)
	}

	c.lastCommand = "DATA payload"
	c.setDeadline()
	if _, err := c.writer.WriteString(payload); err != nil {
		return ioErr("writing message payload", err, c.lastCommand)
	}
	if err := c.writer.Flush(); err != nil {
		return ioErr("flushing message payload", err, c.lastCommand)
	}

	reply, err = c.read()
	if err != nil {
		return err
	}
	if reply.Code != codeOK {
		return c.commandErr("message rejected", reply)
	}
	return nil
}

// Noop probes connection liveness.
func (c *Client) Noop() error {
	reply, err := c.cmd("NOOP")
	if err != nil {
		return err
	}
	if reply.Code != codeOK {
		return c.commandErr("NOOP rejected", reply)
	}
	return nil
}

// Quit ends the session politely and closes the socket.
func (c *Client) Quit() error {
	// Best effort; the socket closes regardless.
	c.cmd("QUIT")
	return c.conn.Close()
}

// Close closes the socket without QUIT.
func (c *Client) Close() error {
	return c.conn.Close()
}

// cmd writes one command line and reads the reply.
func (c *Client) cmd(format string, args ...any) (*Reply, error) {
	line := fmt.Sprintf(format, args...)
	c.logger.Debug("smtp command", "command", line)
	return c.roundTrip(line, line)
}

// cmdRedacted writes a credential line, logging a placeholder instead of
// the payload.
func (c *Client) cmdRedacted(line string) (*Reply, error) {
	c.logger.Debug("smtp command", "command", "<credentials>")
	return c.roundTrip(line, "AUTH credentials")
}

// roundTrip writes line and awaits one full reply. display is what error
// records carry as the command in flight.
func (c *Client) roundTrip(line, display string) (*Reply, error) {
	c.lastCommand = display
	c.setDeadline()

	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return nil, ioErr("writing command", err, display)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, ioErr("writing command", err, display)
	}

	return c.read()
}

// read collects one reply under the idle deadline.
func (c *Client) read() (*Reply, error) {
	c.setDeadline()
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, ioErr("reading reply", err, c.lastCommand)
	}
	c.logger.Debug("smtp reply", "code", reply.Code, "text", reply.Text())
	return reply, nil
}

// setDeadline arms the idle socket timeout for the next operation.
func (c *Client) setDeadline() {
	if c.cfg.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}
}

// commandErr builds an ECOMMAND error from a rejecting reply.
func (c *Client) commandErr(message string, reply *Reply) *mailerr.Error {
	return mailerr.Newf(mailerr.CodeCommand, "%s (%d)", message, reply.Code).
		WithCommand(c.lastCommand).
		WithResponse(reply.Raw)
}

// authErr builds an EAUTH error from a rejecting reply.
func (c *Client) authErr(message string, reply *Reply) *mailerr.Error {
	return mailerr.Newf(mailerr.CodeAuth, "%s (%d)", message, reply.Code).
		WithCommand(c.lastCommand).
		WithResponse(reply.Raw)
}

// connErr classifies a network error as timeout or connection failure.
func connErr(message string, err error) *mailerr.Error {
	if isTimeout(err) {
		return mailerr.Wrap(mailerr.CodeTimeout, message, err)
	}
	return mailerr.Wrap(mailerr.CodeConnection, message, err)
}

// ioErr classifies a mid-dialogue I/O failure, keeping the command in flight.
func ioErr(message string, err error, lastCommand string) *mailerr.Error {
	return connErr(message, err).WithCommand(lastCommand)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// GenerateMessageID returns the 16-hex-character local telemetry id attached
// to successful sends. It is not emitted as a Message-Id header.
func GenerateMessageID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", mailerr.Wrap(mailerr.CodeUnknown, "generating message id", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
