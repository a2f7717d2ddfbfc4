package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
	mtls "github.com/shineum/smtp-mailer-lite/internal/tls"
)

// fakeServer is a minimal scripted SMTP server for driving the client. It
// accepts a single connection, answers the standard dialogue, and supports
// STARTTLS upgrades and canned rejections per command.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	tlsCfg   *tls.Config
	implicit bool

	// reject maps a command verb (EHLO, MAIL, RCPT, DATA, AUTH, STARTTLS,
	// NOOP) to a canned rejection line.
	reject map[string]string

	// authFail rejects the final AUTH LOGIN credential with 535.
	authFail bool

	mu       sync.Mutex
	data     strings.Builder
	commands []string
}

func newFakeServer(t *testing.T, tlsCfg *tls.Config, implicit bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{t: t, ln: ln, tlsCfg: tlsCfg, implicit: implicit, reject: map[string]string{}}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) addr() (string, uint16) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(tcp.Port)
}

func (s *fakeServer) receivedData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.String()
}

func (s *fakeServer) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if s.implicit {
		tlsConn := tls.Server(conn, s.tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		conn = tlsConn
	}

	reader := bufio.NewReader(conn)
	writeLine := func(format string, args ...any) {
		fmt.Fprintf(conn, format+"\r\n", args...)
	}

	writeLine("220 test.localdomain ESMTP fake")

	inData := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			s.mu.Lock()
			s.data.WriteString(line + "\r\n")
			s.mu.Unlock()
			if line == "." {
				inData = false
				writeLine("250 OK queued")
			}
			continue
		}

		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		if canned, ok := s.reject[verb]; ok {
			writeLine("%s", canned)
			continue
		}

		switch verb {
		case "EHLO":
			writeLine("250-test.localdomain greets you")
			if s.tlsCfg != nil && !s.implicit {
				writeLine("250-STARTTLS")
			}
			writeLine("250-AUTH PLAIN LOGIN")
			writeLine("250 OK")
		case "STARTTLS":
			writeLine("220 Ready to start TLS")
			tlsConn := tls.Server(conn, s.tlsCfg)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			reader = bufio.NewReader(conn)
			writeLine = func(format string, args ...any) {
				fmt.Fprintf(conn, format+"\r\n", args...)
			}
		case "AUTH":
			writeLine("334 VXNlcm5hbWU6")
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			writeLine("334 UGFzc3dvcmQ6")
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
			if s.authFail {
				writeLine("535 Authentication failed")
			} else {
				writeLine("235 Authentication successful")
			}
		case "MAIL":
			writeLine("250 OK")
		case "RCPT":
			writeLine("250 OK")
		case "DATA":
			writeLine("354 End data with <CR><LF>.<CR><LF>")
			inData = true
		case "NOOP":
			writeLine("250 OK")
		case "QUIT":
			writeLine("221 Bye")
			return
		default:
			writeLine("500 Unrecognized command")
		}
	}
}

// testTLS builds a self-signed server config and a client config trusting it.
func testTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	cert, err := mtls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generating certificate: %v", err)
	}
	serverCfg := mtls.ServerConfig(cert)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	clientCfg := &tls.Config{
		ServerName: "localhost",
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	}
	return serverCfg, clientCfg
}

func clientConfig(s *fakeServer, clientTLS *tls.Config, secure bool) Config {
	host, port := s.addr()
	return Config{
		Host:      host,
		Port:      port,
		Secure:    secure,
		Username:  "user",
		Password:  "pass",
		Timeout:   2 * time.Second,
		TLSConfig: clientTLS,
	}
}

func TestDial_StartTLSTransaction(t *testing.T) {
	t.Parallel()

	serverTLS, clientTLS := testTLS(t)
	s := newFakeServer(t, serverTLS, false)

	c, err := Dial(context.Background(), clientConfig(s, clientTLS, false), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if !c.tlsActive {
		t.Error("connection did not upgrade to TLS")
	}

	if err := c.Mail("sender@example.com"); err != nil {
		t.Fatalf("MAIL FROM: %v", err)
	}
	if err := c.Rcpt("a@b.co"); err != nil {
		t.Fatalf("RCPT TO: %v", err)
	}
	payload := "Subject: hi\r\n\r\nbody\r\n.\r\n"
	if err := c.Data(payload); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("QUIT: %v", err)
	}

	if got := s.receivedData(); got != payload {
		t.Errorf("payload: got %q, want %q", got, payload)
	}

	// EHLO must be re-issued after the TLS upgrade.
	ehlos := 0
	for _, cmd := range s.receivedCommands() {
		if strings.HasPrefix(strings.ToUpper(cmd), "EHLO") {
			ehlos++
		}
	}
	if ehlos != 2 {
		t.Errorf("EHLO count: got %d, want 2 (before and after STARTTLS)", ehlos)
	}
}

func TestDial_ImplicitTLS(t *testing.T) {
	t.Parallel()

	serverTLS, clientTLS := testTLS(t)
	s := newFakeServer(t, serverTLS, true)

	c, err := Dial(context.Background(), clientConfig(s, clientTLS, true), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if !c.tlsActive {
		t.Error("implicit TLS connection not marked active")
	}

	// No STARTTLS on an implicit TLS session.
	for _, cmd := range s.receivedCommands() {
		if strings.HasPrefix(strings.ToUpper(cmd), "STARTTLS") {
			t.Error("STARTTLS issued on implicit TLS connection")
		}
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	t.Parallel()

	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	_, err = Dial(context.Background(), Config{
		Host:    "127.0.0.1",
		Port:    port,
		Secure:  false,
		Timeout: time.Second,
	}, nil)
	if err == nil {
		t.Fatal("expected dial error, got nil")
	}
	var me *mailerr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error is not *mailerr.Error: %v", err)
	}
	if me.Kind != mailerr.KindConnection && me.Kind != mailerr.KindTimeout {
		t.Errorf("kind: got %q, want connection or timeout", me.Kind)
	}
}

func TestMail_ServerRejectionSurfacesResponse(t *testing.T) {
	t.Parallel()

	serverTLS, clientTLS := testTLS(t)
	s := newFakeServer(t, serverTLS, false)
	s.reject["MAIL"] = "550 5.1.0 Sender rejected"

	c, err := Dial(context.Background(), clientConfig(s, clientTLS, false), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	err = c.Mail("spam@example.com")
	if err == nil {
		t.Fatal("expected MAIL FROM rejection, got nil")
	}
	var me *mailerr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error is not *mailerr.Error: %v", err)
	}
	if me.Code != mailerr.CodeCommand {
		t.Errorf("code: got %q, want %q", me.Code, mailerr.CodeCommand)
	}
	if !strings.Contains(me.ServerResponse, "550") {
		t.Errorf("server response %q missing reply code", me.ServerResponse)
	}
	if !strings.Contains(me.LastCommand, "MAIL FROM") {
		t.Errorf("last command %q, want MAIL FROM", me.LastCommand)
	}
}

func TestAuth_FailureClassified(t *testing.T) {
	t.Parallel()

	serverTLS, clientTLS := testTLS(t)
	s := newFakeServer(t, serverTLS, false)
	s.authFail = true

	_, err := Dial(context.Background(), clientConfig(s, clientTLS, false), nil)
	if err == nil {
		t.Fatal("expected auth failure, got nil")
	}
	var me *mailerr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error is not *mailerr.Error: %v", err)
	}
	if me.Kind != mailerr.KindAuthentication {
		t.Errorf("kind: got %q, want %q", me.Kind, mailerr.KindAuthentication)
	}
	if !strings.Contains(me.ServerResponse, "535") {
		t.Errorf("server response %q missing reply code", me.ServerResponse)
	}
}

func TestGenerateMessageID(t *testing.T) {
	t.Parallel()

	hexID := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		id, err := GenerateMessageID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !hexID.MatchString(id) {
			t.Fatalf("message id %q is not 16 hex characters", id)
		}
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}
