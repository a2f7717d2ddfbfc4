// Package composer builds the SMTP DATA payload: a multipart/mixed MIME
// message with header-injection defenses and base64-encoded attachments.
package composer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

const crlf = "\r\n"

// base64LineLength is the RFC 2045 maximum encoded line length.
const base64LineLength = 76

// Compose renders the full DATA payload for a message: the MIME message
// followed by the SMTP end-of-message terminator on its own line.
func Compose(m *email.Message) (string, error) {
	msg, err := ComposeMIME(m)
	if err != nil {
		return "", err
	}
	return msg + "." + crlf, nil
}

// ComposeMIME renders the MIME message itself: headers, text and html parts,
// one part per attachment, and the closing boundary. All line endings are
// CRLF. Header values that derive from user input are sanitized against
// injection. API backends that submit raw messages use this form directly.
func ComposeMIME(m *email.Message) (string, error) {
	boundary, err := newBoundary()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("MIME-Version: 1.0" + crlf)
	fmt.Fprintf(&b, "From: %s%s", email.SanitizeHeader(m.From), crlf)
	fmt.Fprintf(&b, "To: %s%s", email.SanitizeHeader(strings.Join(m.To, ", ")), crlf)
	if len(m.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s%s", email.SanitizeHeader(strings.Join(m.Cc, ", ")), crlf)
	}
	fmt.Fprintf(&b, "Subject: %s%s", email.SanitizeHeader(m.Subject), crlf)
	if p := priorityHeader(m.Priority); p != "" {
		fmt.Fprintf(&b, "X-Priority: %s%s", p, crlf)
	}
	for name, value := range m.Headers {
		name = email.SanitizeHeader(name)
		if name == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s%s", name, email.SanitizeHeader(value), crlf)
	}
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q%s", boundary, crlf)
	b.WriteString(crlf)

	if m.TextBody != "" {
		fmt.Fprintf(&b, "--%s%s", boundary, crlf)
		b.WriteString("Content-Type: text/plain; charset=utf-8" + crlf + crlf)
		b.WriteString(m.TextBody + crlf)
	}

	if m.HtmlBody != "" {
		fmt.Fprintf(&b, "--%s%s", boundary, crlf)
		b.WriteString("Content-Type: text/html; charset=utf-8" + crlf + crlf)
		b.WriteString(m.HtmlBody + crlf)
	}

	for _, att := range m.Attachments {
		loaded, err := LoadAttachment(att)
		if err != nil {
			return "", err
		}
		if loaded == nil {
			continue
		}
		fmt.Fprintf(&b, "--%s%s", boundary, crlf)
		fmt.Fprintf(&b, "Content-Type: %s%s", loaded.ContentType, crlf)
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q%s", loaded.Filename, crlf)
		b.WriteString("Content-Transfer-Encoding: base64" + crlf + crlf)
		b.WriteString(encodeBase64Folded(loaded.Content))
	}

	fmt.Fprintf(&b, "--%s--%s", boundary, crlf)

	return b.String(), nil
}

// newBoundary returns a fresh part boundary: four dashes plus 32 hex
// characters from the cryptographic RNG.
func newBoundary() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", mailerr.Wrap(mailerr.CodeUnknown, "generating MIME boundary", err)
	}
	return "----" + hex.EncodeToString(raw[:]), nil
}

// encodeBase64Folded base64-encodes content folded at 76 columns with CRLF
// line endings (RFC 2045 §6.8).
func encodeBase64Folded(content []byte) string {
	encoded := base64.StdEncoding.EncodeToString(content)

	var b strings.Builder
	for len(encoded) > base64LineLength {
		b.WriteString(encoded[:base64LineLength])
		b.WriteString(crlf)
		encoded = encoded[base64LineLength:]
	}
	b.WriteString(encoded)
	b.WriteString(crlf)
	return b.String()
}

// priorityHeader maps a request priority to an X-Priority value.
func priorityHeader(p string) string {
	switch strings.ToLower(p) {
	case "high":
		return "1"
	case "low":
		return "5"
	default:
		return ""
	}
}
