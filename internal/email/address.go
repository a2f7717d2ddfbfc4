package email

import (
	"regexp"
	"strings"

	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// addressPattern is the syntactic shape accepted for submission addresses:
// dot-separated atoms in the local part, dot-separated labels in the domain,
// and at least one dot in the domain. No DNS or MX verification is done.
var addressPattern = regexp.MustCompile(
	`^[A-Za-z0-9](?:[A-Za-z0-9!#$%&'*+\-/=?^_` + "`" + `{|}~]*[A-Za-z0-9])?` +
		`(?:\.[A-Za-z0-9](?:[A-Za-z0-9!#$%&'*+\-/=?^_` + "`" + `{|}~]*[A-Za-z0-9])?)*` +
		`@` +
		`[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?` +
		`(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)+$`)

// ValidateAddress checks addr against the accepted address shape and returns
// an EINVALIDEMAIL error when it does not conform.
func ValidateAddress(addr string) error {
	switch {
	case addr == "",
		strings.ContainsAny(addr, " \t"),
		strings.Contains(addr, ".."),
		strings.HasPrefix(addr, "."),
		strings.Contains(addr, ".@"),
		strings.Contains(addr, "@@"):
		return mailerr.Newf(mailerr.CodeInvalidEmail, "invalid email address: %q", addr).
			WithContext("address", addr)
	}
	if !addressPattern.MatchString(addr) {
		return mailerr.Newf(mailerr.CodeInvalidEmail, "invalid email address: %q", addr).
			WithContext("address", addr)
	}
	return nil
}
