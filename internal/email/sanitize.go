package email

import "strings"

// headerStrip removes the characters that allow header injection or folding
// tricks: CR, LF, TAB, VT, FF.
var headerStrip = strings.NewReplacer(
	"\r", "",
	"\n", "",
	"\t", "",
	"\v", "",
	"\f", "",
)

// SanitizeHeader strips CR, LF, TAB, VT and FF from a header value derived
// from user input. Quotes are not escaped and non-ASCII is left as-is; the
// value is emitted verbatim after stripping.
func SanitizeHeader(v string) string {
	return headerStrip.Replace(v)
}
