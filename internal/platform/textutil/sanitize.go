// Package textutil cleans customer-supplied text before it is stored or rendered.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// Sanitizer strips markup and control characters from free text. It is safe for concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a Sanitizer backed by bluemonday's strict policy, which allows no HTML.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Line cleans a single-line value such as a name or phone number. Internal whitespace runs
// collapse to one space.
func (s *Sanitizer) Line(value string) string {
	return strings.Join(strings.Fields(s.clean(value)), " ")
}

// Multiline cleans a value where line breaks are meaningful, such as a shipping address. Blank
// lines are dropped and each line is trimmed.
func (s *Sanitizer) Multiline(value string) string {
	value = strings.ReplaceAll(value, "\r\n", "\n")
	lines := strings.Split(value, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if cleaned := s.Line(line); cleaned != "" {
			kept = append(kept, cleaned)
		}
	}
	return strings.Join(kept, "\n")
}

func (s *Sanitizer) clean(value string) string {
	value = norm.NFC.String(value)
	value = s.policy.Sanitize(value)
	// bluemonday escapes what it keeps; storage holds plain text and templates escape on output.
	value = html.UnescapeString(value)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, value)
}
