// Package safety redacts sensitive data from transcript text before it is
// persisted as the filtered copy of a record.
package safety

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidText is returned when the input is not valid UTF-8.
var ErrInvalidText = errors.New("safety: text is not valid utf-8")

// Redaction kinds reported in [Annotation.Kind].
const (
	KindCard       = "payment_card"
	KindNationalID = "national_id"
	KindEmail      = "email"
)

// Annotation describes one redaction.
type Annotation struct {
	Kind  string
	Count int
}

// Result is the outcome of one filter pass.
type Result struct {
	// Text is the redacted text. It equals the input when nothing matched.
	Text string

	// Annotations lists the redactions applied, in rule order. Empty when
	// nothing matched.
	Annotations []Annotation
}

// Kinds returns the redacted kinds joined by commas, suitable for record
// metadata.
func (r Result) Kinds() string {
	kinds := make([]string, len(r.Annotations))
	for i, a := range r.Annotations {
		kinds[i] = a.Kind
	}
	return strings.Join(kinds, ",")
}

type rule struct {
	kind        string
	re          *regexp.Regexp
	placeholder string
	valid       func(match string) bool
}

// Filter is a stateless regex redactor. It is safe for concurrent use.
type Filter struct {
	rules []rule
}

// NewFilter returns a Filter with the built-in rules.
func NewFilter() *Filter {
	return &Filter{rules: []rule{
		{
			kind:        KindEmail,
			re:          regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
			placeholder: "[email]",
		},
		{
			kind:        KindNationalID,
			re:          regexp.MustCompile(`\b\d{3}[- ]\d{2}[- ]\d{4}\b`),
			placeholder: "[national id]",
		},
		{
			kind:        KindCard,
			re:          regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			placeholder: "[card number]",
			valid:       luhn,
		},
	}}
}

// Filter redacts text. The context is accepted for parity with remote
// moderation backends and is only checked for cancellation.
func (f *Filter) Filter(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !utf8.ValidString(text) {
		return Result{}, ErrInvalidText
	}

	res := Result{Text: text}
	for _, r := range f.rules {
		n := 0
		res.Text = r.re.ReplaceAllStringFunc(res.Text, func(m string) string {
			if r.valid != nil && !r.valid(m) {
				return m
			}
			n++
			return r.placeholder
		})
		if n > 0 {
			res.Annotations = append(res.Annotations, Annotation{Kind: r.kind, Count: n})
		}
	}
	return res, nil
}

// luhn reports whether the digits in s pass the Luhn checksum.
func luhn(s string) bool {
	sum, double, digits := 0, false, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		digits++
	}
	return digits >= 13 && sum%10 == 0
}
