// Package extract pulls customer-profile and scheduling details out of caller
// speech. Results are drafts: later turns overwrite earlier values and
// nothing is validated against external systems.
package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// Profile draft keys.
const (
	KeyName     = "name"
	KeyEmail    = "email"
	KeyCallback = "callback_number"
)

// Scheduling draft keys.
const (
	KeyDay       = "preferred_day"
	KeyTimeOfDay = "preferred_time"
)

// Draft is what one turn contributed.
type Draft struct {
	Profile    map[string]string
	Scheduling map[string]string
}

// Empty reports whether nothing was extracted.
func (d Draft) Empty() bool {
	return len(d.Profile) == 0 && len(d.Scheduling) == 0
}

var (
	nameRe     = regexp.MustCompile(`(?i)\b(?:my name is|my name's|this is|call me)\s+([A-Za-z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+)?)`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe    = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	dayRe      = regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|today|tomorrow|next week|this week|weekend)\b`)
	clockRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)`)
	partOfDay  = regexp.MustCompile(`(?i)\b(morning|afternoon|evening|noon|lunchtime)\b`)
	notANameRe = regexp.MustCompile(`(?i)^(a|an|the|and|i|from|about|back|calling|just|not|so|very|really|regarding)$`)
)

// Extractor finds draft values in caller text. It is stateless and safe for
// concurrent use.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract returns whatever profile and scheduling details text contains.
func (e *Extractor) Extract(text string) Draft {
	d := Draft{Profile: map[string]string{}, Scheduling: map[string]string{}}
	if strings.TrimSpace(text) == "" {
		return d
	}

	if m := nameRe.FindStringSubmatch(text); m != nil {
		if name := cleanName(m[1]); name != "" {
			d.Profile[KeyName] = name
		}
	}
	if m := emailRe.FindString(text); m != "" {
		d.Profile[KeyEmail] = strings.ToLower(m)
	}
	if m := phoneRe.FindString(text); m != "" {
		if digits := normalisePhone(m); len(digits) >= 7 {
			d.Profile[KeyCallback] = digits
		}
	}

	if m := dayRe.FindString(text); m != "" {
		d.Scheduling[KeyDay] = strings.ToLower(m)
	}
	if m := clockRe.FindStringSubmatch(text); m != nil {
		t := m[1]
		if m[2] != "" {
			t += ":" + m[2]
		}
		d.Scheduling[KeyTimeOfDay] = t + " " + strings.ReplaceAll(strings.ToLower(m[3]), ".", "")
	} else if m := partOfDay.FindString(text); m != "" {
		d.Scheduling[KeyTimeOfDay] = strings.ToLower(m)
	}
	return d
}

// cleanName title-cases each word and drops filler words captured by the
// "this is" form.
func cleanName(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 || notANameRe.MatchString(words[0]) {
		return ""
	}
	for i, w := range words {
		if i > 0 && notANameRe.MatchString(w) {
			words = words[:i]
			break
		}
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func normalisePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
