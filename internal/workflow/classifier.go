package workflow

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultFuzzyThreshold = 0.92

// Answer is the classification of a caller reply to an outstanding offer.
type Answer int

const (
	// AnswerNone means the reply neither accepts nor declines.
	AnswerNone Answer = iota
	AnswerConsent
	AnswerDecline
	// AnswerAmbiguous means the reply both accepts and declines.
	AnswerAmbiguous
)

// String returns the outcome label used in logs and metrics.
func (a Answer) String() string {
	switch a {
	case AnswerConsent:
		return "consent"
	case AnswerDecline:
		return "decline"
	case AnswerAmbiguous:
		return "ambiguous"
	default:
		return "none"
	}
}

// ClassifierOption is a functional option for [Classifier].
type ClassifierOption func(*Classifier)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a misrecognised
// word to count as a consent or decline keyword. Default: 0.92.
func WithFuzzyThreshold(threshold float64) ClassifierOption {
	return func(c *Classifier) { c.fuzzyThreshold = threshold }
}

// Classifier detects offer, consent, decline and request phrasing in
// transcript text. It is read-only after construction and safe for concurrent
// use.
type Classifier struct {
	transferOffer      []*regexp.Regexp
	collaborationOffer []*regexp.Regexp
	collaborationAsk   []*regexp.Regexp
	consent            []*regexp.Regexp
	decline            []*regexp.Regexp

	consentWords   []string
	declineWords   []string
	fuzzyThreshold float64
}

// NewClassifier returns a Classifier with the built-in English phrase lists.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		transferOffer: compile(
			`\btransfer (you|your call)\b`,
			`\bput you through\b`,
			`\bconnect you (with|to) (a|an|one of our|someone|our)\b.*\b(human|person|representative|agent|colleague|team|staff|someone)\b`,
			`\b(would|do) you (like|want) (me )?to (speak|talk) (with|to) (a|an|someone|one of)\b.*\b(human|person|representative|agent|colleague|team|staff|someone)\b`,
			`\b(shall|should|can) i (transfer|connect|forward) you\b`,
		),
		collaborationOffer: compile(
			`\b(consult|check) with (our|my|the) (experts?|specialists?|expert panel)\b`,
			`\bbring in (an|our|the) (experts?|specialists?)\b`,
			`\b(would|do) you (like|want) (me )?to (get|ask for|request) (an|some) expert\b`,
			`\bexpert (consultation|opinion|panel)\b.*\?`,
		),
		collaborationAsk: compile(
			`\b(speak|talk|consult) (to|with) (an|your|the|some) (experts?|specialists?)\b`,
			`\b(get|want|need|like) (an|some) expert (opinion|advice|consultation|input)\b`,
			`\b(ask|consult|check with) (your|the) (experts|specialists|expert panel)\b`,
			`\bexpert consultation\b`,
		),
		consent: compile(
			`\b(yes|yeah|yep|yup|sure|okay|ok|absolutely|definitely|certainly|alright)\b`,
			`\bof course\b`,
			`\bgo ahead\b`,
			`\bplease do\b`,
			`\bsounds good\b`,
			`\bthat would be (great|good|helpful|nice)\b`,
			`\bi('d| would) (like|love) that\b`,
			`\blet'?s do (it|that)\b`,
		),
		decline: compile(
			`\b(no|nope|nah)\b`,
			`\bnot (now|really|sure|today|necessary|needed)\b`,
			`\b(don'?t|do not)\b`,
			`\brather not\b`,
			`\bnever ?mind\b`,
			`\bno thanks?\b`,
			`\bi'?m (fine|good|okay) (thanks|thank you)\b`,
		),
		consentWords:   []string{"yes", "yeah", "sure", "okay", "absolutely", "definitely", "certainly", "alright"},
		declineWords:   []string{"nope"},
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsTransferOffer reports whether agent text offers a transfer to a human.
func (c *Classifier) IsTransferOffer(text string) bool {
	return matchAny(c.transferOffer, normalise(text))
}

// IsCollaborationOffer reports whether agent text offers an expert consultation.
func (c *Classifier) IsCollaborationOffer(text string) bool {
	return matchAny(c.collaborationOffer, normalise(text))
}

// IsCollaborationRequest reports whether caller text directly asks for an
// expert consultation.
func (c *Classifier) IsCollaborationRequest(text string) bool {
	return matchAny(c.collaborationAsk, normalise(text))
}

// Answer classifies a caller reply to an outstanding offer.
func (c *Classifier) Answer(text string) Answer {
	norm := normalise(text)
	yes := matchAny(c.consent, norm) || c.fuzzyMatch(norm, c.consentWords)
	no := matchAny(c.decline, norm) || c.fuzzyMatch(norm, c.declineWords)
	switch {
	case yes && no:
		return AnswerAmbiguous
	case yes:
		return AnswerConsent
	case no:
		return AnswerDecline
	default:
		return AnswerNone
	}
}

// fuzzyMatch reports whether any word of norm is close to a keyword. Short
// words are skipped because Jaro-Winkler is unreliable on them.
func (c *Classifier) fuzzyMatch(norm string, keywords []string) bool {
	for _, w := range strings.Fields(norm) {
		w = strings.Trim(w, "'")
		if len(w) < 3 {
			continue
		}
		for _, k := range keywords {
			if matchr.JaroWinkler(w, k, false) >= c.fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// normalise lower-cases text and replaces punctuation other than apostrophes
// and question marks with spaces.
func normalise(text string) string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'', r == '?':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
