// Package summary produces the natural-language summary stored on a
// conversation when a call ends.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/store"
)

// ErrEmptySummary is returned when the model answers with blank text.
var ErrEmptySummary = errors.New("summary: model returned an empty summary")

const systemPrompt = `Summarise the following phone call between a caller and an AI receptionist.
Preserve: the caller's reason for calling, any contact details or appointment preferences
they gave, promises made by the receptionist and any requested follow-up.
Answer with two to four plain sentences and no headings.`

// maxTranscriptChars caps the transcript sent to the model; the tail is kept.
const maxTranscriptChars = 12000

// Option is a functional option for [Summariser].
type Option func(*Summariser)

// WithTimeout bounds each Summarise call. Default: 20s.
func WithTimeout(d time.Duration) Option {
	return func(s *Summariser) { s.timeout = d }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Summariser) { s.breaker = cb }
}

// Summariser asks an LLM for a call summary. Calls pass through a circuit
// breaker so a failing backend is not hit by every ending call.
type Summariser struct {
	llm     llm.Provider
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// New returns a Summariser backed by provider.
func New(provider llm.Provider, opts ...Option) *Summariser {
	s := &Summariser{
		llm:     provider,
		timeout: 20 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "summary-llm",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		})
	}
	return s
}

// Summarise returns a summary of records. An empty transcript yields an empty
// summary without contacting the model.
func (s *Summariser) Summarise(ctx context.Context, tenantName string, records []store.TranscriptRecord) (string, error) {
	transcript := formatTranscript(records)
	if transcript == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user := transcript
	if tenantName != "" {
		user = fmt.Sprintf("Organisation: %s\n\n%s", tenantName, transcript)
	}

	var out string
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages:     []llm.Message{{Role: "user", Content: user}},
			Temperature:  0.2,
			MaxTokens:    300,
		})
		if err != nil {
			return err
		}
		out = strings.TrimSpace(resp.Content)
		if out == "" {
			return ErrEmptySummary
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("summary: summarise: %w", err)
	}
	return out, nil
}

// formatTranscript renders records one per line, preferring the filtered
// text so redacted data never leaves the process.
func formatTranscript(records []store.TranscriptRecord) string {
	var sb strings.Builder
	for _, r := range records {
		text := r.FilteredText
		if text == "" {
			text = r.Text
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", r.Role, text)
	}
	out := sb.String()
	if len(out) > maxTranscriptChars {
		out = out[len(out)-maxTranscriptChars:]
		if i := strings.IndexByte(out, '\n'); i >= 0 {
			out = out[i+1:]
		}
	}
	return out
}

// Fallback returns a templated summary used when the model is unavailable.
func Fallback(records []store.TranscriptRecord, duration time.Duration) string {
	var customer, agent int
	var first string
	for _, r := range records {
		switch r.Role {
		case store.RoleCustomer:
			customer++
			if first == "" {
				first = r.FilteredText
				if first == "" {
					first = r.Text
				}
			}
		case store.RoleAgent:
			agent++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Call lasted %s with %d caller and %d agent turns.",
		duration.Round(time.Second), customer, agent)
	if first = strings.TrimSpace(first); first != "" {
		if r := []rune(first); len(r) > 200 {
			first = string(r[:200]) + "…"
		}
		fmt.Fprintf(&sb, " The caller opened with: %q.", first)
	}
	return sb.String()
}
