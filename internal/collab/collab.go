// Package collab runs the expert-consultation sub-flow: a caller question is
// put to a panel of LLM-backed experts and their combined findings are
// injected into the live speech session so the agent can relay them.
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
)

// ErrNoAnswers is returned when every expert failed.
var ErrNoAnswers = errors.New("collab: no expert produced an answer")

// Expert is one member of the consultation panel.
type Expert struct {
	Name  string
	Focus string
}

// DefaultExperts is used when no panel is configured.
var DefaultExperts = []Expert{
	{Name: "Generalist", Focus: "practical small-business advice"},
}

const (
	defaultTimeout = 20 * time.Second
	maxHistory     = 4
)

// Config configures a [Consultation].
type Config struct {
	// LLM answers on behalf of each expert. Required.
	LLM llm.Provider

	// Experts is the panel. Defaults to [DefaultExperts].
	Experts []Expert

	// Timeout bounds one consultation. Default: 20s.
	Timeout time.Duration

	// Parallelism caps concurrent expert calls. Default: number of experts.
	Parallelism int
}

// exchange is one answered question, kept as context for follow-ups.
type exchange struct {
	question string
	answer   string
}

// Consultation implements workflow.Collaborator. It is safe for concurrent
// use across sessions.
type Consultation struct {
	llm         llm.Provider
	experts     []Expert
	timeout     time.Duration
	parallelism int

	mu      sync.Mutex
	history map[string][]exchange
}

// New returns a Consultation configured by cfg.
func New(cfg Config) *Consultation {
	c := &Consultation{
		llm:         cfg.LLM,
		experts:     cfg.Experts,
		timeout:     cfg.Timeout,
		parallelism: cfg.Parallelism,
		history:     make(map[string][]exchange),
	}
	if len(c.experts) == 0 {
		c.experts = DefaultExperts
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.parallelism <= 0 {
		c.parallelism = len(c.experts)
	}
	return c
}

// ProcessUserMessage consults every expert about message concurrently and
// injects the combined findings into speech. Individual expert failures are
// logged; the consultation fails only when no expert answered. It reports
// whether findings were delivered.
func (c *Consultation) ProcessUserMessage(ctx context.Context, sessionID string, speech s2s.SessionHandle, message string) (bool, error) {
	message = strings.TrimSpace(message)
	if message == "" || speech == nil {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prior := c.priorExchanges(sessionID)
	answers := make([]string, len(c.experts))

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, ex := range c.experts {
		g.Go(func() error {
			a, err := c.ask(ctx, ex, prior, message)
			if err != nil {
				observe.Logger(ctx).Warn("collab: expert failed",
					"session_id", sessionID, "expert", ex.Name, "err", err)
				return nil
			}
			answers[i] = a
			return nil
		})
	}
	_ = g.Wait()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Expert findings on the caller's question %q. Relay them to the caller in your own words:\n", message)
	n := 0
	for i, a := range answers {
		if a == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", c.experts[i].Name, a)
		n++
	}
	if n == 0 {
		return false, ErrNoAnswers
	}

	findings := strings.TrimRight(sb.String(), "\n")
	if err := speech.InjectTextContext([]s2s.ContextItem{{Role: "system", Content: findings}}); err != nil {
		return false, fmt.Errorf("collab: inject findings: %w", err)
	}
	c.remember(sessionID, exchange{question: message, answer: findings})
	observe.Logger(ctx).Info("collab: findings delivered", "session_id", sessionID, "experts", n)
	return true, nil
}

func (c *Consultation) ask(ctx context.Context, ex Expert, prior []exchange, question string) (string, error) {
	msgs := make([]llm.Message, 0, 2*len(prior)+1)
	for _, p := range prior {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: p.question},
			llm.Message{Role: "assistant", Content: p.answer},
		)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: question})

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(
			"You are %s, an expert in %s, advising a phone receptionist during a live call. "+
				"Answer in at most three short sentences suitable for reading aloud.", ex.Name, ex.Focus),
		Messages:    msgs,
		Temperature: 0.4,
		MaxTokens:   200,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (c *Consultation) priorExchanges(sessionID string) []exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange(nil), c.history[sessionID]...)
}

func (c *Consultation) remember(sessionID string, e exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[sessionID], e)
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	c.history[sessionID] = h
}

// Cleanup drops all per-session state. Safe to call more than once and for
// sessions that never consulted.
func (c *Consultation) Cleanup(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, sessionID)
}

// Sessions returns the number of sessions with consultation history.
func (c *Consultation) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
