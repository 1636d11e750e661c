// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw caller
// audio and returns synthesised agent audio in a single, stateful session.
// Examples include the OpenAI Realtime API and similar low-latency voice
// models.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed channel
// that carries audio and transcripts concurrently. A session lives exactly as
// long as the phone call it serves and supports mid-session reconfiguration.
//
// Audio crossing this boundary is G.711 μ-law at 8 kHz, the native format of
// carrier media streams, so the bridge forwards payloads without transcoding.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// Role values carried by [Transcript].
const (
	// RoleUser marks speech recognised from the caller.
	RoleUser = "user"

	// RoleAssistant marks text the model generated for its own spoken reply.
	RoleAssistant = "assistant"
)

// Transcript is one finalised speech turn reported by the session.
type Transcript struct {
	// Role is [RoleUser] or [RoleAssistant]. Providers may report other values;
	// consumers must tolerate them.
	Role string

	// Text is the recognised or generated text.
	Text string

	// Timestamp is when the provider finalised the turn.
	Timestamp time.Time
}

// ContextItem is a text message injected into the session's context mid-conversation.
// It is used to surface information produced outside the model, such as a
// collaborator's answer, without resending the full conversation history.
type ContextItem struct {
	// Role is the speaker role for this context item. Typical values match LLM
	// message roles: "system", "user", "assistant".
	Role string

	// Content is the text content of the context item.
	Content string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider voice id. Empty selects the provider default.
	Voice string

	// Instructions is the system-level prompt that defines the agent's
	// persona, the organisation it answers for and its behavioural
	// constraints.
	Instructions string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// The session is on the hot path of every call: every method must return
// quickly. Audio I/O is channel-based so the carrier read loop never blocks on
// the provider. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a μ-law audio chunk to the provider for processing.
	// Returns an error if the session is closed or the provider cannot accept
	// the chunk.
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits μ-law audio byte slices as
	// the model synthesises its spoken response. The channel is closed when the
	// session ends or when a mid-stream error occurs. After the channel closes,
	// call [SessionHandle.Err] to check whether the session ended cleanly.
	// Consumers must drain this channel promptly to prevent backpressure from
	// stalling the provider's receive loop.
	Audio() <-chan []byte

	// Err returns the error that caused the Audio channel to close prematurely,
	// or nil if the session ended cleanly.
	Err() error

	// Transcripts returns a read-only channel that emits finalised turns for
	// both caller speech and agent responses. The channel is closed when the
	// session ends.
	Transcripts() <-chan Transcript

	// Greet asks the model to speak first, using text as the opening line.
	Greet(text string) error

	// UpdateInstructions replaces the system-level instructions. Effective
	// for the next model turn.
	UpdateInstructions(instructions string) error

	// InjectTextContext inserts one or more ContextItems into the session's
	// rolling context, in order.
	InjectTextContext(items []ContextItem) error

	// Interrupt signals the provider to stop generating the current response and
	// discard any buffered audio.
	Interrupt() error

	// Close terminates the session, releases all resources, and closes the Audio and
	// Transcripts channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use: the bridge opens one
// session per concurrent call.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (e.g., authentication
	// failure, invalid voice, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
