// Package mock provides a test double for telephony.Redirector.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callbridge/internal/telephony"
)

// RedirectCall records a single invocation of Redirect.
type RedirectCall struct {
	CallSID string
	Number  string
}

// Redirector is a mock implementation of telephony.Redirector.
type Redirector struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Redirect.
	Err error

	// Done, if non-nil, receives one value per Redirect call.
	Done chan struct{}

	calls []RedirectCall
}

// Redirect records the call and returns Err.
func (r *Redirector) Redirect(_ context.Context, callSID, number string) error {
	r.mu.Lock()
	r.calls = append(r.calls, RedirectCall{CallSID: callSID, Number: number})
	err, done := r.Err, r.Done
	r.mu.Unlock()
	if done != nil {
		done <- struct{}{}
	}
	return err
}

// Calls returns a copy of all recorded calls.
func (r *Redirector) Calls() []RedirectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RedirectCall(nil), r.calls...)
}

var _ telephony.Redirector = (*Redirector)(nil)
