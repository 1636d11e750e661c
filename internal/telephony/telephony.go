// Package telephony is the carrier call-control client. It redirects a live
// call leg to another number, which is how a caller is handed to a human.
package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/callbridge/internal/resilience"
)

// DefaultBaseURL is the carrier REST API base URL.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// ErrNotConfigured is returned by [Client.Redirect] when no account
// credentials are set.
var ErrNotConfigured = errors.New("telephony: call control not configured")

// Redirector moves an active call to another phone number.
type Redirector interface {
	Redirect(ctx context.Context, callSID, number string) error
}

// APIError is a non-2xx response from the carrier API.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telephony: api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Option is a functional option for [Client].
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithCircuitBreaker guards every request with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client calls the carrier REST API. It is safe for concurrent use.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
	breaker    *resilience.CircuitBreaker
}

var _ Redirector = (*Client)(nil)

// New returns a Client for the given account credentials.
func New(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    DefaultBaseURL,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "telephony",
			IsFailure: isServerFailure,
		})
	}
	return c
}

// Redirect replaces the call's instructions so that it dials number.
func (c *Client) Redirect(ctx context.Context, callSID, number string) error {
	if c.accountSID == "" || c.authToken == "" {
		return ErrNotConfigured
	}
	if callSID == "" || number == "" {
		return errors.New("telephony: redirect requires call sid and number")
	}

	form := url.Values{"Twiml": {DialTwiML(number)}}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json",
		c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))

	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.post(ctx, endpoint, form)
	})
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: redirect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}

// isServerFailure counts transport errors and 5xx responses against the
// breaker. 4xx responses describe a bad request for one call, not an
// unhealthy carrier.
func isServerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// DialTwiML returns call instructions that dial number.
func DialTwiML(number string) string {
	var b strings.Builder
	b.WriteString("<Response><Dial>")
	_ = xml.EscapeText(&b, []byte(number))
	b.WriteString("</Dial></Response>")
	return b.String()
}
