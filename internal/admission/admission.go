// Package admission implements hard admission control for carrier media
// streams: a cap on concurrently active call sessions and a fixed-window cap
// on inbound media packets per session.
//
// A single [Controller] is constructed at startup and shared by every
// connection handler. Rejected connections are never queued; dropped packets
// are never surfaced as errors.
package admission

import (
	"errors"
	"sync"
	"time"
)

// ErrCapacity is returned by [Controller.TryAdmitConnection] when the server
// already serves the configured maximum number of calls.
var ErrCapacity = errors.New("admission: at capacity")

// Defaults used when a [Config] field is zero.
const (
	defaultMaxConnections   = 50
	defaultPacketsPerWindow = 50
	defaultWindow           = time.Second
)

// Config configures a [Controller].
type Config struct {
	// MaxConnections caps simultaneously admitted connections.
	MaxConnections int

	// PacketsPerWindow caps media packets per session per Window.
	PacketsPerWindow int

	// Window is the fixed packet-counting window.
	Window time.Duration
}

// Controller gates connections and media packets. All methods are safe for
// concurrent use.
//
// The window reset ticker is started lazily on the first packet and then runs
// for the lifetime of the process, idling when no sessions exist. [Controller.Close]
// stops it at process shutdown.
type Controller struct {
	window time.Duration

	mu               sync.Mutex
	maxConnections   int
	packetsPerWindow int
	active           int
	counts           map[string]int

	tickerOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

// New returns a Controller configured by cfg. Zero fields take defaults.
func New(cfg Config) *Controller {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.PacketsPerWindow <= 0 {
		cfg.PacketsPerWindow = defaultPacketsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Controller{
		window:           cfg.Window,
		maxConnections:   cfg.MaxConnections,
		packetsPerWindow: cfg.PacketsPerWindow,
		counts:           make(map[string]int),
		done:             make(chan struct{}),
	}
}

// TryAdmitConnection claims a connection slot. It returns [ErrCapacity] when
// the active count has reached the limit; the caller must then close the
// connection. Every nil return must be paired with one [Controller.ReleaseConnection].
func (c *Controller) TryAdmitConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.maxConnections {
		return ErrCapacity
	}
	c.active++
	return nil
}

// ReleaseConnection frees a slot claimed by [Controller.TryAdmitConnection].
func (c *Controller) ReleaseConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
}

// TryAdmitPacket counts one inbound media packet for sessionID and reports
// whether it falls within the current window's cap.
func (c *Controller) TryAdmitPacket(sessionID string) bool {
	c.tickerOnce.Do(func() { go c.tick() })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID]++
	return c.counts[sessionID] <= c.packetsPerWindow
}

// Forget discards the packet counter of a finished session.
func (c *Controller) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, sessionID)
}

// Active returns the number of currently admitted connections.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetLimits replaces both limits. Non-positive values leave the corresponding
// limit unchanged. Sessions above a lowered connection cap are not evicted.
func (c *Controller) SetLimits(maxConnections, packetsPerWindow int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maxConnections > 0 {
		c.maxConnections = maxConnections
	}
	if packetsPerWindow > 0 {
		c.packetsPerWindow = packetsPerWindow
	}
}

// Close stops the window ticker. Safe to call multiple times.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Controller) tick() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.reset()
		}
	}
}

// reset clears every per-session counter in one step.
func (c *Controller) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}
