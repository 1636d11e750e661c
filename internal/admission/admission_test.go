package admission

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAdmitConnection_RejectsAtCapacity(t *testing.T) {
	t.Parallel()
	c := New(Config{MaxConnections: 2})
	defer c.Close()

	for i := range 2 {
		if err := c.TryAdmitConnection(); err != nil {
			t.Fatalf("admit %d: unexpected error: %v", i, err)
		}
	}
	if err := c.TryAdmitConnection(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if got := c.Active(); got != 2 {
		t.Errorf("Active: got %d, want 2", got)
	}

	c.ReleaseConnection()
	if err := c.TryAdmitConnection(); err != nil {
		t.Errorf("admit after release: unexpected error: %v", err)
	}
}

func TestTryAdmitConnection_Concurrent(t *testing.T) {
	t.Parallel()
	const limit = 10
	c := New(Config{MaxConnections: limit})
	defer c.Close()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAdmitConnection() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted: got %d, want %d", got, limit)
	}
}

func TestReleaseConnection_NeverNegative(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	defer c.Close()

	c.ReleaseConnection()
	if got := c.Active(); got != 0 {
		t.Errorf("Active: got %d, want 0", got)
	}
}

func TestTryAdmitPacket_CapPerWindow(t *testing.T) {
	t.Parallel()
	c := New(Config{PacketsPerWindow: 1, Window: time.Hour})
	defer c.Close()

	if !c.TryAdmitPacket("s1") {
		t.Fatal("first packet should be admitted")
	}
	if c.TryAdmitPacket("s1") {
		t.Fatal("second packet in the same window should be dropped")
	}
	// Counters are per session.
	if !c.TryAdmitPacket("s2") {
		t.Error("first packet of another session should be admitted")
	}
}

func TestTryAdmitPacket_ResetClearsCounters(t *testing.T) {
	t.Parallel()
	c := New(Config{PacketsPerWindow: 3, Window: time.Hour})
	defer c.Close()

	for range 5 {
		c.TryAdmitPacket("s1")
	}
	if c.TryAdmitPacket("s1") {
		t.Fatal("expected drop before reset")
	}
	c.reset()
	for i := range 3 {
		if !c.TryAdmitPacket("s1") {
			t.Fatalf("packet %d after reset should be admitted", i)
		}
	}
}

func TestTryAdmitPacket_TickerResets(t *testing.T) {
	t.Parallel()
	c := New(Config{PacketsPerWindow: 1, Window: 20 * time.Millisecond})
	defer c.Close()

	c.TryAdmitPacket("s1")
	if c.TryAdmitPacket("s1") {
		t.Fatal("expected drop inside the window")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		c.mu.Lock()
		n := c.counts["s1"]
		c.mu.Unlock()
		if n == 0 {
			return
		}
	}
	t.Fatal("ticker did not reset the packet counter")
}

func TestForget(t *testing.T) {
	t.Parallel()
	c := New(Config{PacketsPerWindow: 1, Window: time.Hour})
	defer c.Close()

	c.TryAdmitPacket("s1")
	c.Forget("s1")

	c.mu.Lock()
	_, ok := c.counts["s1"]
	c.mu.Unlock()
	if ok {
		t.Error("counter should be removed after Forget")
	}
}

func TestSetLimits(t *testing.T) {
	t.Parallel()
	c := New(Config{MaxConnections: 1, PacketsPerWindow: 1, Window: time.Hour})
	defer c.Close()

	if err := c.TryAdmitConnection(); err != nil {
		t.Fatal(err)
	}
	c.SetLimits(2, 0)
	if err := c.TryAdmitConnection(); err != nil {
		t.Errorf("expected admission after raising the cap, got %v", err)
	}

	c.TryAdmitPacket("s1")
	if c.TryAdmitPacket("s1") {
		t.Error("packet cap must be unchanged by a zero argument")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	c.TryAdmitPacket("s1")
	c.Close()
	c.Close()
}
