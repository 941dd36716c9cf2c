package outreach

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:          20 * time.Millisecond,
		MinInterval:       5 * time.Millisecond,
		MaxInterval:       time.Second,
		WindowSize:        10,
		BackoffBase:       5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxRetries:        3,
	}
}

// waitEvent pulls events until one matches, failing the test on timeout.
func waitEvent(t *testing.T, events <-chan PollEvent, match func(PollEvent) bool) PollEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for poll event")
			return PollEvent{}
		}
	}
}

func TestPollerConfigDefaults(t *testing.T) {
	var cfg PollerConfig
	cfg.applyDefaults()
	assert.Equal(t, 7*time.Second, cfg.Interval)
	assert.Equal(t, 30, cfg.WindowSize)
	assert.Equal(t, 5, cfg.MaxRetries)

	t.Run("clamp", func(t *testing.T) {
		assert.Equal(t, cfg.MinInterval, cfg.clamp(time.Millisecond))
		assert.Equal(t, cfg.MaxInterval, cfg.clamp(time.Hour))
		assert.Equal(t, 10*time.Second, cfg.clamp(10*time.Second))
	})

	t.Run("backoff schedule", func(t *testing.T) {
		assert.Equal(t, time.Second, cfg.backoffDelay(0))
		assert.Equal(t, 2*time.Second, cfg.backoffDelay(1))
		assert.Equal(t, 4*time.Second, cfg.backoffDelay(2))
		// Capped at the MaxRetries exponent.
		assert.Equal(t, 32*time.Second, cfg.backoffDelay(9))
	})
}

func TestPollerFetchCycle(t *testing.T) {
	backend := newMessageBackend(5)
	client := newTestClient(t, http.HandlerFunc(backend.handle))

	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-1", 0)

	started := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollStatus })
	assert.Equal(t, PollStatusStarted, started.Status)
	assert.Equal(t, "conv-1", started.ConversationID)
	assert.False(t, started.At.IsZero())

	fetched := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == MessagesFetched })
	require.Equal(t, 5, fetched.Count)
	// Window arrives in display order regardless of the wire order.
	assert.Equal(t, "m000", fetched.Messages[0].ID)
	assert.Equal(t, "m004", fetched.Messages[4].ID)

	// Steady state keeps producing.
	waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == MessagesFetched })
}

func TestPollerStopConversation(t *testing.T) {
	backend := newMessageBackend(1)
	client := newTestClient(t, http.HandlerFunc(backend.handle))

	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-1", 0)
	waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == MessagesFetched })

	p.StopConversation("conv-1")
	waitEvent(t, p.Events(), func(ev PollEvent) bool {
		return ev.Type == PollStatus && ev.Status == PollStatusStopped
	})
}

func TestPollerSwitchConversationStopsPrevious(t *testing.T) {
	backend := newMessageBackend(1)
	client := newTestClient(t, http.HandlerFunc(backend.handle))

	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-a", 0)
	waitEvent(t, p.Events(), func(ev PollEvent) bool {
		return ev.Type == PollStatus && ev.Status == PollStatusStarted
	})

	p.StartConversation("conv-b", 0)
	stopped := waitEvent(t, p.Events(), func(ev PollEvent) bool {
		return ev.Type == PollStatus && ev.Status == PollStatusStopped
	})
	assert.Equal(t, "conv-a", stopped.ConversationID)

	started := waitEvent(t, p.Events(), func(ev PollEvent) bool {
		return ev.Type == PollStatus && ev.Status == PollStatusStarted
	})
	assert.Equal(t, "conv-b", started.ConversationID)
}

func TestPollerUpdateInterval(t *testing.T) {
	backend := newMessageBackend(1)
	client := newTestClient(t, http.HandlerFunc(backend.handle))

	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-1", 0)
	p.SetInterval("conv-1", 50*time.Millisecond)

	ev := waitEvent(t, p.Events(), func(ev PollEvent) bool {
		return ev.Type == PollStatus && ev.Status == PollStatusInterval
	})
	assert.Equal(t, 50*time.Millisecond, ev.Interval)

	t.Run("interval clamped to bounds", func(t *testing.T) {
		p.SetInterval("conv-1", time.Nanosecond)
		ev := waitEvent(t, p.Events(), func(ev PollEvent) bool {
			return ev.Type == PollStatus && ev.Status == PollStatusInterval
		})
		assert.Equal(t, 5*time.Millisecond, ev.Interval)
	})

	t.Run("unknown conversation ignored", func(t *testing.T) {
		p.SetInterval("conv-other", time.Second)
		p.StopConversation("conv-1")
		// The interval command for the wrong conversation produces no
		// event; the next status is the stop.
		ev := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollStatus })
		assert.Equal(t, PollStatusStopped, ev.Status)
	})
}

func TestPollerRetryCeiling(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"code": "UPSTREAM_DOWN", "message": "try later",
		})
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	cfg := fastPollerConfig()
	p := NewPoller(client.Messages, cfg)
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-1", 0)

	// MaxRetries transient errors, each announcing another attempt.
	for i := 0; i < cfg.MaxRetries; i++ {
		ev := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollError })
		assert.True(t, ev.WillRetry, "retry %d should announce another attempt", i)
		assert.Error(t, ev.Err)
	}

	// The attempt past the ceiling is terminal.
	final := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollError })
	assert.False(t, final.WillRetry)

	exhausted := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollStatus })
	assert.Equal(t, PollStatusExhausted, exhausted.Status)

	// Polling stopped: no further fetch attempts land on the backend.
	settled := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())
}

func TestPollerRecoversAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	backend := newMessageBackend(2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"message": "blip"})
			return
		}
		backend.handle(w, r)
	}))
	defer server.Close()

	client := NewClient("tok", WithBaseURL(server.URL))
	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	defer p.Stop()

	p.StartConversation("conv-1", 0)

	ev := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == PollError })
	assert.True(t, ev.WillRetry)

	fetched := waitEvent(t, p.Events(), func(ev PollEvent) bool { return ev.Type == MessagesFetched })
	assert.Equal(t, 2, fetched.Count)
}

func TestPollerStopIsIdempotent(t *testing.T) {
	backend := newMessageBackend(1)
	client := newTestClient(t, http.HandlerFunc(backend.handle))

	p := NewPoller(client.Messages, fastPollerConfig())
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
