package outreach

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures a realtime feed connection. One connection is held
// per coordinator session, not per conversation; conversation filtering
// happens in the consumer.
type FeedConfig struct {
	CoordinatorID string
	TenantID      string
	PracticeID    string

	// KeepaliveInterval is how often a ping frame is written while the
	// connection is open. The server's pong is discarded.
	KeepaliveInterval time.Duration

	// Handler receives every feed event. It is invoked synchronously from
	// the read loop, so a burst of events is processed strictly in arrival
	// order. Required.
	Handler func(FeedEvent)
}

func (c *FeedConfig) defaults() {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
}

// FeedState represents the connection lifecycle.
type FeedState string

const (
	FeedClosed     FeedState = "closed"
	FeedConnecting FeedState = "connecting"
	FeedOpen       FeedState = "open"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes jittered exponential backoff delays for the session's
// caller-driven reconnect loop. A connection that stayed up for a while
// resets the attempt counter.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// FeedClient
// ============================================================================

// FeedClient is the realtime push channel: a WebSocket connection to the
// outreach gateway delivering new-message and status-update events. It does
// not reconnect by itself; on close it emits a FeedDisconnected event and
// leaves the decision to the owner.
type FeedClient struct {
	client *Client
	config FeedConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	cancelFn         context.CancelFunc
}

// NewFeedClient creates a feed client. Call Connect to establish the
// connection.
func (c *Client) NewFeedClient(config FeedConfig) *FeedClient {
	config.defaults()
	return &FeedClient{
		client: c,
		config: config,
		state:  FeedClosed,
	}
}

// State returns the current connection state.
func (f *FeedClient) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect dials the gateway and starts the read and keepalive loops.
// Calling Connect while connecting or open is a no-op.
func (f *FeedClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state != FeedClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	params := url.Values{}
	params.Set("coordinatorId", f.config.CoordinatorID)
	if f.config.TenantID != "" {
		params.Set("tenantId", f.config.TenantID)
	}
	if f.config.PracticeID != "" {
		params.Set("practiceId", f.config.PracticeID)
	}
	if f.client.token != "" {
		params.Set("token", f.client.token)
	}
	feedURL := f.client.FeedURL() + "/feed?" + params.Encode()

	conn, _, err := websocket.Dial(ctx, feedURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedClosed
		f.mu.Unlock()
		return fmt.Errorf("feed dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.state = FeedOpen
	f.cancelFn = cancel
	f.mu.Unlock()

	go f.readLoop(connCtx)
	go f.keepaliveLoop(connCtx)

	return nil
}

// Close tears the connection down: socket closed, keepalive cleared. Safe
// to call more than once.
func (f *FeedClient) Close() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedClosed
	f.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (f *FeedClient) readLoop(ctx context.Context) {
	log := component("feed")
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.state = FeedClosed
			f.conn = nil
			if f.cancelFn != nil {
				f.cancelFn()
				f.cancelFn = nil
			}
			f.mu.Unlock()

			if !intentional {
				log.Debug().Err(err).Msg("feed connection lost")
				f.config.Handler(FeedEvent{Kind: FeedDisconnected, Reason: err.Error()})
			}
			return
		}

		event, ok := decodeFeedFrame(data)
		if !ok {
			// Malformed or uninteresting frame; drop it and keep reading.
			log.Debug().Str("frame", truncate(string(data), 200)).Msg("dropped feed frame")
			continue
		}
		f.config.Handler(event)
	}
}

// decodeFeedFrame parses one wire frame into a FeedEvent. Pong frames and
// anything unparseable return ok=false.
func decodeFeedFrame(data []byte) (FeedEvent, bool) {
	var frame feedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return FeedEvent{}, false
	}

	switch frame.Type {
	case frameNewMessage:
		payload := frame.Message
		if len(payload) == 0 {
			payload = frame.Data
		}
		if len(payload) == 0 {
			return FeedEvent{}, false
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return FeedEvent{}, false
		}
		if msg.ID == "" && msg.ProviderSID == "" {
			return FeedEvent{}, false
		}
		return FeedEvent{Kind: FeedNewMessage, Message: &msg}, true

	case frameStatusUpdate:
		if frame.MessageID == "" || frame.Status == "" {
			return FeedEvent{}, false
		}
		return FeedEvent{Kind: FeedStatusUpdate, MessageID: frame.MessageID, Status: frame.Status}, true
	}

	// {"message":"pong"} keepalive replies land here.
	return FeedEvent{}, false
}

func (f *FeedClient) keepaliveLoop(ctx context.Context) {
	log := component("feed")
	ticker := time.NewTicker(f.config.KeepaliveInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(map[string]string{"action": "ping"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			open := f.state == FeedOpen
			f.mu.Unlock()
			if !open || conn == nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				// Write failure surfaces through the read loop's error path.
				log.Debug().Err(err).Msg("keepalive write failed")
				conn.Close(websocket.StatusGoingAway, "keepalive failed")
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
