package outreach

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionBackend serves history reads from a messageBackend and routes sends
// through a swappable handler, so tests can hold responses or fail them.
type sessionBackend struct {
	mu      sync.Mutex
	history *messageBackend
	onSend  func(w http.ResponseWriter, body string)
}

func newSessionBackend(count int) *sessionBackend {
	b := &sessionBackend{history: newMessageBackend(count)}
	b.onSend = func(w http.ResponseWriter, body string) {
		writeJSON(w, http.StatusCreated, Message{
			ID:          "srv-new",
			ProviderSID: "SM-new",
			Body:        body,
			Direction:   DirectionOutbound,
			Status:      StatusSent,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return b
}

func (b *sessionBackend) setSendHandler(fn func(w http.ResponseWriter, body string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

func (b *sessionBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var payload struct {
			Body string `json:"body"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		b.mu.Lock()
		fn := b.onSend
		b.mu.Unlock()
		fn(w, payload.Body)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.handle(w, r)
}

func newTestSession(t *testing.T, backend http.Handler, mutate func(*SessionConfig)) *Session {
	t.Helper()
	client := newTestClient(t, backend)
	cfg := SessionConfig{
		ConversationID: "conv-1",
		CoordinatorID:  "coord-1",
		PageSize:       50,
		DisableFeed:    true,
		Poller: PollerConfig{
			// Slow cadence keeps the poller out of the way unless a test
			// wants it.
			Interval:    time.Minute,
			MinInterval: 5 * time.Millisecond,
			MaxInterval: 2 * time.Minute,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := NewSession(client, cfg)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s
}

// ============================================================================
// Open / history
// ============================================================================

func TestSessionOpenLoadsLatestPage(t *testing.T) {
	s := newTestSession(t, newSessionBackend(120), nil)

	msgs := s.Messages()
	require.Len(t, msgs, 50)
	assert.Equal(t, "m070", msgs[0].ID)
	assert.Equal(t, "m119", msgs[49].ID)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func TestSessionLoadMore(t *testing.T) {
	s := newTestSession(t, newSessionBackend(120), nil)
	ctx := context.Background()

	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, 100, len(s.Messages()))
	assert.Equal(t, "m020", s.Messages()[0].ID)

	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, 120, len(s.Messages()))
	assert.Equal(t, "m000", s.Messages()[0].ID)

	// Beginning of history reached; further calls are no-ops.
	require.NoError(t, s.LoadMore(ctx))
	assert.Equal(t, 120, len(s.Messages()))
}

func TestSessionOpenIsIdempotent(t *testing.T) {
	s := newTestSession(t, newSessionBackend(3), nil)
	require.NoError(t, s.Open(context.Background()))
	assert.Len(t, s.Messages(), 3)
}

func TestSessionConcurrentOpen(t *testing.T) {
	// Two racing Opens must resolve to a single load: one performs the
	// initial fetch, the other is a no-op.
	backend := newSessionBackend(10)
	var ascFetches atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("order") == "asc" {
			ascFetches.Add(1)
			time.Sleep(10 * time.Millisecond)
		}
		backend.ServeHTTP(w, r)
	})

	client := newTestClient(t, handler)
	s := NewSession(client, SessionConfig{
		ConversationID: "conv-1",
		CoordinatorID:  "coord-1",
		PageSize:       50,
		DisableFeed:    true,
		Poller:         PollerConfig{Interval: time.Minute, MinInterval: 5 * time.Millisecond, MaxInterval: 2 * time.Minute},
	})
	t.Cleanup(s.Close)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Open(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Len(t, s.Messages(), 10)
	// The initial load is two ascending fetches (count probe + page);
	// the losing Open must not repeat them.
	assert.Equal(t, int32(2), ascFetches.Load())
}

// ============================================================================
// Optimistic send
// ============================================================================

func TestSendMessageRoundTrip(t *testing.T) {
	backend := newSessionBackend(2)
	release := make(chan struct{})
	pendingVisible := make(chan []Message, 1)
	backend.setSendHandler(func(w http.ResponseWriter, body string) {
		<-release
		writeJSON(w, http.StatusCreated, Message{
			ID:          "srv-9",
			ProviderSID: "SM9",
			Body:        body,
			Direction:   DirectionOutbound,
			Status:      StatusSent,
			CreatedAt:   time.Now().UTC(),
		})
	})

	var changes int
	var changeMu sync.Mutex
	s := newTestSession(t, backend, func(c *SessionConfig) {
		c.OnChange = func() {
			changeMu.Lock()
			changes++
			changeMu.Unlock()
		}
	})

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "  checking in  ", nil) }()

	// The pending record is visible while the request is in flight.
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		if len(msgs) == 3 && msgs[2].IsPending() {
			pendingVisible <- msgs
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	pending := (<-pendingVisible)[2]
	assert.Equal(t, StatusSending, pending.Status)
	assert.Equal(t, "checking in", pending.Body, "body is trimmed before insert")
	assert.Equal(t, "coord-1", pending.AuthorID)
	assert.True(t, s.Sending())

	close(release)
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	got := msgs[2]
	assert.Equal(t, "srv-9", got.ID)
	assert.Equal(t, "SM9", got.ProviderSID)
	assert.Empty(t, got.TemporaryID)
	assert.Equal(t, StatusSent, got.Status)
	assert.False(t, s.Sending())

	changeMu.Lock()
	assert.GreaterOrEqual(t, changes, 2, "insert and reconcile both notify")
	changeMu.Unlock()
}

func TestSendMessageEmptyBody(t *testing.T) {
	s := newTestSession(t, newSessionBackend(1), nil)

	err := s.SendMessage(context.Background(), "   \n\t ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Len(t, s.Messages(), 1, "nothing inserted for a blank body")
}

func TestSendMessageFailureKeepsRecord(t *testing.T) {
	backend := newSessionBackend(1)
	backend.setSendHandler(func(w http.ResponseWriter, body string) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]string{"code": "RECIPIENT_OPTED_OUT", "message": "patient opted out"},
		})
	})
	s := newTestSession(t, backend, nil)

	err := s.SendMessage(context.Background(), "hello", nil)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	failed := msgs[1]
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "RECIPIENT_OPTED_OUT", failed.ErrorCode)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.Empty(t, failed.ID, "failed sends never gain a server identity")
	assert.False(t, s.Sending())
}

func TestSendMessageEchoRace(t *testing.T) {
	// The feed can deliver the confirmed message before the send response
	// returns. The optimistic placeholder must lose the race cleanly: one
	// record, under the server identity.
	backend := newSessionBackend(0)
	release := make(chan struct{})
	backend.setSendHandler(func(w http.ResponseWriter, body string) {
		<-release
		writeJSON(w, http.StatusCreated, Message{
			ID:        "srv-77",
			Body:      body,
			Direction: DirectionOutbound,
			Status:    StatusSent,
			CreatedAt: time.Now().UTC(),
		})
	})
	s := newTestSession(t, backend, nil)

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "race me", nil) }()

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Confirmed copy arrives through the feed first.
	s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &Message{
		ID:             "srv-77",
		ConversationID: "conv-1",
		Direction:      DirectionOutbound,
		Body:           "race me",
		Status:         StatusSent,
		CreatedAt:      time.Now().UTC(),
	}})

	close(release)
	require.NoError(t, <-done)

	msgs := s.Messages()
	require.Len(t, msgs, 1, "placeholder and echo must collapse into one record")
	assert.Equal(t, "srv-77", msgs[0].ID)
}

// ============================================================================
// Feed events
// ============================================================================

func TestSessionFeedNewMessage(t *testing.T) {
	s := newTestSession(t, newSessionBackend(1), nil)

	incoming := Message{
		ID:             "srv-50",
		ConversationID: "conv-1",
		Direction:      DirectionInbound,
		Body:           "hi there",
		Status:         StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	}
	s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &incoming})
	assert.Len(t, s.Messages(), 2)

	t.Run("duplicate delivery is ignored", func(t *testing.T) {
		s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &incoming})
		assert.Len(t, s.Messages(), 2)
	})

	t.Run("other conversations are filtered", func(t *testing.T) {
		other := incoming
		other.ID = "srv-51"
		other.ConversationID = "conv-other"
		s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &other})
		assert.Len(t, s.Messages(), 2)
	})
}

func TestSessionFeedSidOnlyMessage(t *testing.T) {
	s := newTestSession(t, newSessionBackend(0), nil)

	// The gateway can push a message that only carries the provider SID.
	sidOnly := Message{
		ProviderSID:    "SM-push",
		ConversationID: "conv-1",
		Direction:      DirectionInbound,
		Body:           "sid only",
		Status:         StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	}
	s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &sidOnly})
	require.Len(t, s.Messages(), 1, "SID-only message must be displayed")
	assert.True(t, s.store.Contains("SM-push"))

	t.Run("redelivery is ignored", func(t *testing.T) {
		s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &sidOnly})
		assert.Len(t, s.Messages(), 1)
	})

	t.Run("later copy folds the server id in", func(t *testing.T) {
		withID := sidOnly
		withID.ID = "srv-88"
		s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &withID})

		msgs := s.Messages()
		require.Len(t, msgs, 1, "id-bearing copy must upgrade, not duplicate")
		assert.Equal(t, "srv-88", msgs[0].ID)
		assert.Equal(t, "SM-push", msgs[0].ProviderSID)
		assert.True(t, s.store.Contains("srv-88"))
	})

	t.Run("poll window upgrade takes the same path", func(t *testing.T) {
		early := Message{
			ProviderSID:    "SM-poll",
			ConversationID: "conv-1",
			Direction:      DirectionInbound,
			Body:           "poll sid only",
			Status:         StatusDelivered,
			CreatedAt:      time.Now().UTC(),
		}
		s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &early})
		require.Len(t, s.Messages(), 2)

		withID := early
		withID.ID = "srv-89"
		s.absorb([]Message{withID})

		require.Len(t, s.Messages(), 2)
		got, ok := s.store.Get("srv-89")
		require.True(t, ok)
		assert.Equal(t, "SM-poll", got.ProviderSID)
	})
}

func TestSessionFeedStatusUpdate(t *testing.T) {
	s := newTestSession(t, newSessionBackend(0), nil)
	s.handleFeedEvent(FeedEvent{Kind: FeedNewMessage, Message: &Message{
		ID:             "srv-1",
		ConversationID: "conv-1",
		Direction:      DirectionOutbound,
		Status:         StatusSent,
		Body:           "out",
		CreatedAt:      time.Now().UTC(),
	}})

	s.handleFeedEvent(FeedEvent{Kind: FeedStatusUpdate, MessageID: "srv-1", Status: StatusDelivered})

	got, ok := s.store.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.NotNil(t, got.DeliveredAt)

	t.Run("unknown message is a no-op", func(t *testing.T) {
		s.handleFeedEvent(FeedEvent{Kind: FeedStatusUpdate, MessageID: "srv-404", Status: StatusRead})
		assert.Len(t, s.Messages(), 1)
	})
}

// ============================================================================
// Poll absorb
// ============================================================================

func TestSessionAbsorbDeduplicates(t *testing.T) {
	s := newTestSession(t, newSessionBackend(3), nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Overlapping poll window: two already loaded, one new.
	window := []Message{
		mkMsg("m001", base.Add(1*time.Minute)),
		mkMsg("m002", base.Add(2*time.Minute)),
		mkMsg("m900", base.Add(10*time.Minute)),
	}
	s.absorb(window)

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "m900", msgs[3].Key())
}

func TestSessionPollingDeliversMessages(t *testing.T) {
	backend := newSessionBackend(2)
	s := newTestSession(t, backend, func(c *SessionConfig) {
		c.Poller.Interval = 10 * time.Millisecond
	})

	// Grow the backend; the next poll window picks it up.
	backend.mu.Lock()
	backend.history.messages = append(backend.history.messages, Message{
		ID:             "m-late",
		ConversationID: "conv-1",
		Direction:      DirectionInbound,
		Body:           "fresh",
		Status:         StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	})
	backend.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, s.store.Contains("m-late"))
}

// ============================================================================
// Close
// ============================================================================

func TestSessionCloseDiscardsLateSendResponse(t *testing.T) {
	backend := newSessionBackend(0)
	release := make(chan struct{})
	backend.setSendHandler(func(w http.ResponseWriter, body string) {
		<-release
		writeJSON(w, http.StatusCreated, Message{
			ID:        "srv-late",
			Body:      body,
			Status:    StatusSent,
			CreatedAt: time.Now().UTC(),
		})
	})
	s := newTestSession(t, backend, nil)

	done := make(chan error, 1)
	go func() { done <- s.SendMessage(context.Background(), "late", nil) }()
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Close()
	close(release)
	require.NoError(t, <-done)

	// The response landed after teardown and was not applied.
	assert.False(t, s.store.Contains("srv-late"))
}

func TestSessionCloseDiscardsLateLoadMore(t *testing.T) {
	backend := newSessionBackend(120)
	var gate atomic.Bool
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gate.Load() && r.Method == http.MethodGet {
			<-release
		}
		backend.ServeHTTP(w, r)
	})
	s := newTestSession(t, handler, nil)
	require.Len(t, s.Messages(), 50)

	gate.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.LoadMore(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	close(release)
	require.NoError(t, <-done)

	// The page landed after teardown and was not prepended.
	assert.Len(t, s.Messages(), 50)
}

func TestSessionCloseDiscardsLateRefresh(t *testing.T) {
	backend := newSessionBackend(2)
	var gate atomic.Bool
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gate.Load() && r.Method == http.MethodGet {
			<-release
		}
		backend.ServeHTTP(w, r)
	})
	s := newTestSession(t, handler, nil)
	require.Len(t, s.Messages(), 2)

	// New message appears upstream while the refresh is held open.
	backend.mu.Lock()
	backend.history.messages = append(backend.history.messages, Message{
		ID:             "m-after-close",
		ConversationID: "conv-1",
		Direction:      DirectionInbound,
		Body:           "too late",
		Status:         StatusDelivered,
		CreatedAt:      time.Now().UTC(),
	})
	backend.mu.Unlock()

	gate.Store(true)
	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Close()
	close(release)
	require.NoError(t, <-done)

	assert.False(t, s.store.Contains("m-after-close"),
		"refresh result landing after teardown must be discarded")
	assert.Len(t, s.Messages(), 2)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t, newSessionBackend(1), nil)
	s.Close()
	s.Close()
}
