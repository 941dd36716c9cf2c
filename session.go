package outreach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmptyMessage is returned by SendMessage for a blank body; no network
// call is made and nothing is inserted.
var ErrEmptyMessage = errors.New("message body is empty")

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a conversation session.
type SessionConfig struct {
	// ConversationID scopes the session. A session is bound to one
	// conversation for its whole lifetime; open a new session to switch.
	ConversationID string

	// CoordinatorID identifies the signed-in coordinator. Used as the feed
	// connection identity and stamped onto optimistic sends.
	CoordinatorID string
	TenantID      string
	PracticeID    string

	// PageSize is the history window for initial load and pagination.
	// Default: DefaultPageSize.
	PageSize int

	// Poller tunes the fallback polling channel.
	Poller PollerConfig

	// DisableFeed runs the session on polling only. The poller always runs
	// regardless, so a degraded feed never blocks delivery.
	DisableFeed bool

	// FeedKeepalive overrides the feed ping interval.
	FeedKeepalive time.Duration

	// Feed reconnect backoff. Defaults: 1s base, 30s max, 10 attempts.
	// After the attempts are spent the session stays on polling alone.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// OnChange, when set, is called after every visible mutation of the
	// message list. Called from SDK goroutines; keep it cheap and
	// non-blocking (typically a coalesced UI invalidation).
	OnChange func()
}

func (c *SessionConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the live view of one conversation. It owns the message store
// and the pending-send registration, and it is the only writer to both: the
// REST fetch, the realtime feed, and the polling worker all hand their
// results to the session, which applies them through the store's operations
// with duplicate and echo reconciliation.
type Session struct {
	client  *Client
	config  SessionConfig
	store   *MessageStore
	pending *pendingRegistry
	feed    *FeedClient
	poller  *Poller
	recon   *reconnector
	log     zerolog.Logger

	mu           sync.Mutex
	open         bool
	opening      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	sending      int
	connected    bool
	loadedOffset int
	feedDown     chan struct{}
}

// NewSession creates a session for one conversation. Call Open to load
// history and start the update channels.
func NewSession(client *Client, config SessionConfig) *Session {
	config.defaults()
	s := &Session{
		client:   client,
		config:   config,
		store:    NewMessageStore(),
		pending:  newPendingRegistry(),
		log:      component("session"),
		feedDown: make(chan struct{}, 1),
	}
	s.recon = newReconnector(config.ReconnectBaseDelay, config.ReconnectMaxDelay, config.MaxReconnectAttempts)
	s.poller = NewPoller(client.Messages, config.Poller)
	if !config.DisableFeed {
		s.feed = client.NewFeedClient(FeedConfig{
			CoordinatorID:     config.CoordinatorID,
			TenantID:          config.TenantID,
			PracticeID:        config.PracticeID,
			KeepaliveInterval: config.FeedKeepalive,
			Handler:           s.handleFeedEvent,
		})
	}
	return s
}

// Open loads the most recent history page and starts the realtime feed and
// the polling fallback. Opening an already open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open || s.opening {
		s.mu.Unlock()
		return nil
	}
	s.opening = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.opening = false
		s.mu.Unlock()
	}()

	page, err := s.client.Messages.FetchInitial(ctx, s.config.ConversationID, s.config.PageSize)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.open = true
	s.cancel = cancel
	s.loadedOffset = page.Pagination.Offset
	s.mu.Unlock()

	s.store.SetAll(page.Messages)

	s.poller.Start(runCtx)
	s.poller.StartConversation(s.config.ConversationID, 0)
	s.wg.Add(1)
	go s.consumePollEvents(runCtx)

	if s.feed != nil {
		s.wg.Add(1)
		go s.maintainFeed(runCtx)
	}

	s.notify()
	return nil
}

// Close tears the session down: feed closed, poller stopped, pending
// registrations dropped. In-flight send responses arriving after Close are
// discarded. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	cancel := s.cancel
	s.cancel = nil
	s.connected = false
	s.mu.Unlock()

	cancel()
	if s.feed != nil {
		s.feed.Close()
	}
	s.poller.Stop()
	s.wg.Wait()
	s.pending.Clear()
}

// Messages returns the current message list, ascending by creation time.
func (s *Session) Messages() []Message {
	return s.store.Messages()
}

// Sending reports whether any optimistic send is still in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending > 0
}

// Connected reports whether the realtime feed is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ============================================================================
// Optimistic send pipeline
// ============================================================================

// SendMessage inserts a pending message immediately, then performs the
// network send and reconciles the pending record with the server-assigned
// identifiers. On failure the record flips to "failed" with the error text
// and stays visible; the error is also returned so the caller can surface
// it. Multiple sends may be in flight concurrently.
func (s *Session) SendMessage(ctx context.Context, body string, opts *SendMessageOptions) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}

	tempID := NewTemporaryID()
	now := time.Now()
	local := Message{
		TemporaryID:    tempID,
		ConversationID: s.config.ConversationID,
		Direction:      DirectionOutbound,
		Body:           body,
		Status:         StatusSending,
		AuthorID:       s.config.CoordinatorID,
		CreatedAt:      now,
	}
	if opts != nil {
		local.TemplateID = opts.TemplateID
		local.MediaURLs = opts.MediaURLs
	}

	s.store.Add(local)
	s.mu.Lock()
	s.sending++
	s.mu.Unlock()
	s.notify()

	defer func() {
		s.mu.Lock()
		s.sending--
		s.mu.Unlock()
	}()

	created, err := s.client.Messages.Send(ctx, s.config.ConversationID, body, opts)
	if err != nil {
		s.store.Update(tempID, func(m *Message) {
			m.Status = StatusFailed
			m.ErrorMessage = err.Error()
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				m.ErrorCode = apiErr.Code
			}
		})
		s.pending.Deregister(tempID)
		s.notify()
		return err
	}

	// Mount guard: a response landing after Close is discarded rather than
	// applied to a torn-down view.
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Register before touching the store so a concurrent echo between the
	// two steps resolves to this send instead of inserting a duplicate.
	s.pending.Register(tempID, created.ID, created.ProviderSID)

	if created.ID != "" && s.store.Contains(created.ID) {
		// The confirmed message already arrived through the feed or the
		// poller; the optimistic placeholder lost the race.
		s.store.RemoveByIdentity(tempID)
	} else {
		s.store.Update(tempID, func(m *Message) {
			applyServerMessage(m, created)
		})
	}
	s.pending.Deregister(tempID)
	s.notify()
	return nil
}

// applyServerMessage folds the server's view of a message into the local
// record, replacing the temporary identity with the server one.
func applyServerMessage(m *Message, server *Message) {
	m.ID = server.ID
	if server.ProviderSID != "" {
		m.ProviderSID = server.ProviderSID
	}
	if server.Status != "" {
		m.Status = server.Status
	}
	if server.Body != "" {
		m.Body = server.Body
	}
	if server.SegmentCount > 0 {
		m.SegmentCount = server.SegmentCount
	}
	if server.AuthorID != "" {
		m.AuthorID = server.AuthorID
	}
	if !server.CreatedAt.IsZero() {
		m.CreatedAt = server.CreatedAt
	}
	if server.SentAt != nil {
		m.SentAt = server.SentAt
	}
	if server.DeliveredAt != nil {
		m.DeliveredAt = server.DeliveredAt
	}
	if server.ReadAt != nil {
		m.ReadAt = server.ReadAt
	}
}

// ============================================================================
// Pagination and refresh
// ============================================================================

// LoadMore fetches the page preceding the oldest loaded one and prepends
// it. A no-op once the beginning of history is loaded.
func (s *Session) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	offset := s.loadedOffset
	s.mu.Unlock()
	if offset <= 0 {
		return nil
	}

	limit := s.config.PageSize
	newOffset := offset - limit
	if newOffset < 0 {
		limit = offset
		newOffset = 0
	}

	page, err := s.client.Messages.FetchPage(ctx, s.config.ConversationID, newOffset, limit)
	if err != nil {
		return err
	}

	// A page landing after Close is discarded rather than applied to a
	// torn-down view.
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	if newOffset < s.loadedOffset {
		s.loadedOffset = newOffset
	}
	s.mu.Unlock()

	if s.store.Prepend(page.Messages) > 0 {
		s.notify()
	}
	return nil
}

// Refresh re-fetches the latest window once and merges it, outside the
// polling cadence.
func (s *Session) Refresh(ctx context.Context) error {
	page, err := s.client.Messages.FetchLatest(ctx, s.config.ConversationID, s.config.PageSize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return nil
	}

	msgs := page.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	s.absorb(msgs)
	return nil
}

// ============================================================================
// Channel event handling
// ============================================================================

// handleFeedEvent is the single dispatch point for the realtime feed.
func (s *Session) handleFeedEvent(ev FeedEvent) {
	switch ev.Kind {
	case FeedNewMessage:
		msg := ev.Message
		if msg.ConversationID != "" && msg.ConversationID != s.config.ConversationID {
			return
		}
		if s.reconcileIncoming(*msg) {
			s.notify()
		}

	case FeedStatusUpdate:
		if s.applyStatus(ev.MessageID, ev.Status) {
			s.notify()
		}

	case FeedDisconnected:
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.notify()
		select {
		case s.feedDown <- struct{}{}:
		default:
		}
	}
}

// reconcileIncoming applies one confirmed message from any channel.
// Returns true when the visible list changed.
func (s *Session) reconcileIncoming(msg Message) bool {
	// Already known under its server id or provider SID. A SID-only
	// record from an earlier frame gains its server id here; anything
	// else is duplicate delivery, expected and silently ignored.
	if s.store.Contains(msg.ID) || s.store.Contains(msg.ProviderSID) {
		if msg.ID != "" && !s.store.Contains(msg.ID) {
			return s.store.Update(msg.ProviderSID, func(m *Message) {
				applyServerMessage(m, &msg)
			})
		}
		return false
	}

	// Echo of one of our own in-flight sends: confirm the optimistic
	// record in place instead of inserting a second row.
	if tempID, ok := s.pending.Resolve(msg.ID, msg.ProviderSID); ok {
		updated := s.store.Update(tempID, func(m *Message) {
			applyServerMessage(m, &msg)
		})
		s.pending.Deregister(tempID)
		if !updated {
			// Placeholder already reconciled or dropped; insert if the
			// confirmed row is genuinely absent.
			return s.store.Add(msg)
		}
		return true
	}

	return s.store.Add(msg)
}

func (s *Session) applyStatus(messageID string, status MessageStatus) bool {
	now := time.Now()
	return s.store.Update(messageID, func(m *Message) {
		m.Status = status
		switch status {
		case StatusSent:
			if m.SentAt == nil {
				m.SentAt = &now
			}
		case StatusDelivered:
			if m.DeliveredAt == nil {
				m.DeliveredAt = &now
			}
		case StatusRead:
			if m.ReadAt == nil {
				m.ReadAt = &now
			}
		}
	})
}

// absorb merges a batch from the poller (or Refresh), routing echoes of
// pending sends through reconciliation first.
func (s *Session) absorb(msgs []Message) {
	changed := false
	fresh := msgs[:0]
	for i := range msgs {
		m := msgs[i]
		if m.ConversationID != "" && m.ConversationID != s.config.ConversationID {
			continue
		}
		if tempID, ok := s.pending.Resolve(m.ID, m.ProviderSID); ok {
			serverCopy := m
			if s.store.Update(tempID, func(rec *Message) {
				applyServerMessage(rec, &serverCopy)
			}) {
				changed = true
			}
			s.pending.Deregister(tempID)
			continue
		}
		if m.ID != "" && !s.store.Contains(m.ID) && s.store.Contains(m.ProviderSID) {
			serverCopy := m
			if s.store.Update(m.ProviderSID, func(rec *Message) {
				applyServerMessage(rec, &serverCopy)
			}) {
				changed = true
			}
			continue
		}
		fresh = append(fresh, m)
	}
	if s.store.Merge(fresh) > 0 {
		changed = true
	}
	if changed {
		s.notify()
	}
}

func (s *Session) consumePollEvents(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.poller.Events():
			switch ev.Type {
			case MessagesFetched:
				s.absorb(ev.Messages)
			case PollError:
				s.log.Debug().Err(ev.Err).Bool("willRetry", ev.WillRetry).
					Str("conversation", ev.ConversationID).Msg("poll error")
			case PollStatus:
				if ev.Status == PollStatusExhausted {
					// Last fetched state stays visible; nothing to clear.
					s.log.Warn().Str("conversation", ev.ConversationID).
						Msg("polling stopped after retry ceiling")
				}
			}
		}
	}
}

// maintainFeed owns the caller-driven reconnect policy: dial, wait for the
// disconnect signal, back off, dial again. When the attempts are spent the
// session keeps running on the polling channel alone.
func (s *Session) maintainFeed(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.feed.Connect(ctx); err != nil {
			if !s.recon.shouldReconnect() {
				s.log.Warn().Err(err).Msg("feed unavailable, staying on polling")
				return
			}
			delay := s.recon.nextDelay()
			s.log.Debug().Err(err).Dur("backoff", delay).Msg("feed connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		s.recon.markConnected()
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.notify()

		select {
		case <-ctx.Done():
			return
		case <-s.feedDown:
			if !s.recon.shouldReconnect() {
				s.log.Warn().Msg("feed reconnect attempts spent, staying on polling")
				return
			}
			delay := s.recon.nextDelay()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (s *Session) notify() {
	if s.config.OnChange != nil {
		s.config.OnChange()
	}
}
