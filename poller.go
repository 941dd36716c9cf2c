package outreach

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The polling worker is the fallback delivery channel: while the realtime
// feed is degraded (or as belt-and-braces alongside it) it re-fetches the
// latest history window on an interval and hands the result to its
// consumer. It runs as an isolated task and communicates only through typed
// command and event messages; it never touches the message store itself.

// ============================================================================
// Commands and events
// ============================================================================

// PollCommandType discriminates commands sent to the worker.
type PollCommandType string

const (
	StartPolling   PollCommandType = "START_POLLING"
	StopPolling    PollCommandType = "STOP_POLLING"
	UpdateInterval PollCommandType = "UPDATE_INTERVAL"
)

// PollCommand is one instruction for the polling worker.
type PollCommand struct {
	Type           PollCommandType
	ConversationID string
	Interval       time.Duration // StartPolling (optional), UpdateInterval
	At             time.Time
}

// PollEventType discriminates events emitted by the worker.
type PollEventType string

const (
	MessagesFetched PollEventType = "MESSAGES_FETCHED"
	PollError       PollEventType = "POLL_ERROR"
	PollStatus      PollEventType = "POLL_STATUS"
)

// Poll status values carried by PollStatus events.
const (
	PollStatusStarted   = "started"
	PollStatusStopped   = "stopped"
	PollStatusExhausted = "exhausted"
	PollStatusInterval  = "interval-updated"
)

// PollEvent is one outcome report from the polling worker.
type PollEvent struct {
	Type           PollEventType
	ConversationID string
	At             time.Time

	// MessagesFetched
	Messages []Message
	Count    int

	// PollError
	Err       error
	WillRetry bool

	// PollStatus
	Status   string
	Interval time.Duration
}

// ============================================================================
// Configuration
// ============================================================================

// PollerConfig contains configuration for the polling worker.
type PollerConfig struct {
	// Interval is the steady-state poll interval. Default: 7s, clamped to
	// [MinInterval, MaxInterval].
	Interval time.Duration

	// MinInterval and MaxInterval bound every interval the worker accepts.
	// Defaults: 2s and 60s.
	MinInterval time.Duration
	MaxInterval time.Duration

	// WindowSize is how many of the most recent messages each poll
	// requests. Default: 30.
	WindowSize int

	// BackoffBase and BackoffMultiplier shape the retry delay after a
	// failed fetch: BackoffBase * BackoffMultiplier^attempt, capped at
	// BackoffBase * BackoffMultiplier^MaxRetries. Defaults: 1s, 2.0.
	BackoffBase       time.Duration
	BackoffMultiplier float64

	// MaxRetries is the retry ceiling. Once exhausted, polling for the
	// conversation stops and a terminal status is reported. Default: 5.
	MaxRetries int
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:          7 * time.Second,
		MinInterval:       2 * time.Second,
		MaxInterval:       60 * time.Second,
		WindowSize:        30,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxRetries:        5,
	}
}

func (c *PollerConfig) applyDefaults() {
	d := DefaultPollerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
}

func (c *PollerConfig) clamp(interval time.Duration) time.Duration {
	if interval < c.MinInterval {
		return c.MinInterval
	}
	if interval > c.MaxInterval {
		return c.MaxInterval
	}
	return interval
}

// backoffDelay returns the retry delay for the given attempt number
// (0-based), bounded by the multiplier ceiling.
func (c *PollerConfig) backoffDelay(attempt int) time.Duration {
	delay := c.BackoffBase
	for i := 0; i < attempt && i < c.MaxRetries; i++ {
		delay = time.Duration(float64(delay) * c.BackoffMultiplier)
	}
	return delay
}

// ============================================================================
// Poller
// ============================================================================

// Poller periodically re-fetches the newest messages of one conversation
// and reports results as events. At most one conversation is polled at a
// time; a StartPolling for a new conversation implicitly stops the previous
// one.
type Poller struct {
	messages *MessagesClient
	config   PollerConfig
	log      zerolog.Logger

	commands chan PollCommand
	events   chan PollEvent

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a polling worker. Call Start to launch it.
func NewPoller(messages *MessagesClient, config PollerConfig) *Poller {
	config.applyDefaults()
	return &Poller{
		messages: messages,
		config:   config,
		log:      component("poller"),
		commands: make(chan PollCommand, 8),
		events:   make(chan PollEvent, 16),
	}
}

// Events returns the worker's outbound event stream.
func (p *Poller) Events() <-chan PollEvent {
	return p.events
}

// Start launches the worker loop. Idle until the first StartPolling
// command arrives.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(runCtx)
}

// Stop terminates the worker and waits for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Send delivers a command to the worker.
func (p *Poller) Send(cmd PollCommand) {
	if cmd.At.IsZero() {
		cmd.At = time.Now()
	}
	p.commands <- cmd
}

// StartConversation starts polling the conversation. interval <= 0 uses the
// configured default.
func (p *Poller) StartConversation(conversationID string, interval time.Duration) {
	p.Send(PollCommand{Type: StartPolling, ConversationID: conversationID, Interval: interval})
}

// StopConversation stops polling the conversation.
func (p *Poller) StopConversation(conversationID string) {
	p.Send(PollCommand{Type: StopPolling, ConversationID: conversationID})
}

// SetInterval updates the steady-state interval for the conversation.
func (p *Poller) SetInterval(conversationID string, interval time.Duration) {
	p.Send(PollCommand{Type: UpdateInterval, ConversationID: conversationID, Interval: interval})
}

// ── worker loop ─────────────────────────────────────────────

type pollState struct {
	conversationID string
	interval       time.Duration
	retries        int
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	var state *pollState
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerSet := false

	rearm := func(d time.Duration) {
		if timerSet && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
		timerSet = true
	}
	disarm := func() {
		if timerSet && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerSet = false
	}

	for {
		select {
		case <-ctx.Done():
			disarm()
			return

		case cmd := <-p.commands:
			switch cmd.Type {
			case StartPolling:
				if state != nil && state.conversationID != cmd.ConversationID {
					p.emit(ctx, PollEvent{
						Type: PollStatus, ConversationID: state.conversationID,
						Status: PollStatusStopped,
					})
				}
				interval := cmd.Interval
				if interval <= 0 {
					interval = p.config.Interval
				}
				state = &pollState{
					conversationID: cmd.ConversationID,
					interval:       p.config.clamp(interval),
				}
				p.log.Debug().Str("conversation", cmd.ConversationID).
					Dur("interval", state.interval).Msg("polling started")
				p.emit(ctx, PollEvent{
					Type: PollStatus, ConversationID: cmd.ConversationID,
					Status: PollStatusStarted, Interval: state.interval,
				})
				// First poll fires immediately; steady state follows.
				rearm(0)

			case StopPolling:
				if state == nil || state.conversationID != cmd.ConversationID {
					continue
				}
				disarm()
				p.emit(ctx, PollEvent{
					Type: PollStatus, ConversationID: state.conversationID,
					Status: PollStatusStopped,
				})
				state = nil

			case UpdateInterval:
				if state == nil || state.conversationID != cmd.ConversationID {
					continue
				}
				state.interval = p.config.clamp(cmd.Interval)
				p.emit(ctx, PollEvent{
					Type: PollStatus, ConversationID: state.conversationID,
					Status: PollStatusInterval, Interval: state.interval,
				})
				if state.retries == 0 {
					rearm(state.interval)
				}
			}

		case <-timer.C:
			timerSet = false
			if state == nil {
				continue
			}
			if done := p.pollOnce(ctx, state, rearm); done {
				state = nil
			}
		}
	}
}

// pollOnce performs one fetch attempt and schedules the next one. Returns
// true when polling for the conversation has terminally stopped.
func (p *Poller) pollOnce(ctx context.Context, state *pollState, rearm func(time.Duration)) bool {
	page, err := p.messages.FetchLatest(ctx, state.conversationID, p.config.WindowSize)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		state.retries++
		if state.retries > p.config.MaxRetries {
			p.log.Warn().Str("conversation", state.conversationID).Err(err).
				Msg("poll retries exhausted")
			p.emit(ctx, PollEvent{
				Type: PollError, ConversationID: state.conversationID,
				Err: err, WillRetry: false,
			})
			p.emit(ctx, PollEvent{
				Type: PollStatus, ConversationID: state.conversationID,
				Status: PollStatusExhausted,
			})
			return true
		}
		delay := p.config.backoffDelay(state.retries - 1)
		p.log.Debug().Str("conversation", state.conversationID).Err(err).
			Int("retry", state.retries).Dur("backoff", delay).Msg("poll failed")
		p.emit(ctx, PollEvent{
			Type: PollError, ConversationID: state.conversationID,
			Err: err, WillRetry: true,
		})
		rearm(delay)
		return false
	}

	state.retries = 0

	// The backend returns the window newest-first; flip to display order.
	msgs := page.Messages
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	p.emit(ctx, PollEvent{
		Type: MessagesFetched, ConversationID: state.conversationID,
		Messages: msgs, Count: len(msgs),
	})
	rearm(state.interval)
	return false
}

func (p *Poller) emit(ctx context.Context, ev PollEvent) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
