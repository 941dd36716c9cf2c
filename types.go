package outreach

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the outreach backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// TransportError wraps a network-level failure (DNS, dial, timeout) so
// callers can tell it apart from a backend rejection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ============================================================================
// Message
// ============================================================================

// MessageDirection indicates who originated a message.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// TemporaryIDPrefix marks locally generated message identities. Server IDs
// never carry this prefix, so a temporary identity cannot collide with one.
const TemporaryIDPrefix = "local-"

// Message is a single SMS in a conversation thread.
//
// Identity works on three levels: ID is the backend's identifier and is
// authoritative once known; ProviderSID is Twilio's identifier and may show
// up before or after ID; TemporaryID exists only while an optimistic send
// is pending and is retired as soon as a server identity is known.
type Message struct {
	ID             string           `json:"id,omitempty"`
	TemporaryID    string           `json:"-"`
	ProviderSID    string           `json:"providerSid,omitempty"`
	ConversationID string           `json:"conversationId"`
	Direction      MessageDirection `json:"direction"`
	Body           string           `json:"body"`
	Status         MessageStatus    `json:"status"`
	SegmentCount   int              `json:"segmentCount,omitempty"`
	Sentiment      string           `json:"sentiment,omitempty"`
	ErrorCode      string           `json:"errorCode,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	AuthorID       string           `json:"authorId,omitempty"`
	AuthorPhone    string           `json:"authorPhone,omitempty"`
	TemplateID     string           `json:"templateId,omitempty"`
	MediaURLs      []string         `json:"mediaUrls,omitempty"`
	Deleted        bool             `json:"deleted,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	SentAt         *time.Time       `json:"sentAt,omitempty"`
	DeliveredAt    *time.Time       `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time       `json:"readAt,omitempty"`
}

// Key returns the message's resolved identity: the server ID when known,
// else the temporary identity of a pending optimistic send, else the
// provider SID when that is all a channel has delivered so far.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	if m.TemporaryID != "" {
		return m.TemporaryID
	}
	return m.ProviderSID
}

// IsPending reports whether the message only exists locally so far.
func (m *Message) IsPending() bool {
	return m.ID == "" && strings.HasPrefix(m.TemporaryID, TemporaryIDPrefix)
}

// ============================================================================
// Conversation / Template
// ============================================================================

// Conversation is a persistent SMS thread between a coordinator and one
// patient phone number. SLA and sentiment fields are computed server-side
// and only read here.
type Conversation struct {
	ID            string     `json:"id"`
	PatientName   string     `json:"patientName,omitempty"`
	PatientPhone  string     `json:"patientPhone"`
	CoordinatorID string     `json:"coordinatorId,omitempty"`
	LastMessage   string     `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
	SLAStatus     string     `json:"slaStatus,omitempty"`
	SLADeadline   *time.Time `json:"slaDeadline,omitempty"`
	Sentiment     string     `json:"sentiment,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// Template is a reusable message body managed by coordinators.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	Category  string    `json:"category,omitempty"`
	Variables []string  `json:"variables,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Request / Response Types
// ============================================================================

// Pagination describes a page window returned by list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages   []Message  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"data"`
	Pagination    Pagination     `json:"pagination"`
}

// SendMessageOptions carries optional fields for a message send.
type SendMessageOptions struct {
	TemplateID string   `json:"templateId,omitempty"`
	MediaURLs  []string `json:"mediaUrls,omitempty"`
}

// ConversationListOptions filters the conversation list.
type ConversationListOptions struct {
	UnreadOnly bool
	Archived   bool
	Assigned   string // coordinator id
	Limit      int
	Offset     int
}

// TemplateParams is the create/update payload for a template.
type TemplateParams struct {
	Name      string   `json:"name"`
	Body      string   `json:"body"`
	Category  string   `json:"category,omitempty"`
	Variables []string `json:"variables,omitempty"`
	Active    *bool    `json:"active,omitempty"`
}

// AccessToken is a short-lived Twilio Conversations grant.
type AccessToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ============================================================================
// Realtime feed wire types
// ============================================================================

// Feed frame kinds sent by the realtime gateway.
const (
	frameNewMessage   = "newMessage"
	frameStatusUpdate = "messageStatusUpdate"
)

// feedFrame is the raw wire envelope for one realtime event. The gateway
// has shipped the message payload under both "message" and "data" over
// time, so both are accepted.
type feedFrame struct {
	Type      string          `json:"type,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Status    MessageStatus   `json:"status,omitempty"`
}

// FeedEventKind discriminates FeedEvent payloads.
type FeedEventKind int

const (
	// FeedNewMessage carries a newly created message.
	FeedNewMessage FeedEventKind = iota
	// FeedStatusUpdate carries a delivery status change for a known message.
	FeedStatusUpdate
	// FeedDisconnected signals that the connection dropped; reconnecting is
	// the caller's decision.
	FeedDisconnected
)

// FeedEvent is the tagged union delivered by the realtime feed client.
// Exactly the fields matching Kind are populated.
type FeedEvent struct {
	Kind      FeedEventKind
	Message   *Message      // FeedNewMessage
	MessageID string        // FeedStatusUpdate
	Status    MessageStatus // FeedStatusUpdate
	Reason    string        // FeedDisconnected
}
