package outreach

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// The portal's API routes receive two webhook shapes from Twilio: inbound
// SMS notifications and delivery status callbacks. Both arrive as
// form-encoded POSTs signed with X-Twilio-Signature.

// ============================================================================
// Webhook Types
// ============================================================================

// InboundMessageWebhook is a Twilio inbound-SMS notification.
type InboundMessageWebhook struct {
	MessageSID  string
	AccountSID  string
	From        string
	To          string
	Body        string
	NumSegments int
	NumMedia    int
	MediaURLs   []string
}

// StatusCallbackWebhook is a Twilio delivery status callback.
type StatusCallbackWebhook struct {
	MessageSID    string
	MessageStatus MessageStatus
	ErrorCode     string
	ErrorMessage  string
}

// ============================================================================
// Signature validation
// ============================================================================

// ValidateWebhookSignature verifies a Twilio X-Twilio-Signature header:
// base64(HMAC-SHA1(url + params sorted by key and concatenated, authToken)).
// Uses constant-time comparison.
func ValidateWebhookSignature(authToken, requestURL string, params url.Values, signature string) bool {
	if authToken == "" || requestURL == "" || signature == "" {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := requestURL
	for _, k := range keys {
		for _, v := range params[k] {
			payload += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if len(signature) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// ============================================================================
// Payload parsing
// ============================================================================

// ParseInboundWebhook parses a Twilio inbound-SMS form body.
func ParseInboundWebhook(form url.Values) (*InboundMessageWebhook, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return nil, fmt.Errorf("webhook missing MessageSid")
	}
	if form.Get("From") == "" {
		return nil, fmt.Errorf("webhook missing From")
	}

	w := &InboundMessageWebhook{
		MessageSID:  sid,
		AccountSID:  form.Get("AccountSid"),
		From:        form.Get("From"),
		To:          form.Get("To"),
		Body:        form.Get("Body"),
		NumSegments: atoiOrZero(form.Get("NumSegments")),
		NumMedia:    atoiOrZero(form.Get("NumMedia")),
	}
	for i := 0; i < w.NumMedia; i++ {
		if u := form.Get("MediaUrl" + strconv.Itoa(i)); u != "" {
			w.MediaURLs = append(w.MediaURLs, u)
		}
	}
	return w, nil
}

// ParseStatusCallback parses a Twilio status callback form body. Twilio
// statuses outside the portal lifecycle (queued, accepted, sending) map to
// "sending"; undelivered maps to "failed".
func ParseStatusCallback(form url.Values) (*StatusCallbackWebhook, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		return nil, fmt.Errorf("status callback missing MessageSid")
	}
	raw := form.Get("MessageStatus")
	if raw == "" {
		return nil, fmt.Errorf("status callback missing MessageStatus")
	}

	return &StatusCallbackWebhook{
		MessageSID:    sid,
		MessageStatus: normalizeTwilioStatus(raw),
		ErrorCode:     form.Get("ErrorCode"),
		ErrorMessage:  form.Get("ErrorMessage"),
	}, nil
}

func normalizeTwilioStatus(raw string) MessageStatus {
	switch raw {
	case "queued", "accepted", "sending":
		return StatusSending
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	case "failed", "undelivered", "canceled":
		return StatusFailed
	}
	return MessageStatus(raw)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
