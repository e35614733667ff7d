// Package wire defines the Server's WebSocket and REST wire model plus the
// REST client the monitor drives.
package wire

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Server → client event types.
const (
	EventAuthenticated    = "authenticated"
	EventPong             = "pong"
	EventSubscribed       = "subscribed"
	EventMessageNew       = "message:new"
	EventMessageUpdate    = "message:update"
	EventVoiceTranscribed = "voice:transcribed"
	EventPairCreated      = "pair:created"
	EventMemberAdded      = "group:member_added"
	EventMemberChanged    = "group:member_changed"
	EventError            = "error"
)

// Conversation types.
const (
	ConversationPair  = "pair"
	ConversationGroup = "group"
)

// Content types carried in message payloads.
const (
	ContentText        = "text"
	ContentVoice       = "voice"
	ContentImage       = "image"
	ContentInteractive = "interactive"
)

// ViaGateway marks traffic originated by the gateway itself; such messages
// are echoes and never dispatched.
const ViaGateway = "openclaw"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is safe to splice into a Server URL path or
// query string.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// Content is the nested content object of a message payload.
type Content struct {
	ContentType string `json:"content_type,omitempty"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	Via         string `json:"via,omitempty"`
}

// ReplyContext references the message being replied to.
type ReplyContext struct {
	MessageID   string `json:"message_id,omitempty"`
	AuthorID    string `json:"author_id,omitempty"`
	TextPreview string `json:"text_preview,omitempty"`
}

// EventPayload is the union of payload fields across all event types.
// Unknown fields are dropped by encoding/json, which is the desired
// forward-compatibility behavior.
type EventPayload struct {
	// message:new / message:update / voice:transcribed
	MessageID  string        `json:"message_id,omitempty"`
	ChannelID  string        `json:"channel_id,omitempty"`
	AuthorID   string        `json:"author_id,omitempty"`
	SenderName string        `json:"sender_name,omitempty"`
	CreatedAt  string        `json:"created_at,omitempty"`
	MediaURL   string        `json:"media_url,omitempty"`
	Text       string        `json:"text,omitempty"`
	ReplyTo    *ReplyContext `json:"reply_to,omitempty"`
	Content    *Content      `json:"content,omitempty"`

	// pair:created / group:member_added
	PairID string `json:"pair_id,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Event is one frame received on the control WebSocket.
type Event struct {
	Type    string       `json:"type"`
	Channel string       `json:"channel,omitempty"`
	Payload EventPayload `json:"payload,omitempty"`
}

// ParseEvent decodes a raw WebSocket frame. A frame that is not valid JSON
// is a protocol violation for the caller to log and drop; a frame without a
// type decodes with an empty Type, which callers ignore like any unknown type.
func ParseEvent(raw []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, err
	}
	event.Type = strings.TrimSpace(event.Type)
	return event, nil
}

// Identity is the bot's own identity, fetched once per monitor lifetime.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Conversation is one entry of the /v1/conversations listing.
type Conversation struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	PairID    string `json:"pair_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// Pair is one entry of the /v1/pair/list listing.
type Pair struct {
	PairID    string `json:"pair_id"`
	ChannelID string `json:"channel_id"`
}

// APIMessage is one entry of the channel message listing used for catch-up.
type APIMessage struct {
	MessageID    string        `json:"message_id"`
	AuthorID     string        `json:"author_id"`
	ChannelID    string        `json:"channel_id"`
	CreatedAt    string        `json:"created_at"`
	Payload      Content       `json:"payload"`
	MediaURL     string        `json:"media_url,omitempty"`
	ReplyContext *ReplyContext `json:"reply_context,omitempty"`
}

// HealthStatus is the /health probe response.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Client → server frames.

// AuthFrame authenticates the socket.
func AuthFrame(apiKey string) any {
	return map[string]any{
		"type":    "auth",
		"payload": map[string]string{"apiKey": apiKey},
	}
}

// SubscribeFrame subscribes to a channel, user, or pair feed
// ("channel:<id>", "user:<id>", "pair:<id>").
func SubscribeFrame(channel string) any {
	return map[string]any{
		"type":    "subscribe",
		"channel": channel,
	}
}

// PingFrame is the application-level heartbeat.
func PingFrame() any {
	return map[string]any{"type": "ping"}
}

// Typing statuses.
const (
	TypingThinking = "thinking"
	TypingTyping   = "typing"
	TypingStopped  = "stopped"
)

// TypingFrame reports the gateway's typing status for a channel.
func TypingFrame(channel, status string) any {
	return map[string]any{
		"type":    "typing",
		"channel": channel,
		"payload": map[string]string{"status": status},
	}
}
