// Package host names the runtime capabilities the gateway consumes from the
// conversational-AI host: agent routing, session bookkeeping, reply
// dispatch, text chunking, and media helpers. The host implements these;
// the gateway only calls them.
package host

import (
	"context"
	"time"
)

// Peer identifies the counterparty of an inbound message.
type Peer struct {
	Kind     string // "direct" or "group"
	SenderID string
	IsOwner  bool
}

// RouteQuery asks the host which agent should answer a message.
type RouteQuery struct {
	AccountID string
	ChannelID string
	Peer      Peer
}

// Route is the host's answer to a RouteQuery.
type Route struct {
	AgentID string
}

// Routing resolves agent routes.
type Routing interface {
	ResolveAgentRoute(ctx context.Context, query RouteQuery) (Route, error)
}

// SessionRecord notes that an inbound message entered a session.
type SessionRecord struct {
	SessionKey string
	AgentID    string
	ChannelID  string
	SenderID   string
	At         time.Time
}

// Sessions is the host's session store surface.
type Sessions interface {
	// ReadSessionUpdatedAt returns the previous activity timestamp for the
	// session, or false when the session is new.
	ReadSessionUpdatedAt(sessionKey string) (time.Time, bool)
	// RecordInboundSession marks session activity. Failures are non-fatal
	// for the pipeline.
	RecordInboundSession(ctx context.Context, record SessionRecord) error
}

// HistoryEntry is one buffered group message handed to the agent as context.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// EnvelopeInput feeds the host's envelope formatter.
type EnvelopeInput struct {
	ChannelName   string
	SenderLabel   string
	Timestamp     time.Time
	PrevTimestamp time.Time
	Body          string
	HistoryBlock  string
}

// DispatchContext is everything the agent runtime needs for one inbound
// message. The host's FinalizeInboundContext sees exactly this value.
type DispatchContext struct {
	AccountID         string
	ChannelID         string
	SessionKey        string
	AgentID           string
	IsGroup           bool
	SenderID          string
	SenderLabel       string
	BodyForAgent      string
	Envelope          string
	MediaPaths        []string
	MediaURLs         []string
	CommandAuthorized bool
	InboundHistory    []HistoryEntry
}

// ChunkFunc receives each reply chunk produced by the agent, in order.
type ChunkFunc func(ctx context.Context, chunk string) error

// Reply is the host's reply pipeline surface.
type Reply interface {
	// FormatEnvelope renders the wrapper text handed to the agent.
	FormatEnvelope(input EnvelopeInput) string
	// FinalizeInboundContext gives the host a last look at the dispatch
	// context before the agent runs.
	FinalizeInboundContext(dc DispatchContext) DispatchContext
	// Dispatch runs the agent and streams reply chunks through onChunk.
	// It must not panic; per-chunk delivery errors are the caller's to log.
	Dispatch(ctx context.Context, dc DispatchContext, onChunk ChunkFunc) error
}

// Text is the host's markdown/chunking surface.
type Text interface {
	ConvertMarkdownTables(text string) string
	ResolveChunkMode(channelID string) string
	ChunkMarkdownText(text, mode string, limit int) []string
}

// Media downloads and stores inbound media.
type Media interface {
	// FetchRemoteMedia downloads url, refusing bodies larger than maxBytes.
	// It returns the data and the content type.
	FetchRemoteMedia(ctx context.Context, url string, maxBytes int64) ([]byte, string, error)
	// SaveMediaBuffer persists data and returns a local path.
	SaveMediaBuffer(data []byte, contentType, dir string) (string, error)
}

// Sender delivers one outbound text piece to a channel. Formatting and
// uploads live behind this capability, outside the gateway.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Runtime is the full capability set handed to a monitor.
type Runtime struct {
	Routing  Routing
	Sessions Sessions
	Reply    Reply
	Text     Text
	Media    Media
	Sender   Sender
}
