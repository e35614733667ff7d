package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wristclaw/wristclaw/internal/config"
	"github.com/wristclaw/wristclaw/internal/host"
	"github.com/wristclaw/wristclaw/internal/policy"
	"github.com/wristclaw/wristclaw/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRouting struct {
	agent string
}

func (s stubRouting) ResolveAgentRoute(_ context.Context, _ host.RouteQuery) (host.Route, error) {
	return host.Route{AgentID: s.agent}, nil
}

type stubSessions struct {
	mu      sync.Mutex
	records []host.SessionRecord
}

func (s *stubSessions) ReadSessionUpdatedAt(string) (time.Time, bool) {
	return time.Time{}, false
}

func (s *stubSessions) RecordInboundSession(_ context.Context, record host.SessionRecord) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

type stubReply struct {
	mu        sync.Mutex
	finalized []host.DispatchContext
	replyText string
}

func (r *stubReply) FormatEnvelope(input host.EnvelopeInput) string {
	return input.SenderLabel + ": " + input.Body
}

func (r *stubReply) FinalizeInboundContext(dc host.DispatchContext) host.DispatchContext {
	r.mu.Lock()
	r.finalized = append(r.finalized, dc)
	r.mu.Unlock()
	return dc
}

func (r *stubReply) Dispatch(ctx context.Context, _ host.DispatchContext, onChunk host.ChunkFunc) error {
	if r.replyText != "" && onChunk != nil {
		return onChunk(ctx, r.replyText)
	}
	return nil
}

func (r *stubReply) dispatches() []host.DispatchContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]host.DispatchContext, len(r.finalized))
	copy(out, r.finalized)
	return out
}

type stubText struct{}

func (stubText) ConvertMarkdownTables(text string) string { return text }
func (stubText) ResolveChunkMode(string) string           { return "plain" }
func (stubText) ChunkMarkdownText(text, _ string, _ int) []string {
	return []string{text}
}

type stubMedia struct {
	mu      sync.Mutex
	fetched []string
	failOn  string
	saved   int
}

func (m *stubMedia) FetchRemoteMedia(_ context.Context, url string, _ int64) ([]byte, string, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, url)
	m.mu.Unlock()
	if m.failOn != "" && strings.Contains(url, m.failOn) {
		return nil, "", fmt.Errorf("fetch network failure")
	}
	return []byte("img"), "image/jpeg", nil
}

func (m *stubMedia) SaveMediaBuffer([]byte, string, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved++
	return fmt.Sprintf("/tmp/inbound-%d", m.saved), nil
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubSender) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return nil
}

type testHarness struct {
	monitor  *Monitor
	reply    *stubReply
	sessions *stubSessions
	media    *stubMedia
	sender   *stubSender
}

func newTestMonitor(t *testing.T, account config.AccountConfig) *testHarness {
	t.Helper()
	if account.ID == "" {
		account.ID = "default"
	}
	if account.DMPolicy == "" {
		account.DMPolicy = config.DMPolicyOpen
	}
	if account.GroupPolicy == "" {
		account.GroupPolicy = config.GroupPolicyMention
	}
	if account.GroupHistoryLimit == 0 {
		account.GroupHistoryLimit = config.DefaultGroupHistory
	}
	if account.ServerURL == "" {
		account.ServerURL = "https://chat.example.com"
	}
	if account.APIKey == "" {
		account.APIKey = "test-key"
	}
	reply := &stubReply{}
	sessions := &stubSessions{}
	media := &stubMedia{}
	sender := &stubSender{}
	runtime := host.Runtime{
		Routing:  stubRouting{agent: "main"},
		Sessions: sessions,
		Reply:    reply,
		Text:     stubText{},
		Media:    media,
		Sender:   sender,
	}
	m := New(discardLogger(), account, runtime, policy.NewCrossAccountDedup())
	m.voice = newVoiceWaiter(50 * time.Millisecond)
	m.history = newGroupHistory(account.GroupHistoryLimit)
	m.mediaGroups = newMediaGroupBuffer(time.Minute, func(item inboundItem) {
		m.processMessage(context.Background(), item)
	})
	return &testHarness{monitor: m, reply: reply, sessions: sessions, media: media, sender: sender}
}

func textEvent(messageID, authorID, text string) wire.Event {
	return wire.Event{
		Type:    wire.EventMessageNew,
		Channel: "channel:ch-1",
		Payload: wire.EventPayload{
			MessageID: messageID,
			AuthorID:  authorID,
			Content:   &wire.Content{ContentType: wire.ContentText, Text: text},
		},
	}
}

func (h *testHarness) process(event wire.Event, channelID string, isGroup bool, extras ...string) {
	h.monitor.processMessage(context.Background(), inboundItem{
		event:      event,
		channelID:  channelID,
		wsChannel:  "channel:" + channelID,
		isGroup:    isGroup,
		extraMedia: extras,
	})
}

func TestPipelineOwnerDMHappyPath(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{OwnerID: "owner-1"})
	h.process(textEvent("m1", "owner-1", "hi"), "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	dc := dispatches[0]
	assert.Equal(t, "agent:wristclaw:direct:ch:ch-1", dc.SessionKey)
	assert.True(t, dc.CommandAuthorized)
	assert.Equal(t, "hi", dc.BodyForAgent)
	assert.Equal(t, "main", dc.AgentID)
	assert.False(t, dc.IsGroup)

	require.Len(t, h.sessions.records, 1)
	assert.Equal(t, dc.SessionKey, h.sessions.records[0].SessionKey)
}

func TestPipelineSessionKeyCarriesAccountID(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{ID: "acct-2"})
	h.process(textEvent("m1", "u1", "hi"), "ch-9", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "agent:wristclaw:acct-2:direct:ch:ch-9", dispatches[0].SessionKey)
}

func TestPipelineEchoSuppression(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "hi")
	event.Payload.Content.Via = "openclaw"
	h.process(event, "ch-1", false)
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelineBotAuthorSuppression(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	h.monitor.botIdentity = wire.Identity{UserID: "bot-1", DisplayName: "bot"}
	h.process(textEvent("m1", "bot-1", "hi"), "ch-1", false)
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelinePerAccountDedup(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	h.process(textEvent("m1", "u1", "hi"), "ch-1", false)
	h.process(textEvent("m1", "u1", "hi"), "ch-1", false)
	assert.Len(t, h.reply.dispatches(), 1)
}

func TestPipelineCrossAccountDedup(t *testing.T) {
	t.Parallel()
	shared := policy.NewCrossAccountDedup()
	first := newTestMonitor(t, config.AccountConfig{ID: "a1"})
	second := newTestMonitor(t, config.AccountConfig{ID: "a2"})
	first.monitor.global = shared
	second.monitor.global = shared

	first.process(textEvent("m1", "u1", "hi"), "ch-1", false)
	second.process(textEvent("m1", "u1", "hi"), "ch-1", false)
	assert.Len(t, first.reply.dispatches(), 1)
	assert.Empty(t, second.reply.dispatches())
}

func TestPipelineDMPolicyDisabled(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{DMPolicy: config.DMPolicyDisabled, OwnerID: "owner-1"})
	h.process(textEvent("m1", "u1", "hi"), "ch-1", false)
	assert.Empty(t, h.reply.dispatches())

	// The owner bypasses the disabled policy.
	h.process(textEvent("m2", "owner-1", "hi"), "ch-1", false)
	assert.Len(t, h.reply.dispatches(), 1)
}

func TestPipelineDMAllowlist(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{
		DMPolicy:    config.DMPolicyAllowlist,
		DMAllowlist: []string{"friend"},
	})
	h.process(textEvent("m1", "stranger", "hi"), "ch-1", false)
	h.process(textEvent("m2", "friend", "hello"), "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "hello", dispatches[0].BodyForAgent)
}

func TestPipelineGroupMentionGate(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{GroupPolicy: config.GroupPolicyMention})
	h.monitor.botIdentity = wire.Identity{UserID: "bot-1", DisplayName: "bot"}

	first := textEvent("m1", "u1", "hello")
	first.Payload.SenderName = "alice"
	h.process(first, "g-1", true)
	assert.Empty(t, h.reply.dispatches())
	require.Len(t, h.monitor.history.Snapshot("g-1"), 1)

	second := textEvent("m2", "u2", "@bot who's there")
	h.process(second, "g-1", true)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	dc := dispatches[0]
	assert.Equal(t, "who's there", dc.BodyForAgent)
	require.Len(t, dc.InboundHistory, 1)
	assert.Equal(t, "hello", dc.InboundHistory[0].Body)
	assert.Equal(t, "alice", dc.InboundHistory[0].Sender)

	// The buffered history was consumed by the mention-triggered reply.
	assert.Nil(t, h.monitor.history.Snapshot("g-1"))
}

func TestPipelineGroupMentionOnlyBody(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{GroupPolicy: config.GroupPolicyMention, MentionNames: []string{"bot"}})
	h.process(textEvent("m1", "u1", "@bot"), "g-1", true)
	// Stripping the mention leaves nothing to dispatch.
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelineGroupDisabled(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{GroupPolicy: config.GroupPolicyDisabled})
	h.process(textEvent("m1", "u1", "hi"), "g-1", true)
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelineGroupOpenSkipsMentionGate(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{GroupPolicy: config.GroupPolicyOpen})
	h.process(textEvent("m1", "u1", "no mention here"), "g-1", true)
	assert.Len(t, h.reply.dispatches(), 1)
}

func TestPipelineRateLimit(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	h.monitor.limiter = policy.NewRateLimiter(2, time.Minute)

	h.process(textEvent("m1", "u", "one"), "ch-1", false)
	h.process(textEvent("m2", "u", "two"), "ch-1", false)
	h.process(textEvent("m3", "u", "three"), "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 2)
	assert.Equal(t, "one", dispatches[0].BodyForAgent)
	assert.Equal(t, "two", dispatches[1].BodyForAgent)
}

func TestPipelineEmptyTextDropped(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	h.process(textEvent("m1", "u1", "   "), "ch-1", false)
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelineVoiceWithInlineText(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "already transcribed")
	event.Payload.Content.ContentType = wire.ContentVoice
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "already transcribed", dispatches[0].BodyForAgent)
}

func TestPipelineVoiceWaitsForTranscription(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentVoice

	done := make(chan struct{})
	go func() {
		h.process(event, "ch-1", false)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		h.monitor.voice.mu.Lock()
		defer h.monitor.voice.mu.Unlock()
		return len(h.monitor.voice.pending) == 1
	}, time.Second, 5*time.Millisecond)

	h.monitor.voice.Resolve("m1", "voice text")
	<-done

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "voice text", dispatches[0].BodyForAgent)
}

func TestPipelineVoiceEmptyTranscriptionDropped(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentVoice
	// Nobody resolves; the waiter times out and the message drops.
	h.process(event, "ch-1", false)
	assert.Empty(t, h.reply.dispatches())
}

func TestPipelineImagePlaceholder(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentImage
	event.Payload.Content.MediaURL = "/v1/media/a"
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "📷 圖片", dispatches[0].BodyForAgent)
	require.Len(t, dispatches[0].MediaPaths, 1)
}

func TestPipelineImageBurstPlaceholderAndFetch(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{ServerURL: "https://chat.example.com"})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentImage
	event.Payload.Content.MediaURL = "/v1/media/u1"
	h.process(event, "ch-1", false, "/v1/media/u2", "https://chat.example.com/v1/media/u3")

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	dc := dispatches[0]
	assert.Equal(t, "📷 3 張圖片", dc.BodyForAgent)
	assert.Equal(t, []string{
		"https://chat.example.com/v1/media/u1",
		"https://chat.example.com/v1/media/u2",
		"https://chat.example.com/v1/media/u3",
	}, dc.MediaURLs)
	assert.Len(t, dc.MediaPaths, 3)
}

func TestPipelineImageUnsafeURLSkipped(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{ServerURL: "https://chat.example.com"})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentImage
	event.Payload.Content.MediaURL = "https://evil.example.net/a.jpg"
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Empty(t, dispatches[0].MediaURLs)
	assert.Empty(t, dispatches[0].MediaPaths)
	assert.Empty(t, h.media.fetched)
}

func TestPipelineImageFetchFailureSkipped(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{ServerURL: "https://chat.example.com"})
	h.media.failOn = "u1"
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentImage
	event.Payload.Content.MediaURL = "/v1/media/u1"
	h.process(event, "ch-1", false, "/v1/media/u2")

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Len(t, dispatches[0].MediaPaths, 1)
}

func TestPipelineInteractivePlaceholder(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "")
	event.Payload.Content.ContentType = wire.ContentInteractive
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, "📋 互動訊息", dispatches[0].BodyForAgent)
}

func TestPipelineReplyContextPrefix(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "sure")
	event.Payload.ReplyTo = &wire.ReplyContext{
		MessageID:   "m0",
		AuthorID:    "u2",
		TextPreview: "can you\x00 help\x1f me?\nplease",
	}
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	body := dispatches[0].BodyForAgent
	assert.True(t, strings.HasPrefix(body, "[回覆 can you help me?\nplease]\n"))
	assert.True(t, strings.HasSuffix(body, "sure"))
}

func TestPipelineReplyPreviewTruncated(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	event := textEvent("m1", "u1", "ok")
	event.Payload.ReplyTo = &wire.ReplyContext{TextPreview: strings.Repeat("x", 300)}
	h.process(event, "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 1)
	assert.Contains(t, dispatches[0].BodyForAgent, strings.Repeat("x", 100)+"]")
	assert.NotContains(t, dispatches[0].BodyForAgent, strings.Repeat("x", 101))
}

func TestPipelineSecretaryRouting(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{OwnerID: "owner-1", SecretaryAgentID: "secretary"})
	h.process(textEvent("m1", "visitor", "hi"), "ch-1", false)
	h.process(textEvent("m2", "owner-1", "hi"), "ch-1", false)

	dispatches := h.reply.dispatches()
	require.Len(t, dispatches, 2)
	assert.Equal(t, "secretary", dispatches[0].AgentID)
	assert.Equal(t, "main", dispatches[1].AgentID)
}

func TestPipelineDeliversChunksThroughSender(t *testing.T) {
	t.Parallel()
	h := newTestMonitor(t, config.AccountConfig{})
	h.reply.replyText = "the answer"
	h.process(textEvent("m1", "u1", "question"), "ch-1", false)

	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "the answer", h.sender.sent[0])
	assert.False(t, h.monitor.status.Snapshot().LastOutboundAt.IsZero())
}
