package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wristclaw/wristclaw/internal/host"
	"github.com/wristclaw/wristclaw/internal/policy"
	"github.com/wristclaw/wristclaw/internal/wire"
)

const (
	// SessionChannelID is the fixed channel segment of every session key,
	// kept stable so session identity survives agent routing changes.
	SessionChannelID = "wristclaw"

	typingHeartbeat   = 3500 * time.Millisecond
	outboundChunkSize = 4000
	replyPreviewLimit = 100
	mediaMaxBytes     = 10 << 20

	imagePlaceholder       = "📷 圖片"
	imageBurstPlaceholder  = "📷 %d 張圖片"
	interactivePlaceholder = "📋 互動訊息"
)

// processMessage runs the full inbound pipeline for one message. Every
// early return is a silent drop by design; only genuine faults are logged.
func (m *Monitor) processMessage(ctx context.Context, item inboundItem) {
	payload := item.event.Payload
	content := payload.Content
	if content == nil {
		content = &wire.Content{}
	}
	contentType := content.ContentType
	if contentType == "" {
		contentType = wire.ContentText
	}
	text := content.Text
	if text == "" {
		text = payload.Text
	}
	mediaURL := content.MediaURL
	if mediaURL == "" {
		mediaURL = payload.MediaURL
	}
	senderID := payload.AuthorID
	senderLabel := payload.SenderName
	if senderLabel == "" {
		senderLabel = senderID
	}

	m.mu.Lock()
	botIdentity := m.botIdentity
	m.mu.Unlock()

	if policy.IsEcho(content.Via, senderID, botIdentity.UserID) {
		return
	}
	if payload.MessageID != "" {
		if !m.global.Claim(payload.MessageID) {
			return
		}
		if !m.claimLocal(payload.MessageID) {
			return
		}
	}

	mentionGated := false
	if item.isGroup {
		switch policy.GroupGate(m.account, senderID) {
		case policy.Deny:
			return
		case policy.RecordOnly:
			mentionGated = true
		}
	} else {
		if policy.DMGate(m.account, senderID) != policy.Allow {
			return
		}
	}

	if m.limiter.IsLimited(senderID) {
		return
	}

	body, ok := m.buildBody(ctx, contentType, text, payload.MessageID, len(item.extraMedia))
	if !ok {
		return
	}

	var mediaPaths []string
	var mediaURLs []string
	if contentType == wire.ContentImage && (mediaURL != "" || len(item.extraMedia) > 0) {
		urls := make([]string, 0, 1+len(item.extraMedia))
		if mediaURL != "" {
			urls = append(urls, mediaURL)
		}
		urls = append(urls, item.extraMedia...)
		mediaURLs, mediaPaths = m.fetchInboundMedia(ctx, urls)
	}

	mentionTriggered := false
	if mentionGated {
		pool := policy.MentionPool(m.account.MentionNames, botIdentity.DisplayName)
		result := policy.DetectAndStripMention(body, pool)
		if !result.Mentioned {
			m.history.Append(item.channelID, host.HistoryEntry{
				Sender:    senderLabel,
				Body:      body,
				Timestamp: time.Now(),
				MessageID: payload.MessageID,
			})
			return
		}
		body = result.Stripped
		if body == "" {
			return
		}
		mentionTriggered = true
	}

	if payload.ReplyTo != nil && payload.ReplyTo.TextPreview != "" {
		body = replyContextPrefix(payload.ReplyTo.TextPreview) + body
	}

	isOwner := m.account.IsOwner(senderID)
	agentID := m.resolveAgent(ctx, item, senderID, isOwner)
	sessionKey := m.sessionKey(item.channelID, item.isGroup)

	var historyEntries []host.HistoryEntry
	if item.isGroup && m.account.GroupHistoryLimit > 0 {
		historyEntries = m.history.Snapshot(item.channelID)
	}

	envelope := ""
	if m.runtime.Reply != nil {
		prevAt, _ := m.readSessionUpdatedAt(sessionKey)
		envelope = m.runtime.Reply.FormatEnvelope(host.EnvelopeInput{
			ChannelName:   m.channelName(item.channelID),
			SenderLabel:   senderLabel,
			Timestamp:     time.Now(),
			PrevTimestamp: prevAt,
			Body:          body,
			HistoryBlock:  renderHistoryBlock(historyEntries),
		})
	}

	if m.runtime.Sessions != nil {
		err := m.runtime.Sessions.RecordInboundSession(ctx, host.SessionRecord{
			SessionKey: sessionKey,
			AgentID:    agentID,
			ChannelID:  item.channelID,
			SenderID:   senderID,
			At:         time.Now(),
		})
		if err != nil {
			m.logger.Warn("record inbound session failed", slog.Any("error", err))
		}
	}

	dc := host.DispatchContext{
		AccountID:         m.account.ID,
		ChannelID:         item.channelID,
		SessionKey:        sessionKey,
		AgentID:           agentID,
		IsGroup:           item.isGroup,
		SenderID:          senderID,
		SenderLabel:       senderLabel,
		BodyForAgent:      body,
		Envelope:          envelope,
		MediaPaths:        mediaPaths,
		MediaURLs:         mediaURLs,
		CommandAuthorized: isOwner,
		InboundHistory:    historyEntries,
	}
	m.dispatch(ctx, item, dc)

	if mentionTriggered {
		m.history.Clear(item.channelID)
	}
}

// buildBody derives the agent-facing body from the content type. The second
// return is false when the message carries nothing worth dispatching.
func (m *Monitor) buildBody(ctx context.Context, contentType, text, messageID string, extraImages int) (string, bool) {
	trimmed := strings.TrimSpace(text)
	switch contentType {
	case wire.ContentVoice:
		if trimmed != "" {
			return trimmed, true
		}
		// The transcription usually trails the message; wait for it.
		transcribed := strings.TrimSpace(m.voice.Wait(ctx, messageID))
		if transcribed == "" {
			return "", false
		}
		return transcribed, true
	case wire.ContentImage:
		if trimmed != "" {
			return trimmed, true
		}
		if extraImages > 0 {
			return fmt.Sprintf(imageBurstPlaceholder, extraImages+1), true
		}
		return imagePlaceholder, true
	case wire.ContentInteractive:
		if trimmed != "" {
			return trimmed, true
		}
		return interactivePlaceholder, true
	default:
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	}
}

// fetchInboundMedia downloads each safe URL through the host's media helper
// and saves it locally. Per-URL failures are logged and skipped.
func (m *Monitor) fetchInboundMedia(ctx context.Context, urls []string) (safeURLs, paths []string) {
	if m.runtime.Media == nil {
		return nil, nil
	}
	for _, raw := range urls {
		if !policy.IsSafeMediaURL(raw, m.account.ServerURL) {
			m.logger.Warn("unsafe media url skipped", slog.String("url", raw))
			continue
		}
		resolved := raw
		if strings.HasPrefix(resolved, "/") {
			resolved = m.account.ServerURL + resolved
		}
		safeURLs = append(safeURLs, resolved)
		data, contentTypeHeader, err := m.runtime.Media.FetchRemoteMedia(ctx, resolved, mediaMaxBytes)
		if err != nil {
			m.logger.Warn("media fetch failed", slog.String("url", resolved), slog.Any("error", err))
			continue
		}
		path, err := m.runtime.Media.SaveMediaBuffer(data, contentTypeHeader, "inbound")
		if err != nil {
			m.logger.Warn("media save failed", slog.String("url", resolved), slog.Any("error", err))
			continue
		}
		paths = append(paths, path)
	}
	return safeURLs, paths
}

// replyContextPrefix renders the quoted-content line placed above a reply.
func replyContextPrefix(preview string) string {
	runes := []rune(preview)
	if len(runes) > replyPreviewLimit {
		runes = runes[:replyPreviewLimit]
	}
	var b strings.Builder
	for _, r := range runes {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return "[回覆 " + b.String() + "]\n"
}

// resolveAgent picks the answering agent: the host route for the owner, the
// secretary agent (when configured) for visitors.
func (m *Monitor) resolveAgent(ctx context.Context, item inboundItem, senderID string, isOwner bool) string {
	if !isOwner && m.account.SecretaryAgentID != "" {
		return m.account.SecretaryAgentID
	}
	if m.runtime.Routing == nil {
		return ""
	}
	kind := "direct"
	if item.isGroup {
		kind = "group"
	}
	route, err := m.runtime.Routing.ResolveAgentRoute(ctx, host.RouteQuery{
		AccountID: m.account.ID,
		ChannelID: item.channelID,
		Peer:      host.Peer{Kind: kind, SenderID: senderID, IsOwner: isOwner},
	})
	if err != nil {
		m.logger.Warn("agent route resolution failed", slog.Any("error", err))
		return ""
	}
	return route.AgentID
}

// sessionKey builds the stable session identifier. The channel segment is
// the fixed SessionChannelID, not the agent id, so rerouting an account to
// another agent keeps its sessions.
func (m *Monitor) sessionKey(channelID string, isGroup bool) string {
	kind := "direct"
	if isGroup {
		kind = "group"
	}
	parts := []string{"agent", SessionChannelID}
	if m.account.ID != "" && m.account.ID != "default" {
		parts = append(parts, m.account.ID)
	}
	parts = append(parts, kind, "ch", channelID)
	return strings.Join(parts, ":")
}

func (m *Monitor) readSessionUpdatedAt(sessionKey string) (time.Time, bool) {
	if m.runtime.Sessions == nil {
		return time.Time{}, false
	}
	return m.runtime.Sessions.ReadSessionUpdatedAt(sessionKey)
}

func (m *Monitor) channelName(channelID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name := m.channelNames[channelID]; name != "" {
		return name
	}
	return channelID
}

// dispatch hands the context to the host's reply pipeline, maintaining the
// typing indicator and delivering chunked replies through the outbound
// sender. Dispatch errors never propagate; the session must survive them.
func (m *Monitor) dispatch(ctx context.Context, item inboundItem, dc host.DispatchContext) {
	if m.runtime.Reply == nil {
		return
	}
	dc = m.runtime.Reply.FinalizeInboundContext(dc)

	wsChannel := item.wsChannel
	if wsChannel == "" {
		wsChannel = "channel:" + item.channelID
	}

	var typingStatus atomic.Value
	typingStatus.Store(wire.TypingThinking)
	m.sendFrame(wire.TypingFrame(wsChannel, wire.TypingThinking))

	heartbeatStop := make(chan struct{})
	var heartbeatOnce func()
	{
		var stopped atomic.Bool
		heartbeatOnce = func() {
			if stopped.CompareAndSwap(false, true) {
				close(heartbeatStop)
			}
		}
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(typingHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatStop:
				return
			case <-ticker.C:
				m.sendFrame(wire.TypingFrame(wsChannel, typingStatus.Load().(string)))
			}
		}
	}()
	defer heartbeatOnce()

	firstChunk := true
	onChunk := func(chunkCtx context.Context, chunk string) error {
		if firstChunk {
			firstChunk = false
			typingStatus.Store(wire.TypingTyping)
			m.sendFrame(wire.TypingFrame(wsChannel, wire.TypingTyping))
			heartbeatOnce()
		}
		m.deliverChunk(chunkCtx, item.channelID, chunk)
		return nil
	}

	if err := m.runtime.Reply.Dispatch(ctx, dc, onChunk); err != nil {
		m.logger.Warn("reply dispatch failed",
			slog.String("channel_id", item.channelID),
			slog.Any("error", err),
		)
	}
}

// deliverChunk converts tables, splits the chunk into sendable pieces, and
// sends them in order. Per-piece failures are logged and delivery continues.
func (m *Monitor) deliverChunk(ctx context.Context, channelID, chunk string) {
	if m.runtime.Sender == nil {
		return
	}
	pieces := []string{chunk}
	if m.runtime.Text != nil {
		converted := m.runtime.Text.ConvertMarkdownTables(chunk)
		mode := m.runtime.Text.ResolveChunkMode(channelID)
		pieces = m.runtime.Text.ChunkMarkdownText(converted, mode, outboundChunkSize)
	}
	for _, piece := range pieces {
		if strings.TrimSpace(piece) == "" {
			continue
		}
		if err := m.runtime.Sender.Send(ctx, channelID, piece); err != nil {
			m.logger.Warn("outbound send failed",
				slog.String("channel_id", channelID),
				slog.Any("error", err),
			)
			continue
		}
		m.status.MarkOutbound()
	}
}
