package monitor

import (
	"context"
	"log/slog"

	"github.com/wristclaw/wristclaw/internal/wire"
)

// runCatchup replays messages missed during a disconnect. For every channel
// with a known last-seen id it pages the Server's message listing and pushes
// each missed message through the same concurrency-gated pipeline as live
// events; a saturated cap drops the message, and the next reconnect catches
// it up again. Per-channel failures are logged and the loop continues.
func (m *Monitor) runCatchup(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.lastSeen))
	for channelID, lastID := range m.lastSeen {
		snapshot[channelID] = lastID
	}
	botUserID := m.botIdentity.UserID
	m.mu.Unlock()

	for channelID, lastID := range snapshot {
		if !wire.ValidID(channelID) || !wire.ValidID(lastID) {
			m.logger.Debug("catch-up skipped for unsafe id",
				slog.String("channel_id", channelID),
				slog.String("after", lastID),
			)
			continue
		}
		messages, err := m.api.MessagesAfter(ctx, channelID, lastID, wire.CatchupPageLimit)
		if err != nil {
			m.logger.Warn("catch-up fetch failed",
				slog.String("channel_id", channelID),
				slog.Any("error", err),
			)
			continue
		}
		if len(messages) == 0 {
			continue
		}
		m.logger.Info("catching up",
			slog.String("channel_id", channelID),
			slog.Int("missed", len(messages)),
		)
		for _, message := range messages {
			if message.Payload.Via == wire.ViaGateway {
				continue
			}
			if botUserID != "" && message.AuthorID == botUserID {
				continue
			}
			m.mu.Lock()
			if message.MessageID != "" {
				m.lastSeen[channelID] = message.MessageID
				if message.AuthorID != "" {
					m.authorCache.Set(message.MessageID, message.AuthorID)
				}
			}
			isGroup := m.groupChannels[channelID]
			m.mu.Unlock()
			content := message.Payload
			m.submitDispatch(ctx, inboundItem{
				event: wire.Event{
					Type:    wire.EventMessageNew,
					Channel: "channel:" + channelID,
					Payload: wire.EventPayload{
						MessageID: message.MessageID,
						ChannelID: message.ChannelID,
						AuthorID:  message.AuthorID,
						CreatedAt: message.CreatedAt,
						MediaURL:  message.MediaURL,
						ReplyTo:   message.ReplyContext,
						Content:   &content,
					},
				},
				channelID: channelID,
				wsChannel: "channel:" + channelID,
				isGroup:   isGroup,
			})
		}
	}
}
