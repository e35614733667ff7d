package monitor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/wristclaw/wristclaw/internal/host"
)

// groupHistory buffers non-mentioning messages per group channel so a
// mention-triggered reply can hand them to the agent as context. Each
// channel keeps at most limit entries, oldest dropped first.
type groupHistory struct {
	mu       sync.Mutex
	limit    int
	channels map[string][]host.HistoryEntry
}

func newGroupHistory(limit int) *groupHistory {
	if limit < 1 {
		limit = 1
	}
	return &groupHistory{
		limit:    limit,
		channels: map[string][]host.HistoryEntry{},
	}
}

func (h *groupHistory) Append(channelID string, entry host.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.channels[channelID], entry)
	if len(entries) > h.limit {
		entries = entries[len(entries)-h.limit:]
	}
	h.channels[channelID] = entries
}

// Snapshot returns a copy of the channel's buffered entries.
func (h *groupHistory) Snapshot(channelID string) []host.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.channels[channelID]
	if len(entries) == 0 {
		return nil
	}
	out := make([]host.HistoryEntry, len(entries))
	copy(out, entries)
	return out
}

func (h *groupHistory) Clear(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, channelID)
}

// renderHistoryBlock formats buffered entries the way the agent reads them.
func renderHistoryBlock(entries []host.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", entry.Timestamp.Format("15:04"), entry.Sender, entry.Body))
	}
	return strings.Join(lines, "\n")
}
