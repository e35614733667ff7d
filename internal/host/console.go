package host

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewConsoleRuntime builds a self-contained Runtime used when the gateway
// runs standalone (no embedding host): dispatches are logged, outbound sends
// are logged, media lands in the OS temp directory. It keeps the monitor
// fully exercisable for probing and development.
func NewConsoleRuntime(log *slog.Logger) Runtime {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "console_host"))
	sessions := &consoleSessions{
		logger: logger,
		seen:   map[string]time.Time{},
	}
	return Runtime{
		Routing:  consoleRouting{},
		Sessions: sessions,
		Reply:    &consoleReply{logger: logger},
		Text:     consoleText{},
		Media:    &consoleMedia{httpClient: &http.Client{Timeout: 30 * time.Second}},
		Sender:   &consoleSender{logger: logger},
	}
}

type consoleRouting struct{}

func (consoleRouting) ResolveAgentRoute(_ context.Context, _ RouteQuery) (Route, error) {
	return Route{AgentID: "main"}, nil
}

type consoleSessions struct {
	logger *slog.Logger
	mu     sync.Mutex
	seen   map[string]time.Time
}

func (s *consoleSessions) ReadSessionUpdatedAt(sessionKey string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[sessionKey]
	return at, ok
}

func (s *consoleSessions) RecordInboundSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	s.seen[record.SessionKey] = record.At
	s.mu.Unlock()
	return nil
}

type consoleReply struct {
	logger *slog.Logger
}

func (r *consoleReply) FormatEnvelope(input EnvelopeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s @ %s", input.Timestamp.Format(time.RFC3339), input.SenderLabel, input.ChannelName)
	if !input.PrevTimestamp.IsZero() {
		fmt.Fprintf(&b, " (last %s)", input.PrevTimestamp.Format(time.RFC3339))
	}
	b.WriteString("\n")
	if input.HistoryBlock != "" {
		b.WriteString(input.HistoryBlock)
		b.WriteString("\n---\n")
	}
	b.WriteString(input.Body)
	return b.String()
}

func (r *consoleReply) FinalizeInboundContext(dc DispatchContext) DispatchContext {
	return dc
}

func (r *consoleReply) Dispatch(_ context.Context, dc DispatchContext, _ ChunkFunc) error {
	r.logger.Info("dispatch",
		slog.String("session_key", dc.SessionKey),
		slog.String("agent_id", dc.AgentID),
		slog.String("channel_id", dc.ChannelID),
		slog.Bool("is_group", dc.IsGroup),
		slog.Bool("command_authorized", dc.CommandAuthorized),
		slog.String("body", dc.BodyForAgent),
		slog.Int("media", len(dc.MediaPaths)),
		slog.Int("history", len(dc.InboundHistory)),
	)
	return nil
}

type consoleText struct{}

func (consoleText) ConvertMarkdownTables(text string) string { return text }

func (consoleText) ResolveChunkMode(_ string) string { return "plain" }

func (consoleText) ChunkMarkdownText(text, _ string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		chunks = append(chunks, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

type consoleMedia struct {
	httpClient *http.Client
}

func (m *consoleMedia) FetchRemoteMedia(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (m *consoleMedia) SaveMediaBuffer(data []byte, contentType, dir string) (string, error) {
	base := os.TempDir()
	target := base + string(os.PathSeparator) + dir + "-" + uuid.NewString() + extensionFor(contentType)
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return target, nil
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "audio/"):
		return ".audio"
	default:
		return ".bin"
	}
}

type consoleSender struct {
	logger *slog.Logger
}

func (s *consoleSender) Send(_ context.Context, channelID, text string) error {
	s.logger.Info("outbound",
		slog.String("channel_id", channelID),
		slog.Int("length", len(text)),
	)
	return nil
}
