// Package monitor maintains one authenticated WebSocket session per account,
// routes inbound Server events through the policy gates, and dispatches
// well-formed requests to the host's agent runtime.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/wristclaw/wristclaw/internal/collections"
	"github.com/wristclaw/wristclaw/internal/config"
	"github.com/wristclaw/wristclaw/internal/host"
	"github.com/wristclaw/wristclaw/internal/policy"
	"github.com/wristclaw/wristclaw/internal/wire"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 10 * time.Second
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second

	// MaxConcurrentDispatches caps in-flight pipeline runs per monitor.
	MaxConcurrentDispatches = 3

	authorCacheCapacity = 500
	dedupSetCapacity    = 1000
	// dedupEvictBatch is removed in one go when the per-account set fills.
	dedupEvictBatch = dedupSetCapacity / 5
)

// ErrInsecureServer is returned when the derived WebSocket URL would send
// the API key over cleartext to a non-loopback host.
var ErrInsecureServer = fmt.Errorf("refusing ws:// connection to non-loopback host")

// inboundItem is one event on its way into the pipeline, together with the
// resolution the session loop already performed.
type inboundItem struct {
	event      wire.Event
	channelID  string
	wsChannel  string
	isGroup    bool
	extraMedia []string
}

// Monitor drives one account: a single live WebSocket, the derived
// conversation maps, the policy primitives, and the dispatch pipeline.
type Monitor struct {
	account config.AccountConfig
	runtime host.Runtime
	api     *wire.Client
	global  *policy.CrossAccountDedup
	logger  *slog.Logger
	status  *StatusSink

	limiter     *policy.RateLimiter
	dispatchSem *semaphore.Weighted
	mediaGroups *mediaGroupBuffer
	voice       *voiceWaiter
	history     *groupHistory

	mu               sync.Mutex
	conn             *websocket.Conn
	botIdentity      wire.Identity
	identityFetched  bool
	firstConnectDone bool
	pairToChannel    map[string]string
	groupChannels    map[string]bool
	channelNames     map[string]string
	lastSeen         map[string]string
	authorCache      *collections.BoundedMap[string, string]
	processed        *collections.BoundedSet[string]

	writeMu   sync.Mutex
	timerMu   sync.Mutex
	pongTimer *time.Timer
	pingStop  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	backoffMu sync.Mutex
	backoff   time.Duration

	// wsURL overrides the derived WebSocket URL in tests.
	wsURL string
	// debounce and voiceWait are shortened in tests.
	debounce  time.Duration
	voiceWait time.Duration
}

// New creates a monitor for the account. The cross-account dedup is shared
// across every monitor in the process; pass policy.GlobalDedup() outside
// tests.
func New(log *slog.Logger, account config.AccountConfig, runtime host.Runtime, global *policy.CrossAccountDedup) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if global == nil {
		global = policy.GlobalDedup()
	}
	m := &Monitor{
		account:       account,
		runtime:       runtime,
		api:           wire.NewClient(log, account.ServerURL, account.APIKey),
		global:        global,
		logger:        log.With(slog.String("component", "monitor"), slog.String("account", account.ID)),
		status:        NewStatusSink(account.ID),
		limiter:       policy.NewRateLimiter(policy.DefaultRateLimitMax, policy.DefaultRateLimitWindow),
		dispatchSem:   semaphore.NewWeighted(MaxConcurrentDispatches),
		pairToChannel: map[string]string{},
		groupChannels: map[string]bool{},
		channelNames:  map[string]string{},
		lastSeen:      map[string]string{},
		authorCache:   collections.NewBoundedMap[string, string](authorCacheCapacity),
		processed:     collections.NewBoundedSet[string](dedupSetCapacity),
		debounce:      defaultMediaGroupDebounce,
		voiceWait:     defaultVoiceWait,
	}
	return m
}

// Status returns the monitor's status sink.
func (m *Monitor) Status() *StatusSink {
	return m.status
}

// CleanupRateLimiter prunes idle senders; scheduled by the plugin.
func (m *Monitor) CleanupRateLimiter() {
	m.limiter.Cleanup()
}

// Run connects and serves until ctx is cancelled or Stop is called.
// Connection loss reconnects with exponential backoff; fatal configuration
// (an insecure WebSocket URL) returns an error without retrying.
func (m *Monitor) Run(ctx context.Context) error {
	wsURL, err := m.websocketURL()
	if err != nil {
		m.logger.Error("monitor not started", slog.Any("error", err))
		m.status.MarkStopped(err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.mediaGroups = newMediaGroupBuffer(m.debounce, func(item inboundItem) {
		m.submitDispatch(runCtx, item)
	})
	m.voice = newVoiceWaiter(m.voiceWait)
	m.history = newGroupHistory(m.account.GroupHistoryLimit)

	m.status.MarkStarted()
	m.logger.Info("monitor start",
		slog.String("run_id", uuid.NewString()),
		slog.String("server", m.account.ServerURL),
	)
	m.probeHealth(runCtx)

	m.resetBackoff()
	for {
		if runCtx.Err() != nil {
			break
		}
		err := m.session(runCtx, wsURL)
		if runCtx.Err() != nil {
			break
		}
		delay := m.nextBackoff()
		if err != nil {
			m.status.MarkError(err)
			m.logger.Warn("session ended, reconnecting",
				slog.Duration("backoff", delay),
				slog.Any("error", err),
			)
		}
		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	m.shutdown()
	m.logger.Info("monitor stop")
	return nil
}

// Stop cancels the monitor: pending media groups flush through the pipeline
// first (while dispatch still runs), voice waiters resolve empty, every
// timer dies, and the socket closes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if m.mediaGroups != nil {
		m.mediaGroups.Dispose()
	}
	if m.voice != nil {
		m.voice.Dispose()
	}
	if cancel != nil {
		cancel()
	}
	m.closeConn()
}

func (m *Monitor) shutdown() {
	m.stopPing()
	m.clearPongTimer()
	if m.mediaGroups != nil {
		m.mediaGroups.Dispose()
	}
	if m.voice != nil {
		m.voice.Dispose()
	}
	m.closeConn()
	m.wg.Wait()
	m.status.MarkStopped(nil)
}

// nextBackoff returns the current reconnect delay and doubles it for the
// next failure, capped at backoffMax. Authentication resets it.
func (m *Monitor) nextBackoff() time.Duration {
	m.backoffMu.Lock()
	defer m.backoffMu.Unlock()
	delay := m.backoff
	m.backoff *= 2
	if m.backoff > backoffMax {
		m.backoff = backoffMax
	}
	return delay
}

func (m *Monitor) resetBackoff() {
	m.backoffMu.Lock()
	m.backoff = backoffInitial
	m.backoffMu.Unlock()
}

func (m *Monitor) probeHealth(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	health, err := m.api.Health(probeCtx)
	if err != nil {
		m.logger.Warn("server health probe failed", slog.Any("error", err))
		return
	}
	m.logger.Info("server health",
		slog.String("status", health.Status),
		slog.String("server_version", health.Version),
	)
}

// websocketURL swaps the http(s) scheme for ws(s) and appends /v1/ws.
// Cleartext ws:// is only allowed toward loopback hosts.
func (m *Monitor) websocketURL() (string, error) {
	if m.wsURL != "" {
		return m.wsURL, nil
	}
	parsed, err := url.Parse(m.account.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/ws"
	if parsed.Scheme == "ws" && !isLoopbackHost(parsed.Hostname()) {
		return "", fmt.Errorf("%w: %s", ErrInsecureServer, parsed.Host)
	}
	return parsed.String(), nil
}

func isLoopbackHost(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// session owns one connection lifetime: dial, authenticate, then pump
// events until the socket dies.
func (m *Monitor) session(ctx context.Context, wsURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		m.stopPing()
		m.clearPongTimer()
		m.closeConn()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.writeJSON(wire.AuthFrame(m.account.APIKey)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("websocket closed: %w", err)
			}
			return err
		}
		event, err := wire.ParseEvent(raw)
		if err != nil {
			m.logger.Error("unparseable frame dropped", slog.Any("error", err))
			continue
		}
		m.handleEvent(sessionCtx, event)
	}
}

func (m *Monitor) handleEvent(ctx context.Context, event wire.Event) {
	switch event.Type {
	case wire.EventAuthenticated:
		go m.onAuthenticated(ctx)
	case wire.EventPong:
		m.clearPongTimer()
	case wire.EventSubscribed:
		m.logger.Debug("subscribed", slog.String("channel", event.Channel))
	case wire.EventMessageNew:
		m.onMessageNew(ctx, event)
	case wire.EventMessageUpdate:
		if event.Payload.MessageID != "" && event.Payload.Text != "" {
			m.voice.Resolve(event.Payload.MessageID, event.Payload.Text)
		}
	case wire.EventVoiceTranscribed:
		m.onVoiceTranscribed(ctx, event)
	case wire.EventPairCreated:
		go m.refreshPairs(ctx)
	case wire.EventMemberAdded:
		m.onMemberAdded(event)
	case wire.EventError:
		m.logger.Warn("server error event", slog.String("message", event.Payload.Message))
	case wire.EventMemberChanged:
		// Membership churn carries nothing the monitor tracks.
	default:
		// Unknown event types are ignored without error.
	}
}

// onAuthenticated (re)establishes session state: liveness, identity,
// conversation maps, subscriptions, and catch-up after a reconnect.
func (m *Monitor) onAuthenticated(ctx context.Context) {
	m.logger.Info("authenticated")
	m.resetBackoff()
	m.startPing(ctx)

	m.mu.Lock()
	needIdentity := !m.identityFetched
	m.mu.Unlock()
	if needIdentity {
		identity, err := m.api.Me(ctx)
		if err != nil {
			m.logger.Error("fetch bot identity failed", slog.Any("error", err))
		} else {
			m.mu.Lock()
			m.botIdentity = identity
			m.identityFetched = true
			m.mu.Unlock()
			m.logger.Info("bot identity",
				slog.String("bot_user_id", identity.UserID),
				slog.String("display_name", identity.DisplayName),
			)
		}
	}

	m.mu.Lock()
	botUserID := m.botIdentity.UserID
	m.mu.Unlock()
	if botUserID != "" {
		m.subscribe("user:" + botUserID)
	}

	conversations, err := m.api.Conversations(ctx)
	if err != nil {
		m.logger.Error("list conversations failed", slog.Any("error", err))
		return
	}
	m.rebuildConversations(conversations)
	for _, conversation := range conversations {
		if conversation.ChannelID != "" {
			m.subscribe("channel:" + conversation.ChannelID)
		}
	}

	m.mu.Lock()
	catchup := m.firstConnectDone
	m.firstConnectDone = true
	m.mu.Unlock()
	if catchup {
		m.runCatchup(ctx)
	}
}

// rebuildConversations replaces the derived maps from the latest listing;
// entries missing from the response are dropped.
func (m *Monitor) rebuildConversations(conversations []wire.Conversation) {
	pairs := map[string]string{}
	groups := map[string]bool{}
	names := map[string]string{}
	for _, conversation := range conversations {
		if conversation.ChannelID == "" {
			continue
		}
		switch conversation.Type {
		case wire.ConversationPair:
			if conversation.PairID != "" {
				pairs[conversation.PairID] = conversation.ChannelID
			}
		case wire.ConversationGroup:
			groups[conversation.ChannelID] = true
			if conversation.GroupName != "" {
				names[conversation.ChannelID] = conversation.GroupName
			}
		}
	}
	m.mu.Lock()
	m.pairToChannel = pairs
	m.groupChannels = groups
	m.channelNames = names
	m.mu.Unlock()
	m.logger.Info("conversations rebuilt",
		slog.Int("pairs", len(pairs)),
		slog.Int("groups", len(groups)),
	)
}

// refreshPairs inserts new pair mappings without invalidating the existing
// set, then subscribes any channels not yet covered.
func (m *Monitor) refreshPairs(ctx context.Context) {
	pairs, err := m.api.PairList(ctx)
	if err != nil {
		m.logger.Warn("pair list refresh failed", slog.Any("error", err))
		return
	}
	var added []string
	m.mu.Lock()
	for _, pair := range pairs {
		if pair.PairID == "" || pair.ChannelID == "" {
			continue
		}
		if _, ok := m.pairToChannel[pair.PairID]; !ok {
			m.pairToChannel[pair.PairID] = pair.ChannelID
			added = append(added, pair.ChannelID)
		}
	}
	m.mu.Unlock()
	for _, channelID := range added {
		m.subscribe("channel:" + channelID)
	}
	if len(added) > 0 {
		m.logger.Info("pairs refreshed", slog.Int("new", len(added)))
	}
}

func (m *Monitor) onMemberAdded(event wire.Event) {
	channelID := event.Payload.ChannelID
	if channelID == "" {
		return
	}
	m.mu.Lock()
	m.groupChannels[channelID] = true
	m.mu.Unlock()
	m.subscribe("channel:" + channelID)
}

func (m *Monitor) onMessageNew(ctx context.Context, event wire.Event) {
	channelID := m.resolveChannelID(event)
	if channelID == "" {
		m.logger.Debug("unroutable message dropped", slog.String("ws_channel", event.Channel))
		return
	}
	messageID := event.Payload.MessageID
	m.mu.Lock()
	if messageID != "" {
		m.lastSeen[channelID] = messageID
		if event.Payload.AuthorID != "" {
			m.authorCache.Set(messageID, event.Payload.AuthorID)
		}
	}
	isGroup := m.groupChannels[channelID]
	m.mu.Unlock()
	m.status.MarkInbound()

	item := inboundItem{
		event:     event,
		channelID: channelID,
		wsChannel: event.Channel,
		isGroup:   isGroup,
	}
	content := event.Payload.Content
	mediaURL := ""
	isImage := false
	if content != nil {
		mediaURL = content.MediaURL
		isImage = content.ContentType == wire.ContentImage
	}
	if mediaURL == "" {
		mediaURL = event.Payload.MediaURL
	}
	if isImage && mediaURL != "" && !policy.IsSafeMediaURL(mediaURL, m.account.ServerURL) {
		m.logger.Warn("unsafe media url skipped", slog.String("channel_id", channelID))
		mediaURL = ""
	}
	key := channelID + ":" + event.Payload.AuthorID
	if m.mediaGroups.TryBuffer(key, item, mediaURL, isImage) {
		return
	}
	m.submitDispatch(ctx, item)
}

// onVoiceTranscribed handles the legacy transcription event by synthesizing
// a voice message and running it through the normal pipeline.
func (m *Monitor) onVoiceTranscribed(ctx context.Context, event wire.Event) {
	payload := event.Payload
	if payload.MessageID == "" || payload.Text == "" {
		return
	}
	authorID := payload.AuthorID
	if authorID == "" {
		m.mu.Lock()
		authorID, _ = m.authorCache.Get(payload.MessageID)
		m.mu.Unlock()
	}
	synthesized := wire.Event{
		Type:    wire.EventMessageNew,
		Channel: event.Channel,
		Payload: wire.EventPayload{
			MessageID:  payload.MessageID,
			ChannelID:  payload.ChannelID,
			PairID:     payload.PairID,
			AuthorID:   authorID,
			SenderName: payload.SenderName,
			CreatedAt:  payload.CreatedAt,
			Content: &wire.Content{
				ContentType: wire.ContentVoice,
				Text:        payload.Text,
			},
		},
	}
	channelID := m.resolveChannelID(synthesized)
	if channelID == "" {
		return
	}
	m.mu.Lock()
	isGroup := m.groupChannels[channelID]
	m.mu.Unlock()
	m.submitDispatch(ctx, inboundItem{
		event:     synthesized,
		channelID: channelID,
		wsChannel: event.Channel,
		isGroup:   isGroup,
	})
}

// resolveChannelID resolves the target channel: explicit payload id, then
// the pair mapping, then the subscription channel name.
func (m *Monitor) resolveChannelID(event wire.Event) string {
	if event.Payload.ChannelID != "" {
		return event.Payload.ChannelID
	}
	if event.Payload.PairID != "" {
		m.mu.Lock()
		channelID := m.pairToChannel[event.Payload.PairID]
		m.mu.Unlock()
		if channelID != "" {
			return channelID
		}
	}
	if rest, ok := strings.CutPrefix(event.Channel, "channel:"); ok && rest != "" {
		return rest
	}
	return ""
}

// submitDispatch runs the pipeline for item under the concurrency cap,
// dropping the message when the cap is saturated.
func (m *Monitor) submitDispatch(ctx context.Context, item inboundItem) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !m.dispatchSem.TryAcquire(1) {
		m.logger.Warn("dispatch capacity reached, message dropped",
			slog.String("channel_id", item.channelID),
			slog.String("message_id", item.event.Payload.MessageID),
		)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.dispatchSem.Release(1)
		m.processMessage(ctx, item)
	}()
}

// claimLocal enforces the per-account dedup with batch eviction.
func (m *Monitor) claimLocal(messageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed.Has(messageID) {
		return false
	}
	if m.processed.Len() >= dedupSetCapacity {
		m.processed.EvictOldest(dedupEvictBatch)
	}
	m.processed.Add(messageID)
	return true
}

// Write-path helpers. The close handler is the single source of reconnect
// truth, so write failures are logged at debug and otherwise swallowed.

func (m *Monitor) writeJSON(frame any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no live connection")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (m *Monitor) sendFrame(frame any) {
	if err := m.writeJSON(frame); err != nil {
		m.logger.Debug("frame write failed", slog.Any("error", err))
	}
}

func (m *Monitor) subscribe(channel string) {
	m.sendFrame(wire.SubscribeFrame(channel))
}

func (m *Monitor) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Liveness timers.

func (m *Monitor) startPing(ctx context.Context) {
	m.stopPing()
	stop := make(chan struct{})
	m.timerMu.Lock()
	m.pingStop = stop
	m.timerMu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.sendFrame(wire.PingFrame())
				m.armPongTimeout()
			}
		}
	}()
}

func (m *Monitor) stopPing() {
	m.timerMu.Lock()
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	m.timerMu.Unlock()
}

// armPongTimeout force-closes the socket when no pong arrives in time,
// which routes recovery through the normal reconnect path.
func (m *Monitor) armPongTimeout() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
	}
	m.pongTimer = time.AfterFunc(pongTimeout, func() {
		m.logger.Warn("pong timeout, forcing reconnect")
		m.closeConn()
	})
}

func (m *Monitor) clearPongTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}
