package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/wristclaw/wristclaw/internal/httpx"
)

// CatchupPageLimit is the page size for missed-message listings.
const CatchupPageLimit = 50

// Client talks to the Server's REST plane with Bearer authentication.
type Client struct {
	baseURL string
	apiKey  string
	fetch   *httpx.Client
	logger  *slog.Logger
}

// NewClient creates a REST client for the given server base URL and API key.
func NewClient(log *slog.Logger, baseURL, apiKey string) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		fetch:   httpx.NewClient(log),
		logger:  log.With(slog.String("component", "server_api")),
	}
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Me fetches the bot's own identity.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var out Identity
	if err := c.getJSON(ctx, "/v1/me", &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// Conversations lists every conversation the account participates in.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/v1/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// PairList lists the account's pairs; used on pair:created refresh.
func (c *Client) PairList(ctx context.Context) ([]Pair, error) {
	var out struct {
		Pairs []Pair `json:"pairs"`
	}
	if err := c.getJSON(ctx, "/v1/pair/list", &out); err != nil {
		return nil, err
	}
	return out.Pairs, nil
}

// MessagesAfter lists messages in a channel newer than afterID, ascending.
// Both ids must be URL-safe; anything else is rejected before the request.
func (c *Client) MessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]APIMessage, error) {
	if !ValidID(channelID) {
		return nil, fmt.Errorf("invalid channel id %q", channelID)
	}
	if !ValidID(afterID) {
		return nil, fmt.Errorf("invalid message id %q", afterID)
	}
	if limit <= 0 {
		limit = CatchupPageLimit
	}
	path := "/v1/channels/" + url.PathEscape(channelID) + "/messages?after=" + url.QueryEscape(afterID) + "&limit=" + strconv.Itoa(limit)
	var out struct {
		Messages []APIMessage `json:"messages"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Health probes the Server.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return HealthStatus{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Accept", "application/json")
	resp, err := c.fetch.Do(ctx, httpx.Request{
		Method:  http.MethodGet,
		URL:     c.baseURL + path,
		Header:  header,
		Retries: 2,
	})
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}
