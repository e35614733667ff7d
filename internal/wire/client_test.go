package wire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientMe(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/me", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "bot-1",
			"display_name": "bot",
		})
	}))
	defer ts.Close()

	client := NewClient(discardLogger(), ts.URL, "secret")
	identity, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "bot-1", DisplayName: "bot"}, identity)
}

func TestClientConversations(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations", r.URL.Path)
		_, _ = w.Write([]byte(`{"conversations":[
			{"type":"pair","channel_id":"ch-1","pair_id":"p-1"},
			{"type":"group","channel_id":"ch-2","group_name":"team"}
		]}`))
	}))
	defer ts.Close()

	client := NewClient(discardLogger(), ts.URL, "secret")
	conversations, err := client.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, Conversation{Type: "pair", ChannelID: "ch-1", PairID: "p-1"}, conversations[0])
	assert.Equal(t, Conversation{Type: "group", ChannelID: "ch-2", GroupName: "team"}, conversations[1])
}

func TestClientMessagesAfter(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/channels/ch-1/messages", r.URL.Path)
		assert.Equal(t, "m2", r.URL.Query().Get("after"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"messages":[
			{"message_id":"m3","author_id":"u1","channel_id":"ch-1","payload":{"content_type":"text","text":"hi"}}
		]}`))
	}))
	defer ts.Close()

	client := NewClient(discardLogger(), ts.URL, "secret")
	messages, err := client.MessagesAfter(context.Background(), "ch-1", "m2", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m3", messages[0].MessageID)
	assert.Equal(t, "hi", messages[0].Payload.Text)
}

func TestClientMessagesAfterRejectsUnsafeIDs(t *testing.T) {
	t.Parallel()
	client := NewClient(discardLogger(), "http://127.0.0.1:0", "secret")
	_, err := client.MessagesAfter(context.Background(), "ch/../1", "m2", 50)
	require.Error(t, err)
	_, err = client.MessagesAfter(context.Background(), "ch-1", "m2&x=1", 50)
	require.Error(t, err)
}

func TestClientNon200(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	client := NewClient(discardLogger(), ts.URL, "secret")
	_, err := client.Me(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestValidID(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidID("abc-DEF_123"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a b"))
	assert.False(t, ValidID("a/b"))
	assert.False(t, ValidID("a?b=c"))
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	event, err := ParseEvent([]byte(`{
		"type":"message:new",
		"channel":"channel:ch-1",
		"payload":{
			"message_id":"m1",
			"author_id":"u1",
			"content":{"content_type":"text","text":"hello","via":""}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, EventMessageNew, event.Type)
	assert.Equal(t, "channel:ch-1", event.Channel)
	assert.Equal(t, "m1", event.Payload.MessageID)
	require.NotNil(t, event.Payload.Content)
	assert.Equal(t, "hello", event.Payload.Content.Text)

	_, err = ParseEvent([]byte("not json"))
	require.Error(t, err)
}
