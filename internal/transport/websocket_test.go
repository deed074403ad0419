package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arces-wot/gosepa/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// wsURL turns an httptest server URL into its ws:// equivalent
func wsURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func TestOpenChannelSubscribeRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var req protocol.SubscribeRequest
		require.NoError(t, json.Unmarshal(data, &req))
		assert.Equal(t, "SELECT * WHERE { ?s ?p ?o }", req.Subscribe.Sparql)
		assert.Equal(t, "test-alias", req.Subscribe.Alias)
		assert.Empty(t, req.Subscribe.Authorization)

		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"subscribed":{"spuid":"sepa://spuid/ws-test","alias":"test-alias"}}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"notification":{"spuid":"sepa://spuid/ws-test","sequence":1,"addedResults":{"head":{"vars":[]},"results":{"bindings":[]}}}}`))

		// hold the connection open until the client closes it
		conn.ReadMessage()
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	ch, err := tr.OpenChannel(context.Background(), wsURL(server.URL)+"/subscribe", false)
	require.NoError(t, err)
	defer ch.Close()

	err = ch.Send(context.Background(), protocol.SubscribeRequest{
		Subscribe: protocol.SubscribeBody{Sparql: "SELECT * WHERE { ?s ?p ?o }", Alias: "test-alias"},
	})
	require.NoError(t, err)

	msg := <-ch.Messages()
	require.NotNil(t, msg.Subscribed)
	assert.Equal(t, "sepa://spuid/ws-test", msg.Subscribed.SPUID)

	msg = <-ch.Messages()
	require.NotNil(t, msg.Notification)
	assert.Equal(t, 1, msg.Notification.Sequence)
}

func TestChannelInjectsBearerToken(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var req protocol.SubscribeRequest
		require.NoError(t, json.Unmarshal(data, &req))
		received <- req.Subscribe.Authorization
	}))
	defer server.Close()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL(server.URL), nil)
	require.NoError(t, err)

	ch := newWSChannel(conn, "tok-ws", zerolog.Nop())
	defer ch.Close()

	require.NoError(t, ch.Send(context.Background(), protocol.SubscribeRequest{
		Subscribe: protocol.SubscribeBody{Sparql: "SELECT 1"},
	}))

	select {
	case auth := <-received:
		assert.Equal(t, "Bearer tok-ws", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscribe frame")
	}
}

func TestChannelDropsUndecodableFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"unsubscribed":{"spuid":"sepa://spuid/x"}}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	ch, err := tr.OpenChannel(context.Background(), wsURL(server.URL)+"/subscribe", false)
	require.NoError(t, err)
	defer ch.Close()

	select {
	case msg := <-ch.Messages():
		require.NotNil(t, msg.Unsubscribed)
		assert.Equal(t, "sepa://spuid/x", msg.Unsubscribed.SPUID)
	case <-time.After(2 * time.Second):
		t.Fatal("never received the frame behind the garbage")
	}
}

func TestChannelClosesOnConnectionLoss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.Close()
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	ch, err := tr.OpenChannel(context.Background(), wsURL(server.URL)+"/subscribe", false)
	require.NoError(t, err)

	select {
	case _, ok := <-ch.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel never closed")
	}
}
