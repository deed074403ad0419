package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSubscribed(t *testing.T) {
	msg, err := Decode([]byte(`{"subscribed":{"spuid":"sepa://spuid/1","alias":"all"}}`))
	require.NoError(t, err)

	require.NotNil(t, msg.Subscribed)
	assert.Equal(t, "sepa://spuid/1", msg.Subscribed.SPUID)
	assert.Equal(t, "all", msg.Subscribed.Alias)
	assert.Nil(t, msg.Notification)
	assert.Nil(t, msg.Error)
}

func TestDecodeNotification(t *testing.T) {
	frame := `{"notification":{"spuid":"sepa://spuid/1","sequence":3,
		"addedResults":{"head":{"vars":["topic"]},
		"results":{"bindings":[{"topic":{"type":"uri","value":"mqtt:top1"}}]}}}}`

	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	require.NotNil(t, msg.Notification)
	assert.Equal(t, 3, msg.Notification.Sequence)
	require.NotNil(t, msg.Notification.AddedResults)
	assert.Equal(t, []string{"topic"}, msg.Notification.AddedResults.Head.Vars)
	assert.Equal(t, "mqtt:top1", msg.Notification.AddedResults.Results.Bindings[0]["topic"].Value)
	assert.Nil(t, msg.Notification.RemovedResults)
}

func TestDecodeUnsubscribed(t *testing.T) {
	msg, err := Decode([]byte(`{"unsubscribed":{"spuid":"sepa://spuid/1"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Unsubscribed)
	assert.Equal(t, "sepa://spuid/1", msg.Unsubscribed.SPUID)
}

func TestDecodeErrorObject(t *testing.T) {
	msg, err := Decode([]byte(`{"error":{"status_code":400,"error":"bad request","error_description":"malformed sparql"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, 400, msg.Error.StatusCode)
	assert.Contains(t, msg.Error.Error(), "malformed sparql")
}

func TestDecodeErrorString(t *testing.T) {
	msg, err := Decode([]byte(`{"error":"subscription refused"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Error)
	assert.Equal(t, "subscription refused", msg.Error.Title)
}

func TestDecodeUnknownFrame(t *testing.T) {
	msg, err := Decode([]byte(`{"ping":true}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Subscribed)
	assert.Nil(t, msg.Notification)
	assert.Nil(t, msg.Unsubscribed)
	assert.Nil(t, msg.Error)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestParseQueryResult(t *testing.T) {
	data := `{"head":{"vars":["s","p"]},"results":{"bindings":[
		{"s":{"type":"uri","value":"http://example.org/a"},
		 "p":{"type":"literal","value":"hi","xml:lang":"en"}}]}}`

	result, err := ParseQueryResult([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, []string{"s", "p"}, result.Head.Vars)
	require.Len(t, result.Results.Bindings, 1)
	assert.Equal(t, "en", result.Results.Bindings[0]["p"].Lang)
}
