package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/arces-wot/gosepa/pkg/protocol"
)

// channelBuffer bounds the incoming frame queue of one channel
const channelBuffer = 32

// WSChannel is a subscription channel over one WebSocket connection. The
// read loop decodes incoming frames into Messages; the channel is closed
// when the connection dies or Close is called.
type WSChannel struct {
	conn     *websocket.Conn
	token    string
	messages chan protocol.Message
	logger   zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, token string, logger zerolog.Logger) *WSChannel {
	ch := &WSChannel{
		conn:     conn,
		token:    token,
		messages: make(chan protocol.Message, channelBuffer),
		logger:   logger,
	}
	go ch.readLoop()
	return ch
}

// readLoop decodes broker frames until the connection dies, then closes
// the message channel so the listener sees the loss
func (ch *WSChannel) readLoop() {
	defer close(ch.messages)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			ch.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		ch.messages <- msg
	}
}

// Send writes one frame to the broker. On secure channels the bearer
// token is injected into subscribe/unsubscribe requests before they go
// out.
func (ch *WSChannel) Send(ctx context.Context, msg any) error {
	if ch.token != "" {
		switch m := msg.(type) {
		case protocol.SubscribeRequest:
			m.Subscribe.Authorization = "Bearer " + ch.token
			msg = m
		case protocol.UnsubscribeRequest:
			m.Unsubscribe.Authorization = "Bearer " + ch.token
			msg = m
		}
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		ch.conn.SetWriteDeadline(deadline)
	}
	return ch.conn.WriteJSON(msg)
}

// Messages returns the stream of decoded broker frames
func (ch *WSChannel) Messages() <-chan protocol.Message {
	return ch.messages
}

// Close performs the close handshake and tears down the connection
func (ch *WSChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.writeMu.Lock()
		ch.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ch.writeMu.Unlock()
		err = ch.conn.Close()
	})
	return err
}
