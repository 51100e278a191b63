package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eleven-am/callstream/internal/shared"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Conn wraps one websocket transport. Outbound messages go through a
// bounded send channel drained by a single write pump so the protocol
// handler never writes to the socket concurrently.
type Conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	send chan *Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:   ws,
		log:  log,
		send: make(chan *Message, 64),
		done: make(chan struct{}),
	}
}

// Send queues one server message. Returns shared.ErrClosed after Close;
// blocks when the peer is slow enough to fill the send buffer.
func (c *Conn) Send(msg *Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return shared.ErrClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return shared.ErrClosed
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// WritePump drains the send channel onto the socket and keeps the
// transport alive with websocket-level pings. Runs until Close.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Error("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop delivers inbound frames to the given callbacks until the
// transport drops or Close is called. Binary frames are audio; text frames
// are protocol messages.
func (c *Conn) ReadLoop(onText func([]byte), onBinary func([]byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read error", "error", err)
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			onText(data)
		case websocket.BinaryMessage:
			onBinary(data)
		}
	}
}

// marshalParams panics only on unmarshalable parameter structs, which are
// all plain data types defined in this package.
func marshalParams(params any) json.RawMessage {
	data, err := json.Marshal(params)
	if err != nil {
		panic("protocol: marshal parameters: " + err.Error())
	}
	return data
}
