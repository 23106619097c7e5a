package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// WSDialer dials the live channel over WebSocket.
// The handshake carries the current bearer token.
type WSDialer struct {
	URL    string
	Tokens TokenSource
	Dialer *websocket.Dialer
	Logger *slog.Logger

	ReadStreamSize  int
	WriteStreamSize int
}

func (d *WSDialer) Mode() DeliveryMode {
	return StreamingMode
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	token, err := d.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, res, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if res != nil && res.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", d.URL, ErrAuthExpired)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, d.URL, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := newWSConn(conn, logger, d.ReadStreamSize, d.WriteStreamSize)
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// wsConn is a Transport over a gorilla websocket connection.
type wsConn struct {
	conn        *websocket.Conn
	writeStream chan *Event
	readStream  chan *Event
	done        chan struct{}
	once        sync.Once
	err         error
	logger      *slog.Logger
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger, readSize, writeSize int) *wsConn {
	if readSize <= 0 {
		readSize = 100
	}
	if writeSize <= 0 {
		writeSize = 100
	}
	return &wsConn{
		conn:        conn,
		writeStream: make(chan *Event, writeSize),
		readStream:  make(chan *Event, readSize),
		done:        make(chan struct{}),
		logger:      logger.With(slog.String("transport", StreamingMode.String())),
	}
}

func (c *wsConn) Mode() DeliveryMode {
	return StreamingMode
}

func (c *wsConn) Events() <-chan *Event {
	return c.readStream
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *wsConn) Send(ctx context.Context, e *Event) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.writeStream <- e:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown stops the transport. Only the first reason is kept.
func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *wsConn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		close(c.readStream)
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("closed by server: %v", err))
			} else {
				c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrTransportFailure, err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		select {
		case c.readStream <- &event:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.shutdown(fmt.Errorf("%w: next writer: %v", ErrTransportFailure, err))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.shutdown(fmt.Errorf("%w: flush: %v", ErrTransportFailure, err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: ping: %v", ErrTransportFailure, err))
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
