package chattest

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/pawchat/core"
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

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// inbound is an event received on a connection.
type inbound struct {
	conn  *hubConn
	event *core.Event
}

// hub keeps the live connections of every user and the rooms they joined.
type hub struct {
	mu     sync.RWMutex
	conns  map[string][]*hubConn
	rooms  map[string]map[*hubConn]struct{}
	nextID int

	upgrader        websocket.Upgrader
	received        chan inbound
	wg              *sync.WaitGroup
	logger          *slog.Logger
	writeStreamSize int
}

func newHub(wg *sync.WaitGroup, logger *slog.Logger) *hub {
	return &hub{
		conns:           make(map[string][]*hubConn),
		rooms:           make(map[string]map[*hubConn]struct{}),
		upgrader:        defaultUpgrader,
		received:        make(chan inbound, 100),
		wg:              wg,
		logger:          logger,
		writeStreamSize: 100,
	}
}

// connect upgrades the request into a live connection of uid.
func (h *hub) connect(uid string, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	h.mu.Lock()
	h.nextID++
	c := &hubConn{
		id:          h.nextID,
		uid:         uid,
		conn:        conn,
		writeStream: make(chan *core.Event, h.writeStreamSize),
		done:        make(chan struct{}),
		logger:      h.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", uid, h.nextID))),
	}
	h.conns[uid] = append(h.conns[uid], c)
	h.mu.Unlock()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.readLoop(h.received)
		h.disconnect(c)
	}()
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	return nil
}

// disconnect removes c from the hub and every room.
func (h *hub) disconnect(c *hubConn) {
	h.mu.Lock()
	conns := h.conns[c.uid]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(h.conns, c.uid)
	} else {
		h.conns[c.uid] = conns
	}
	for chatID, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *hub) join(c *hubConn, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[chatID]
	if !ok {
		members = make(map[*hubConn]struct{})
		h.rooms[chatID] = members
	}
	members[c] = struct{}{}
}

func (h *hub) leave(c *hubConn, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[chatID]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, chatID)
	}
}

func (h *hub) inRoom(c *hubConn, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][c]
	return ok
}

// broadcast sends e to every connection in the room of chatID except skip.
func (h *hub) broadcast(chatID string, e *core.Event, skip *hubConn) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[chatID] {
		if c != skip {
			c.send(e)
		}
	}
}

func (h *hub) isConnected(uid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[uid]) > 0
}

func (h *hub) connCount(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[uid])
}

func (h *hub) roomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

func (h *hub) all() []*hubConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var all []*hubConn
	for _, conns := range h.conns {
		all = append(all, conns...)
	}
	return all
}

// drop closes every connection without a close handshake.
func (h *hub) drop() {
	for _, c := range h.all() {
		c.conn.Close()
	}
}

// close closes every connection gracefully.
func (h *hub) close() {
	for _, c := range h.all() {
		c.close()
	}
}

type hubConn struct {
	id          int
	uid         string
	conn        *websocket.Conn
	writeStream chan *core.Event
	done        chan struct{}
	once        sync.Once
	logger      *slog.Logger
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// send queues e for writing. Events for a connection that cannot keep up are dropped.
func (c *hubConn) send(e *core.Event) {
	select {
	case c.writeStream <- e:
	case <-c.done:
	default:
		c.logger.Warn(fmt.Sprintf("write stream full, drop %s", e.Type))
	}
}

func (c *hubConn) readLoop(received chan<- inbound) {
	c.logger.Debug("read loop started")
	defer func() {
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
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
			} else {
				c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			}
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event core.Event
		if err := core.DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}

		select {
		case received <- inbound{conn: c, event: &event}:
		case <-c.done:
			return
		}
	}
}

func (c *hubConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case e := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("next writer: %v", err))
				c.close()
				return
			}
			if err := core.EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				c.close()
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
