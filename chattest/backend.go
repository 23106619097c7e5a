// Package chattest provides an in-memory chat backend implementing the REST
// API and the live channel used by core sessions. It backs the integration
// tests and the devserver command.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/pawchat/core"
	"github.com/putto11262002/pawchat/pkg/router"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrUnknownChat = errors.New("unknown chat")
	ErrNotMember   = errors.New("not a member of the chat")
	ErrInvalidChat = errors.New("invalid chat")
	ErrSendFault   = errors.New("send failure injected")
)

// User is an account of the backend.
type User struct {
	UID         string
	DisplayName string
	AvatarURL   string
}

type chat struct {
	id           string
	participants []string
	isGroup      bool
	createdAt    time.Time
	messages     []core.Message
}

// Backend is an in-memory chat server. Its zero value is not usable, use New.
type Backend struct {
	secret    []byte
	now       func() time.Time
	logger    *slog.Logger
	devLogin  bool
	router    *router.Router
	hub       *hub
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.RWMutex
	users   map[string]*User
	friends map[string]map[string]struct{}
	chats   map[string]*chat

	failSends       atomic.Bool
	disableWS       atomic.Bool
	hideApproved    atomic.Bool
	ignoreJoinsFrom sync.Map
}

type Option func(*Backend)

// WithSecret sets the key tokens are signed with.
func WithSecret(secret []byte) Option {
	return func(b *Backend) {
		b.secret = secret
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithClock replaces the clock used for message timestamps and token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithDevLogin enables POST /dev/token, which issues a token for any known uid
// without a password.
func WithDevLogin() Option {
	return func(b *Backend) {
		b.devLogin = true
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		secret:  []byte("pawchat-dev-secret"),
		now:     time.Now,
		logger:  slog.Default(),
		users:   make(map[string]*User),
		friends: make(map[string]map[string]struct{}),
		chats:   make(map[string]*chat),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.hub = newHub(&b.wg, b.logger.With(slog.String("component", "hub")))
	b.router = b.routes()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.listen()
	}()
	return b
}

// Handler returns the HTTP handler serving the REST API and the live channel.
func (b *Backend) Handler() http.Handler {
	return b.router
}

// Close drops every live connection and stops the backend.
func (b *Backend) Close() {
	b.closeOnce.Do(func() {
		b.hub.close()
		b.hub.drop()
		b.cancel()
		b.wg.Wait()
	})
}

// AddUser registers a user.
func (b *Backend) AddUser(u User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.UID] = &u
}

// AddFriends makes a and b approved friends of each other.
func (b *Backend) AddFriends(a, c string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range []string{a, c} {
		if _, ok := b.users[uid]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, uid)
		}
	}
	for _, pair := range [][2]string{{a, c}, {c, a}} {
		set, ok := b.friends[pair[0]]
		if !ok {
			set = make(map[string]struct{})
			b.friends[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
	return nil
}

// CreateChat creates a chat between participants. Direct chats are not
// deduplicated: creating the same direct chat twice yields two chats.
func (b *Backend) CreateChat(participants []string, isGroup bool) (string, error) {
	set := slices.Clone(participants)
	slices.Sort(set)
	set = slices.Compact(set)
	if len(set) < 2 {
		return "", fmt.Errorf("%w: a chat needs two participants", ErrInvalidChat)
	}
	if !isGroup && len(set) != 2 {
		return "", fmt.Errorf("%w: a direct chat has exactly two participants", ErrInvalidChat)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range set {
		if _, ok := b.users[uid]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownUser, uid)
		}
	}
	c := &chat{
		id:           uuid.NewString(),
		participants: set,
		isGroup:      isGroup,
		createdAt:    b.now(),
	}
	b.chats[c.id] = c
	return c.id, nil
}

// PostMessage stores a message from uid and delivers it to the room of the chat.
func (b *Backend) PostMessage(chatID, uid, text string) (core.Message, error) {
	if b.failSends.Load() {
		return core.Message{}, ErrSendFault
	}
	b.mu.Lock()
	c, err := b.memberChatLocked(chatID, uid)
	if err != nil {
		b.mu.Unlock()
		return core.Message{}, err
	}
	m := core.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		From:       uid,
		Text:       text,
		SentAt:     b.now(),
		AuthorName: b.users[uid].DisplayName,
	}
	c.messages = append(c.messages, m)
	b.mu.Unlock()

	e, err := core.NewEvent(core.NewMessageEvent, core.NewMessagePayload{
		ID:         m.ID,
		ChatID:     m.ChatID,
		From:       m.From,
		Text:       m.Text,
		SentAt:     m.SentAt,
		AuthorName: m.AuthorName,
	})
	if err != nil {
		return core.Message{}, err
	}
	b.hub.broadcast(chatID, e, nil)
	return m, nil
}

// Messages returns the stored messages of a chat.
func (b *Backend) Messages(chatID string) []core.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.chats[chatID]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

// DirectChats returns the ids of the direct chats between a and c.
func (b *Backend) DirectChats(a, c string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	for _, ch := range b.chats {
		if !ch.isGroup && slices.Contains(ch.participants, a) && slices.Contains(ch.participants, c) {
			ids = append(ids, ch.id)
		}
	}
	return ids
}

// ConnCount returns the number of live connections of uid.
func (b *Backend) ConnCount(uid string) int {
	return b.hub.connCount(uid)
}

// RoomSize returns the number of connections in the room of a chat.
func (b *Backend) RoomSize(chatID string) int {
	return b.hub.roomSize(chatID)
}

// FailSends makes message posts fail with 500 while enabled.
func (b *Backend) FailSends(enabled bool) {
	b.failSends.Store(enabled)
}

// DisableWebSocket rejects live channel upgrades with 503 while enabled.
func (b *Backend) DisableWebSocket(disabled bool) {
	b.disableWS.Store(disabled)
}

// HideApprovedFriends makes GET /approved-friends answer 404 while enabled.
func (b *Backend) HideApprovedFriends(hidden bool) {
	b.hideApproved.Store(hidden)
}

// IgnoreJoins drops the join requests of uid without acknowledging them while enabled.
func (b *Backend) IgnoreJoins(uid string, enabled bool) {
	if enabled {
		b.ignoreJoinsFrom.Store(uid, struct{}{})
		return
	}
	b.ignoreJoinsFrom.Delete(uid)
}

// DropConnections closes every live connection abruptly.
func (b *Backend) DropConnections() {
	b.hub.drop()
}

func (b *Backend) memberChatLocked(chatID, uid string) (*chat, error) {
	c, ok := b.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	if !slices.Contains(c.participants, uid) {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, chatID)
	}
	return c, nil
}

// chatView renders c from the point of view of uid.
func (b *Backend) chatViewLocked(c *chat, uid string) core.ChatRoom {
	room := core.ChatRoom{
		ID:                 c.id,
		Participants:       slices.Clone(c.participants),
		IsGroup:            c.isGroup,
		LastMessagePreview: "No messages yet",
		LastMessageTime:    c.createdAt,
	}
	if !c.isGroup {
		for _, p := range c.participants {
			if p == uid {
				continue
			}
			room.OtherUserUID = p
			if u, ok := b.users[p]; ok {
				room.OtherUserName = u.DisplayName
				room.OtherUserAvatar = u.AvatarURL
			}
		}
	}
	if n := len(c.messages); n > 0 {
		last := c.messages[n-1]
		room.LastMessageTime = last.SentAt
		room.LastMessagePreview = last.Text
		if last.From == uid {
			room.LastMessagePreview = "You: " + last.Text
		}
	}
	return room
}
