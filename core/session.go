package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const DefaultOptimisticTimeout = 30 * time.Second

// Config configures a Session. Zero durations select the defaults.
type Config struct {
	// APIURL is the base URL of the REST API.
	APIURL string `validate:"required,url"`
	// WSURL is the URL of the live channel. It defaults to <APIURL>/ws with a ws scheme.
	WSURL string `validate:"omitempty,url"`

	ConnectTimeout       time.Duration
	JoinTimeout          time.Duration
	TypingIdle           time.Duration
	OptimisticTimeout    time.Duration
	PollInterval         time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int `validate:"gte=-1"`

	DisableStreaming bool
	DisablePolling   bool

	HTTPClient *http.Client      `validate:"-"`
	WSDialer   *websocket.Dialer `validate:"-"`
	Logger     *slog.Logger      `validate:"-"`
}

// UpdateKind tells render adapters what part of the session changed.
type UpdateKind int

const (
	StateChanged UpdateKind = iota
	MessagesChanged
	TypersChanged
	ChatsChanged
	// Notice carries an error the user should be told about.
	Notice
)

func (k UpdateKind) String() string {
	switch k {
	case StateChanged:
		return "state changed"
	case MessagesChanged:
		return "messages changed"
	case TypersChanged:
		return "typers changed"
	case ChatsChanged:
		return "chats changed"
	case Notice:
		return "notice"
	default:
		return "unknown"
	}
}

// Update is published to subscribers after the session changed.
type Update struct {
	Kind   UpdateKind
	ChatID string
	State  ConnectionState
	Err    error
}

type typingOut struct {
	chatID string
	typing bool
}

// Session is the chat session of one user. It owns the live channel, the room
// memberships, the message store, typing state and the chat directory, and
// publishes every change to its subscribers.
//
// A Session is safe for concurrent use. One Session per process is meant to be
// shared by every view through Subscribe.
type Session struct {
	id     string
	creds  Credentials
	cfg    Config
	logger *slog.Logger

	api    *APIClient
	conn   *ConnManager
	rooms  *RoomController
	store  *MessageStore
	typing *TypingController
	typers *TypingTracker
	dir    *Directory
	router *EventRouter

	subs    *SyncMap[uint64, func(Update)]
	nextSub atomic.Uint64

	mu        sync.Mutex
	active    string
	selectGen uint64
	closed    bool

	signalsMu     sync.Mutex
	signals       chan typingOut
	signalsClosed bool
	signalsDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a disconnected session for the user of creds.
func NewSession(creds Credentials, cfg Config) (*Session, error) {
	if err := validate.Struct(creds); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.OptimisticTimeout <= 0 {
		cfg.OptimisticTimeout = DefaultOptimisticTimeout
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	logger = logger.With(slog.String("session", id))
	s := &Session{
		id:          id,
		creds:       creds,
		cfg:         cfg,
		logger:      logger,
		store:       NewMessageStore(),
		subs:        NewSyncMap[uint64, func(Update)](),
		signals:     make(chan typingOut, 64),
		signalsDone: make(chan struct{}),
	}

	apiOpts := []APIClientOption{WithAPILogger(logger.With(slog.String("component", "api")))}
	if cfg.HTTPClient != nil {
		apiOpts = append(apiOpts, WithHTTPClient(cfg.HTTPClient))
	}
	api, err := NewAPIClient(cfg.APIURL, creds.Tokens, apiOpts...)
	if err != nil {
		return nil, err
	}
	s.api = api

	var dialers []Dialer
	if !cfg.DisableStreaming {
		wsURL := cfg.WSURL
		if wsURL == "" {
			if wsURL, err = deriveWSURL(cfg.APIURL); err != nil {
				return nil, err
			}
		}
		dialers = append(dialers, &WSDialer{
			URL:    wsURL,
			Tokens: creds.Tokens,
			Dialer: cfg.WSDialer,
			Logger: logger,
		})
	}
	if !cfg.DisablePolling {
		dialers = append(dialers, &PollDialer{API: api, Interval: cfg.PollInterval, Logger: logger})
	}
	if len(dialers) == 0 {
		return nil, errors.New("invalid config: every delivery mode is disabled")
	}

	s.conn = NewConnManager(dialers,
		WithConnectTimeout(cfg.ConnectTimeout),
		WithReconnectBackoff(cfg.ReconnectBase, cfg.ReconnectCap, cfg.MaxReconnectAttempts),
		WithConnLogger(logger.With(slog.String("component", "conn"))),
	)
	s.conn.OnStateChange(s.onStateChange)
	s.conn.OnReconnect(s.onReconnect)

	s.rooms = NewRoomController(s.conn, creds.Tokens, cfg.JoinTimeout, logger.With(slog.String("component", "rooms")))
	s.typing = NewTypingController(cfg.TypingIdle, s.queueTyping)
	s.typers = NewTypingTracker(creds.UserID, cfg.TypingIdle*2, func(chatID string) {
		s.publish(Update{Kind: TypersChanged, ChatID: chatID})
	})
	s.dir = NewDirectory(api, creds.UserID, logger.With(slog.String("component", "directory")))

	s.router = NewEventRouter(logger.With(slog.String("component", "events")))
	s.router.On(NewMessageEvent, s.onNewMessage)
	s.router.On(UserTypingEvent, s.onUserTyping)
	s.router.On(JoinedChatEvent, s.onJoinedChat)
	s.router.On(LeftChatEvent, s.onLeftChat)
	s.router.On(ErrorEvent, s.onError)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.router.Listen(s.ctx, s.conn.Receive())
	}()
	go func() {
		defer s.wg.Done()
		s.sweepOptimistic()
	}()
	go s.sendTyping()
	return s, nil
}

func deriveWSURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Connect creates a session and establishes its live channel.
func Connect(ctx context.Context, creds Credentials, cfg Config) (*Session, error) {
	s, err := NewSession(creds, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Disconnect leaves every room and closes the live channel of s.
func Disconnect(ctx context.Context, s *Session) error {
	return s.Close(ctx)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.creds.UserID
}

func (s *Session) DisplayName() string {
	return s.creds.DisplayName
}

func (s *Session) State() ConnectionState {
	return s.conn.State()
}

// Mode returns the delivery mode of the live channel, if any.
func (s *Session) Mode() (DeliveryMode, bool) {
	return s.conn.Mode()
}

func (s *Session) Directory() *Directory {
	return s.dir
}

// Subscribe registers f to be called after every change. f is called from
// the goroutine that made the change and must not block.
// The returned function removes the subscription.
func (s *Session) Subscribe(f func(Update)) func() {
	id := s.nextSub.Add(1)
	s.subs.Store(id, f)
	return func() {
		s.subs.Delete(id)
	}
}

func (s *Session) publish(u Update) {
	s.subs.Range(func(_ uint64, f func(Update)) bool {
		f(u)
		return true
	})
}

func (s *Session) notice(chatID string, err error) {
	s.logger.Warn(err.Error())
	s.publish(Update{Kind: Notice, ChatID: chatID, Err: err})
}

// Connect establishes the live channel and loads the chat directory.
// A failed directory load is published as a notice and does not fail Connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.dir.Refresh(ctx); err != nil {
		s.notice("", err)
	}
	s.publish(Update{Kind: ChatsChanged})
	return nil
}

// Close stops typing, leaves every room and closes the live channel.
// It waits for all goroutines of the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.StopAll()
	s.signalsMu.Lock()
	s.signalsClosed = true
	close(s.signals)
	s.signalsMu.Unlock()
	select {
	case <-s.signalsDone:
	case <-ctx.Done():
	}

	err := s.rooms.LeaveAll(ctx)
	s.cancel()
	s.conn.Disconnect()
	s.wg.Wait()
	<-s.signalsDone
	s.logger.Info("session closed")
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *Session) onStateChange(state ConnectionState, reason error) {
	s.publish(Update{Kind: StateChanged, State: state, Err: reason})
	if state == Disconnected && reason != nil {
		s.publish(Update{Kind: Notice, Err: reason})
	}
}

// onReconnect restores what the previous transport lost.
func (s *Session) onReconnect(ctx context.Context) {
	for _, chatID := range s.typers.Reset() {
		s.publish(Update{Kind: TypersChanged, ChatID: chatID})
	}
	if err := s.rooms.Rejoin(ctx); err != nil {
		s.notice("", err)
	}

	s.mu.Lock()
	chatID, gen := s.active, s.selectGen
	s.mu.Unlock()
	if chatID == "" {
		return
	}
	if s.rooms.State(chatID) == NotJoined && s.isCurrent(gen) {
		if err := s.rooms.Join(ctx, chatID); err != nil {
			s.notice(chatID, err)
		}
	}
	// messages sent while the channel was down are only available by fetching
	if err := s.seed(ctx, chatID, gen); err != nil {
		s.notice(chatID, err)
	}
}

func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectGen == gen
}

// SelectChat makes chatID the active chat. The previous room is left, the new
// room is joined and its messages are fetched. Results of a selection that
// has been superseded by a newer one are dropped.
func (s *Session) SelectChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return ErrNoActiveChat
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.active
	s.active = chatID
	s.selectGen++
	gen := s.selectGen
	s.mu.Unlock()

	if prev != "" && prev != chatID {
		s.typing.Stop(prev)
		if err := s.rooms.Leave(ctx, prev); err != nil {
			s.logger.Debug(fmt.Sprintf("leave %s: %v", prev, err))
		}
	}

	var g errgroup.Group
	var joinErr, fetchErr error
	g.Go(func() error {
		joinErr = s.rooms.Join(ctx, chatID)
		return nil
	})
	g.Go(func() error {
		fetchErr = s.seed(ctx, chatID, gen)
		return nil
	})
	g.Wait()

	if !s.isCurrent(gen) {
		return nil
	}
	if fetchErr != nil {
		s.notice(chatID, fetchErr)
	}
	if joinErr != nil && !errors.Is(joinErr, ErrNotConnected) {
		s.notice(chatID, joinErr)
	}
	if joinErr != nil && errors.Is(joinErr, ErrNotConnected) {
		// the room stays pending and is joined by onReconnect
		joinErr = nil
	}
	return errors.Join(joinErr, fetchErr)
}

// seed fetches the messages of chatID and seeds the store if the selection
// gen is still current.
func (s *Session) seed(ctx context.Context, chatID string, gen uint64) error {
	msgs, err := s.api.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: messages of %s: %w", ErrFetchFailed, chatID, err)
	}
	if !s.isCurrent(gen) {
		s.logger.Debug(fmt.Sprintf("drop stale messages of %s", chatID))
		return nil
	}
	s.store.Seed(chatID, msgs)
	s.publish(Update{Kind: MessagesChanged, ChatID: chatID})
	return nil
}

// OpenDirectChat selects the direct chat with friendID, creating it if needed.
func (s *Session) OpenDirectChat(ctx context.Context, friendID string) (string, error) {
	chatID, err := s.dir.FindOrCreateDirectChat(ctx, friendID)
	if err != nil {
		return "", err
	}
	s.publish(Update{Kind: ChatsChanged})
	return chatID, s.SelectChat(ctx, chatID)
}

// Send sends text to the active chat.
func (s *Session) Send(ctx context.Context, text string) error {
	return s.SendTo(ctx, s.ActiveChat(), text)
}

// SendTo sends text to chatID. The message is shown right away as a
// temporary message and replaced once it arrives on the live channel.
// If the request fails the temporary message is removed and a *SendError
// carrying the text is returned.
func (s *Session) SendTo(ctx context.Context, chatID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if chatID == "" {
		return ErrNoActiveChat
	}

	s.typing.Stop(chatID)
	tempID := s.store.AppendOptimistic(chatID, text, s.creds.UserID)
	s.publish(Update{Kind: MessagesChanged, ChatID: chatID})

	if _, err := s.api.SendMessage(ctx, chatID, text); err != nil {
		if _, ok := s.store.FailOptimistic(chatID, tempID); !ok {
			// already confirmed on the live channel
			return nil
		}
		s.publish(Update{Kind: MessagesChanged, ChatID: chatID})
		return &SendError{ChatID: chatID, Text: text, Err: err}
	}
	return nil
}

// InputChanged reports the content of the input box of the active chat.
func (s *Session) InputChanged(text string) {
	chatID := s.ActiveChat()
	if chatID == "" {
		return
	}
	s.typing.InputChanged(chatID, text)
}

func (s *Session) Messages(chatID string) []Message {
	return s.store.List(chatID)
}

func (s *Session) Typers(chatID string) []Typer {
	return s.typers.Typers(chatID)
}

// queueTyping hands a local typing transition to the sender goroutine.
// It is called by the typing controller with its lock held.
func (s *Session) queueTyping(chatID string, typing bool) {
	s.signalsMu.Lock()
	defer s.signalsMu.Unlock()
	if s.signalsClosed {
		return
	}
	select {
	case s.signals <- typingOut{chatID: chatID, typing: typing}:
	default:
		s.logger.Warn(fmt.Sprintf("typing queue full, drop signal for %s", chatID))
	}
}

// sendTyping sends queued typing transitions in order.
func (s *Session) sendTyping() {
	defer close(s.signalsDone)
	for sig := range s.signals {
		t := TypingStopEvent
		if sig.typing {
			t = TypingStartEvent
		}
		token, err := s.creds.Tokens.Token(s.ctx)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("%s: token: %v", t, err))
			continue
		}
		e, err := NewEvent(t, TypingPayload{ChatID: sig.chatID, Token: token})
		if err != nil {
			s.logger.Error(err.Error())
			continue
		}
		if err := s.conn.Send(s.ctx, e); err != nil {
			s.logger.Debug(fmt.Sprintf("%s: %v", t, err))
		}
	}
}

func (s *Session) sweepOptimistic() {
	period := s.cfg.OptimisticTimeout / 3
	if period < 100*time.Millisecond {
		period = 100 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			changed := make(map[string]struct{})
			for _, m := range s.store.ExpireOptimistic(s.cfg.OptimisticTimeout) {
				changed[m.ChatID] = struct{}{}
			}
			for chatID := range changed {
				s.publish(Update{Kind: MessagesChanged, ChatID: chatID})
			}
		}
	}
}

func (s *Session) onNewMessage(_ context.Context, e *Event) error {
	var p NewMessagePayload
	if err := DecodePayload(e, &p); err != nil {
		return err
	}
	m := p.Message()
	fresh := s.store.Append(m)
	reconciled := m.From == s.creds.UserID && s.store.ReconcileConfirmed(m, fresh)
	if !fresh {
		// a fetch stored it first, its temporary copy may still be shown
		if reconciled {
			s.publish(Update{Kind: MessagesChanged, ChatID: m.ChatID})
		}
		return nil
	}
	s.publish(Update{Kind: MessagesChanged, ChatID: m.ChatID})

	// a message ends the typing of its author
	if s.typers.Apply(TypingSignal{ChatID: m.ChatID, UserID: m.From}) {
		s.publish(Update{Kind: TypersChanged, ChatID: m.ChatID})
	}
	if s.dir.NoteMessage(m) {
		s.publish(Update{Kind: ChatsChanged, ChatID: m.ChatID})
	}
	return nil
}

func (s *Session) onUserTyping(_ context.Context, e *Event) error {
	var p UserTypingPayload
	if err := DecodePayload(e, &p); err != nil {
		return err
	}
	if s.typers.Apply(p) {
		s.publish(Update{Kind: TypersChanged, ChatID: p.ChatID})
	}
	return nil
}

func (s *Session) onJoinedChat(_ context.Context, e *Event) error {
	var p JoinedChatPayload
	if err := DecodePayload(e, &p); err != nil {
		return err
	}
	s.rooms.HandleJoined(p)
	return nil
}

func (s *Session) onLeftChat(_ context.Context, e *Event) error {
	var p LeftChatPayload
	if err := DecodePayload(e, &p); err != nil {
		return err
	}
	s.logger.Debug(fmt.Sprintf("left %s", p.ChatID))
	return nil
}

func (s *Session) onError(_ context.Context, e *Event) error {
	var p ErrorPayload
	if err := DecodePayload(e, &p); err != nil {
		return err
	}
	if s.rooms.HandleError(p) {
		return nil
	}
	s.notice(p.ChatID, errorFromCode(p.Code, p.Message))
	return nil
}
