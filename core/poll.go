package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultPollInterval = 3 * time.Second
	// consecutive failed polls after which the transport gives up
	maxPollFailures = 3
)

// PollDialer provides the polling delivery mode used when no streaming
// connection can be established. It fetches the messages of joined chats
// periodically and turns unseen ones into new_message events. Room joins are
// acknowledged locally after checking that the chat can be read; typing
// signals are not delivered in this mode.
type PollDialer struct {
	API      *APIClient
	Interval time.Duration
	Logger   *slog.Logger
}

func (d *PollDialer) Mode() DeliveryMode {
	return PollingMode
}

func (d *PollDialer) Dial(ctx context.Context) (Transport, error) {
	// the chat list doubles as a reachability and authorization probe
	if _, err := d.API.ListChats(ctx); err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: poll probe: %v", ErrTransportFailure, err)
	}

	interval := d.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pctx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		api:      d.API,
		interval: interval,
		events:   make(chan *Event, 100),
		done:     make(chan struct{}),
		ctx:      pctx,
		cancel:   cancel,
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger.With(slog.String("transport", PollingMode.String())),
	}
	go c.loop()
	return c, nil
}

type pollConn struct {
	api      *APIClient
	interval time.Duration
	events   chan *Event
	done     chan struct{}
	once     sync.Once
	err      error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu sync.Mutex
	// seen message ids of every joined room
	rooms map[string]map[string]struct{}
}

func (c *pollConn) Mode() DeliveryMode {
	return PollingMode
}

func (c *pollConn) Events() <-chan *Event {
	return c.events
}

func (c *pollConn) Done() <-chan struct{} {
	return c.done
}

func (c *pollConn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *pollConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *pollConn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
	})
}

func (c *pollConn) Send(ctx context.Context, e *Event) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	switch e.Type {
	case JoinChatEvent:
		var p JoinChatPayload
		if err := DecodePayload(e, &p); err != nil {
			return err
		}
		c.mu.Lock()
		select {
		case <-c.done:
			c.mu.Unlock()
			return ErrNotConnected
		default:
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.wg.Done()
			c.join(p.ChatID)
		}()
	case LeaveChatEvent:
		var p LeaveChatPayload
		if err := DecodePayload(e, &p); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.rooms, p.ChatID)
		c.mu.Unlock()
		c.emit(LeftChatEvent, LeftChatPayload{ChatID: p.ChatID})
	default:
		c.logger.Debug(fmt.Sprintf("%s is not delivered while polling", e.Type))
	}
	return nil
}

func (c *pollConn) join(chatID string) {
	msgs, err := c.api.ListMessages(c.ctx, chatID)
	if err != nil {
		code := CodeBadRequest
		switch {
		case errors.Is(err, ErrAuthExpired):
			code = CodeAuthExpired
		case errors.Is(err, ErrUnauthorized):
			code = CodeUnauthorized
		}
		c.emit(ErrorEvent, ErrorPayload{ChatID: chatID, Code: code, Message: err.Error()})
		return
	}
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = struct{}{}
	}
	c.mu.Lock()
	c.rooms[chatID] = seen
	c.mu.Unlock()
	c.emit(JoinedChatEvent, JoinedChatPayload{ChatID: chatID})
}

func (c *pollConn) emit(t string, payload any) {
	e, err := NewEvent(t, payload)
	if err != nil {
		c.logger.Error(err.Error())
		return
	}
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *pollConn) loop() {
	ticker := time.NewTicker(c.interval)
	defer func() {
		ticker.Stop()
		// joins check done under mu, none can start past this point
		c.mu.Lock()
		c.mu.Unlock()
		c.wg.Wait()
		close(c.events)
	}()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.poll(); err != nil {
				failures++
				c.logger.Warn(fmt.Sprintf("poll: %v", err))
				if failures >= maxPollFailures {
					c.shutdown(fmt.Errorf("%w: %v", ErrTransportFailure, err))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *pollConn) poll() error {
	c.mu.Lock()
	chatIDs := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		chatIDs = append(chatIDs, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, chatID := range chatIDs {
		msgs, err := c.api.ListMessages(c.ctx, chatID)
		if err != nil {
			if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrUnauthorized) {
				c.mu.Lock()
				delete(c.rooms, chatID)
				c.mu.Unlock()
				code := CodeUnauthorized
				if errors.Is(err, ErrAuthExpired) {
					code = CodeAuthExpired
				}
				c.emit(ErrorEvent, ErrorPayload{ChatID: chatID, Code: code, Message: err.Error()})
				continue
			}
			errs = append(errs, err)
			continue
		}
		for _, m := range c.unseen(chatID, msgs) {
			c.emit(NewMessageEvent, NewMessagePayload{
				ID:         m.ID,
				ChatID:     chatID,
				From:       m.From,
				Text:       m.Text,
				SentAt:     m.SentAt,
				AuthorName: m.AuthorName,
			})
		}
	}
	return errors.Join(errs...)
}

// unseen records msgs as seen and returns those that were not.
func (c *pollConn) unseen(chatID string, msgs []Message) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.rooms[chatID]
	if !ok {
		// left while fetching
		return nil
	}
	var fresh []Message
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh
}
