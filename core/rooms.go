package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultJoinTimeout = 10 * time.Second

// RoomState is the membership state of the local user in a room.
type RoomState int

const (
	NotJoined RoomState = iota
	Joining
	Joined
)

func (s RoomState) String() string {
	switch s {
	case NotJoined:
		return "not joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	default:
		return "unknown"
	}
}

var errRoomLeft = errors.New("room left")

// EventSender sends events on the live channel.
type EventSender interface {
	Send(ctx context.Context, e *Event) error
}

// RoomController tracks which rooms the session is a member of.
//
// A join sends join_chat with a freshly requested token and waits for the
// joined_chat acknowledgement or an error event for the same chat. An
// acknowledgement for a room that has been left in the meantime is discarded.
// Rejected or timed out joins are not retried. A join that could not be sent
// because there was no live channel stays pending until Rejoin.
type RoomController struct {
	sender  EventSender
	tokens  TokenSource
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	state   RoomState
	waiters []chan error
}

func NewRoomController(sender EventSender, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *RoomController {
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	return &RoomController{
		sender:  sender,
		tokens:  tokens,
		timeout: timeout,
		logger:  logger,
		rooms:   make(map[string]*roomEntry),
	}
}

// Join joins the room of chatID. Joining a room that is already joined sends the request again.
func (rc *RoomController) Join(ctx context.Context, chatID string) error {
	token, err := rc.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	e, err := NewEvent(JoinChatEvent, JoinChatPayload{ChatID: chatID, Token: token})
	if err != nil {
		return err
	}

	wait := make(chan error, 1)
	rc.mu.Lock()
	entry, ok := rc.rooms[chatID]
	if !ok {
		entry = &roomEntry{state: Joining}
		rc.rooms[chatID] = entry
	}
	entry.waiters = append(entry.waiters, wait)
	rc.mu.Unlock()

	if err := rc.sender.Send(ctx, e); err != nil {
		// without a live channel the room stays pending for Rejoin
		rc.abandon(chatID, wait, !errors.Is(err, ErrNotConnected))
		return fmt.Errorf("join %s: %w", chatID, err)
	}

	timer := time.NewTimer(rc.timeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		if err != nil {
			return fmt.Errorf("join %s: %w", chatID, err)
		}
		return nil
	case <-timer.C:
		rc.abandon(chatID, wait, true)
		return fmt.Errorf("join %s: %w", chatID, ErrJoinTimeout)
	case <-ctx.Done():
		rc.abandon(chatID, wait, false)
		return ctx.Err()
	}
}

// abandon stops waiting on a join. If failed is set and no other join is
// pending, a room that never got joined is forgotten.
func (rc *RoomController) abandon(chatID string, wait chan error, failed bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.rooms[chatID]
	if !ok {
		return
	}
	for i, w := range entry.waiters {
		if w == wait {
			entry.waiters = append(entry.waiters[:i], entry.waiters[i+1:]...)
			break
		}
	}
	if failed && entry.state == Joining && len(entry.waiters) == 0 {
		delete(rc.rooms, chatID)
	}
}

// HandleJoined applies a joined_chat acknowledgement.
func (rc *RoomController) HandleJoined(p JoinedChatPayload) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.rooms[p.ChatID]
	if !ok {
		rc.logger.Debug(fmt.Sprintf("discard late join ack for %s", p.ChatID))
		return
	}
	entry.state = Joined
	for _, w := range entry.waiters {
		w <- nil
	}
	entry.waiters = nil
}

// HandleError applies an error event. It reports whether the error belonged to a room.
func (rc *RoomController) HandleError(p ErrorPayload) bool {
	if p.ChatID == "" {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.rooms[p.ChatID]
	if !ok {
		return false
	}
	err := errorFromCode(p.Code, p.Message)
	delete(rc.rooms, p.ChatID)
	for _, w := range entry.waiters {
		w <- err
	}
	return true
}

// Leave leaves the room of chatID. Pending joins of the room fail.
func (rc *RoomController) Leave(ctx context.Context, chatID string) error {
	rc.mu.Lock()
	entry, ok := rc.rooms[chatID]
	if ok {
		delete(rc.rooms, chatID)
		for _, w := range entry.waiters {
			w <- errRoomLeft
		}
	}
	rc.mu.Unlock()
	if !ok {
		return nil
	}

	e, err := NewEvent(LeaveChatEvent, LeaveChatPayload{ChatID: chatID})
	if err != nil {
		return err
	}
	if err := rc.sender.Send(ctx, e); err != nil {
		return fmt.Errorf("leave %s: %w", chatID, err)
	}
	return nil
}

func (rc *RoomController) State(chatID string) RoomState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.rooms[chatID]
	if !ok {
		return NotJoined
	}
	return entry.state
}

// Rooms returns the rooms that are joined or being joined.
func (rc *RoomController) Rooms() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ids := make([]string, 0, len(rc.rooms))
	for id := range rc.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Joined returns the rooms whose join has been acknowledged.
func (rc *RoomController) Joined() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var ids []string
	for id, entry := range rc.rooms {
		if entry.state == Joined {
			ids = append(ids, id)
		}
	}
	return ids
}

// Rejoin joins every known room again, typically after a reconnect.
func (rc *RoomController) Rejoin(ctx context.Context) error {
	var g errgroup.Group
	for _, chatID := range rc.Rooms() {
		g.Go(func() error {
			if err := rc.Join(ctx, chatID); err != nil {
				rc.logger.Warn(fmt.Sprintf("rejoin: %v", err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// LeaveAll leaves every known room.
func (rc *RoomController) LeaveAll(ctx context.Context) error {
	var errs []error
	for _, chatID := range rc.Rooms() {
		if err := rc.Leave(ctx, chatID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
