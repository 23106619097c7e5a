package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// Outbound events.
	JoinChatEvent    = "join_chat"
	LeaveChatEvent   = "leave_chat"
	TypingStartEvent = "typing_start"
	TypingStopEvent  = "typing_stop"

	// Inbound events.
	NewMessageEvent = "new_message"
	UserTypingEvent = "user_typing"
	JoinedChatEvent = "joined_chat"
	LeftChatEvent   = "left_chat"
	ErrorEvent      = "error"
)

// Codes carried by error events.
const (
	CodeAuthExpired  = "auth_expired"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
)

// Event is the envelope of every frame on the live channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

// NewEvent marshals payload into an event of type t.
func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// DecodePayload unmarshals the payload of e into v and validates it.
func DecodePayload(e *Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

type JoinChatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

type LeaveChatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type TypingPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

type NewMessagePayload struct {
	ID         string    `json:"id" validate:"required"`
	ChatID     string    `json:"chatId" validate:"required"`
	From       string    `json:"from" validate:"required"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
	AuthorName string    `json:"authorName"`
}

func (p NewMessagePayload) Message() Message {
	return Message{
		ID:         p.ID,
		ChatID:     p.ChatID,
		From:       p.From,
		Text:       p.Text,
		SentAt:     p.SentAt,
		AuthorName: p.AuthorName,
	}
}

type UserTypingPayload = TypingSignal

type JoinedChatPayload struct {
	ChatID   string `json:"chatId" validate:"required"`
	RoomName string `json:"roomName,omitempty"`
}

type LeftChatPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type ErrorPayload struct {
	ChatID  string `json:"chatId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to the handler registered for their type.
// Events are handled one at a time in the order they are received.
type EventRouter struct {
	mu        sync.RWMutex
	listeners map[string]EventHandler
	logger    *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		logger:    logger,
	}
}

func (er *EventRouter) On(eventName string, handler EventHandler) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.listeners[eventName] = handler
}

// Dispatch calls the handler registered for e.Type. Unknown events are ignored.
func (er *EventRouter) Dispatch(ctx context.Context, e *Event) {
	er.mu.RLock()
	handler, ok := er.listeners[e.Type]
	er.mu.RUnlock()
	if !ok {
		er.logger.Debug(fmt.Sprintf("no handler for %s", e.Type))
		return
	}
	if err := handler(ctx, e); err != nil {
		er.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
	}
}

// Listen dispatches events from ch until it is closed or ctx is done.
func (er *EventRouter) Listen(ctx context.Context, ch <-chan *Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			er.logger.Debug(fmt.Sprintf("received: %v", e))
			er.Dispatch(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}
