package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records the events sent by a RoomController.
type fakeSender struct {
	mu     sync.Mutex
	events []*Event
	err    error
	sent   chan *Event
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan *Event, 100)}
}

func (s *fakeSender) Send(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	s.sent <- e
	return nil
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

// next waits for the next sent event.
func (s *fakeSender) next(t *testing.T) *Event {
	t.Helper()
	select {
	case e := <-s.sent:
		return e
	case <-time.After(baseTimeout):
		require.FailNow(t, "timeout waiting for an event to be sent")
		return nil
	}
}

func newTestRooms(sender EventSender, timeout time.Duration) *RoomController {
	var n int
	var mu sync.Mutex
	tokens := TokenSourceFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "token-" + string(rune('0'+n)), nil
	})
	return NewRoomController(sender, tokens, timeout, slog.Default())
}

func TestRoomController_Join(t *testing.T) {
	sender := newFakeSender()
	rc := newTestRooms(sender, baseTimeout)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- rc.Join(ctx, "c1") }()

	e := sender.next(t)
	require.Equal(t, JoinChatEvent, e.Type)
	var p JoinChatPayload
	require.NoError(t, DecodePayload(e, &p))
	assert.Equal(t, "c1", p.ChatID)
	assert.Equal(t, "token-1", p.Token)
	assert.Equal(t, Joining, rc.State("c1"))

	rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
	require.NoError(t, <-errs)
	assert.Equal(t, Joined, rc.State("c1"))
	assert.Equal(t, []string{"c1"}, rc.Joined())

	t.Run("joining again sends a fresh token", func(t *testing.T) {
		go func() { errs <- rc.Join(ctx, "c1") }()
		e := sender.next(t)
		var p JoinChatPayload
		require.NoError(t, DecodePayload(e, &p))
		assert.Equal(t, "token-2", p.Token)
		assert.Equal(t, Joined, rc.State("c1"))
		rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
		require.NoError(t, <-errs)
	})
}

func TestRoomController_JoinErrors(t *testing.T) {
	tcs := []struct {
		code string
		exp  error
	}{
		{code: CodeAuthExpired, exp: ErrAuthExpired},
		{code: CodeUnauthorized, exp: ErrUnauthorized},
		{code: CodeNotFound, exp: ErrUnauthorized},
	}
	for _, tc := range tcs {
		t.Run(tc.code, func(t *testing.T) {
			sender := newFakeSender()
			rc := newTestRooms(sender, baseTimeout)
			errs := make(chan error, 1)
			go func() { errs <- rc.Join(context.Background(), "c1") }()
			sender.next(t)

			assert.True(t, rc.HandleError(ErrorPayload{ChatID: "c1", Code: tc.code, Message: "denied"}))
			assert.ErrorIs(t, <-errs, tc.exp)
			assert.Equal(t, NotJoined, rc.State("c1"))
		})
	}

	t.Run("error for an unknown room", func(t *testing.T) {
		rc := newTestRooms(newFakeSender(), baseTimeout)
		assert.False(t, rc.HandleError(ErrorPayload{ChatID: "c9", Code: CodeUnauthorized}))
		assert.False(t, rc.HandleError(ErrorPayload{Code: CodeUnauthorized}))
	})

	t.Run("send failure", func(t *testing.T) {
		sender := newFakeSender()
		sender.err = ErrNotConnected
		rc := newTestRooms(sender, baseTimeout)
		err := rc.Join(context.Background(), "c1")
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, NotJoined, rc.State("c1"))
	})
}

func TestRoomController_JoinTimeout(t *testing.T) {
	sender := newFakeSender()
	rc := newTestRooms(sender, 50*time.Millisecond)
	err := rc.Join(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Equal(t, NotJoined, rc.State("c1"))
}

func TestRoomController_LateAck(t *testing.T) {
	sender := newFakeSender()
	rc := newTestRooms(sender, baseTimeout)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- rc.Join(ctx, "c1") }()
	sender.next(t)

	// switched away before the server answered
	require.NoError(t, rc.Leave(ctx, "c1"))
	err := <-errs
	require.Error(t, err)
	assert.True(t, errors.Is(err, errRoomLeft))

	rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
	assert.Equal(t, NotJoined, rc.State("c1"))
	assert.Empty(t, rc.Rooms())
	assert.Equal(t, []string{JoinChatEvent, LeaveChatEvent}, sender.types())
}

func TestRoomController_Leave(t *testing.T) {
	sender := newFakeSender()
	rc := newTestRooms(sender, baseTimeout)
	ctx := context.Background()

	// leaving a room that was never joined sends nothing
	require.NoError(t, rc.Leave(ctx, "c1"))
	assert.Empty(t, sender.types())

	errs := make(chan error, 2)
	for _, id := range []string{"c1", "c2"} {
		go func() { errs <- rc.Join(ctx, id) }()
		e := sender.next(t)
		var p JoinChatPayload
		require.NoError(t, DecodePayload(e, &p))
		rc.HandleJoined(JoinedChatPayload{ChatID: p.ChatID})
		require.NoError(t, <-errs)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, rc.Joined())

	require.NoError(t, rc.LeaveAll(ctx))
	assert.Empty(t, rc.Rooms())
	assert.Equal(t, []string{JoinChatEvent, JoinChatEvent, LeaveChatEvent, LeaveChatEvent}, sender.types())
}

func TestRoomController_Rejoin(t *testing.T) {
	sender := newFakeSender()
	rc := newTestRooms(sender, baseTimeout)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() { errs <- rc.Join(ctx, "c1") }()
	sender.next(t)
	rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
	require.NoError(t, <-errs)

	go func() { errs <- rc.Rejoin(ctx) }()
	e := sender.next(t)
	require.Equal(t, JoinChatEvent, e.Type)
	rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
	require.NoError(t, <-errs)
	assert.Equal(t, Joined, rc.State("c1"))
}

func TestRoomController_JoinWithoutChannel(t *testing.T) {
	sender := newFakeSender()
	sender.err = ErrNotConnected
	rc := newTestRooms(sender, baseTimeout)
	ctx := context.Background()

	err := rc.Join(ctx, "c1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Joining, rc.State("c1"), "the room must wait for the channel")
	assert.Equal(t, []string{"c1"}, rc.Rooms())

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	errs := make(chan error, 1)
	go func() { errs <- rc.Rejoin(ctx) }()
	e := sender.next(t)
	require.Equal(t, JoinChatEvent, e.Type)
	rc.HandleJoined(JoinedChatPayload{ChatID: "c1"})
	require.NoError(t, <-errs)
	assert.Equal(t, Joined, rc.State("c1"))

	t.Run("other send errors forget the room", func(t *testing.T) {
		sender.mu.Lock()
		sender.err = errors.New("broken pipe")
		sender.mu.Unlock()
		require.Error(t, rc.Join(ctx, "c2"))
		assert.Equal(t, NotJoined, rc.State("c2"))
	})
}
