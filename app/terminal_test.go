package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/pawchat/chattest"
	"github.com/putto11262002/pawchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTimeout = 3 * time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type terminalFixture struct {
	backend *chattest.Backend
	session *core.Session
	out     *syncBuffer
	in      *io.PipeWriter
	done    chan error
}

func newTerminalFixture(t *testing.T) *terminalFixture {
	t.Helper()
	d, err := NewDevserver(&DevserverConfig{Secret: []byte("secret"), DevLogin: true}, discardLogger)
	require.NoError(t, err)
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(d.Backend().Close)
	t.Cleanup(srv.Close)

	cfg := core.Config{
		APIURL:     srv.URL,
		TypingIdle: 200 * time.Millisecond,
		Logger:     discardLogger,
	}
	creds := core.Credentials{UserID: "alice", DisplayName: "Alice", Tokens: DevLoginTokens(srv.URL, "alice", nil)}
	s, err := core.Connect(context.Background(), creds, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })

	r, w := io.Pipe()
	f := &terminalFixture{backend: d.Backend(), session: s, out: &syncBuffer{}, in: w, done: make(chan error, 1)}
	term := NewTerminal(s, r, f.out, discardLogger)
	go func() {
		f.done <- term.Run(context.Background())
	}()
	t.Cleanup(func() { w.Close() })
	return f
}

func (f *terminalFixture) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(f.in, line+"\n")
	require.NoError(t, err)
}

func (f *terminalFixture) waitOutput(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(f.out.String(), s)
	}, baseTimeout, baseTimeout/50, "output does not contain %q:\n%s", s, f.out.String())
}

func TestTerminal(t *testing.T) {
	f := newTerminalFixture(t)
	f.waitOutput(t, "signed in as alice")
	f.waitOutput(t, "no chats yet")

	f.send(t, "/friends")
	f.waitOutput(t, " 1. Bob")
	f.waitOutput(t, " 2. Carol")

	f.send(t, "/dm 1")
	f.waitOutput(t, "--- Bob ---")
	chats := f.backend.DirectChats("alice", "bob")
	require.Len(t, chats, 1)
	chatID := chats[0]
	require.Eventually(t, func() bool {
		return f.backend.RoomSize(chatID) == 1
	}, baseTimeout, baseTimeout/50)

	_, err := f.backend.PostMessage(chatID, "bob", "woof")
	require.NoError(t, err)
	f.waitOutput(t, "Bob: woof")

	f.send(t, "first line\\")
	f.send(t, "second line")
	require.Eventually(t, func() bool {
		msgs := f.backend.Messages(chatID)
		return len(msgs) == 2 && msgs[1].Text == "first line\nsecond line"
	}, baseTimeout, baseTimeout/50)
	f.waitOutput(t, "you: first line")
	require.Eventually(t, func() bool {
		c, ok := f.session.Directory().Chat(chatID)
		return ok && strings.HasPrefix(c.LastMessagePreview, "You: first line")
	}, baseTimeout, baseTimeout/50)

	f.send(t, "/chats")
	f.waitOutput(t, "You: first line")

	f.send(t, "/quit")
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(baseTimeout):
		t.Fatal("terminal did not stop")
	}
}

func TestTerminal_SendFailureKeepsDraft(t *testing.T) {
	f := newTerminalFixture(t)
	f.send(t, "/dm bob")
	f.waitOutput(t, "--- Bob ---")
	chatID := f.backend.DirectChats("alice", "bob")[0]

	f.backend.FailSends(true)
	f.send(t, "hello")
	f.waitOutput(t, "not sent")
	assert.Empty(t, f.backend.Messages(chatID))

	f.backend.FailSends(false)
	f.send(t, "")
	require.Eventually(t, func() bool {
		msgs := f.backend.Messages(chatID)
		return len(msgs) == 1 && msgs[0].Text == "hello"
	}, baseTimeout, baseTimeout/50)
}

func TestTerminal_NoActiveChat(t *testing.T) {
	f := newTerminalFixture(t)
	f.send(t, "hello")
	f.waitOutput(t, "open a chat first")
	f.in.Close()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(baseTimeout):
		t.Fatal("terminal did not stop at the end of the input")
	}
}

func TestTypingLine(t *testing.T) {
	assert.Equal(t, "", typingLine(nil))
	assert.Equal(t, "Bob is typing...", typingLine([]core.Typer{{UserID: "bob", UserName: "Bob"}}))
	assert.Equal(t, "Bob, carol are typing...", typingLine([]core.Typer{{UserID: "bob", UserName: "Bob"}, {UserID: "carol"}}))
}
