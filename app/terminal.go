package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/putto11262002/pawchat/core"
)

const terminalHelp = `commands:
  /chats            list chats
  /friends          list friends
  /open <n|id>      open a chat from /chats
  /dm <n|uid>       open the direct chat with a friend from /friends
  /refresh          reload chats and friends
  /quit             leave
a line ending in \ continues the message, the other side sees you typing.
an empty line resends a message that failed.
`

// Terminal is a line oriented chat client rendering session updates.
type Terminal struct {
	session *core.Session
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger

	mu      sync.Mutex
	chatID  string
	printed map[string]struct{}
	typing  string
	chats   []core.ChatRoom
	friends []core.Friend
	draft   string
}

func NewTerminal(s *core.Session, in io.Reader, out io.Writer, logger *slog.Logger) *Terminal {
	return &Terminal{
		session: s,
		in:      in,
		out:     out,
		logger:  logger,
		printed: make(map[string]struct{}),
	}
}

// Run reads commands until /quit, the end of the input or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	unsubscribe := t.session.Subscribe(t.render)
	defer unsubscribe()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	t.printf("signed in as %s (%s), /help lists the commands\n", t.session.UserID(), t.session.State())
	t.listChats()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := t.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (t *Terminal) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/help":
		t.printf("%s", terminalHelp)
	case "/chats":
		t.listChats()
	case "/friends":
		t.listFriends()
	case "/refresh":
		if err := t.session.Directory().Refresh(ctx); err != nil {
			t.printf("! %v\n", err)
		}
		t.listChats()
	case "/open":
		t.open(ctx, arg)
	case "/dm":
		t.dm(ctx, arg)
	default:
		t.input(ctx, line)
	}
	return false
}

func (t *Terminal) input(ctx context.Context, line string) {
	t.mu.Lock()
	if strings.HasSuffix(line, `\`) {
		t.draft += strings.TrimSuffix(line, `\`) + "\n"
		draft := t.draft
		t.mu.Unlock()
		t.session.InputChanged(draft)
		return
	}
	text := t.draft + line
	t.draft = ""
	t.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		return
	}

	err := t.session.Send(ctx, text)
	var sendErr *core.SendError
	switch {
	case err == nil:
	case errors.As(err, &sendErr):
		t.mu.Lock()
		t.draft = sendErr.Text
		t.mu.Unlock()
		t.printf("! not sent: %v, press enter to retry\n", sendErr.Err)
	case errors.Is(err, core.ErrNoActiveChat):
		t.printf("! open a chat first\n")
	default:
		t.printf("! %v\n", err)
	}
}

func (t *Terminal) listChats() {
	chats := t.session.Directory().Chats()
	t.mu.Lock()
	t.chats = chats
	t.mu.Unlock()
	if len(chats) == 0 {
		t.printf("no chats yet, /friends and /dm start one\n")
		return
	}
	for i, c := range chats {
		t.printf("%2d. %-20s %s  %s\n", i+1, chatTitle(c), c.LastMessageTime.Local().Format("Jan 2 15:04"), c.LastMessagePreview)
	}
}

func (t *Terminal) listFriends() {
	friends := t.session.Directory().Friends()
	t.mu.Lock()
	t.friends = friends
	t.mu.Unlock()
	if len(friends) == 0 {
		t.printf("no friends yet\n")
		return
	}
	for i, f := range friends {
		status := "offline"
		if f.IsOnline {
			status = "online"
		}
		t.printf("%2d. %-20s %s\n", i+1, f.DisplayName, status)
	}
}

func (t *Terminal) open(ctx context.Context, arg string) {
	chatID := arg
	t.mu.Lock()
	if n, err := strconv.Atoi(arg); err == nil && n > 0 && n <= len(t.chats) {
		chatID = t.chats[n-1].ID
	}
	t.mu.Unlock()
	if chatID == "" {
		t.printf("! usage: /open <n|id>\n")
		return
	}
	t.switchTo(chatID)
	if err := t.session.SelectChat(ctx, chatID); err != nil {
		t.printf("! open: %v\n", err)
	}
}

func (t *Terminal) dm(ctx context.Context, arg string) {
	uid := arg
	t.mu.Lock()
	if n, err := strconv.Atoi(arg); err == nil && n > 0 && n <= len(t.friends) {
		uid = t.friends[n-1].UID
	}
	t.mu.Unlock()
	if uid == "" {
		t.printf("! usage: /dm <n|uid>\n")
		return
	}

	chatID, err := t.session.Directory().FindOrCreateDirectChat(ctx, uid)
	if err != nil {
		t.printf("! dm: %v\n", err)
		return
	}
	t.switchTo(chatID)
	if err := t.session.SelectChat(ctx, chatID); err != nil {
		t.printf("! open: %v\n", err)
	}
}

// switchTo makes chatID the rendered chat.
func (t *Terminal) switchTo(chatID string) {
	title := chatID
	if c, ok := t.session.Directory().Chat(chatID); ok {
		title = chatTitle(c)
	}
	t.mu.Lock()
	t.chatID = chatID
	t.printed = make(map[string]struct{})
	t.typing = ""
	t.draft = ""
	t.mu.Unlock()
	t.printf("--- %s ---\n", title)
}

func (t *Terminal) render(u core.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch u.Kind {
	case core.MessagesChanged:
		if u.ChatID != t.chatID {
			return
		}
		for _, m := range t.session.Messages(u.ChatID) {
			if m.IsTemporary {
				continue
			}
			if _, ok := t.printed[m.ID]; ok {
				continue
			}
			t.printed[m.ID] = struct{}{}
			fmt.Fprintf(t.out, "[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), t.author(m), m.Text)
		}
	case core.TypersChanged:
		if u.ChatID != t.chatID {
			return
		}
		line := typingLine(t.session.Typers(u.ChatID))
		if line != "" && line != t.typing {
			fmt.Fprintf(t.out, "%s\n", line)
		}
		t.typing = line
	case core.StateChanged:
		fmt.Fprintf(t.out, "* %s\n", u.State)
	case core.Notice:
		fmt.Fprintf(t.out, "! %v\n", u.Err)
	}
}

func (t *Terminal) author(m core.Message) string {
	if m.From == t.session.UserID() {
		return "you"
	}
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.From
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func chatTitle(c core.ChatRoom) string {
	if c.OtherUserName != "" {
		return c.OtherUserName
	}
	if c.OtherUserUID != "" {
		return c.OtherUserUID
	}
	return strings.Join(c.Participants, ", ")
}

func typingLine(typers []core.Typer) string {
	names := make([]string, 0, len(typers))
	for _, ty := range typers {
		name := ty.UserName
		if name == "" {
			name = ty.UserID
		}
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	default:
		return strings.Join(names, ", ") + " are typing..."
	}
}
