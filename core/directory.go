package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const noMessagesPreview = "No messages yet"

// directChatTimeout bounds a shared find-or-create lookup.
const directChatTimeout = 30 * time.Second

var ErrInvalidFriend = errors.New("invalid friend")

// DirectoryAPI is the part of the REST API the directory depends on.
type DirectoryAPI interface {
	ListChats(ctx context.Context) ([]ChatRoom, error)
	ListFriends(ctx context.Context) ([]Friend, error)
	CreateChat(ctx context.Context, participants []string, isGroup bool) (string, error)
}

// Directory lists the chats and friends of the local user and keeps the last
// fetched lists for display.
type Directory struct {
	api    DirectoryAPI
	self   string
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	chats   []ChatRoom
	friends []Friend
}

func NewDirectory(api DirectoryAPI, self string, logger *slog.Logger) *Directory {
	return &Directory{
		api:     api,
		self:    self,
		logger:  logger,
		chats:   []ChatRoom{},
		friends: []Friend{},
	}
}

// ListChats fetches the chats of the user, most recently active first.
func (d *Directory) ListChats(ctx context.Context) ([]ChatRoom, error) {
	chats, err := d.api.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chats: %w", ErrFetchFailed, err)
	}
	sortChats(chats)
	d.mu.Lock()
	d.chats = slices.Clone(chats)
	d.mu.Unlock()
	return chats, nil
}

func (d *Directory) ListFriends(ctx context.Context) ([]Friend, error) {
	friends, err := d.api.ListFriends(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: friends: %w", ErrFetchFailed, err)
	}
	d.mu.Lock()
	d.friends = slices.Clone(friends)
	d.mu.Unlock()
	return friends, nil
}

// Refresh fetches chats and friends concurrently. A failed fetch keeps the
// previously cached list.
func (d *Directory) Refresh(ctx context.Context) error {
	var g errgroup.Group
	var chatsErr, friendsErr error
	g.Go(func() error {
		_, chatsErr = d.ListChats(ctx)
		return nil
	})
	g.Go(func() error {
		_, friendsErr = d.ListFriends(ctx)
		return nil
	})
	g.Wait()
	return errors.Join(chatsErr, friendsErr)
}

// FindOrCreateDirectChat returns the direct chat between the user and friendID,
// creating it if it does not exist yet. Concurrent calls for the same friend
// share one lookup, which outlives a caller that gives up waiting.
func (d *Directory) FindOrCreateDirectChat(ctx context.Context, friendID string) (string, error) {
	if friendID == "" || friendID == d.self {
		return "", fmt.Errorf("%w: %q", ErrInvalidFriend, friendID)
	}
	shared := context.WithoutCancel(ctx)
	res := d.group.DoChan(friendID, func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, directChatTimeout)
		defer cancel()
		chats, err := d.ListChats(ctx)
		if err != nil {
			return "", err
		}
		for _, c := range chats {
			if c.IsDirectWith(d.self, friendID) {
				return c.ID, nil
			}
		}

		id, err := d.api.CreateChat(ctx, []string{d.self, friendID}, false)
		if err != nil {
			return "", fmt.Errorf("create chat with %s: %w", friendID, err)
		}
		d.logger.Info(fmt.Sprintf("created direct chat %s with %s", id, friendID))

		room := ChatRoom{
			ID:                 id,
			Participants:       []string{d.self, friendID},
			OtherUserUID:       friendID,
			LastMessagePreview: noMessagesPreview,
		}
		d.mu.Lock()
		if f, ok := d.friendLocked(friendID); ok {
			room.OtherUserName = f.DisplayName
			room.OtherUserAvatar = f.AvatarURL
		}
		d.chats = append(d.chats, room)
		sortChats(d.chats)
		d.mu.Unlock()
		return id, nil
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Directory) friendLocked(uid string) (Friend, bool) {
	i := slices.IndexFunc(d.friends, func(f Friend) bool { return f.UID == uid })
	if i < 0 {
		return Friend{}, false
	}
	return d.friends[i], true
}

// NoteMessage updates the preview of the chat m belongs to.
// It reports whether the cached chats changed.
func (d *Directory) NoteMessage(m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.chats, func(c ChatRoom) bool { return c.ID == m.ChatID })
	if i < 0 {
		return false
	}
	c := &d.chats[i]
	if m.SentAt.Before(c.LastMessageTime) {
		return false
	}
	c.LastMessagePreview = preview(m, d.self)
	c.LastMessageTime = m.SentAt
	sortChats(d.chats)
	return true
}

func preview(m Message, self string) string {
	if m.From == self {
		return "You: " + m.Text
	}
	return m.Text
}

// sortChats orders chats by last activity, most recent first.
func sortChats(chats []ChatRoom) {
	slices.SortStableFunc(chats, func(a, b ChatRoom) int {
		return b.LastMessageTime.Compare(a.LastMessageTime)
	})
}

// Chats returns the cached chats.
func (d *Directory) Chats() []ChatRoom {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.chats)
}

// Chat returns the cached chat with the given id.
func (d *Directory) Chat(chatID string) (ChatRoom, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := slices.IndexFunc(d.chats, func(c ChatRoom) bool { return c.ID == chatID })
	if i < 0 {
		return ChatRoom{}, false
	}
	return d.chats[i], true
}

// Friends returns the cached friends.
func (d *Directory) Friends() []Friend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.friends)
}
