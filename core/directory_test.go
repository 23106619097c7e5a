package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectoryAPI keeps chats in memory. Created direct chats are not deduplicated.
type fakeDirectoryAPI struct {
	mu         sync.Mutex
	chats      []ChatRoom
	friends    []Friend
	creates    atomic.Int32
	createWait time.Duration
	chatsErr   error
	friendsErr error
}

func (a *fakeDirectoryAPI) ListChats(context.Context) ([]ChatRoom, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chatsErr != nil {
		return nil, a.chatsErr
	}
	out := make([]ChatRoom, len(a.chats))
	copy(out, a.chats)
	return out, nil
}

func (a *fakeDirectoryAPI) ListFriends(context.Context) ([]Friend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.friendsErr != nil {
		return nil, a.friendsErr
	}
	return append([]Friend(nil), a.friends...), nil
}

func (a *fakeDirectoryAPI) CreateChat(ctx context.Context, participants []string, isGroup bool) (string, error) {
	select {
	case <-time.After(a.createWait):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	n := a.creates.Add(1)
	id := fmt.Sprintf("created-%d", n)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chats = append(a.chats, ChatRoom{ID: id, Participants: participants, IsGroup: isGroup})
	return id, nil
}

func TestDirectory_ListChatsOrder(t *testing.T) {
	api := &fakeDirectoryAPI{chats: []ChatRoom{
		{ID: "old", Participants: []string{"me", "a"}, LastMessageTime: t0},
		{ID: "new", Participants: []string{"me", "b"}, LastMessageTime: t0.Add(time.Hour)},
		{ID: "mid", Participants: []string{"me", "c"}, LastMessageTime: t0.Add(time.Minute)},
	}}
	d := NewDirectory(api, "me", slog.Default())

	chats, err := d.ListChats(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
	assert.Equal(t, chats, d.Chats())
}

func TestDirectory_FindOrCreateDirectChat(t *testing.T) {
	ctx := context.Background()

	t.Run("existing chat regardless of participant order", func(t *testing.T) {
		api := &fakeDirectoryAPI{chats: []ChatRoom{
			{ID: "group", Participants: []string{"me", "bob"}, IsGroup: true},
			{ID: "direct", Participants: []string{"bob", "me"}},
		}}
		d := NewDirectory(api, "me", slog.Default())
		id, err := d.FindOrCreateDirectChat(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "direct", id)
		assert.Zero(t, api.creates.Load())
	})

	t.Run("creates once then finds", func(t *testing.T) {
		api := &fakeDirectoryAPI{friends: []Friend{{UID: "bob", DisplayName: "Bob"}}}
		d := NewDirectory(api, "me", slog.Default())
		_, err := d.ListFriends(ctx)
		require.NoError(t, err)

		first, err := d.FindOrCreateDirectChat(ctx, "bob")
		require.NoError(t, err)
		c, ok := d.Chat(first)
		require.True(t, ok)
		assert.Equal(t, "Bob", c.OtherUserName)
		assert.Equal(t, "No messages yet", c.LastMessagePreview)

		second, err := d.FindOrCreateDirectChat(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), api.creates.Load())
	})

	t.Run("concurrent callers share one creation", func(t *testing.T) {
		api := &fakeDirectoryAPI{createWait: 50 * time.Millisecond}
		d := NewDirectory(api, "me", slog.Default())
		var wg sync.WaitGroup
		ids := make([]string, 5)
		for i := range ids {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := d.FindOrCreateDirectChat(ctx, "bob")
				assert.NoError(t, err)
				ids[i] = id
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), api.creates.Load())
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("a caller giving up does not fail the others", func(t *testing.T) {
		api := &fakeDirectoryAPI{createWait: 200 * time.Millisecond}
		d := NewDirectory(api, "me", slog.Default())
		impatient, cancel := context.WithCancel(ctx)

		errs := make(chan error, 1)
		go func() {
			_, err := d.FindOrCreateDirectChat(impatient, "bob")
			errs <- err
		}()
		time.Sleep(20 * time.Millisecond)
		ids := make(chan string, 1)
		go func() {
			id, err := d.FindOrCreateDirectChat(ctx, "bob")
			assert.NoError(t, err)
			ids <- id
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()

		assert.ErrorIs(t, <-errs, context.Canceled)
		assert.Equal(t, "created-1", <-ids)
		assert.Equal(t, int32(1), api.creates.Load())
	})

	t.Run("invalid friend", func(t *testing.T) {
		d := NewDirectory(&fakeDirectoryAPI{}, "me", slog.Default())
		_, err := d.FindOrCreateDirectChat(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidFriend)
		_, err = d.FindOrCreateDirectChat(ctx, "me")
		assert.ErrorIs(t, err, ErrInvalidFriend)
	})

	t.Run("fetch failure", func(t *testing.T) {
		api := &fakeDirectoryAPI{chatsErr: errors.New("down")}
		d := NewDirectory(api, "me", slog.Default())
		_, err := d.FindOrCreateDirectChat(ctx, "bob")
		assert.ErrorIs(t, err, ErrFetchFailed)
		assert.Zero(t, api.creates.Load())
	})
}

func TestDirectory_Refresh(t *testing.T) {
	api := &fakeDirectoryAPI{
		chats:   []ChatRoom{{ID: "c1", Participants: []string{"me", "a"}}},
		friends: []Friend{{UID: "a"}},
	}
	d := NewDirectory(api, "me", slog.Default())
	require.NoError(t, d.Refresh(context.Background()))
	assert.Len(t, d.Chats(), 1)
	assert.Len(t, d.Friends(), 1)

	// a failed fetch keeps the previous list
	api.mu.Lock()
	api.friendsErr = errors.New("down")
	api.chats = append(api.chats, ChatRoom{ID: "c2", Participants: []string{"me", "b"}})
	api.mu.Unlock()
	err := d.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Len(t, d.Chats(), 2)
	assert.Len(t, d.Friends(), 1)
}

func TestDirectory_NoteMessage(t *testing.T) {
	api := &fakeDirectoryAPI{chats: []ChatRoom{
		{ID: "c1", Participants: []string{"me", "a"}, LastMessageTime: t0.Add(time.Minute)},
		{ID: "c2", Participants: []string{"me", "b"}, LastMessageTime: t0},
	}}
	d := NewDirectory(api, "me", slog.Default())
	_, err := d.ListChats(context.Background())
	require.NoError(t, err)

	assert.True(t, d.NoteMessage(msg("m1", "c2", "b", "woof", time.Hour)))
	chats := d.Chats()
	assert.Equal(t, "c2", chats[0].ID)
	assert.Equal(t, "woof", chats[0].LastMessagePreview)

	assert.True(t, d.NoteMessage(msg("m2", "c1", "me", "hi", 2*time.Hour)))
	chats = d.Chats()
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, "You: hi", chats[0].LastMessagePreview)

	// older messages do not replace the preview
	assert.False(t, d.NoteMessage(msg("m0", "c1", "a", "old", 0)))
	assert.False(t, d.NoteMessage(msg("m3", "unknown", "a", "x", 3*time.Hour)))
}
