package core

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// ConnectionState is the state of the live channel of a session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TempIDPrefix prefixes the id of messages that have not been confirmed by the server.
const TempIDPrefix = "temp_"

// Message represents a chat line.
// Confirmed messages carry the id assigned by the server. Optimistic messages
// created locally carry a temp_ id and IsTemporary set until they are
// reconciled or failed.
type Message struct {
	ID          string    `json:"id" validate:"required"`
	ChatID      string    `json:"chatId" validate:"required"`
	From        string    `json:"from" validate:"required"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
	AuthorName  string    `json:"authorName"`
	IsTemporary bool      `json:"isTemporary,omitempty"`
	// Failed is set on an optimistic message that was never confirmed.
	Failed bool `json:"failed,omitempty"`
}

// IsTempID reports whether id was allocated for an optimistic message.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ChatRoom represents a conversation, direct or group.
type ChatRoom struct {
	ID           string   `json:"id" validate:"required"`
	Participants []string `json:"participants" validate:"min=1"`
	IsGroup      bool     `json:"isGroup"`
	// Display fields denormalized by the server for direct chats.
	OtherUserName      string    `json:"otherUserName,omitempty"`
	OtherUserUID       string    `json:"otherUserUid,omitempty"`
	OtherUserAvatar    string    `json:"otherUserAvatar,omitempty"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageTime    time.Time `json:"lastMessageTime"`
}

// HasParticipants reports whether the participant set of the room is exactly users.
// The order of both sides is ignored.
func (r ChatRoom) HasParticipants(users ...string) bool {
	a := uniqueSorted(r.Participants)
	b := uniqueSorted(users)
	return slices.Equal(a, b)
}

// IsDirectWith reports whether the room is a direct chat between self and friend.
func (r ChatRoom) IsDirectWith(self, friend string) bool {
	return !r.IsGroup && r.HasParticipants(self, friend)
}

func uniqueSorted(s []string) []string {
	c := slices.Clone(s)
	slices.Sort(c)
	return slices.Compact(c)
}

// Friend is a user the local user can start a direct chat with.
type Friend struct {
	UID         string    `json:"uid" validate:"required"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
}

// UnmarshalJSON also accepts the avatar under "avatar", as older servers send it.
func (f *Friend) UnmarshalJSON(data []byte) error {
	type friend Friend
	var v struct {
		friend
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Friend(v.friend)
	if f.AvatarURL == "" {
		f.AvatarURL = v.Avatar
	}
	return nil
}

// TypingSignal tells whether a user is typing in a chat. It is never persisted.
type TypingSignal struct {
	ChatID   string `json:"chatId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// Typer is a remote user currently typing in a chat.
type Typer struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}
