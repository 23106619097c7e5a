package core

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

// MessageStore holds the ordered messages of every chat known to a session.
//
// Messages of a chat are kept sorted by SentAt in ascending order. Messages
// with equal timestamps keep the order in which they were added. Confirmed
// messages are deduplicated by id, so the same message delivered by a fetch
// and by the live channel is stored once.
//
// It is safe for concurrent use. All returned messages are copies.
type MessageStore struct {
	mu    sync.RWMutex
	chats map[string]*chatLog
	now   func() time.Time
}

type chatLog struct {
	messages []Message
	ids      map[string]struct{}
	// confirmed messages that already cleared a temporary message
	matched map[string]struct{}
}

func newChatLog() *chatLog {
	return &chatLog{
		ids:     make(map[string]struct{}),
		matched: make(map[string]struct{}),
	}
}

// insert adds m after every message sent at or before m.SentAt.
func (l *chatLog) insert(m Message) {
	i := len(l.messages)
	for i > 0 && l.messages[i-1].SentAt.After(m.SentAt) {
		i--
	}
	l.messages = slices.Insert(l.messages, i, m)
	l.ids[m.ID] = struct{}{}
}

func (l *chatLog) remove(id string) (Message, bool) {
	i := slices.IndexFunc(l.messages, func(m Message) bool { return m.ID == id })
	if i < 0 {
		return Message{}, false
	}
	m := l.messages[i]
	l.messages = slices.Delete(l.messages, i, i+1)
	delete(l.ids, id)
	return m, true
}

// reconcile removes the oldest temporary message of m.From accepted by match.
func (l *chatLog) reconcile(m Message, match func(temp Message) bool) bool {
	if _, done := l.matched[m.ID]; done {
		return false
	}
	i := slices.IndexFunc(l.messages, func(p Message) bool {
		return p.IsTemporary && p.From == m.From && match(p)
	})
	if i < 0 {
		return false
	}
	l.remove(l.messages[i].ID)
	l.matched[m.ID] = struct{}{}
	return true
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		chats: make(map[string]*chatLog),
		now:   time.Now,
	}
}

func (s *MessageStore) log(chatID string) *chatLog {
	l, ok := s.chats[chatID]
	if !ok {
		l = newChatLog()
		s.chats[chatID] = l
	}
	return l
}

// seedMatchWindow bounds how much older than a temporary message a fetched
// message with the same text may be and still confirm it.
const seedMatchWindow = time.Minute

// Seed merges msgs fetched from the server into the messages of a chat.
// Stored messages missing from msgs are kept, so a message that arrived on the
// live channel while the fetch was in flight is not lost. A fetched message
// clears the temporary message of its sender with the same text.
func (s *MessageStore) Seed(chatID string, msgs []Message) {
	sorted := slices.Clone(msgs)
	slices.SortStableFunc(sorted, func(a, b Message) int {
		return a.SentAt.Compare(b.SentAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(chatID)
	for _, m := range sorted {
		if _, dup := l.ids[m.ID]; dup {
			continue
		}
		m.ChatID = chatID
		m.IsTemporary = false
		m.Failed = false
		l.insert(m)
		l.reconcile(m, func(temp Message) bool {
			return temp.Text == m.Text && !m.SentAt.Before(temp.SentAt.Add(-seedMatchWindow))
		})
	}
}

// Append inserts a message received from the server.
// It returns false if a message with the same id is already stored.
func (s *MessageStore) Append(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(m.ChatID)
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	m.IsTemporary = false
	l.insert(m)
	return true
}

// AppendOptimistic inserts a temporary message sent by senderID and returns its id.
// The id has the form temp_<unix millis>.
func (s *MessageStore) AppendOptimistic(chatID, text, senderID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(chatID)
	now := s.now()
	ms := now.UnixMilli()
	id := TempIDPrefix + strconv.FormatInt(ms, 10)
	for {
		if _, taken := l.ids[id]; !taken {
			break
		}
		ms++
		id = TempIDPrefix + strconv.FormatInt(ms, 10)
	}
	l.insert(Message{
		ID:          id,
		ChatID:      chatID,
		From:        senderID,
		Text:        text,
		SentAt:      now,
		AuthorName:  "You",
		IsTemporary: true,
	})
	return id
}

// ReconcileOptimistic removes the temporary message tempID once its confirmed
// counterpart has been stored. It returns false if there is no such message.
func (s *MessageStore) ReconcileOptimistic(chatID, tempID string) bool {
	if !IsTempID(tempID) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chats[chatID]
	if !ok {
		return false
	}
	_, ok = l.remove(tempID)
	return ok
}

// ReconcileConfirmed removes the temporary message that the confirmed
// message m stands for and reports whether there was one. A temporary message
// of m.From with the same text is preferred. With anyText the oldest temporary
// message of m.From is taken when no text matches. A confirmed message clears
// at most one temporary message, however often it is delivered.
func (s *MessageStore) ReconcileConfirmed(m Message, anyText bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chats[m.ChatID]
	if !ok {
		return false
	}
	if l.reconcile(m, func(temp Message) bool { return temp.Text == m.Text }) {
		return true
	}
	return anyText && l.reconcile(m, func(Message) bool { return true })
}

// FailOptimistic removes the temporary message tempID and returns its text.
func (s *MessageStore) FailOptimistic(chatID, tempID string) (string, bool) {
	if !IsTempID(tempID) {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chats[chatID]
	if !ok {
		return "", false
	}
	m, ok := l.remove(tempID)
	if !ok {
		return "", false
	}
	return m.Text, true
}

// ExpireOptimistic marks temporary messages older than maxAge as failed and
// returns the messages that changed.
func (s *MessageStore) ExpireOptimistic(maxAge time.Duration) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-maxAge)
	var expired []Message
	for _, l := range s.chats {
		for i := range l.messages {
			m := &l.messages[i]
			if m.IsTemporary && !m.Failed && m.SentAt.Before(deadline) {
				m.Failed = true
				expired = append(expired, *m)
			}
		}
	}
	return expired
}

// List returns the messages of a chat in display order.
func (s *MessageStore) List(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.chats[chatID]
	if !ok {
		return []Message{}
	}
	return slices.Clone(l.messages)
}

// Last returns the most recent message of a chat.
func (s *MessageStore) Last(chatID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.chats[chatID]
	if !ok || len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

func (s *MessageStore) Clear(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}
