package core

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke typing is considered stopped.
const DefaultTypingIdle = 3 * time.Second

// TypingController turns input changes of the local user into start and stop
// signals. A start is emitted on the first non-empty input of a chat, every
// further input resets an idle timer, and a stop is emitted when the timer
// fires, the input is cleared or Stop is called. Start and stop always
// alternate per chat.
type TypingController struct {
	mu    sync.Mutex
	idle  time.Duration
	chats map[string]*typingState
	// emit is called with mu held and must not block.
	emit func(chatID string, typing bool)
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

func NewTypingController(idle time.Duration, emit func(chatID string, typing bool)) *TypingController {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingController{
		idle:  idle,
		chats: make(map[string]*typingState),
		emit:  emit,
	}
}

func (c *TypingController) InputChanged(chatID, text string) {
	if strings.TrimSpace(text) == "" {
		c.Stop(chatID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, typing := c.chats[chatID]
	if !typing {
		st = &typingState{}
		c.chats[chatID] = st
		c.emit(chatID, true)
	}
	st.gen++
	gen := st.gen
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(c.idle, func() {
		c.expire(chatID, gen)
	})
}

func (c *TypingController) expire(chatID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	// a newer keystroke has rescheduled the timer
	if !ok || st.gen != gen {
		return
	}
	c.stopLocked(chatID, st)
}

// Stop emits a stop signal for chatID if the user is typing there.
func (c *TypingController) Stop(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.chats[chatID]; ok {
		c.stopLocked(chatID, st)
	}
}

func (c *TypingController) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID, st := range c.chats {
		c.stopLocked(chatID, st)
	}
}

func (c *TypingController) stopLocked(chatID string, st *typingState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(c.chats, chatID)
	c.emit(chatID, false)
}

func (c *TypingController) IsTyping(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[chatID]
	return ok
}

// TypingTracker keeps the set of remote users typing in each chat.
// An entry is removed by a stop signal, or after ttl without a new start
// signal in case the stop was lost.
type TypingTracker struct {
	mu       sync.Mutex
	self     string
	ttl      time.Duration
	chats    map[string]map[string]*typerEntry
	onExpire func(chatID string)
}

type typerEntry struct {
	typer Typer
	timer *time.Timer
}

// NewTypingTracker creates a tracker ignoring signals from self.
// onExpire, if not nil, is called without locks held when an entry expires.
func NewTypingTracker(self string, ttl time.Duration, onExpire func(chatID string)) *TypingTracker {
	return &TypingTracker{
		self:     self,
		ttl:      ttl,
		chats:    make(map[string]map[string]*typerEntry),
		onExpire: onExpire,
	}
}

// Apply records sig and reports whether the set of typers of the chat changed.
func (t *TypingTracker) Apply(sig TypingSignal) bool {
	if sig.UserID == t.self {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	typers := t.chats[sig.ChatID]
	entry, present := typers[sig.UserID]

	if !sig.IsTyping {
		if !present {
			return false
		}
		t.removeLocked(sig.ChatID, sig.UserID)
		return true
	}

	if present {
		if sig.UserName != "" {
			entry.typer.UserName = sig.UserName
		}
		t.scheduleLocked(sig.ChatID, entry)
		return false
	}

	if typers == nil {
		typers = make(map[string]*typerEntry)
		t.chats[sig.ChatID] = typers
	}
	entry = &typerEntry{typer: Typer{UserID: sig.UserID, UserName: sig.UserName}}
	typers[sig.UserID] = entry
	t.scheduleLocked(sig.ChatID, entry)
	return true
}

func (t *TypingTracker) scheduleLocked(chatID string, entry *typerEntry) {
	if t.ttl <= 0 {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(t.ttl, func() {
		t.expire(chatID, entry)
	})
}

func (t *TypingTracker) expire(chatID string, entry *typerEntry) {
	t.mu.Lock()
	current, ok := t.chats[chatID][entry.typer.UserID]
	if !ok || current != entry {
		t.mu.Unlock()
		return
	}
	t.removeLocked(chatID, entry.typer.UserID)
	t.mu.Unlock()
	if t.onExpire != nil {
		t.onExpire(chatID)
	}
}

func (t *TypingTracker) removeLocked(chatID, userID string) {
	typers := t.chats[chatID]
	if entry, ok := typers[userID]; ok && entry.timer != nil {
		entry.timer.Stop()
	}
	delete(typers, userID)
	if len(typers) == 0 {
		delete(t.chats, chatID)
	}
}

// Typers returns the users typing in a chat ordered by user id.
func (t *TypingTracker) Typers(chatID string) []Typer {
	t.mu.Lock()
	defer t.mu.Unlock()
	typers := make([]Typer, 0, len(t.chats[chatID]))
	for _, e := range t.chats[chatID] {
		typers = append(typers, e.typer)
	}
	slices.SortFunc(typers, func(a, b Typer) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return typers
}

// Reset forgets every typer and returns the chats that had any.
func (t *TypingTracker) Reset() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	chats := make([]string, 0, len(t.chats))
	for chatID, typers := range t.chats {
		for _, e := range typers {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		chats = append(chats, chatID)
	}
	clear(t.chats)
	return chats
}
