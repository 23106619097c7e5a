package chattest

import (
	"errors"
	"fmt"
	"slices"

	"github.com/putto11262002/pawchat/core"
)

func (b *Backend) listen() {
	for {
		select {
		case in := <-b.hub.received:
			if err := b.handleEvent(in.conn, in.event); err != nil {
				in.conn.logger.Warn(fmt.Sprintf("%s: %v", in.event.Type, err))
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Backend) handleEvent(c *hubConn, e *core.Event) error {
	switch e.Type {
	case core.JoinChatEvent:
		var p core.JoinChatPayload
		if err := core.DecodePayload(e, &p); err != nil {
			return b.reply(c, core.ErrorEvent, core.ErrorPayload{Code: core.CodeBadRequest, Message: err.Error()})
		}
		return b.joinChat(c, p)
	case core.LeaveChatEvent:
		var p core.LeaveChatPayload
		if err := core.DecodePayload(e, &p); err != nil {
			return err
		}
		b.hub.leave(c, p.ChatID)
		return b.reply(c, core.LeftChatEvent, core.LeftChatPayload{ChatID: p.ChatID})
	case core.TypingStartEvent, core.TypingStopEvent:
		var p core.TypingPayload
		if err := core.DecodePayload(e, &p); err != nil {
			return err
		}
		return b.typing(c, p, e.Type == core.TypingStartEvent)
	default:
		return errors.New("unknown event")
	}
}

// authorize checks that token belongs to the user of c and that the user
// is a participant of chatID. The returned code is empty on success.
func (b *Backend) authorize(c *hubConn, token, chatID string) (string, error) {
	uid, err := b.VerifyToken(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return core.CodeAuthExpired, err
		}
		return core.CodeUnauthorized, err
	}
	if uid != c.uid {
		return core.CodeUnauthorized, errors.New("token does not belong to the connection")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.chats[chatID]
	if !ok {
		return core.CodeNotFound, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	if !slices.Contains(ch.participants, uid) {
		return core.CodeUnauthorized, fmt.Errorf("%w: %s", ErrNotMember, chatID)
	}
	return "", nil
}

func (b *Backend) joinChat(c *hubConn, p core.JoinChatPayload) error {
	if _, ignored := b.ignoreJoinsFrom.Load(c.uid); ignored {
		return nil
	}
	if code, err := b.authorize(c, p.Token, p.ChatID); err != nil {
		return b.reply(c, core.ErrorEvent, core.ErrorPayload{ChatID: p.ChatID, Code: code, Message: err.Error()})
	}
	b.hub.join(c, p.ChatID)
	return b.reply(c, core.JoinedChatEvent, core.JoinedChatPayload{ChatID: p.ChatID, RoomName: "chat_" + p.ChatID})
}

func (b *Backend) typing(c *hubConn, p core.TypingPayload, typing bool) error {
	if code, err := b.authorize(c, p.Token, p.ChatID); err != nil {
		return b.reply(c, core.ErrorEvent, core.ErrorPayload{Code: code, Message: err.Error()})
	}
	if !b.hub.inRoom(c, p.ChatID) {
		return fmt.Errorf("typing in %s without joining", p.ChatID)
	}
	b.mu.RLock()
	name := b.users[c.uid].DisplayName
	b.mu.RUnlock()
	e, err := core.NewEvent(core.UserTypingEvent, core.UserTypingPayload{
		ChatID:   p.ChatID,
		UserID:   c.uid,
		UserName: name,
		IsTyping: typing,
	})
	if err != nil {
		return err
	}
	b.hub.broadcast(p.ChatID, e, c)
	return nil
}

func (b *Backend) reply(c *hubConn, t string, payload any) error {
	e, err := core.NewEvent(t, payload)
	if err != nil {
		return err
	}
	c.send(e)
	return nil
}
