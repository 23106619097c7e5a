package chattest

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/putto11262002/pawchat/core"
	"github.com/putto11262002/pawchat/pkg/router"
)

func (b *Backend) routes() *router.Router {
	r := router.New(router.WithLogger(b.logger.With(slog.String("component", "router"))))
	r.RegisterErrorMapper(ErrUnknownChat, func(err error) router.Error {
		return router.NewJsonError(http.StatusNotFound, err.Error())
	})
	r.RegisterErrorMapper(ErrNotMember, func(err error) router.Error {
		return router.NewJsonError(http.StatusForbidden, err.Error())
	})
	r.RegisterErrorMapper(ErrUnknownUser, func(err error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})
	r.RegisterErrorMapper(ErrInvalidChat, func(err error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})

	if b.devLogin {
		r.Post("/dev/token", b.devTokenHandler)
	}
	r.Get("/ws", b.wsHandler)

	r.Group(func(r *router.Router) {
		r.Use(b.bearerAuth)
		r.Get("/chats", b.listChatsHandler)
		r.Post("/chats", b.createChatHandler)
		r.Get("/chats/{chatID}/messages", b.listMessagesHandler)
		r.Post("/chats/{chatID}/messages", b.sendMessageHandler)
		r.Get("/approved-friends", b.approvedFriendsHandler)
		r.Get("/friends", b.friendsHandler)
	})
	return r
}

type devTokenRequest struct {
	UID string `json:"uid"`
}

type devTokenResponse struct {
	Token string `json:"token"`
}

func (b *Backend) devTokenHandler(w http.ResponseWriter, r *http.Request) error {
	var req devTokenRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	b.mu.RLock()
	_, ok := b.users[req.UID]
	b.mu.RUnlock()
	if !ok {
		return router.NewJsonError(http.StatusNotFound, "unknown user")
	}
	token, err := b.IssueToken(req.UID, time.Hour)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, devTokenResponse{Token: token})
}

func (b *Backend) listChatsHandler(w http.ResponseWriter, r *http.Request) error {
	uid := uidFromRequest(r)
	b.mu.RLock()
	chats := make([]core.ChatRoom, 0)
	for _, c := range b.chats {
		if slices.Contains(c.participants, uid) {
			chats = append(chats, b.chatViewLocked(c, uid))
		}
	}
	b.mu.RUnlock()
	slices.SortFunc(chats, func(a, c core.ChatRoom) int {
		if n := c.LastMessageTime.Compare(a.LastMessageTime); n != 0 {
			return n
		}
		return strings.Compare(a.ID, c.ID)
	})
	return router.WriteJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (b *Backend) createChatHandler(w http.ResponseWriter, r *http.Request) error {
	uid := uidFromRequest(r)
	var req core.CreateChatRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	participants := req.Participants
	if !slices.Contains(participants, uid) {
		participants = append(participants, uid)
	}
	id, err := b.CreateChat(participants, req.IsGroup)
	if err != nil {
		return err
	}
	b.logger.Info(fmt.Sprintf("%s created chat %s", uid, id))
	return router.WriteJSON(w, http.StatusCreated, core.CreateChatResponse{ChatID: id})
}

func (b *Backend) listMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	uid := uidFromRequest(r)
	chatID := chi.URLParam(r, "chatID")
	b.mu.RLock()
	c, err := b.memberChatLocked(chatID, uid)
	var msgs []core.Message
	if err == nil {
		msgs = slices.Clone(c.messages)
	}
	b.mu.RUnlock()
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	return router.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (b *Backend) sendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	uid := uidFromRequest(r)
	chatID := chi.URLParam(r, "chatID")
	var req core.SendMessageRequest
	if err := router.DecodeJSON(r, &req); err != nil {
		return err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return router.NewJsonError(http.StatusBadRequest, "empty message")
	}
	m, err := b.PostMessage(chatID, uid, text)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusCreated, core.SendMessageResponse{MessageID: m.ID})
}

func (b *Backend) approvedFriendsHandler(w http.ResponseWriter, r *http.Request) error {
	if b.hideApproved.Load() {
		return router.NewJsonError(http.StatusNotFound, "not found")
	}
	return b.friendsHandler(w, r)
}

func (b *Backend) friendsHandler(w http.ResponseWriter, r *http.Request) error {
	uid := uidFromRequest(r)
	b.mu.RLock()
	friends := make([]core.Friend, 0, len(b.friends[uid]))
	for fid := range b.friends[uid] {
		u := b.users[fid]
		friends = append(friends, core.Friend{
			UID:         u.UID,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			IsOnline:    b.hub.isConnected(fid),
		})
	}
	b.mu.RUnlock()
	slices.SortFunc(friends, func(a, c core.Friend) int {
		return strings.Compare(a.DisplayName, c.DisplayName)
	})
	return router.WriteJSON(w, http.StatusOK, map[string]any{"friends": friends})
}

// wsHandler upgrades to the live channel. Browsers cannot set headers on a
// WebSocket handshake, so the token is also accepted in the token query parameter.
func (b *Backend) wsHandler(w http.ResponseWriter, r *http.Request) error {
	if b.disableWS.Load() {
		return router.NewJsonError(http.StatusServiceUnavailable, "websocket disabled")
	}
	token, ok := bearerToken(r)
	if !ok {
		token = r.URL.Query().Get("token")
	}
	uid, err := b.VerifyToken(token)
	if err != nil {
		return router.NewJsonError(http.StatusUnauthorized, err.Error())
	}
	if err := b.hub.connect(uid, w, r); err != nil {
		// the upgrader has already replied
		b.logger.Warn(err.Error())
	}
	return nil
}
