package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 15 * time.Second

// APIClient is a client for the chat REST API.
// Every request carries a bearer token requested from the token source right before it is sent.
type APIClient struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

type APIClientOption func(*APIClient)

func WithHTTPClient(c *http.Client) APIClientOption {
	return func(a *APIClient) {
		a.http = c
	}
}

func WithAPILogger(l *slog.Logger) APIClientOption {
	return func(a *APIClient) {
		a.logger = l
	}
}

func NewAPIClient(baseURL string, tokens TokenSource, opts ...APIClientOption) (*APIClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	c := &APIClient{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		tokens:  tokens,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	c.logger.Debug(fmt.Sprintf("%s %s: %d", method, path, res.StatusCode))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var eb errorBody
		json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		switch res.StatusCode {
		case http.StatusUnauthorized:
			if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
			return fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
		case http.StatusForbidden:
			return fmt.Errorf("%s %s: %w", method, path, ErrUnauthorized)
		default:
			return &StatusError{Method: method, Path: path, Code: res.StatusCode, Msg: msg}
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

type listChatsResponse struct {
	Chats []ChatRoom `json:"chats"`
}

// ListChats returns the chats of the current user. Invalid records are dropped.
func (c *APIClient) ListChats(ctx context.Context) ([]ChatRoom, error) {
	var res listChatsResponse
	if err := c.do(ctx, http.MethodGet, "/chats", nil, &res); err != nil {
		return nil, err
	}
	chats := make([]ChatRoom, 0, len(res.Chats))
	for _, chat := range res.Chats {
		if err := validate.Struct(chat); err != nil {
			c.logger.Warn(fmt.Sprintf("drop chat: %v", err))
			continue
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

type CreateChatRequest struct {
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"isGroup"`
}

type CreateChatResponse struct {
	ChatID string `json:"chatId"`
}

func (c *APIClient) CreateChat(ctx context.Context, participants []string, isGroup bool) (string, error) {
	var res CreateChatResponse
	req := CreateChatRequest{Participants: participants, IsGroup: isGroup}
	if err := c.do(ctx, http.MethodPost, "/chats", req, &res); err != nil {
		return "", err
	}
	if res.ChatID == "" {
		return "", errors.New("create chat: empty chat id")
	}
	return res.ChatID, nil
}

type listMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ListMessages returns the messages of a chat in the order the server sent them.
func (c *APIClient) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var res listMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, &res); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		m.IsTemporary = false
		if err := validate.Struct(m); err != nil {
			c.logger.Warn(fmt.Sprintf("drop message: %v", err))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type SendMessageResponse struct {
	MessageID string `json:"messageId"`
}

// SendMessage posts a message to a chat. The message itself is delivered on the live channel.
func (c *APIClient) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	var res SendMessageResponse
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, SendMessageRequest{Text: text}, &res); err != nil {
		return "", err
	}
	return res.MessageID, nil
}

type listFriendsResponse struct {
	Friends []Friend `json:"friends"`
}

// ListFriends returns the approved friends of the current user.
// Servers without /approved-friends are asked for /friends instead.
func (c *APIClient) ListFriends(ctx context.Context) ([]Friend, error) {
	var res listFriendsResponse
	err := c.do(ctx, http.MethodGet, "/approved-friends", nil, &res)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		err = c.do(ctx, http.MethodGet, "/friends", nil, &res)
	}
	if err != nil {
		return nil, err
	}
	friends := make([]Friend, 0, len(res.Friends))
	for _, f := range res.Friends {
		if err := validate.Struct(f); err != nil {
			c.logger.Warn(fmt.Sprintf("drop friend: %v", err))
			continue
		}
		friends = append(friends, f)
	}
	return friends, nil
}
