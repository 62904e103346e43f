// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram implements a client for the Telegram Bot API.
package telegram

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/hexbot/internal/request"
	"go.astrophena.name/hexbot/internal/syncx"
	"go.astrophena.name/hexbot/internal/version"

	"golang.org/x/time/rate"
)

const (
	tgAPI          = "https://api.telegram.org"
	sendRetryLimit = 5 // N attempts to retry message sending

	// pollTimeout is how long getUpdates is allowed to hold the connection
	// open waiting for new updates.
	pollTimeout = 50 * time.Second
)

// Config configures a Telegram client.
type Config struct {
	Token      string
	HTTPClient *http.Client
	Scrubber   *strings.Replacer
	Logger     *slog.Logger
	// RateLimit caps sendMessage calls per chat. If zero, one message per
	// second is allowed.
	RateLimit rate.Limit
}

// Client makes requests to the Telegram Bot API on behalf of a single bot.
type Client struct {
	token    string
	httpc    *http.Client
	scrubber *strings.Replacer
	slog     *slog.Logger
	limit    rate.Limit
	limiters syncx.Map[int64, *rate.Limiter]

	makeRequest func(ctx context.Context, method string, args, result any) error
	sleep       func(context.Context, time.Duration) bool
}

// New returns a Telegram client authenticated with the provided token.
func New(cfg Config) *Client {
	c := &Client{
		token:    cfg.Token,
		httpc:    cfg.HTTPClient,
		scrubber: cfg.Scrubber,
		slog:     cfg.Logger,
		limit:    cfg.RateLimit,
	}
	if c.httpc == nil {
		// Long polling holds connections open far longer than
		// request.DefaultClient allows.
		c.httpc = &http.Client{Timeout: 90 * time.Second}
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	if c.limit == 0 {
		c.limit = rate.Every(time.Second)
	}
	c.makeRequest = c.makeTelegramRequest
	c.sleep = syncx.Sleep
	return c
}

// Update represents an incoming event received from the getUpdates method.
type Update struct {
	ID         int64              `json:"update_id"`
	Message    *Message           `json:"message"`
	ChatMember *ChatMemberUpdated `json:"chat_member"`
}

// Message represents a message.
type Message struct {
	ID             int64    `json:"message_id"`
	From           *User    `json:"from"`
	Chat           Chat     `json:"chat"`
	Date           int64    `json:"date"`
	Text           string   `json:"text"`
	ReplyTo        *Message `json:"reply_to_message"`
	NewChatMembers []User   `json:"new_chat_members"`
}

// User represents a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat represents a chat. Type is one of "private", "group", "supergroup"
// or "channel".
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// ChatMemberUpdated represents a change in the status of a chat member.
type ChatMemberUpdated struct {
	Chat Chat `json:"chat"`
	From User `json:"from"`
}

// Me returns basic information about the bot itself.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.makeRequest(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Updates long-polls for new updates, starting from offset. It returns as
// soon as at least one update is available, or with an empty slice when the
// poll times out.
func (c *Client) Updates(ctx context.Context, offset int64) ([]Update, error) {
	args := struct {
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		Offset:         offset,
		Timeout:        int(pollTimeout.Seconds()),
		AllowedUpdates: []string{"message", "chat_member"},
	}
	var updates []Update
	if err := c.makeRequest(ctx, "getUpdates", args, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// apiResponse is the envelope the Bot API wraps every response in.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *Client) makeTelegramRequest(ctx context.Context, method string, args, result any) error {
	resp, err := request.Make[apiResponse](ctx, request.Params{
		Method: http.MethodPost,
		URL:    tgAPI + "/bot" + c.token + "/" + method,
		Body:   args,
		Headers: map[string]string{
			"User-Agent": version.UserAgent(),
		},
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", method, cmp.Or(resp.Description, "unknown error"))
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshaling result: %w", method, err)
		}
	}
	return nil
}
