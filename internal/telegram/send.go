// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.astrophena.name/hexbot/internal/request"
	"go.astrophena.name/hexbot/internal/tgmarkup"

	"golang.org/x/time/rate"
)

type outgoingMessage struct {
	ChatID             int64 `json:"chat_id"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
	ReplyParameters *replyParameters `json:"reply_parameters,omitempty"`
	tgmarkup.Message
}

type replyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

// Send sends a Markdown-formatted message to a chat, retrying requests when
// rate limited. Messages longer than Telegram allows are split into multiple
// ones.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	return c.send(ctx, chatID, 0, text)
}

// Reply is like [Client.Send], but marks the message as a reply to replyTo.
func (c *Client) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	return c.send(ctx, chatID, replyTo, text)
}

func (c *Client) send(ctx context.Context, chatID, replyTo int64, text string) error {
	msg := &outgoingMessage{ChatID: chatID}
	msg.LinkPreviewOptions.IsDisabled = true
	if replyTo != 0 {
		msg.ReplyParameters = &replyParameters{
			MessageID:                replyTo,
			AllowSendingWithoutReply: true,
		}
	}

	for _, chunk := range splitMessage(text) {
		msg.Message = tgmarkup.FromMarkdown(chunk)

		if err := c.limiter(chatID).Wait(ctx); err != nil {
			return err
		}

		var err error
		for range sendRetryLimit {
			err = c.makeRequest(ctx, "sendMessage", msg, nil)
			if err == nil {
				break
			}

			retryable, wait := isRateLimited(err)
			if !retryable {
				break
			}

			c.slog.Warn("sending rate limited, waiting", slog.Int64("chat_id", chatID), slog.Duration("wait", wait))
			if !c.sleep(ctx, wait) {
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) limiter(chatID int64) *rate.Limiter {
	if l, ok := c.limiters.Load(chatID); ok {
		return l
	}
	l, _ := c.limiters.LoadOrStore(chatID, rate.NewLimiter(c.limit, 1))
	return l
}

func splitMessage(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= 4096 {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= 4096 {
			chunks = append(chunks, text)
			break
		}

		var (
			lastNewline    = -1
			lastWhitespace = -1
			byteCap        = len(text)
			runeCount      int
		)

		for i, r := range text {
			if runeCount == 4096 {
				byteCap = i
				break
			}
			runeCount++

			if r == '\n' {
				lastNewline = i
				continue
			}
			if unicode.IsSpace(r) {
				lastWhitespace = i
			}
		}

		splitAt := byteCap
		switch {
		case lastNewline > 0:
			splitAt = lastNewline
		case lastWhitespace > 0:
			splitAt = lastWhitespace
		}

		chunk := strings.TrimSpace(text[:splitAt])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimSpace(text[splitAt:])
	}

	return chunks
}

func isRateLimited(err error) (bool, time.Duration) {
	var statusErr *request.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		return false, 0
	}

	var errorResponse struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(statusErr.Body, &errorResponse); err != nil {
		return false, 0
	}

	return true, time.Duration(errorResponse.Parameters.RetryAfter) * time.Second
}
