// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package bot dispatches Telegram updates to the hex game's command
// handlers.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.astrophena.name/hexbot/internal/game"
	"go.astrophena.name/hexbot/internal/telegram"
)

var (
	mentionRE = regexp.MustCompile(`@([A-Za-z0-9_]{5,})`)
	userIDRE  = regexp.MustCompile(`\d{6,}`)
	amountRE  = regexp.MustCompile(`\d+`)
)

// Replier sends replies to chat messages.
type Replier interface {
	Reply(ctx context.Context, chatID, replyTo int64, text string) error
}

// Config configures a bot.
type Config struct {
	Telegram Replier
	DB       *game.DB
	// Username is the bot's own username, so that commands addressed to
	// other bots are left alone.
	Username string
	// OwnerID restricts charm commands to a single user. Zero disables the
	// restriction.
	OwnerID int64
	Logger  *slog.Logger
}

// Bot handles incoming updates.
type Bot struct {
	tg       Replier
	db       *game.DB
	username string
	owner    int64
	slog     *slog.Logger
	now      func() time.Time
	randInt  func(n int) int
}

// New returns a bot.
func New(cfg Config) *Bot {
	b := &Bot{
		tg:       cfg.Telegram,
		db:       cfg.DB,
		username: cfg.Username,
		owner:    cfg.OwnerID,
		slog:     cfg.Logger,
		now:      time.Now,
		randInt:  rand.IntN,
	}
	if b.slog == nil {
		b.slog = slog.Default()
	}
	return b
}

// HandleUpdate processes a single update: it records chat activity and
// dispatches bot commands.
func (b *Bot) HandleUpdate(ctx context.Context, u telegram.Update) error {
	if u.ChatMember != nil {
		return b.db.SeenUser(ctx, u.ChatMember.Chat.ID, u.ChatMember.From.ID, u.ChatMember.From.Username)
	}

	msg := u.Message
	if msg == nil || msg.From == nil {
		return nil
	}

	if isGroup(msg.Chat) {
		if err := b.db.SeenUser(ctx, msg.Chat.ID, msg.From.ID, msg.From.Username); err != nil {
			return err
		}
		for _, m := range msg.NewChatMembers {
			if m.IsBot {
				continue
			}
			if err := b.db.SeenUser(ctx, msg.Chat.ID, m.ID, m.Username); err != nil {
				return err
			}
		}
	}

	cmd, rest, ok := b.command(msg.Text)
	if !ok {
		return nil
	}
	b.slog.Debug("handling command", slog.String("command", cmd), slog.Int64("chat_id", msg.Chat.ID), slog.Int64("user_id", msg.From.ID))

	switch cmd {
	case "/start":
		return b.cmdStart(ctx, msg)
	case "/help":
		return b.cmdHelp(ctx, msg)
	case "/chatid":
		return b.cmdChatID(ctx, msg)
	case "/hex":
		return b.cmdHex(ctx, msg)
	case "/roll":
		return b.cmdRoll(ctx, msg)
	case "/today":
		return b.cmdToday(ctx, msg)
	case "/flip":
		return b.cmdFlip(ctx, msg)
	case "/oracle":
		return b.cmdOracle(ctx, msg, rest)
	case "/charm_add":
		return b.cmdCharmAdd(ctx, msg)
	case "/charm_remove":
		return b.cmdCharmRemove(ctx, msg)
	case "/charm_list":
		return b.cmdCharmList(ctx, msg)
	}
	return nil
}

// command extracts a bot command from message text. It returns the lowercase
// command, the rest of the text and whether the message carries a command
// addressed to this bot.
func (b *Bot) command(text string) (cmd, rest string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	cmd = text
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		cmd, rest = text[:i], strings.TrimSpace(text[i:])
	}
	cmd = strings.ToLower(cmd)
	if name, addressee, found := strings.Cut(cmd, "@"); found {
		if addressee != strings.ToLower(b.username) {
			return "", "", false
		}
		cmd = name
	}
	return cmd, rest, true
}

func isGroup(c telegram.Chat) bool { return c.Type == "group" || c.Type == "supergroup" }

// resolveTarget finds the user a command is aimed at: the replied-to message
// wins, then an @username, then the last long number in the text looked up
// as a user ID. It returns nil with no error if there's no target.
func (b *Bot) resolveTarget(ctx context.Context, msg *telegram.Message) (*game.User, error) {
	if r := msg.ReplyTo; r != nil && r.From != nil {
		if err := b.db.SeenUser(ctx, msg.Chat.ID, r.From.ID, r.From.Username); err != nil {
			return nil, err
		}
		return &game.User{ID: r.From.ID, Username: r.From.Username}, nil
	}
	if m := mentionRE.FindStringSubmatch(msg.Text); m != nil {
		u, err := b.db.UserByUsername(ctx, msg.Chat.ID, m[1])
		if err != nil || u != nil {
			return u, err
		}
	}
	if nums := userIDRE.FindAllString(msg.Text, -1); len(nums) > 0 {
		id, err := strconv.ParseInt(nums[len(nums)-1], 10, 64)
		if err == nil {
			return b.db.UserByID(ctx, msg.Chat.ID, id)
		}
	}
	return nil, nil
}

// parseAmount extracts the gift amount: the last number in the text.
func parseAmount(text string) int {
	nums := amountRE.FindAllString(text, -1)
	if len(nums) == 0 {
		return 0
	}
	n, err := strconv.Atoi(nums[len(nums)-1])
	if err != nil {
		return 0
	}
	return n
}

// chatIDArg extracts the first integer argument of an owner command.
func chatIDArg(text string) (int64, bool) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0, false
	}
	for _, tok := range fields[1:] {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err == nil {
			return id, true
		}
	}
	return 0, false
}

// mention formats a user reference for a Markdown message.
func mention(id int64, username string) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("[user](tg://user?id=%d)", id)
}
