// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.astrophena.name/hexbot/internal/game"
	"go.astrophena.name/hexbot/internal/telegram"
)

const startText = `The bot is up.
Commands:
• /roll — pick the hexed of the day (charmed users are excluded)
• /hex @user <amount> — gift hex points (or reply with /hex 10, or /hex <user_id> 10)
• /today — today's list (over 21 received, plus the picks of the day)
• /flip — check whether somebody is hexed right now (reply / @ / id)
• /oracle <text|@user> — ask the oracle whether the hex is upon them

Owner commands (private chat): /charm_add @user <chat_id> | /charm_remove @user <chat_id> | /charm_list <chat_id>
Use /chatid in a group to get its chat_id.`

const helpText = `/roll — pick the hexed of the day (charmed users are excluded)
/hex — /hex @user 10 | reply with /hex 10 | /hex <user_id> 10
/today — today's list
/flip — (reply / @ / id)
/oracle <text|@user>
/chatid — show this chat's ID
Private: /charm_add /charm_remove /charm_list`

func (b *Bot) cmdStart(ctx context.Context, msg *telegram.Message) error {
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, startText)
}

func (b *Bot) cmdHelp(ctx context.Context, msg *telegram.Message) error {
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, helpText)
}

func (b *Bot) cmdChatID(ctx context.Context, msg *telegram.Message) error {
	title := msg.Chat.Title
	if title == "" {
		title = "(untitled)"
	}
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, fmt.Sprintf("chat_id: `%d`\nTitle: %s", msg.Chat.ID, title))
}

func (b *Bot) cmdHex(ctx context.Context, msg *telegram.Message) error {
	chatID, sender := msg.Chat.ID, msg.From
	if err := b.db.SeenUser(ctx, chatID, sender.ID, sender.Username); err != nil {
		return err
	}

	target, err := b.resolveTarget(ctx, msg)
	if err != nil {
		return err
	}
	amount := parseAmount(msg.Text)
	if target == nil || amount <= 0 {
		return b.tg.Reply(ctx, chatID, msg.ID, "Usage: /hex @user 10, or reply with /hex 10, or /hex <user_id> 10")
	}
	if target.ID == sender.ID {
		return b.tg.Reply(ctx, chatID, msg.ID, "You can't hex yourself.")
	}

	day := game.Day(b.now())
	res, err := b.db.Gift(ctx, chatID, sender.ID, target.ID, amount, day)
	if err != nil {
		var insufficientErr *game.InsufficientBalanceError
		if errors.As(err, &insufficientErr) {
			return b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("You don't have enough hex points. You have %d left.", insufficientErr.Balance))
		}
		return err
	}

	targetMention := mention(target.ID, target.Username)
	if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("Done: you gave %d hex points to %s. You have %d left.", amount, targetMention, res.GiverBalance)); err != nil {
		return err
	}

	if res.RecipientTotal < game.Threshold {
		return nil
	}

	charmed, err := b.db.IsCharmed(ctx, chatID, target.ID, target.Username)
	if err != nil {
		return err
	}
	if !charmed {
		if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("%s is hexed! (≥ %d)", targetMention, game.Threshold)); err != nil {
			return err
		}
		return b.db.MarkPick(ctx, chatID, target.ID, day)
	}

	// The charm bounces the gift onto a random other active user.
	candidates, err := b.db.RecentUsers(ctx, chatID)
	if err != nil {
		return err
	}
	candidates = without(candidates, target.ID)
	if len(candidates) == 0 {
		return b.tg.Reply(ctx, chatID, msg.ID, "The target is charmed, but I can't find another active user to bounce the hex points onto.")
	}

	alt := candidates[b.randInt(len(candidates))]
	altTotal, err := b.db.Bounce(ctx, chatID, target.ID, alt.ID, amount, day)
	if err != nil {
		return err
	}
	altMention := mention(alt.ID, alt.Username)
	if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("%s is charmed, so the hex points bounce and land on %s.", targetMention, altMention)); err != nil {
		return err
	}
	if altTotal >= game.Threshold {
		if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("%s is hexed! (≥ %d)", altMention, game.Threshold)); err != nil {
			return err
		}
		return b.db.MarkPick(ctx, chatID, alt.ID, day)
	}
	return nil
}

func without(users []game.User, id int64) []game.User {
	var out []game.User
	for _, u := range users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

func (b *Bot) cmdRoll(ctx context.Context, msg *telegram.Message) error {
	chatID, sender := msg.Chat.ID, msg.From
	if err := b.db.SeenUser(ctx, chatID, sender.ID, sender.Username); err != nil {
		return err
	}

	candidates, err := b.db.RecentUsers(ctx, chatID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return b.tg.Reply(ctx, chatID, msg.ID, "I can't find any users active in the last week.")
	}

	pick := candidates[b.randInt(len(candidates))]
	if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("The hexed of the day is %s", mention(pick.ID, pick.Username))); err != nil {
		return err
	}
	return b.db.MarkPick(ctx, chatID, pick.ID, game.Day(b.now()))
}

func (b *Bot) cmdToday(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID
	received, picks, err := b.db.TodayHighlights(ctx, chatID, game.Day(b.now()))
	if err != nil {
		return err
	}

	var lines []string
	if len(received) > 0 {
		lines = append(lines, fmt.Sprintf("**Received > %d today:**", game.Threshold))
		for _, h := range received {
			lines = append(lines, fmt.Sprintf("• %s — received %d", mention(h.ID, h.Username), h.Received))
		}
	}
	if len(picks) > 0 {
		lines = append(lines, "\n**Hexed of the day:**")
		for _, u := range picks {
			lines = append(lines, "• "+mention(u.ID, u.Username))
		}
	}
	if len(lines) == 0 {
		return b.tg.Reply(ctx, chatID, msg.ID, "Nothing to report yet today.")
	}
	return b.tg.Reply(ctx, chatID, msg.ID, "📋 **Today's list**\n"+strings.Join(lines, "\n"))
}

func (b *Bot) cmdFlip(ctx context.Context, msg *telegram.Message) error {
	chatID := msg.Chat.ID
	target, err := b.resolveTarget(ctx, msg)
	if err != nil {
		return err
	}
	if target == nil {
		return b.tg.Reply(ctx, chatID, msg.ID, "Usage: /flip @user, or reply with /flip, or /flip <user_id>")
	}

	targetMention := mention(target.ID, target.Username)
	if b.randInt(2) == 0 {
		if err := b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("%s is so hexed right now 🔥", targetMention)); err != nil {
			return err
		}
		return b.db.MarkPick(ctx, chatID, target.ID, game.Day(b.now()))
	}
	return b.tg.Reply(ctx, chatID, msg.ID, fmt.Sprintf("the hex hasn't caught %s yet 😌", targetMention))
}

func (b *Bot) cmdOracle(ctx context.Context, msg *telegram.Message, rest string) error {
	target := rest
	if target == "" {
		if r := msg.ReplyTo; r != nil && r.From != nil {
			target = mention(r.From.ID, r.From.Username)
		}
	}
	if target == "" {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "Usage: /oracle <text or @user> (or reply to a message)")
	}

	answers := []string{
		fmt.Sprintf("Today %s is thoroughly hexed", target),
		fmt.Sprintf("The hex hasn't come for %s yet", target),
	}
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, answers[b.randInt(len(answers))])
}

// charmTarget extracts the user a charm command refers to: the replied-to
// user, or an @username from the text.
func charmTarget(msg *telegram.Message) (userID int64, username string) {
	if r := msg.ReplyTo; r != nil && r.From != nil {
		return r.From.ID, r.From.Username
	}
	if m := mentionRE.FindStringSubmatch(msg.Text); m != nil {
		return 0, m[1]
	}
	return 0, ""
}

// checkOwner reports whether an owner command should proceed. Owner commands
// work only in a private chat, and silently do nothing elsewhere.
func (b *Bot) checkOwner(ctx context.Context, msg *telegram.Message) (bool, error) {
	if msg.Chat.Type != "private" {
		return false, nil
	}
	if b.owner != 0 && msg.From.ID != b.owner {
		return false, b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "Not authorized.")
	}
	return true, nil
}

func (b *Bot) cmdCharmAdd(ctx context.Context, msg *telegram.Message) error {
	ok, err := b.checkOwner(ctx, msg)
	if !ok {
		return err
	}

	userID, username := charmTarget(msg)
	chatID, found := chatIDArg(msg.Text)
	if !found || (userID == 0 && username == "") {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "Usage: /charm_add @user <chat_id>, or in a reply: /charm_add <chat_id>")
	}

	if err := b.db.AddCharm(ctx, chatID, userID, username); err != nil {
		return err
	}
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, fmt.Sprintf("👍 Charmed in chat %d: %s", chatID, charmWho(userID, username)))
}

func (b *Bot) cmdCharmRemove(ctx context.Context, msg *telegram.Message) error {
	ok, err := b.checkOwner(ctx, msg)
	if !ok {
		return err
	}

	userID, username := charmTarget(msg)
	chatID, found := chatIDArg(msg.Text)
	if !found || (userID == 0 && username == "") {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "Usage: /charm_remove @user <chat_id>, or in a reply: /charm_remove <chat_id>")
	}

	removed, err := b.db.RemoveCharm(ctx, chatID, userID, username)
	if err != nil {
		return err
	}
	if !removed {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "No charm found for that user.")
	}
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, fmt.Sprintf("🗑️ Charm removed in chat %d: %s", chatID, charmWho(userID, username)))
}

func (b *Bot) cmdCharmList(ctx context.Context, msg *telegram.Message) error {
	ok, err := b.checkOwner(ctx, msg)
	if !ok {
		return err
	}

	fields := strings.Fields(msg.Text)
	if len(fields) < 2 {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "Usage: /charm_list <chat_id>")
	}
	chatID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "The chat_id must be numeric.")
	}

	charms, err := b.db.Charms(ctx, chatID)
	if err != nil {
		return err
	}
	if len(charms) == 0 {
		return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, "No charms in that chat.")
	}

	lines := []string{"Charms:"}
	for _, c := range charms {
		lines = append(lines, "• "+charmWho(c.ID, c.Username))
	}
	return b.tg.Reply(ctx, msg.Chat.ID, msg.ID, strings.Join(lines, "\n"))
}

func charmWho(userID int64, username string) string {
	switch {
	case username != "":
		return "@" + username
	case userID != 0:
		return fmt.Sprintf("id=%d", userID)
	}
	return "(unknown)"
}
