// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package loop implements the bot's long-polling work loop.
//
// The loop runs one unit of work per iteration: a single getUpdates long
// poll followed by dispatch of the returned updates. Failures inside an
// iteration are logged and never terminate the loop; only cancellation of
// the context passed to [Loop.Run] stops it.
package loop

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"go.astrophena.name/hexbot/internal/bot"
	"go.astrophena.name/hexbot/internal/game"
	"go.astrophena.name/hexbot/internal/store"
	"go.astrophena.name/hexbot/internal/syncx"
	"go.astrophena.name/hexbot/internal/telegram"
)

// pollRetryDelay is how long the loop waits after a failed poll before
// trying again.
const pollRetryDelay = 5 * time.Second

// Store keys.
const (
	offsetKey    = "telegram_offset"
	lastResetKey = "last_reset_day"
)

// Config configures a Loop.
type Config struct {
	Telegram *telegram.Client
	Bot      *bot.Bot
	Game     *game.DB
	Store    store.Store
	// State is the lifecycle state the loop drives. A new one is created
	// if nil.
	State  *State
	Logger *slog.Logger
}

// Loop polls Telegram for updates and dispatches them until stopped.
type Loop struct {
	state *State
	store store.Store
	slog  *slog.Logger

	poll   func(ctx context.Context, offset int64) ([]telegram.Update, error)
	handle func(ctx context.Context, u telegram.Update) error
	reset  func(ctx context.Context) error
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// New returns a new Loop.
func New(cfg Config) *Loop {
	l := &Loop{
		state: cfg.State,
		store: cfg.Store,
		slog:  cfg.Logger,
		now:   time.Now,
		sleep: syncx.Sleep,
	}
	if l.state == nil {
		l.state = new(State)
	}
	if l.slog == nil {
		l.slog = slog.Default()
	}
	if cfg.Telegram != nil {
		l.poll = cfg.Telegram.Updates
	}
	if cfg.Bot != nil {
		l.handle = cfg.Bot.HandleUpdate
	}
	if cfg.Game != nil {
		l.reset = cfg.Game.ResetBalances
	}
	return l
}

// State returns the lifecycle state the loop drives.
func (l *Loop) State() *State { return l.state }

// Run executes the work loop until ctx is canceled, then returns nil. The
// cancellation is observed at the top of every iteration and inside every
// wait; the in-flight iteration is allowed to finish.
func (l *Loop) Run(ctx context.Context) error {
	l.state.advance(Running)
	defer l.state.advance(Stopped)

	l.slog.Info("loop started")
	for {
		select {
		case <-ctx.Done():
			l.state.advance(Stopping)
			l.slog.Info("loop stopping")
			return nil
		default:
		}
		l.iterate(ctx)
	}
}

// iterate performs a single unit of work. Nothing that happens inside may
// take the loop down.
func (l *Loop) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.slog.Error("iteration panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := l.maybeReset(ctx); err != nil {
		l.slog.Error("daily reset failed", slog.Any("err", err))
	}

	offset, err := l.offset(ctx)
	if err != nil {
		l.slog.Error("reading poll offset failed", slog.Any("err", err))
		l.sleep(ctx, pollRetryDelay)
		return
	}

	updates, err := l.poll(ctx, offset)
	if err != nil {
		// Cancellation aborts the in-flight poll; that's not a failure.
		if ctx.Err() != nil {
			return
		}
		l.slog.Error("poll failed", slog.Any("err", err))
		l.sleep(ctx, pollRetryDelay)
		return
	}
	if len(updates) == 0 {
		l.slog.Debug("no updates")
		return
	}

	var handled int
	for _, u := range updates {
		// Updates abandoned by cancellation stay unconfirmed so that a
		// restart redelivers them.
		if ctx.Err() != nil {
			break
		}
		l.handleOne(ctx, u)
		handled++
		if err := l.store.Set(ctx, offsetKey, []byte(strconv.FormatInt(u.ID+1, 10))); err != nil {
			l.slog.Error("saving poll offset failed", slog.Any("err", err))
		}
	}
	if handled > 0 {
		l.slog.Info("processed updates", slog.Int("count", handled), slog.Int64("offset", updates[handled-1].ID+1))
	}
}

// handleOne dispatches a single update. Handler errors and panics are
// logged; the update still counts as processed so that it's not redelivered.
func (l *Loop) handleOne(ctx context.Context, u telegram.Update) {
	defer func() {
		if r := recover(); r != nil {
			l.slog.Error("handling update panicked", slog.Int64("update_id", u.ID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := l.handle(ctx, u); err != nil {
		l.slog.Error("handling update failed", slog.Int64("update_id", u.ID), slog.Any("err", err))
	}
}

// offset returns the getUpdates offset persisted by the previous iterations.
func (l *Loop) offset(ctx context.Context) (int64, error) {
	b, err := l.store.Get(ctx, offsetKey)
	if err != nil || b == nil {
		return 0, err
	}
	return strconv.ParseInt(string(b), 10, 64)
}

// maybeReset restores everyone's balances once per day boundary. If the
// process was down across one or more boundaries, the first check after
// startup performs the reset once.
func (l *Loop) maybeReset(ctx context.Context) error {
	today := game.Day(l.now())
	b, err := l.store.Get(ctx, lastResetKey)
	if err != nil {
		return err
	}
	if string(b) == today {
		return nil
	}
	if b != nil {
		if err := l.reset(ctx); err != nil {
			return err
		}
		l.slog.Info("daily reset done", slog.String("day", today))
	}
	return l.store.Set(ctx, lastResetKey, []byte(today))
}
