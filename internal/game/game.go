// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package game implements the hex game rules on top of a SQLite database.
//
// Each group chat runs its own ongoing game. Every user has a balance of hex
// points that is restored to [DailyAllowance] at the start of each day
// (00:00 UTC). Points gifted with /hex accumulate in the recipient's daily
// received counter; crossing [Threshold] marks the recipient hexed of the
// day, unless a charm protects them and the points bounce to somebody else.
package game

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tailscale/sqlite"
)

const (
	// DailyAllowance is the balance every user is restored to at the day
	// boundary, and the starting balance of new users.
	DailyAllowance = 75
	// Threshold is the received total that marks a user hexed of the day.
	Threshold = 21
	// ActivityWindow is how far back a user's last activity may be for them
	// to still count as active.
	ActivityWindow = 7 * 24 * time.Hour
)

// Day returns the day key for t. The day changes at 00:00 UTC.
func Day(t time.Time) string { return t.UTC().Format(time.DateOnly) }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	chat_id   INTEGER NOT NULL,
	user_id   INTEGER NOT NULL,
	username  TEXT    NOT NULL DEFAULT '',
	last_seen INTEGER NOT NULL DEFAULT 0,
	balance   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, user_id)
);

CREATE TABLE IF NOT EXISTS daily_stats (
	chat_id  INTEGER NOT NULL,
	user_id  INTEGER NOT NULL,
	day      TEXT    NOT NULL,
	given    INTEGER NOT NULL DEFAULT 0,
	received INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_id, user_id, day),
	FOREIGN KEY (chat_id, user_id) REFERENCES users (chat_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS daily_picks (
	chat_id INTEGER NOT NULL,
	day     TEXT    NOT NULL,
	user_id INTEGER NOT NULL,
	PRIMARY KEY (chat_id, day, user_id),
	FOREIGN KEY (chat_id, user_id) REFERENCES users (chat_id, user_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS charms (
	chat_id  INTEGER NOT NULL,
	user_id  INTEGER NOT NULL DEFAULT 0,
	username TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (chat_id, user_id, username)
);
`

// DB provides access to the game state of all chats.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the game database at path, creating the schema if needed.
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies that the database is reachable.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// User is a chat member known to the game. Username may be empty.
type User struct {
	ID       int64
	Username string
}

// Highlight is a user together with their received total for a day.
type Highlight struct {
	User
	Received int
}

// Charm is a protection entry. Either ID or Username identifies the user,
// the other may be zero.
type Charm struct {
	ID       int64
	Username string
}

// SeenUser records activity of a user in a chat, creating their game account
// with the daily allowance if they are new. Username and last seen time are
// refreshed, the balance of an existing user is left alone.
func (d *DB) SeenUser(ctx context.Context, chatID, userID int64, username string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (chat_id, user_id, username, last_seen, balance)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, user_id)
		DO UPDATE SET username = excluded.username, last_seen = excluded.last_seen;
	`, chatID, userID, username, d.now().Unix(), DailyAllowance)
	return err
}

// UserByUsername looks up a user by username, case-insensitively. It returns
// nil with no error if the user is unknown.
func (d *DB) UserByUsername(ctx context.Context, chatID int64, username string) (*User, error) {
	return d.userBy(ctx, `
		SELECT user_id, username FROM users
		WHERE chat_id = ? AND username <> '' AND LOWER(username) = LOWER(?);
	`, chatID, username)
}

// UserByID looks up a user by ID. It returns nil with no error if the user
// is unknown.
func (d *DB) UserByID(ctx context.Context, chatID, userID int64) (*User, error) {
	return d.userBy(ctx, `
		SELECT user_id, username FROM users
		WHERE chat_id = ? AND user_id = ?;
	`, chatID, userID)
}

func (d *DB) userBy(ctx context.Context, query string, args ...any) (*User, error) {
	var u User
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.Username); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// RecentUsers returns users of a chat seen within [ActivityWindow], except
// the charmed ones.
func (d *DB) RecentUsers(ctx context.Context, chatID int64) ([]User, error) {
	cutoff := d.now().Add(-ActivityWindow).Unix()
	rows, err := d.db.QueryContext(ctx, `
		SELECT u.user_id, u.username
		FROM users u
		WHERE u.chat_id = ? AND u.last_seen >= ?
		AND NOT EXISTS (
			SELECT 1 FROM charms c
			WHERE c.chat_id = u.chat_id
			AND ((c.user_id <> 0 AND c.user_id = u.user_id)
				OR (c.username <> '' AND u.username <> ''
					AND LOWER(c.username) = LOWER(u.username)))
		)
		ORDER BY u.user_id;
	`, chatID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// IsCharmed reports whether a user is protected by a charm, matched by ID or
// by username, case-insensitively.
func (d *DB) IsCharmed(ctx context.Context, chatID, userID int64, username string) (bool, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM charms
		WHERE chat_id = ?
		AND ((user_id <> 0 AND user_id = ?)
			OR (username <> '' AND ? <> '' AND LOWER(username) = LOWER(?)));
	`, chatID, userID, username, username).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddCharm protects a user, identified by ID or username, in a chat. Adding
// the same charm twice is a no-op.
func (d *DB) AddCharm(ctx context.Context, chatID, userID int64, username string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO charms (chat_id, user_id, username) VALUES (?, ?, ?);
	`, chatID, userID, username)
	return err
}

// RemoveCharm removes charms of a user, matched by ID if non-zero, otherwise
// by username. It reports whether anything was removed.
func (d *DB) RemoveCharm(ctx context.Context, chatID, userID int64, username string) (bool, error) {
	var res sql.Result
	var err error
	if userID != 0 {
		res, err = d.db.ExecContext(ctx, `
			DELETE FROM charms WHERE chat_id = ? AND user_id = ?;
		`, chatID, userID)
	} else {
		res, err = d.db.ExecContext(ctx, `
			DELETE FROM charms WHERE chat_id = ? AND LOWER(username) = LOWER(?);
		`, chatID, username)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Charms lists the charms of a chat.
func (d *DB) Charms(ctx context.Context, chatID int64) ([]Charm, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id, username FROM charms WHERE chat_id = ?;
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charms []Charm
	for rows.Next() {
		var c Charm
		if err := rows.Scan(&c.ID, &c.Username); err != nil {
			return nil, err
		}
		charms = append(charms, c)
	}
	return charms, rows.Err()
}

// InsufficientBalanceError is returned by [DB.Gift] when the giver's balance
// can't cover the amount.
type InsufficientBalanceError struct {
	// Balance is the giver's current, unchanged balance.
	Balance int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %d left", e.Balance)
}

// GiftResult describes the outcome of a gift.
type GiftResult struct {
	// GiverBalance is the giver's balance after the gift.
	GiverBalance int
	// RecipientTotal is the recipient's received total for the day after
	// the gift.
	RecipientTotal int
}

// Gift atomically moves amount from the giver's balance into the recipient's
// received counter for day, updating the giver's given counter along the
// way.
func (d *DB) Gift(ctx context.Context, chatID, giverID, recipientID int64, amount int, day string) (*GiftResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var balance int
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM users WHERE chat_id = ? AND user_id = ?;
	`, chatID, giverID).Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return nil, &InsufficientBalanceError{Balance: 0}
		}
		return nil, err
	}
	newBalance := balance - amount
	if newBalance < 0 {
		return nil, &InsufficientBalanceError{Balance: balance}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET balance = ? WHERE chat_id = ? AND user_id = ?;
	`, newBalance, chatID, giverID); err != nil {
		return nil, err
	}

	for _, userID := range []int64{giverID, recipientID} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO daily_stats (chat_id, user_id, day) VALUES (?, ?, ?);
		`, chatID, userID, day); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE daily_stats SET given = given + ?
		WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, amount, chatID, giverID, day); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE daily_stats SET received = received + ?
		WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, amount, chatID, recipientID, day); err != nil {
		return nil, err
	}

	var total int
	if err := tx.QueryRowContext(ctx, `
		SELECT received FROM daily_stats WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, chatID, recipientID, day).Scan(&total); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &GiftResult{GiverBalance: newBalance, RecipientTotal: total}, nil
}

// Bounce atomically deducts amount from one user's received counter, never
// taking it below zero, and credits it to another user, returning the
// latter's received total for the day.
func (d *DB) Bounce(ctx context.Context, chatID, fromID, toID int64, amount int, day string) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO daily_stats (chat_id, user_id, day) VALUES (?, ?, ?);
	`, chatID, toID, day); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE daily_stats
		SET received = CASE WHEN received >= ? THEN received - ? ELSE 0 END
		WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, amount, amount, chatID, fromID, day); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE daily_stats SET received = received + ?
		WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, amount, chatID, toID, day); err != nil {
		return 0, err
	}

	var total int
	if err := tx.QueryRowContext(ctx, `
		SELECT received FROM daily_stats WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, chatID, toID, day).Scan(&total); err != nil {
		return 0, err
	}

	return total, tx.Commit()
}

// ReceivedToday returns a user's received total for a day.
func (d *DB) ReceivedToday(ctx context.Context, chatID, userID int64, day string) (int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, `
		SELECT received FROM daily_stats WHERE chat_id = ? AND user_id = ? AND day = ?;
	`, chatID, userID, day).Scan(&total); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// MarkPick marks a user hexed of the day. Marking the same user twice on the
// same day is a no-op.
func (d *DB) MarkPick(ctx context.Context, chatID, userID int64, day string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO daily_picks (chat_id, day, user_id) VALUES (?, ?, ?);
	`, chatID, day, userID)
	return err
}

// TodayHighlights returns users whose received total for the day exceeds
// [Threshold], ordered by it, and users marked hexed of the day.
func (d *DB) TodayHighlights(ctx context.Context, chatID int64, day string) (received []Highlight, picks []User, err error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT u.user_id, u.username, s.received
		FROM daily_stats s
		JOIN users u ON u.chat_id = s.chat_id AND u.user_id = s.user_id
		WHERE s.chat_id = ? AND s.day = ? AND s.received > ?
		ORDER BY s.received DESC;
	`, chatID, day, Threshold)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var h Highlight
		if err := rows.Scan(&h.ID, &h.Username, &h.Received); err != nil {
			return nil, nil, err
		}
		received = append(received, h)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = d.db.QueryContext(ctx, `
		SELECT u.user_id, u.username
		FROM daily_picks p
		JOIN users u ON u.chat_id = p.chat_id AND u.user_id = p.user_id
		WHERE p.chat_id = ? AND p.day = ?
		ORDER BY u.user_id;
	`, chatID, day)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, nil, err
		}
		picks = append(picks, u)
	}
	return received, picks, rows.Err()
}

// ResetBalances restores the balance of every user in every chat to the
// daily allowance.
func (d *DB) ResetBalances(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `UPDATE users SET balance = ?;`, DailyAllowance)
	return err
}
