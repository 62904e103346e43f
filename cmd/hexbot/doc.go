// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Hexbot runs a small social game in Telegram group chats.

Every user gets an allowance of 75 hex points each day at 00:00 UTC. Points
gifted with /hex pile up in the recipient's daily received counter; whoever
crosses 21 received points is announced as the hexed of the day, unless a
charm protects them and the points bounce onto a random other active user.

Hexbot long-polls the Telegram Bot API for updates. It is a single long-lived
process: failures of an individual poll or command are logged and never take
it down, and SIGINT or SIGTERM shuts it down cleanly.

# Usage

	$ hexbot [flags...]

# Environment Variables

The hexbot program relies on the following environment variables:

  - TELEGRAM_TOKEN: Telegram bot token for accessing the Telegram Bot API.
    Required; hexbot refuses to start without it.
  - OWNER_ID: Telegram user ID allowed to run charm commands in a private
    chat with the bot. When unset or 0, anybody can.

Flags can be overridden by environment variables too; see the flag
descriptions below.

The game state lives in a SQLite database, the runtime state (poll offset and
the last daily reset) in a separate key-value store selected by the -state
flag: a path ending in ".json" is a JSON file, a "postgres://" URL is a
PostgreSQL database, "mem" is in-memory, and everything else is a SQLite
database path.

A small HTTP server serves /health and, behind the -debug-token, the /debug/
pages: pprof, the live log stream and runtime metrics.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/hexbot/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
