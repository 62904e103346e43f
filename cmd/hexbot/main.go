// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"cmp"
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/hexbot/internal/bot"
	"go.astrophena.name/hexbot/internal/cli"
	"go.astrophena.name/hexbot/internal/cli/envflag"
	"go.astrophena.name/hexbot/internal/cli/restrict"
	"go.astrophena.name/hexbot/internal/game"
	"go.astrophena.name/hexbot/internal/logger"
	"go.astrophena.name/hexbot/internal/loop"
	"go.astrophena.name/hexbot/internal/store"
	"go.astrophena.name/hexbot/internal/syncx"
	"go.astrophena.name/hexbot/internal/systemd"
	"go.astrophena.name/hexbot/internal/telegram"
	"go.astrophena.name/hexbot/internal/web"

	"github.com/arl/statsviz"
	"github.com/landlock-lsm/go-landlock/landlock"
)

func main() { cli.Main(new(engine)) }

type engine struct {
	init syncx.Lazy[error] // main initialization

	// flags
	addr       *string
	dbPath     *string
	stateDSN   *string
	debugToken *string
	verbose    *bool

	// configuration, read-only after initialization
	token   string
	ownerID int64
	httpc   *http.Client
	stderr  io.Writer
	getenv  func(string) string

	// initialized by doInit
	logger    *logger.Logger
	logStream logger.Streamer
	scrubber  *strings.Replacer
	tg        *telegram.Client
	game      *game.DB
	state     store.Store
	bot       *bot.Bot
	loop      *loop.Loop
	mux       *http.ServeMux
	srv       *web.Server

	// for tests
	noServerStart bool
	ready         func() // see web.Server.Ready
}

func (e *engine) Flags(fs *flag.FlagSet) {
	getenv := e.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	e.addr = envflag.Value("addr", "HEXBOT_ADDR", "localhost:3000", "Listen HTTP on `address`.", fs, getenv)
	e.dbPath = envflag.Value("db", "HEXBOT_DB", "hexbot.db", "Game database `path`.", fs, getenv)
	e.stateDSN = envflag.Value("state", "HEXBOT_STATE", "state.json", "Runtime state `DSN`: a JSON file path, a SQLite path, a postgres:// URL or \"mem\".", fs, getenv)
	e.debugToken = envflag.Value("debug-token", "DEBUG_TOKEN", "", "Bearer `token` protecting the /debug/ pages. Empty allows everyone.", fs, getenv)
	e.verbose = envflag.Value("verbose", "HEXBOT_VERBOSE", false, "Log debug information.", fs, getenv)
}

func (e *engine) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	e.token = cmp.Or(e.token, env.Getenv("TELEGRAM_TOKEN"))
	e.ownerID = cmp.Or(e.ownerID, parseID(env.Getenv("OWNER_ID")))
	if e.stderr == nil {
		e.stderr = env.Stderr
	}

	if e.token == "" {
		return fmt.Errorf("%w: TELEGRAM_TOKEN environment variable is not set", cli.ErrInvalidArgs)
	}

	// Initialize internal state.
	if err := e.init.Get(func() error {
		return e.doInit(ctx)
	}); err != nil {
		return err
	}

	ctx = logger.WithLogger(ctx, e.logger)

	// Used in tests.
	if e.noServerStart {
		return nil
	}
	defer e.close()

	e.restrictSelf(ctx)

	systemd.Notify(e.logf, systemd.Ready)
	go systemd.WatchdogLoop(ctx, e.logf)

	// The server and the loop run side by side. A server that fails to
	// start (the address is occupied, say) stops the loop and becomes the
	// process's exit error instead of surfacing only at shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srvCh := make(chan error, 1)
	go func() { srvCh <- e.srv.ListenAndServe(ctx) }()
	loopCh := make(chan error, 1)
	go func() { loopCh <- e.loop.Run(ctx) }()

	select {
	case err := <-srvCh:
		cancel()
		<-loopCh
		return err
	case err := <-loopCh:
		return cmp.Or(err, <-srvCh)
	}
}

func parseID(s string) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return i
	}
	return 0
}

const logLineLimit = 300

func (e *engine) doInit(ctx context.Context) error {
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	if e.httpc == nil {
		// Long polling holds connections open for up to a minute.
		e.httpc = &http.Client{Timeout: 90 * time.Second}
	}

	e.logStream = logger.NewStreamer(logLineLimit)
	e.logger = logger.New(&timestampWriter{io.MultiWriter(e.stderr, e.logStream)})
	if *e.verbose {
		e.logger.Level.Set(slog.LevelDebug)
	}

	scrubPairs := []string{e.token, "[EXPUNGED]"}
	if *e.debugToken != "" {
		scrubPairs = append(scrubPairs, *e.debugToken, "[EXPUNGED]")
	}
	e.scrubber = strings.NewReplacer(scrubPairs...)

	e.tg = telegram.New(telegram.Config{
		Token:      e.token,
		HTTPClient: e.httpc,
		Scrubber:   e.scrubber,
		Logger:     e.logger.Logger,
	})

	// The handshake doubles as a startup check: a bad token means the
	// service can't meaningfully run.
	me, err := e.tg.Me(ctx)
	if err != nil {
		return fmt.Errorf("getMe failed: %w", err)
	}
	e.logger.Logger.Info("authenticated", slog.String("username", me.Username), slog.Int64("bot_id", me.ID))

	if e.game, err = game.Open(ctx, *e.dbPath); err != nil {
		return fmt.Errorf("opening game database: %w", err)
	}
	if e.state, err = store.Open(ctx, *e.stateDSN, 0); err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	e.bot = bot.New(bot.Config{
		Telegram: e.tg,
		DB:       e.game,
		Username: me.Username,
		OwnerID:  e.ownerID,
		Logger:   e.logger.Logger,
	})
	e.loop = loop.New(loop.Config{
		Telegram: e.tg,
		Bot:      e.bot,
		Game:     e.game,
		Store:    e.state,
		Logger:   e.logger.Logger,
	})

	e.initRoutes()
	e.srv = &web.Server{
		Addr:       *e.addr,
		Mux:        e.mux,
		Debuggable: true,
		DebugAuth:  e.debugAuth,
		Ready:      e.ready,
	}

	return nil
}

func (e *engine) initRoutes() {
	e.mux = http.NewServeMux()

	health := web.Health(e.mux)
	health.RegisterFunc("loop", func() (string, bool) {
		phase := e.loop.State().Phase()
		return phase.String(), phase == loop.Running
	})
	health.RegisterFunc("db", func() (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.game.Ping(ctx); err != nil {
			return err.Error(), false
		}
		return "ok", true
	})

	dbg := web.Debugger(e.mux)
	dbg.KVFunc("Loop state", func() any { return e.loop.State().Phase() })
	dbg.Handle("log", "Log", e.logStream)
	if err := statsviz.Register(e.mux); err == nil {
		dbg.Link("/debug/statsviz/", "Metrics")
	}
}

func (e *engine) debugAuth(r *http.Request) bool {
	if *e.debugToken == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(*e.debugToken)) == 1
}

// restrictSelf sandboxes the process: filesystem access is limited to the
// data directories and system TLS/DNS configuration, outbound TCP to HTTPS.
func (e *engine) restrictSelf(ctx context.Context) {
	if strings.HasPrefix(*e.stateDSN, "postgres://") || strings.HasPrefix(*e.stateDSN, "postgresql://") {
		// The PostgreSQL host and port aren't known here, so there is
		// nothing meaningful to restrict to.
		return
	}

	dirs := []string{filepath.Dir(*e.dbPath)}
	if *e.stateDSN != "mem" {
		dirs = append(dirs, filepath.Dir(*e.stateDSN))
	}
	slices.Sort(dirs)
	dirs = slices.Compact(dirs)

	rules := []landlock.Rule{
		landlock.RWDirs(dirs...).IgnoreIfMissing(),
		landlock.RODirs("/etc").IgnoreIfMissing(),
		landlock.ConnectTCP(443),
	}
	if _, port, err := net.SplitHostPort(*e.addr); err == nil {
		if p, err := strconv.ParseUint(port, 10, 16); err == nil && p != 0 {
			rules = append(rules, landlock.BindTCP(uint16(p)))
		}
	}
	restrict.DoUnlessTesting(ctx, rules...)
}

func (e *engine) logf(format string, args ...any) {
	e.logger.Logger.Info(fmt.Sprintf(format, args...))
}

// close releases resources on shutdown. Failures here are logged, never
// returned: they must not block process exit.
func (e *engine) close() {
	if e.state != nil {
		if err := e.state.Close(); err != nil {
			e.logger.Logger.Warn("closing state store failed", slog.Any("err", err))
		}
	}
	if e.game != nil {
		if err := e.game.Close(); err != nil {
			e.logger.Logger.Warn("closing game database failed", slog.Any("err", err))
		}
	}
}

// timestampWriter is an io.Writer that prefixes each line with the current date and time.
type timestampWriter struct {
	w io.Writer
}

func (tw *timestampWriter) Write(p []byte) (n int, err error) {
	lines := bytes.SplitAfter(p, []byte{'\n'})

	for _, line := range lines {
		if len(line) > 0 {
			timestamp := time.Now().Format(time.DateTime + "\t")
			_, err := tw.w.Write([]byte(timestamp))
			if err != nil {
				return n, err
			}
			nn, err := tw.w.Write(line)
			n += nn
			if err != nil {
				return n, err
			}
		}
	}

	return n, nil
}
