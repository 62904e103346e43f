// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/hexbot/internal/cli"
	"go.astrophena.name/hexbot/internal/logger"

	"github.com/benbjohnson/hashfs"
)

//go:generate curl --fail-with-body -s -o static/css/main.css https://astrophena.name/css/main.css

// Server is an HTTP server that serves a mux with health and debug endpoints
// registered, and gracefully shuts down when the context passed to
// [Server.ListenAndServe] is canceled.
//
// All fields of Server can't be modified after ListenAndServe is called.
type Server struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Mux is a http.ServeMux to serve.
	Mux *http.ServeMux
	// Debuggable specifies whether to register debug handlers at /debug/.
	Debuggable bool
	// DebugAuth specifies an optional function that's invoked on every request to
	// debug handlers at /debug/ to allow or deny access to them. If not provided,
	// all access is allowed.
	DebugAuth func(r *http.Request) bool
	// Ready specifies an optional function that is called when the server is
	// ready to serve requests. Used in tests.
	Ready func()
}

var (
	errNoAddr = errors.New("s.Addr is empty")
	errNilMux = errors.New("s.Mux is nil")
)

const cspHeader = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; connect-src 'self'; img-src 'self' data:; font-src 'self'; object-src 'none'; frame-ancestors 'none'"

// ListenAndServe starts the HTTP server and blocks until ctx is canceled,
// then gracefully shuts the server down. The environment attached to ctx
// (see [cli.GetEnv]) becomes the base context of every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	logf := logger.Logf(cli.GetEnv(ctx).Logf)
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Mux == nil {
		return errNilMux
	}

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	defer l.Close()
	logf("Listening on %s...", l.Addr().String())

	setHeaders := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referer-Policy", "same-origin")
			w.Header().Set("Content-Security-Policy", cspHeader)
			next.ServeHTTP(w, r)
		})
	}

	protectDebug := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/") || s.DebugAuth == nil {
				next.ServeHTTP(w, r)
				return
			}
			// If access denied, pretend that debug endpoints don't exist.
			if !s.DebugAuth(r) {
				RespondError(w, r, ErrNotFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	hs := &http.Server{
		Handler:     setHeaders(protectDebug(s.Mux)),
		ErrorLog:    log.New(logf, "", 0),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.initInternalRoutes(hs)

	errCh := make(chan error, 1)

	go func() {
		if err := hs.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				errCh <- err
			}
		}
	}()

	if s.Ready != nil {
		s.Ready()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logf("Gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := hs.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}

// StaticHashName returns the hashed name of a static resource, for use in
// templates.
func (s *Server) StaticHashName(name string) string {
	return StaticFS.HashName(name)
}

//go:embed static
var embedFS embed.FS

// StaticFS is a [fs.FS] that contains static resources served on /static/ path
// prefix of [Server]s.
var StaticFS = hashfs.NewFS(embedFS)

func (s *Server) initInternalRoutes(hs *http.Server) {
	s.Mux.Handle("/static/", hashfs.FileServer(StaticFS))
	Health(s.Mux)
	if s.Debuggable {
		dbg := Debugger(s.Mux)
		dbg.Handle("conns", "Connections", Conns(hs))
	}
}
