// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"go.astrophena.name/hexbot/internal/cli"
	"go.astrophena.name/hexbot/internal/testutil"
)

func TestServerErrors(t *testing.T) {
	cases := map[string]struct {
		s       *Server
		wantErr error
	}{
		"no Addr": {
			s: &Server{
				Addr: "",
				Mux:  http.NewServeMux(),
			},
			wantErr: errNoAddr,
		},
		"nil Mux": {
			s: &Server{
				Addr: ":3000",
				Mux:  nil,
			},
			wantErr: errNilMux,
		},
	}
	for _, tc := range cases {
		err := tc.s.ListenAndServe(context.Background())

		// Don't use && because we want to trap all cases where err is nil.
		if err == nil {
			if tc.wantErr != nil {
				t.Fatalf("must fail with error: %v", tc.wantErr)
			}
		}

		if err != nil && !errors.Is(err, tc.wantErr) {
			t.Fatalf("got error: %v", err)
		}
	}
}

func TestListenAndServe(t *testing.T) {
	// Find a free port for us.
	port, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	addr := fmt.Sprintf("localhost:%d", port)

	var wg sync.WaitGroup

	ready := make(chan struct{})
	readyFunc := func() {
		ready <- struct{}{}
	}
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = cli.WithEnv(ctx, &cli.Env{Stderr: io.Discard})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s := &Server{
			Addr:       addr,
			Mux:        http.NewServeMux(),
			Debuggable: true,
			Ready:      readyFunc,
		}
		if err := s.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	// Wait until the server is ready.
	select {
	case err := <-errCh:
		t.Fatalf("Test server crashed during startup or runtime: %v", err)
	case <-ready:
	}

	// Make some HTTP requests.
	urls := []struct {
		url        string
		wantStatus int
	}{
		{url: "/static/css/main.css", wantStatus: http.StatusOK},
		{url: "/static/" + StaticFS.HashName("css/main.css"), wantStatus: http.StatusOK},
		{url: "/health", wantStatus: http.StatusOK},
		{url: "/debug/", wantStatus: http.StatusOK},
	}

	for _, u := range urls {
		req, err := http.Get("http://" + addr + u.url)
		if err != nil {
			t.Fatal(err)
		}
		if req.StatusCode != u.wantStatus {
			t.Fatalf("GET %s: want status code %d, got %d", u.url, u.wantStatus, req.StatusCode)
		}
		testutil.AssertEqual(t, req.Header.Get("X-Content-Type-Options"), "nosniff")
		testutil.AssertEqual(t, req.Header.Get("Referer-Policy"), "same-origin")
		testutil.AssertEqual(t, req.Header.Get("Content-Security-Policy"), cspHeader)
	}

	// Try to gracefully shutdown the server.
	cancel()
	// Wait until the server shuts down.
	wg.Wait()
	// See if the server failed to shutdown.
	select {
	case err := <-errCh:
		t.Fatalf("Test server crashed during shutdown: %v", err)
	default:
	}
}

func TestDebugAuth(t *testing.T) {
	port, err := getFreePort()
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	addr := fmt.Sprintf("localhost:%d", port)

	var wg sync.WaitGroup

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = cli.WithEnv(ctx, &cli.Env{Stderr: io.Discard})

	wg.Add(1)
	go func() {
		defer wg.Done()
		s := &Server{
			Addr:       addr,
			Mux:        http.NewServeMux(),
			Debuggable: true,
			DebugAuth: func(r *http.Request) bool {
				return r.Header.Get("Authorization") == "Bearer letmein"
			},
			Ready: func() { ready <- struct{}{} },
		}
		if err := s.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("Test server crashed during startup or runtime: %v", err)
	case <-ready:
	}

	// Without the header debug endpoints pretend to not exist.
	res, err := http.Get("http://" + addr + "/debug/")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	testutil.AssertEqual(t, res.StatusCode, http.StatusNotFound)

	// With it they are reachable.
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/debug/", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer letmein")
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	testutil.AssertEqual(t, res2.StatusCode, http.StatusOK)

	cancel()
	wg.Wait()
	select {
	case err := <-errCh:
		t.Fatalf("Test server crashed during shutdown: %v", err)
	default:
	}
}

// getFreePort asks the kernel for a free open port that is ready to use.
// Copied from
// https://github.com/phayes/freeport/blob/74d24b5ae9f58fbe4057614465b11352f71cdbea/freeport.go.
func getFreePort() (port int, err error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
