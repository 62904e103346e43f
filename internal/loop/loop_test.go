// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package loop

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.astrophena.name/hexbot/internal/logger"
	"go.astrophena.name/hexbot/internal/store"
	"go.astrophena.name/hexbot/internal/telegram"
	"go.astrophena.name/hexbot/internal/testutil"
)

// syncBuffer collects log output of a loop running in another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func testLoop(t *testing.T) (*Loop, *syncBuffer) {
	t.Helper()
	buf := new(syncBuffer)
	l := New(Config{
		Store:  store.NewMemStore(t.Context(), 0),
		Logger: logger.New(buf).Logger,
	})
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l.handle = func(context.Context, telegram.Update) error { return nil }
	l.reset = func(context.Context) error { return nil }
	l.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	return l, buf
}

// start runs the loop in a separate goroutine and returns a function that
// stops it and waits for [Loop.Run] to return.
func start(t *testing.T, l *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(ctx); err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop in time")
		}
	}
}

// TestFailuresKeepLoopAlive simulates three consecutive poll failures followed
// by a success and checks that the loop survives all four, logging exactly
// three errors and one processed batch.
func TestFailuresKeepLoopAlive(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)

	var (
		calls atomic.Int32
		once  sync.Once
		after = make(chan struct{})
	)
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		switch n := calls.Add(1); {
		case n <= 3:
			return nil, errors.New("connection reset")
		case n == 4:
			return []telegram.Update{{ID: 1}}, nil
		default:
			once.Do(func() { close(after) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	stop := start(t, l)
	<-after
	stop()

	testutil.AssertEqual(t, buf.count("poll failed"), 3)
	testutil.AssertEqual(t, buf.count("processed updates"), 1)
	testutil.AssertEqual(t, l.State().Phase(), Stopped)
}

func TestStopsOnCancel(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)
	var polls atomic.Int32
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		polls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	stop := start(t, l)
	// Wait for the loop to block inside the long poll.
	for polls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	stop()

	testutil.AssertEqual(t, l.State().Phase(), Stopped)
	testutil.AssertEqual(t, buf.count("loop stopping"), 1)

	// No new iteration starts after the loop has stopped.
	n := polls.Load()
	time.Sleep(10 * time.Millisecond)
	testutil.AssertEqual(t, polls.Load(), n)
}

// TestCancelBeforeFirstIteration checks that a termination request arriving
// before the loop starts results in zero iterations.
func TestCancelBeforeFirstIteration(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)
	var polls atomic.Int32
	l.poll = func(context.Context, int64) ([]telegram.Update, error) {
		polls.Add(1)
		return nil, nil
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, polls.Load(), int32(0))
	testutil.AssertEqual(t, buf.count("processed updates"), 0)
	testutil.AssertEqual(t, l.State().Phase(), Stopped)
}

func TestPanicInPollRecovered(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)
	var calls atomic.Int32
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		if calls.Add(1) == 1 {
			panic("poll exploded")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	stop := start(t, l)
	for calls.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	stop()

	testutil.AssertEqual(t, buf.count("iteration panicked"), 1)
}

func TestPanicInHandlerRecovered(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)

	var (
		once  sync.Once
		after = make(chan struct{})
	)
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		var updates []telegram.Update
		once.Do(func() { updates = []telegram.Update{{ID: 1}} })
		if updates != nil {
			return updates, nil
		}
		close(after)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l.handle = func(context.Context, telegram.Update) error { panic("handler exploded") }

	stop := start(t, l)
	<-after
	stop()

	testutil.AssertEqual(t, buf.count("handling update panicked"), 1)

	// The update still counts as processed so that it's not redelivered.
	b, err := l.store.Get(t.Context(), offsetKey)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "2")
}

func TestHandlerErrorLogged(t *testing.T) {
	t.Parallel()

	l, buf := testLoop(t)

	var (
		once  sync.Once
		after = make(chan struct{})
	)
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		var updates []telegram.Update
		once.Do(func() { updates = []telegram.Update{{ID: 41}, {ID: 42}} })
		if updates != nil {
			return updates, nil
		}
		close(after)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l.handle = func(_ context.Context, u telegram.Update) error {
		if u.ID == 41 {
			return errors.New("bad update")
		}
		return nil
	}

	stop := start(t, l)
	<-after
	stop()

	// One handler failure doesn't stop the rest of the batch.
	testutil.AssertEqual(t, buf.count("handling update failed"), 1)
	testutil.AssertEqual(t, buf.count("processed updates"), 1)

	b, err := l.store.Get(t.Context(), offsetKey)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "43")
}

// TestCancelMidBatchKeepsOffset cancels dispatch between two updates of a
// batch and checks that only the handled prefix is confirmed, so a restart
// redelivers the abandoned update.
func TestCancelMidBatchKeepsOffset(t *testing.T) {
	t.Parallel()

	l, _ := testLoop(t)

	ctx, cancel := context.WithCancel(t.Context())
	l.poll = func(context.Context, int64) ([]telegram.Update, error) {
		return []telegram.Update{{ID: 41}, {ID: 42}}, nil
	}
	var handled []int64
	l.handle = func(_ context.Context, u telegram.Update) error {
		handled = append(handled, u.ID)
		cancel()
		return nil
	}

	l.iterate(ctx)

	testutil.AssertEqual(t, handled, []int64{41})

	b, err := l.store.Get(t.Context(), offsetKey)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "42")
}

func TestOffsetPersists(t *testing.T) {
	t.Parallel()

	l, _ := testLoop(t)

	var (
		mu      sync.Mutex
		offsets []int64
		once    sync.Once
		after   = make(chan struct{})
	)
	l.poll = func(ctx context.Context, offset int64) ([]telegram.Update, error) {
		mu.Lock()
		offsets = append(offsets, offset)
		mu.Unlock()

		var updates []telegram.Update
		once.Do(func() { updates = []telegram.Update{{ID: 5}, {ID: 6}} })
		if updates != nil {
			return updates, nil
		}
		close(after)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	stop := start(t, l)
	<-after
	stop()

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertEqual(t, offsets[:2], []int64{0, 7})
}

func TestDailyReset(t *testing.T) {
	t.Parallel()

	l, _ := testLoop(t)
	ctx := t.Context()

	var resets int
	l.reset = func(context.Context) error { resets++; return nil }
	now := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	// The first check after startup only records the day.
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resets, 0)
	day, err := l.store.Get(ctx, lastResetKey)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(day), "2025-03-10")

	// Checks within the same day are no-ops.
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resets, 0)

	// Crossing the day boundary resets once.
	now = now.Add(2 * time.Hour)
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resets, 1)

	// Downtime across several boundaries still resets once.
	now = now.AddDate(0, 0, 5)
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resets, 2)
}

func TestDailyResetFailureRetried(t *testing.T) {
	t.Parallel()

	l, _ := testLoop(t)
	ctx := t.Context()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}

	resetErr := errors.New("database locked")
	l.reset = func(context.Context) error { return resetErr }
	now = now.AddDate(0, 0, 1)
	if err := l.maybeReset(ctx); !errors.Is(err, resetErr) {
		t.Fatalf("maybeReset() = %v, want %v", err, resetErr)
	}

	// The day is not marked done, so the next check retries.
	day, err := l.store.Get(ctx, lastResetKey)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(day), "2025-03-10")

	var resets int
	l.reset = func(context.Context) error { resets++; return nil }
	if err := l.maybeReset(ctx); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, resets, 1)
}
