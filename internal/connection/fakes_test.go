package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTokens is a controllable auth.TokenProvider.
type fakeTokens struct {
	mu            sync.Mutex
	authenticated bool
	expired       bool
	token         string
	err           error
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{authenticated: true, token: "tok-123"}
}

func (f *fakeTokens) AccessToken() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeTokens) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeTokens) IsAccessTokenExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired
}

func (f *fakeTokens) set(authenticated, expired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = authenticated
	f.expired = expired
}

// fakeClock only runs timers when the test fires them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// active returns the durations of timers that are armed and not yet fired.
func (c *fakeClock) active() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fire runs the oldest active timer armed with duration d.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()

	c.mu.Lock()
	var timer *fakeTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			timer = tm
			break
		}
	}
	if timer == nil {
		c.mu.Unlock()
		t.Fatalf("no active timer with duration %v (active: %v)", d, c.activeLocked())
	}
	timer.fired = true
	c.now = c.now.Add(d)
	c.mu.Unlock()

	timer.f()
}

func (c *fakeClock) activeLocked() []time.Duration {
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// dialCall is one pending Dial the test resolves.
type dialCall struct {
	url    string
	result chan dialResult
}

type dialResult struct {
	sock Socket
	err  error
}

func (c *dialCall) succeed(s Socket) { c.result <- dialResult{sock: s} }
func (c *dialCall) fail(err error)   { c.result <- dialResult{err: err} }

// fakeDialer hands every Dial to the test.
type fakeDialer struct {
	calls     chan *dialCall
	ignoreCtx bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{calls: make(chan *dialCall, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	call := &dialCall{url: url, result: make(chan dialResult, 1)}
	d.calls <- call

	if d.ignoreCtx {
		r := <-call.result
		return r.sock, r.err
	}
	select {
	case r := <-call.result:
		return r.sock, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T) *dialCall {
	t.Helper()
	select {
	case call := <-d.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (d *fakeDialer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case call := <-d.calls:
		t.Fatalf("unexpected dial to %s", call.url)
	case <-time.After(20 * time.Millisecond):
	}
}

// fakeSocket is an in-memory Socket.
type fakeSocket struct {
	reads  chan readResult
	closed chan struct{}

	mu          sync.Mutex
	written     [][]byte
	closeCode   int
	closeReason string
	closeOnce   sync.Once
}

type readResult struct {
	data []byte
	err  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case r := <-s.reads:
		return r.data, r.err
	case <-s.closed:
		return nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// push delivers an inbound frame.
func (s *fakeSocket) push(data string) {
	s.reads <- readResult{data: []byte(data)}
}

// serverClose simulates the peer closing with code.
func (s *fakeSocket) serverClose(code int) {
	s.reads <- readResult{err: &websocket.CloseError{Code: code}}
}

func (s *fakeSocket) writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

func (s *fakeSocket) closedWith() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *fakeSocket) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed")
	}
}

// recordingDispatcher collects dispatched frames.
type recordingDispatcher struct {
	frames chan []byte
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{frames: make(chan []byte, 16)}
}

func (d *recordingDispatcher) Dispatch(data []byte) {
	d.frames <- data
}

// stateRecorder collects transitions from OnStateChange.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(m *Manager) *stateRecorder {
	r := &stateRecorder{}
	m.OnStateChange(func(c StateChange) {
		r.mu.Lock()
		r.states = append(r.states, c.To)
		r.mu.Unlock()
	})
	return r
}

// waitFor blocks until n transitions were delivered and returns them.
func (r *stateRecorder) waitFor(t *testing.T, n int) []ConnectionState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.states) >= n {
			out := append([]ConnectionState(nil), r.states...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Fatalf("got %d transitions %v, want %d", len(r.states), r.states, n)
	return nil
}

func waitForState(t *testing.T, m *Manager, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}
