package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/hirestream/internal/metrics"
)

type testRig struct {
	m          *Manager
	dialer     *fakeDialer
	clock      *fakeClock
	tokens     *fakeTokens
	dispatcher *recordingDispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	r := &testRig{
		dialer:     newFakeDialer(),
		clock:      newFakeClock(),
		tokens:     newFakeTokens(),
		dispatcher: newRecordingDispatcher(),
	}
	r.m = NewManager(
		DefaultManagerConfig(),
		NewEndpoint("https://app.example.com", ""),
		r.tokens,
		r.dispatcher,
		WithDialer(r.dialer),
		WithClock(r.clock),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	t.Cleanup(r.m.Disconnect)
	return r
}

// connectAsync runs Connect on its own goroutine.
func (r *testRig) connectAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.m.Connect(context.Background())
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
		return nil
	}
}

// failAttempt resolves the next dial with an abnormal close and waits for the
// manager to classify it.
func (r *testRig) failAttempt(t *testing.T) {
	t.Helper()
	r.dialer.next(t).fail(errors.New("connection refused"))
	waitSettled(t, r.m)
}

// waitSettled waits until the manager leaves connecting.
func waitSettled(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.State() == StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("manager stuck in connecting")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func TestManager_ConnectSuccess(t *testing.T) {
	r := newTestRig(t)

	errCh := r.connectAsync()
	call := r.dialer.next(t)

	u, err := url.Parse(call.url)
	if err != nil {
		t.Fatalf("parse dial url: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "app.example.com" || u.Path != DefaultPath {
		t.Errorf("dial url = %s, want wss://app.example.com%s", call.url, DefaultPath)
	}
	if got := u.Query().Get("token"); got != "tok-123" {
		t.Errorf("token = %q, want %q", got, "tok-123")
	}

	if got := r.m.State(); got != StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}

	call.succeed(newFakeSocket())
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := r.m.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", r.m.LastError())
	}
	if stats := r.m.Stats(); stats.SessionID == "" || stats.ConnectedSince.IsZero() {
		t.Errorf("Stats() = %+v, want session and connected time", stats)
	}
}

func TestManager_ConnectSkipped(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *testRig)
	}{
		{
			name:  "not authenticated",
			setup: func(t *testing.T, r *testRig) { r.tokens.set(false, false) },
		},
		{
			name:  "token expired",
			setup: func(t *testing.T, r *testRig) { r.tokens.set(true, true) },
		},
		{
			name: "already connecting",
			setup: func(t *testing.T, r *testRig) {
				r.connectAsync()
				r.dialer.next(t)
			},
		},
		{
			name: "already connected",
			setup: func(t *testing.T, r *testRig) {
				errCh := r.connectAsync()
				r.dialer.next(t).succeed(newFakeSocket())
				waitErr(t, errCh)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t)
			tt.setup(t, r)
			before := r.m.State()

			if err := r.m.Connect(context.Background()); err != nil {
				t.Errorf("Connect() error = %v, want nil", err)
			}
			r.dialer.expectNone(t)

			if got := r.m.State(); got != before {
				t.Errorf("state = %s, want %s", got, before)
			}
		})
	}
}

func TestManager_BackoffThenDisable(t *testing.T) {
	r := newTestRig(t)
	rec := recordStates(r.m)

	errCh := r.connectAsync()
	r.failAttempt(t)

	var cerr *CloseError
	if err := waitErr(t, errCh); !errors.As(err, &cerr) || cerr.Code != CloseAbnormal {
		t.Fatalf("Connect() error = %v, want close 1006", err)
	}

	// Retries n = 1, 2, 3 wait 2s, 4s, 6s.
	for n := 1; n <= 3; n++ {
		if got := r.m.ReconnectAttempts(); got != n {
			t.Fatalf("attempts = %d, want %d", got, n)
		}
		want := time.Duration(n) * 2 * time.Second
		active := r.clock.active()
		if len(active) != 1 || active[0] != want {
			t.Fatalf("active timers = %v, want [%v]", active, want)
		}

		r.clock.fire(t, want)
		if got := r.m.State(); got != StateConnecting {
			t.Fatalf("state after retry %d = %s, want connecting", n, got)
		}
		r.failAttempt(t)
		if got := r.m.ReconnectAttempts(); got > 3 {
			t.Fatalf("attempts = %d, exceeds max", got)
		}
	}

	waitForState(t, r.m, StateDisabled)
	r.dialer.expectNone(t)

	if got := r.m.ReconnectAttempts(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	if !r.m.Disabled() {
		t.Error("Disabled() = false, want true")
	}

	lastErr := r.m.LastError()
	if !errors.Is(lastErr, ErrCircuitDisabled) {
		t.Errorf("LastError() = %v, want ErrCircuitDisabled", lastErr)
	}
	if !errors.As(lastErr, &cerr) || cerr.Code != CloseAbnormal {
		t.Errorf("LastError() = %v, want wrapped close 1006", lastErr)
	}

	// Four connecting/error pairs, not three: the initial attempt fails, then
	// the retries at 2s, 4s and 6s each connect and fail before the fourth
	// failure exhausts the budget and disables. Dropping a pair would mean
	// the 6s retry never dialed.
	states := rec.waitFor(t, 9)
	want := []ConnectionState{
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateConnecting, StateError,
		StateDisabled,
	}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestManager_DisabledIgnoresConnect(t *testing.T) {
	r := newTestRig(t)
	r.m.cfg.MaxAttempts = 1

	r.connectAsync()
	r.failAttempt(t)
	r.clock.fire(t, 2*time.Second)
	r.failAttempt(t)
	waitForState(t, r.m, StateDisabled)

	rec := recordStates(r.m)
	timersBefore := r.clock.armed()

	for i := 0; i < 3; i++ {
		if err := r.m.Connect(context.Background()); err != nil {
			t.Errorf("Connect() error = %v, want nil", err)
		}
	}
	r.dialer.expectNone(t)

	if got := r.m.State(); got != StateDisabled {
		t.Errorf("state = %s, want disabled", got)
	}
	if timersAfter := r.clock.armed(); timersAfter != timersBefore {
		t.Errorf("armed %d timers while disabled", timersAfter-timersBefore)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) != 0 {
		t.Errorf("transitions while disabled = %v", rec.states)
	}
}

func TestManager_EnableResets(t *testing.T) {
	r := newTestRig(t)
	r.m.cfg.MaxAttempts = 1

	r.connectAsync()
	r.failAttempt(t)
	r.clock.fire(t, 2*time.Second)
	r.failAttempt(t)
	waitForState(t, r.m, StateDisabled)

	r.m.Enable()

	if got := r.m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if r.m.Disabled() {
		t.Error("Disabled() = true after Enable")
	}
	if got := r.m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", r.m.LastError())
	}

	errCh := r.connectAsync()
	r.dialer.next(t).succeed(newFakeSocket())
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Connect() after Enable error = %v", err)
	}
}

func TestManager_EnableWhileConnectedKeepsState(t *testing.T) {
	r := newTestRig(t)

	errCh := r.connectAsync()
	r.dialer.next(t).succeed(newFakeSocket())
	waitErr(t, errCh)

	r.m.Enable()
	if got := r.m.State(); got != StateConnected {
		t.Errorf("state = %s, want connected", got)
	}
}

func TestManager_CleanCloseNeverReconnects(t *testing.T) {
	r := newTestRig(t)

	// Burn one retry first so the attempt count is non-zero.
	r.connectAsync()
	r.failAttempt(t)
	r.clock.fire(t, 2*time.Second)

	r.dialer.next(t).fail(&CloseError{Code: CloseNormal})
	waitForState(t, r.m, StateDisconnected)

	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	r.dialer.expectNone(t)

	// Same for a connected socket.
	errCh := r.connectAsync()
	sock := newFakeSocket()
	r.dialer.next(t).succeed(sock)
	waitErr(t, errCh)

	sock.serverClose(CloseNormal)
	waitForState(t, r.m, StateDisconnected)
	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	r.dialer.expectNone(t)
}

func TestManager_AuthFailure(t *testing.T) {
	for _, code := range []int{ClosePolicyViolation, CloseInternalError} {
		t.Run(closeName(code), func(t *testing.T) {
			r := newTestRig(t)

			errCh := r.connectAsync()
			sock := newFakeSocket()
			r.dialer.next(t).succeed(sock)
			waitErr(t, errCh)

			sock.serverClose(code)
			waitForState(t, r.m, StateError)

			if !errors.Is(r.m.LastError(), ErrAuthenticationFailed) {
				t.Errorf("LastError() = %v, want ErrAuthenticationFailed", r.m.LastError())
			}
			if r.m.Disabled() {
				t.Error("auth failure must not disable")
			}
			if active := r.clock.active(); len(active) != 0 {
				t.Errorf("active timers = %v, want none", active)
			}
			r.dialer.expectNone(t)
		})
	}
}

func TestManager_SuccessAfterFailure(t *testing.T) {
	r := newTestRig(t)

	r.connectAsync()
	r.failAttempt(t)

	if got := r.m.ReconnectAttempts(); got != 1 {
		t.Fatalf("attempts before success = %d, want 1", got)
	}

	r.clock.fire(t, 2*time.Second)
	r.dialer.next(t).succeed(newFakeSocket())
	waitForState(t, r.m, StateConnected)

	if got := r.m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts after success = %d, want 0", got)
	}
	if r.m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", r.m.LastError())
	}
}

func TestManager_ConnectTimeoutDisables(t *testing.T) {
	r := newTestRig(t)

	errCh := r.connectAsync()
	r.dialer.next(t)

	r.clock.fire(t, 5*time.Second)

	err := waitErr(t, errCh)
	if !errors.Is(err, ErrCircuitDisabled) || !errors.Is(err, ErrConnectTimeout) {
		t.Errorf("Connect() error = %v, want disabled by timeout", err)
	}
	if got := r.m.State(); got != StateDisabled {
		t.Errorf("state = %s, want disabled", got)
	}
	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
}

func TestManager_SetupFailureDisables(t *testing.T) {
	t.Run("endpoint", func(t *testing.T) {
		r := newTestRig(t)
		r.m.endpoint = NewEndpoint("ftp://app.example.com", "")

		err := r.m.Connect(context.Background())
		if !errors.Is(err, ErrCircuitDisabled) {
			t.Errorf("Connect() error = %v, want ErrCircuitDisabled", err)
		}
		if got := r.m.State(); got != StateDisabled {
			t.Errorf("state = %s, want disabled", got)
		}
		r.dialer.expectNone(t)
	})

	t.Run("token", func(t *testing.T) {
		r := newTestRig(t)
		tokenErr := errors.New("keychain locked")
		r.tokens.err = tokenErr

		err := r.m.Connect(context.Background())
		if !errors.Is(err, ErrCircuitDisabled) || !errors.Is(err, tokenErr) {
			t.Errorf("Connect() error = %v, want disabled wrapping token error", err)
		}
		r.dialer.expectNone(t)
	})
}

func TestManager_NoRetryWithoutToken(t *testing.T) {
	r := newTestRig(t)

	r.connectAsync()
	r.tokens.set(true, true)
	r.failAttempt(t)

	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	if got := r.m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
}

func TestManager_ReconnectRechecksToken(t *testing.T) {
	r := newTestRig(t)

	r.connectAsync()
	r.failAttempt(t)

	r.tokens.set(false, false)
	r.clock.fire(t, 2*time.Second)

	r.dialer.expectNone(t)
	if got := r.m.State(); got != StateError {
		t.Errorf("state = %s, want error", got)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	r := newTestRig(t)

	r.connectAsync()
	r.failAttempt(t)
	if len(r.clock.active()) != 1 {
		t.Fatalf("expected a pending reconnect, got %v", r.clock.active())
	}

	r.m.Disconnect()
	r.m.Disconnect()

	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
	if got := r.m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if got := r.m.ReconnectAttempts(); got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}
}

func TestManager_DisconnectWhileConnected(t *testing.T) {
	r := newTestRig(t)

	errCh := r.connectAsync()
	sock := newFakeSocket()
	r.dialer.next(t).succeed(sock)
	waitErr(t, errCh)

	r.m.Disconnect()

	code, reason := sock.closedWith()
	if code != CloseNormal {
		t.Errorf("close code = %d, want %d (%s)", code, CloseNormal, reason)
	}
	if got := r.m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	r.dialer.expectNone(t)
	if active := r.clock.active(); len(active) != 0 {
		t.Errorf("active timers = %v, want none", active)
	}
}

func TestManager_StaleAttemptIgnored(t *testing.T) {
	r := newTestRig(t)
	r.dialer.ignoreCtx = true

	firstErr := r.connectAsync()
	first := r.dialer.next(t)

	r.m.Disconnect()
	if err := waitErr(t, firstErr); !errors.Is(err, ErrAttemptAborted) {
		t.Errorf("first Connect() error = %v, want ErrAttemptAborted", err)
	}

	secondErr := r.connectAsync()
	second := r.dialer.next(t)

	// The superseded dial opens late and must be thrown away.
	staleSock := newFakeSocket()
	first.succeed(staleSock)
	staleSock.waitClosed(t)

	if got := r.m.State(); got != StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}

	second.succeed(newFakeSocket())
	if err := waitErr(t, secondErr); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}
}

func TestManager_Send(t *testing.T) {
	r := newTestRig(t)

	if r.m.Send(map[string]string{"type": "ping"}) {
		t.Error("Send() while disconnected = true")
	}
	if got := r.m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}

	errCh := r.connectAsync()
	sock := newFakeSocket()
	r.dialer.next(t).succeed(sock)
	waitErr(t, errCh)

	if !r.m.Send(map[string]string{"type": "ping"}) {
		t.Fatal("Send() while connected = false")
	}
	if !r.m.Send(json.RawMessage(`{"type":"raw"}`)) {
		t.Fatal("Send(raw) while connected = false")
	}
	if r.m.Send(func() {}) {
		t.Error("Send() of unencodable value = true")
	}

	writes := sock.writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(writes))
	}
	if string(writes[0]) != `{"type":"ping"}` {
		t.Errorf("write[0] = %s", writes[0])
	}
	if string(writes[1]) != `{"type":"raw"}` {
		t.Errorf("write[1] = %s", writes[1])
	}

	r.m.Disconnect()
	if r.m.Send(map[string]string{"type": "ping"}) {
		t.Error("Send() after disconnect = true")
	}
	if len(sock.writes()) != 2 {
		t.Error("socket written after disconnect")
	}
}

func TestManager_DispatchesFrames(t *testing.T) {
	r := newTestRig(t)

	errCh := r.connectAsync()
	sock := newFakeSocket()
	r.dialer.next(t).succeed(sock)
	waitErr(t, errCh)

	sock.push(`{"type":"job_match","job_id":"j1"}`)
	sock.push(`{"type":"application_status","status":"interview"}`)

	for _, want := range []string{
		`{"type":"job_match","job_id":"j1"}`,
		`{"type":"application_status","status":"interview"}`,
	} {
		select {
		case got := <-r.dispatcher.frames:
			if string(got) != want {
				t.Errorf("dispatched %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("frame not dispatched")
		}
	}
}

func TestManager_ConnectContextCancelled(t *testing.T) {
	r := newTestRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.m.Connect(ctx)
	}()
	r.dialer.next(t)
	cancel()

	if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
		t.Errorf("Connect() error = %v, want context.Canceled", err)
	}
	// The attempt itself is still running.
	if got := r.m.State(); got != StateConnecting {
		t.Errorf("state = %s, want connecting", got)
	}
}

func TestManager_AttemptsNeverExceedMax(t *testing.T) {
	sequences := [][]int{
		{1006, 1006, 1006, 1006},
		{1001, 4000, 1006, 1002, 1006},
		{1006, 1008, 1006, 1006, 1011, 1006, 1006},
		{1006, 1000, 1006, 1006, 1006, 1006},
	}

	for i, seq := range sequences {
		t.Run(string(rune('a'+i)), func(t *testing.T) {
			r := newTestRig(t)
			r.connectAsync()

			for _, code := range seq {
				if r.m.Disabled() {
					break
				}
				r.dialer.next(t).fail(&CloseError{Code: code})
				waitSettled(t, r.m)

				if got := r.m.ReconnectAttempts(); got > 3 {
					t.Fatalf("attempts = %d after code %d", got, code)
				}

				switch r.m.State() {
				case StateDisabled:
				case StateError:
					if active := r.clock.active(); len(active) == 1 {
						r.clock.fire(t, active[0])
					} else {
						r.connectAsync()
					}
				case StateDisconnected:
					r.connectAsync()
				}
			}
		})
	}
}

func TestCloseError(t *testing.T) {
	err := &CloseError{Code: 1006, Reason: "eof"}
	if err.Error() != "socket closed with code 1006: eof" {
		t.Errorf("Error() = %q", err.Error())
	}
	err = &CloseError{Code: 1000}
	if err.Error() != "socket closed with code 1000" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func closeName(code int) string {
	switch code {
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	default:
		return "other"
	}
}
