package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

var epoch = time.Date(2026, 3, 2, 6, 45, 0, 0, time.UTC)

const waitTimeout = 2 * time.Second

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(endpoint string, emit func(TransportEvent)) Conn {
	c := &fakeConn{
		endpoint: endpoint,
		emit:     emit,
		sent:     make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeConn struct {
	endpoint string
	emit     func(TransportEvent)
	sent     chan []byte
	closed   chan struct{}

	mu      sync.Mutex
	open    bool
	sendErr error
	once    sync.Once
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	open, sendErr := c.open, c.sendErr
	c.mu.Unlock()
	if !open {
		return ErrNotConnected
	}
	if sendErr != nil {
		return sendErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent <- b
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) opened() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.emit(TransportEvent{Kind: TransportOpened})
}

func (c *fakeConn) message(raw string) {
	c.emit(TransportEvent{Kind: TransportMessage, Data: []byte(raw)})
}

func (c *fakeConn) fail(err error) {
	c.emit(TransportEvent{Kind: TransportError, Err: err})
}

func (c *fakeConn) remoteClose() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.emit(TransportEvent{Kind: TransportClosed})
}

type harness struct {
	session *Session
	dialer  *fakeDialer
	clock   *clock.FakeClock

	states chan ConnectionState
	data   chan domain.IdentificationRecord
	errs   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  clock.Fake(epoch),
		states: make(chan ConnectionState, 32),
		data:   make(chan domain.IdentificationRecord, 32),
		errs:   make(chan error, 32),
	}
	h.session = NewSession(h.dialer, WithClock(h.clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.session.Run(ctx)
	}()

	unsubscribeStatus := h.session.OnStatusChange(func(s ConnectionState) { h.states <- s })
	unsubscribeData := h.session.OnData(func(r domain.IdentificationRecord) { h.data <- r })
	unsubscribeErrors := h.session.OnError(func(err error) { h.errs <- err })

	t.Cleanup(func() {
		unsubscribeStatus()
		unsubscribeData()
		unsubscribeErrors()
		cancel()
		<-done
	})

	h.expectState(t, StateDisconnected)
	return h
}

func (h *harness) expectState(t *testing.T, want ConnectionState) {
	t.Helper()
	select {
	case got := <-h.states:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

func (h *harness) expectNoState(t *testing.T) {
	t.Helper()
	select {
	case got := <-h.states:
		t.Fatalf("unexpected state change to %v", got)
	default:
	}
}

func (h *harness) expectDial(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-h.dialer.dialed:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (h *harness) expectError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for error notification")
		return nil
	}
}

func (h *harness) expectNoError(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.errs:
		t.Fatalf("unexpected error notification: %v", err)
	default:
	}
}

// connected drives the session to StateConnected and returns the open conn.
func (h *harness) connected(t *testing.T) *fakeConn {
	t.Helper()
	h.session.Connect()
	conn := h.expectDial(t)
	h.expectState(t, StateConnecting)
	conn.opened()
	h.expectState(t, StateConnected)
	return conn
}

// scan sends a scan command and waits for it on the wire. Since the session
// handles events in order, everything posted earlier has been processed
// once this returns.
func (h *harness) scan(t *testing.T, conn *fakeConn) {
	t.Helper()
	h.session.StartScan()
	select {
	case b := <-conn.sent:
		if string(b) != `{"command":"scan"}` {
			t.Fatalf("sent %s, want {\"command\":\"scan\"}", b)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for scan command")
	}
}

func waitClosed(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case <-conn.closed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for conn to be closed")
	}
}

func TestNewSubscriberGetsCurrentStateSynchronously(t *testing.T) {
	h := newHarness(t)
	h.connected(t)

	var got []ConnectionState
	unsubscribe := h.session.OnStatusChange(func(s ConnectionState) { got = append(got, s) })
	unsubscribe()

	if len(got) != 1 || got[0] != StateConnected {
		t.Fatalf("replay = %v, want [connected]", got)
	}
	if s := h.session.ConnectionStatus(); s != StateConnected {
		t.Fatalf("ConnectionStatus() = %v, want connected", s)
	}
}

func TestRunRefusesSecondLoop(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.session.Run(ctx); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("second Run() = %v, want ErrSessionRunning", err)
	}

	// The first loop is unaffected.
	h.scan(t, conn)
}

func TestConnectOpensBeforeTimeout(t *testing.T) {
	h := newHarness(t)

	h.session.Connect()
	conn := h.expectDial(t)
	if conn.endpoint != DefaultEndpoint {
		t.Fatalf("dialed %q, want %q", conn.endpoint, DefaultEndpoint)
	}
	h.expectState(t, StateConnecting)

	h.clock.Advance(500 * time.Millisecond)
	conn.opened()
	h.expectState(t, StateConnected)

	h.clock.Advance(DefaultConnectTimeout)
	h.scan(t, conn)
	h.expectNoState(t)
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}
}

func TestConnectTimeoutIsStickyError(t *testing.T) {
	h := newHarness(t)

	h.session.Connect()
	conn := h.expectDial(t)
	h.expectState(t, StateConnecting)

	h.clock.Advance(DefaultConnectTimeout)
	h.expectState(t, StateError)
	waitClosed(t, conn)

	// Late events from the timed-out attempt must not move the session.
	conn.remoteClose()
	conn.opened()

	h.session.Connect()
	next := h.expectDial(t)
	if next == conn {
		t.Fatal("reconnect reused the timed-out conn")
	}
	h.expectState(t, StateConnecting)
	next.opened()
	h.expectState(t, StateConnected)
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.session.Connect()
	h.session.Connect()
	h.session.Connect()
	conn := h.expectDial(t)
	h.expectState(t, StateConnecting)
	conn.opened()
	h.expectState(t, StateConnected)

	h.session.Connect()
	h.session.Connect()
	h.scan(t, conn)

	if n := h.dialer.count(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	h.expectNoState(t)
}

func TestStartScanWithoutConnection(t *testing.T) {
	h := newHarness(t)

	h.session.StartScan()
	if err := h.expectError(t); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	conn := h.expectDial(t)
	h.expectState(t, StateConnecting)

	select {
	case b := <-conn.sent:
		t.Fatalf("scan command sent without a connection: %s", b)
	default:
	}

	conn.opened()
	h.expectState(t, StateConnected)
	h.scan(t, conn)
	h.expectNoError(t)
	if n := h.dialer.count(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestStartScanWhileConnecting(t *testing.T) {
	h := newHarness(t)

	h.session.Connect()
	conn := h.expectDial(t)
	h.expectState(t, StateConnecting)

	h.session.StartScan()
	if err := h.expectError(t); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}

	conn.opened()
	h.expectState(t, StateConnected)
	h.scan(t, conn)
	if n := h.dialer.count(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
}

func TestSuccessFrameDeliversRecord(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)
	h.scan(t, conn)

	conn.message(`{"status":"success","data":{"fullName":"María Pérez","email":"mperez@example.com","phone":"0414-5550101","address":"Av. Bella Vista","emergencyContactName":"José Pérez","emergencyContactPhone":"0414-5550102","biometricId":"V-12345678"}}`)

	select {
	case got := <-h.data:
		want := domain.IdentificationRecord{
			FullName:              "María Pérez",
			Email:                 "mperez@example.com",
			Phone:                 "0414-5550101",
			Address:               "Av. Bella Vista",
			EmergencyContactName:  "José Pérez",
			EmergencyContactPhone: "0414-5550102",
			BiometricID:           "V-12345678",
		}
		if got != want {
			t.Fatalf("record = %+v, want %+v", got, want)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for data notification")
	}

	h.scan(t, conn)
	select {
	case r := <-h.data:
		t.Fatalf("second data notification: %+v", r)
	default:
	}
	h.expectNoState(t)
	h.expectNoError(t)
}

func TestMalformedFramesReportProtocolError(t *testing.T) {
	frames := []struct {
		name string
		raw  string
	}{
		{"not json", `scan ok`},
		{"array", `[1,2]`},
		{"success without data", `{"status":"success"}`},
		{"unknown status", `{"status":"pending"}`},
		{"no status", `{"data":{"fullName":"X"}}`},
	}

	for _, tc := range frames {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			conn := h.connected(t)

			conn.message(tc.raw)
			if err := h.expectError(t); !errors.Is(err, ErrProtocol) {
				t.Fatalf("error = %v, want ErrProtocol", err)
			}

			h.scan(t, conn)
			h.expectNoError(t)
			h.expectNoState(t)
			if s := h.session.ConnectionStatus(); s != StateConnected {
				t.Fatalf("state = %v, want connected", s)
			}
		})
	}
}

func TestDeviceErrorFrame(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"peer message", `{"status":"error","message":"Fingerprint not recognized."}`, "Fingerprint not recognized."},
		{"empty message", `{"status":"error"}`, domain.ErrMsgUnknownReader},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			conn := h.connected(t)

			conn.message(tc.raw)
			err := h.expectError(t)
			var deviceErr *DeviceError
			if !errors.As(err, &deviceErr) {
				t.Fatalf("error = %T %v, want *DeviceError", err, err)
			}
			if deviceErr.Message != tc.want {
				t.Fatalf("message = %q, want %q", deviceErr.Message, tc.want)
			}
			h.scan(t, conn)
			h.expectNoState(t)
		})
	}
}

func TestTransportErrorIsNotDowngradedByClose(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	conn.fail(errors.New("connection reset by peer"))
	h.expectState(t, StateError)
	conn.remoteClose()

	h.session.Connect()
	next := h.expectDial(t)
	h.expectState(t, StateConnecting)
	if next == conn {
		t.Fatal("reconnect reused the failed conn")
	}
}

func TestConnectAfterErrorBeforeClose(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	conn.fail(errors.New("connection reset by peer"))
	h.expectState(t, StateError)
	waitClosed(t, conn)

	h.session.Connect()
	next := h.expectDial(t)
	h.expectState(t, StateConnecting)

	// The failed channel's Closed arrives late and must not touch the new
	// attempt.
	conn.remoteClose()
	next.opened()
	h.expectState(t, StateConnected)
}

func TestRemoteCloseDisconnects(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	conn.remoteClose()
	h.expectState(t, StateDisconnected)

	h.session.Connect()
	h.expectDial(t)
	h.expectState(t, StateConnecting)
}

func TestCloseDisconnects(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	h.session.Close()
	h.expectState(t, StateDisconnected)
	waitClosed(t, conn)

	conn.remoteClose()
	h.session.Connect()
	h.expectDial(t)
	h.expectState(t, StateConnecting)
}

func TestCloseClearsErrorState(t *testing.T) {
	h := newHarness(t)
	h.session.Connect()
	h.expectDial(t)
	h.expectState(t, StateConnecting)
	h.clock.Advance(DefaultConnectTimeout)
	h.expectState(t, StateError)

	h.session.Close()
	h.expectState(t, StateDisconnected)
}

func TestSendFailureReportsTransportError(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	conn.mu.Lock()
	conn.sendErr = errors.New("broken pipe")
	conn.mu.Unlock()

	h.session.StartScan()
	if err := h.expectError(t); !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	h.expectNoState(t)
}

func TestCustomConnectTimeout(t *testing.T) {
	dialer := newFakeDialer()
	clk := clock.Fake(epoch)
	s := NewSession(dialer, WithClock(clk), WithConnectTimeout(time.Second), WithEndpoint("ws://127.0.0.1:9"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	states := make(chan ConnectionState, 8)
	defer s.OnStatusChange(func(st ConnectionState) { states <- st })()
	<-states

	s.Connect()
	conn := <-dialer.dialed
	if conn.endpoint != "ws://127.0.0.1:9" {
		t.Fatalf("dialed %q", conn.endpoint)
	}
	if st := <-states; st != StateConnecting {
		t.Fatalf("state = %v, want connecting", st)
	}
	clk.Advance(time.Second)
	select {
	case st := <-states:
		if st != StateError {
			t.Fatalf("state = %v, want error", st)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timeout did not fire at the configured bound")
	}
}

func TestUnsubscribedListenersAreNotCalled(t *testing.T) {
	h := newHarness(t)
	conn := h.connected(t)

	calls := 0
	var mu sync.Mutex
	var unsubscribe func()
	unsubscribe = h.session.OnData(func(domain.IdentificationRecord) {
		mu.Lock()
		calls++
		mu.Unlock()
		unsubscribe()
	})

	conn.message(`{"status":"success","data":{"fullName":"A"}}`)
	<-h.data
	conn.message(`{"status":"success","data":{"fullName":"B"}}`)
	if got := <-h.data; got.FullName != "B" {
		t.Fatalf("record = %+v, want B", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("self-removing listener calls = %d, want 1", calls)
	}
}
