// Package bridge is the client side of the local biometric bridge: a
// single Session that owns the socket to the bridge, tracks its connection
// state, sends scan requests and fans inbound results out to listeners.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/clock"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

const (
	// DefaultEndpoint is the address of the bridge service on the operator
	// workstation.
	DefaultEndpoint = "ws://localhost:12345"

	DefaultConnectTimeout = 3000 * time.Millisecond
)

type eventKind int

const (
	evConnect eventKind = iota
	evStartScan
	evClose
	evOpened
	evMessage
	evTransportError
	evClosed
	evTimeout
)

var transportEvents = map[TransportEventKind]eventKind{
	TransportOpened:  evOpened,
	TransportMessage: evMessage,
	TransportError:   evTransportError,
	TransportClosed:  evClosed,
}

// event is the single input type of the state machine. attempt identifies
// the connection attempt a transport or timer event belongs to.
type event struct {
	kind    eventKind
	attempt uint64
	data    []byte
	err     error
}

type Option func(*Session)

func WithEndpoint(endpoint string) Option {
	return func(s *Session) { s.endpoint = endpoint }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session mediates all communication with the device bridge. Create one per
// process and start its event loop with Run; every other method only
// enqueues work for the loop and returns immediately.
type Session struct {
	dialer   Dialer
	endpoint string
	timeout  time.Duration
	clock    clock.Clock
	log      *zap.Logger

	status *subject[ConnectionState]
	data   *subject[domain.IdentificationRecord]
	errs   *subject[error]

	mu      sync.Mutex
	queue   []event
	wake    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	conn    Conn
	open    bool
	attempt uint64
	timer   *clock.Timer
}

func NewSession(dialer Dialer, opts ...Option) *Session {
	s := &Session{
		dialer:   dialer,
		endpoint: DefaultEndpoint,
		timeout:  DefaultConnectTimeout,
		clock:    clock.Real(),
		log:      zap.NewNop(),
		status:   newSubject(StateDisconnected),
		data:     newSubject(domain.IdentificationRecord{}),
		errs:     newSubject[error](nil),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes session events until ctx is done, then closes any open
// channel. All state transitions and listener calls happen on this
// goroutine. A second Run while one is active returns ErrSessionRunning.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	defer s.running.Store(false)
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			s.mu.Lock()
			events := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range events {
				s.handle(ev)
			}
		}
	}
}

// Connect starts a connection attempt unless one is already open or in
// progress.
func (s *Session) Connect() { s.post(event{kind: evConnect}) }

// StartScan asks the bridge for one fingerprint identification. Without an
// open channel the request is dropped, error listeners receive
// ErrNotConnected and a connection attempt is started.
func (s *Session) StartScan() { s.post(event{kind: evStartScan}) }

// Close drops the current channel and moves the session to Disconnected.
func (s *Session) Close() { s.post(event{kind: evClose}) }

// OnStatusChange registers fn for connection state changes and calls it with
// the current state before returning.
func (s *Session) OnStatusChange(fn func(ConnectionState)) (unsubscribe func()) {
	return s.status.watch(fn)
}

// OnData registers fn for identification records.
func (s *Session) OnData(fn func(domain.IdentificationRecord)) (unsubscribe func()) {
	return s.data.subscribe(fn)
}

// OnError registers fn for scan failures: ErrNotConnected, ErrProtocol,
// *DeviceError and wrapped ErrTransport.
func (s *Session) OnError(fn func(error)) (unsubscribe func()) {
	return s.errs.subscribe(fn)
}

func (s *Session) ConnectionStatus() ConnectionState {
	return s.status.value()
}

func (s *Session) post(ev event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evConnect:
		s.connect()
	case evStartScan:
		s.startScan()
	case evClose:
		s.close()
	case evTimeout:
		s.timedOut(ev.attempt)
	default:
		if ev.attempt != s.attempt || s.conn == nil {
			s.log.Debug("dropping event from stale connection attempt",
				zap.Uint64("attempt", ev.attempt),
				zap.Uint64("current", s.attempt))
			return
		}
		s.handleTransport(ev)
	}
}

func (s *Session) handleTransport(ev event) {
	switch ev.kind {
	case evOpened:
		s.stopTimer()
		s.open = true
		s.log.Info("connected to biometric bridge", zap.String("endpoint", s.endpoint))
		s.setStatus(StateConnected)

	case evMessage:
		s.dispatchMessage(ev.data)

	case evTransportError:
		s.stopTimer()
		s.log.Error("biometric bridge connection error",
			zap.String("endpoint", s.endpoint),
			zap.Error(ev.err))
		// The failed channel is dropped now so a Connect queued ahead of
		// its Closed event starts a fresh attempt.
		conn := s.conn
		s.conn = nil
		s.open = false
		s.setStatus(StateError)
		_ = conn.Close()

	case evClosed:
		s.stopTimer()
		s.log.Info("disconnected from biometric bridge")
		if s.status.value() != StateError {
			s.setStatus(StateDisconnected)
		}
		s.conn = nil
		s.open = false
	}
}

func (s *Session) connect() {
	if s.conn != nil {
		return
	}
	s.stopTimer()

	s.attempt++
	attempt := s.attempt
	s.setStatus(StateConnecting)

	s.timer = s.clock.AfterFunc(s.timeout, func() {
		s.post(event{kind: evTimeout, attempt: attempt})
	})
	s.conn = s.dialer.Dial(s.endpoint, func(te TransportEvent) {
		s.post(event{
			kind:    transportEvents[te.Kind],
			attempt: attempt,
			data:    te.Data,
			err:     te.Err,
		})
	})
}

func (s *Session) timedOut(attempt uint64) {
	if attempt != s.attempt || s.conn == nil || s.open {
		return
	}
	s.log.Error("biometric bridge did not answer in time",
		zap.String("endpoint", s.endpoint),
		zap.Duration("timeout", s.timeout),
		zap.Error(ErrConnectionTimeout))

	conn := s.conn
	s.conn = nil
	s.timer = nil
	s.setStatus(StateError)
	_ = conn.Close()
}

func (s *Session) startScan() {
	if s.conn == nil || !s.open {
		s.log.Warn("scan requested without an open bridge connection")
		s.errs.publish(ErrNotConnected)
		s.connect()
		return
	}

	s.log.Debug("sending scan command")
	if err := s.conn.Send(domain.Command{Command: domain.CommandScan}); err != nil {
		s.errs.publish(fmt.Errorf("%w: send scan command: %w", ErrTransport, err))
	}
}

func (s *Session) close() {
	s.stopTimer()
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.open = false
		_ = conn.Close()
	}
	s.setStatus(StateDisconnected)
}

func (s *Session) dispatchMessage(raw []byte) {
	var msg domain.Response
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn("unparsable frame from biometric bridge", zap.Error(err))
		s.errs.publish(ErrProtocol)
		return
	}

	switch {
	case msg.Status == domain.StatusSuccess && msg.Data != nil:
		s.log.Info("passenger identified", zap.String("biometric_id", msg.Data.BiometricID))
		s.data.publish(*msg.Data)
	case msg.Status == domain.StatusError:
		text := msg.Message
		if text == "" {
			text = domain.ErrMsgUnknownReader
		}
		s.log.Warn("biometric bridge reported an error", zap.String("message", text))
		s.errs.publish(&DeviceError{Message: text})
	default:
		s.log.Warn("unrecognized frame from biometric bridge", zap.String("status", msg.Status))
		s.errs.publish(ErrProtocol)
	}
}

func (s *Session) setStatus(state ConnectionState) {
	if s.status.update(state) {
		s.log.Debug("bridge connection state changed", zap.Stringer("state", state))
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) shutdown() {
	s.stopTimer()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.open = false
	}
}
