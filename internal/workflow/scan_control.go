// Package workflow drives the operator flow on top of a bridge session:
// connect, identify one passenger, build the trip report.
package workflow

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/bridge"
	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

var (
	ErrBridgeUnavailable = errors.New("biometric bridge unavailable")
	ErrNotConnected      = errors.New("bridge session is not connected")
	ErrScanInProgress    = errors.New("a scan is already in progress")
)

// Session is the part of *bridge.Session the workflow needs.
type Session interface {
	Connect()
	StartScan()
	OnStatusChange(fn func(bridge.ConnectionState)) func()
	OnData(fn func(domain.IdentificationRecord)) func()
	OnError(fn func(error)) func()
	ConnectionStatus() bridge.ConnectionState
}

type ScanState int

const (
	ScanIdle ScanState = iota
	ScanScanning
	ScanSuccess
	ScanFailed
)

func (s ScanState) String() string {
	switch s {
	case ScanScanning:
		return "scanning"
	case ScanSuccess:
		return "success"
	case ScanFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ScanControl is the fingerprint control of the registration screen. It owns
// the scan state; the connection state it mirrors belongs to the session.
type ScanControl struct {
	session Session
	log     *zap.Logger

	mu      sync.Mutex
	conn    bridge.ConnectionState
	scan    ScanState
	record  domain.IdentificationRecord
	lastErr error
	changed chan struct{}

	// connecting is set by Mount and Retry until the session reports
	// Connecting, so a stale Error replayed at subscription is not taken as
	// the outcome of the new attempt.
	connecting bool

	subMu       sync.Mutex
	unsubscribe []func()
}

func NewScanControl(session Session, log *zap.Logger) *ScanControl {
	return &ScanControl{
		session: session,
		log:     log,
		changed: make(chan struct{}),
	}
}

// Mount subscribes to the session and starts connecting.
func (c *ScanControl) Mount() {
	c.mu.Lock()
	c.connecting = true
	c.mu.Unlock()

	// Subscribing replays the status into onStatus, which takes c.mu.
	handles := []func(){
		c.session.OnStatusChange(c.onStatus),
		c.session.OnData(c.onData),
		c.session.OnError(c.onError),
	}
	c.subMu.Lock()
	c.unsubscribe = append(c.unsubscribe, handles...)
	c.subMu.Unlock()

	c.session.Connect()
}

// Unmount releases every session registration made by Mount.
func (c *ScanControl) Unmount() {
	c.subMu.Lock()
	handles := c.unsubscribe
	c.unsubscribe = nil
	c.subMu.Unlock()

	for _, unsubscribe := range handles {
		unsubscribe()
	}
}

// Retry starts a new connection attempt after an error or disconnect.
func (c *ScanControl) Retry() {
	c.mu.Lock()
	if c.conn != bridge.StateConnected && c.conn != bridge.StateConnecting {
		c.connecting = true
	}
	c.mu.Unlock()
	c.session.Connect()
}

func (c *ScanControl) ConnectionState() bridge.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *ScanControl) ScanState() ScanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scan
}

// Err returns the failure of the last scan attempt.
func (c *ScanControl) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// WaitConnected blocks until the session is connected. It returns
// ErrBridgeUnavailable when the current attempt ends in Error or
// Disconnected.
func (c *ScanControl) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, connecting, changed := c.conn, c.connecting, c.changed
		c.mu.Unlock()

		switch {
		case state == bridge.StateConnected:
			return nil
		case connecting || state == bridge.StateConnecting:
		default:
			return ErrBridgeUnavailable
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// EnsureConnected waits for the session, retrying the connection up to
// retries times when an attempt fails.
func (c *ScanControl) EnsureConnected(ctx context.Context, retries int) error {
	for attempt := 0; ; attempt++ {
		err := c.WaitConnected(ctx)
		if !errors.Is(err, ErrBridgeUnavailable) || attempt >= retries {
			return err
		}
		c.log.Info("retrying bridge connection", zap.Int("attempt", attempt+1), zap.Int("retries", retries))
		c.Retry()
	}
}

// Scan requests one identification and waits for its outcome. Only the
// first data or error notification after the request counts.
func (c *ScanControl) Scan(ctx context.Context) (domain.IdentificationRecord, error) {
	c.mu.Lock()
	if c.conn != bridge.StateConnected {
		c.mu.Unlock()
		return domain.IdentificationRecord{}, ErrNotConnected
	}
	if c.scan == ScanScanning {
		c.mu.Unlock()
		return domain.IdentificationRecord{}, ErrScanInProgress
	}
	c.setScanLocked(ScanScanning, nil)
	c.mu.Unlock()

	c.session.StartScan()

	for {
		c.mu.Lock()
		state, record, err, changed := c.scan, c.record, c.lastErr, c.changed
		c.mu.Unlock()

		switch state {
		case ScanSuccess:
			return record, nil
		case ScanFailed:
			return domain.IdentificationRecord{}, err
		}

		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.scan == ScanScanning {
				c.setScanLocked(ScanFailed, ctx.Err())
			}
			c.mu.Unlock()
			return domain.IdentificationRecord{}, ctx.Err()
		case <-changed:
		}
	}
}

// Reset returns a finished scan to Idle and forgets its result.
func (c *ScanControl) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scan != ScanScanning {
		c.record = domain.IdentificationRecord{}
		c.setScanLocked(ScanIdle, nil)
	}
}

func (c *ScanControl) onStatus(state bridge.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = state
	if state == bridge.StateConnecting || state == bridge.StateConnected {
		c.connecting = false
	}
	if c.scan == ScanScanning && (state == bridge.StateError || state == bridge.StateDisconnected) {
		c.setScanLocked(ScanFailed, ErrBridgeUnavailable)
		return
	}
	c.notifyLocked()
}

func (c *ScanControl) onData(record domain.IdentificationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scan != ScanScanning {
		c.log.Debug("ignoring identification outside a scan attempt")
		return
	}
	c.record = record
	c.setScanLocked(ScanSuccess, nil)
}

func (c *ScanControl) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scan != ScanScanning {
		c.log.Debug("bridge error outside a scan attempt", zap.Error(err))
		c.lastErr = err
		return
	}
	c.setScanLocked(ScanFailed, err)
}

func (c *ScanControl) setScanLocked(state ScanState, err error) {
	c.scan = state
	c.lastErr = err
	c.notifyLocked()
}

func (c *ScanControl) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
