package bridge

import (
	"errors"

	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

var (
	// ErrNotConnected is returned by Conn.Send when the channel is not
	// open. The session also reports it to error listeners when a scan is
	// requested without an open channel.
	ErrNotConnected = errors.New(domain.ErrMsgNoConnection)
	// ErrConnectionTimeout is recorded when a connection attempt does not
	// open within the connect timeout.
	ErrConnectionTimeout = errors.New("bridge did not answer within the connect timeout")
	// ErrTransport wraps low-level channel failures.
	ErrTransport = errors.New("bridge transport failure")
	// ErrProtocol is reported for inbound frames that are not valid JSON or
	// have an unrecognized shape.
	ErrProtocol = errors.New(domain.ErrMsgInvalidResponse)
	// ErrSessionRunning is returned by Run when the session's event loop
	// is already running.
	ErrSessionRunning = errors.New("session event loop already running")
)

// DeviceError is a failure reported by the bridge peer itself, for example
// an unrecognized fingerprint.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string { return e.Message }
