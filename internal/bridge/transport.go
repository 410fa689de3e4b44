package bridge

type TransportEventKind int

const (
	TransportOpened TransportEventKind = iota
	TransportMessage
	TransportError
	TransportClosed
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportOpened:
		return "opened"
	case TransportMessage:
		return "message"
	case TransportError:
		return "error"
	default:
		return "closed"
	}
}

// TransportEvent is emitted by a Conn. Data is set for TransportMessage and
// Err for TransportError.
type TransportEvent struct {
	Kind TransportEventKind
	Data []byte
	Err  error
}

// Dialer opens duplex channels to the device bridge.
//
// Dial must not block: it returns the Conn at once and reports the outcome
// through emit. A Conn emits TransportClosed exactly once, always after
// TransportError if one was emitted. emit may be called from any goroutine.
type Dialer interface {
	Dial(endpoint string, emit func(TransportEvent)) Conn
}

type Conn interface {
	// Send encodes v and writes it, or returns ErrNotConnected if the
	// channel is not open.
	Send(v any) error
	// Close releases the channel, aborting the dial if it is still in
	// progress. Calling Close more than once is safe.
	Close() error
}
