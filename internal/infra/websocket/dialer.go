package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/bridge"
)

const (
	clientReadLimit  = 64 * 1024
	clientSendBuffer = 16
	closeGracePeriod = time.Second
)

// Dialer is the bridge.Dialer backed by gorilla/websocket.
type Dialer struct {
	dialer *websocket.Dialer
	log    *zap.Logger
}

func NewDialer(log *zap.Logger) *Dialer {
	return &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (d *Dialer) Dial(endpoint string, emit func(bridge.TransportEvent)) bridge.Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &bridgeConn{
		emit:   emit,
		cancel: cancel,
		send:   make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
		log:    d.log.With(zap.String("endpoint", endpoint)),
	}
	go c.run(ctx, d.abortable(ctx), endpoint)
	return c
}

// abortable returns a copy of the dialer whose network connection is closed
// when ctx is cancelled. The handshake itself only honours deadlines.
func (d *Dialer) abortable(ctx context.Context) *websocket.Dialer {
	dialer := *d.dialer
	dialer.NetDialContext = func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		var nd net.Dialer
		conn, err := nd.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(ctx, func() { _ = conn.Close() })
		return conn, nil
	}
	return &dialer
}

type bridgeConn struct {
	emit   func(bridge.TransportEvent)
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}
	log    *zap.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	open    bool
	closing bool
}

func (c *bridgeConn) run(ctx context.Context, dialer *websocket.Dialer, endpoint string) {
	defer c.emit(bridge.TransportEvent{Kind: bridge.TransportClosed})
	defer c.cancel()

	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() == nil {
			c.emit(bridge.TransportEvent{Kind: bridge.TransportError, Err: fmt.Errorf("dial %s: %w", endpoint, err)})
		}
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	c.emit(bridge.TransportEvent{Kind: bridge.TransportOpened})

	go c.writePump(ws)
	err = c.readPump(ws)

	c.mu.Lock()
	c.open = false
	closing := c.closing
	c.mu.Unlock()
	close(c.done)
	_ = ws.Close()

	if !closing && err != nil {
		c.emit(bridge.TransportEvent{Kind: bridge.TransportError, Err: err})
	}
}

// readPump returns nil when the peer closed the connection cleanly.
func (c *bridgeConn) readPump(ws *websocket.Conn) error {
	ws.SetReadLimit(clientReadLimit)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.emit(bridge.TransportEvent{Kind: bridge.TransportMessage, Data: message})
	}
}

func (c *bridgeConn) writePump(ws *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("error writing to bridge", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *bridgeConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return bridge.ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

func (c *bridgeConn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.open = false
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws == nil {
		return nil
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return ws.Close()
}
