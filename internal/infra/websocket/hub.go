package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cortex-x/biometric-trip-log/internal/domain"
)

const (
	hubReadLimit  = 512
	hubSendBuffer = 256
)

var ErrClientClosed = errors.New("client connection closed")

// CommandHandler is called from a client's read pump for every command
// frame. ctx is cancelled when the client disconnects.
type CommandHandler func(ctx context.Context, client *Client, cmd domain.Command)

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	mu     sync.Mutex
}

// Hub tracks the bridge clients connected to this service and routes their
// commands to the handler.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	handler    CommandHandler
	log        *zap.Logger
	mu         sync.RWMutex
}

func NewHub(handler CommandHandler, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handler:    handler,
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.mu.Lock()
				client.closed = true
				client.cancel()
				close(client.send)
				client.mu.Unlock()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client registered", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Info("client unregistered", zap.Int("clients", total))
			} else {
				h.mu.Unlock()
			}
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient adds conn to the hub. It returns ErrClientClosed once the
// hub has stopped.
func (h *Hub) RegisterClient(conn *websocket.Conn) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:   conn,
		send:   make(chan []byte, hubSendBuffer),
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
	}
	select {
	case h.register <- client:
		return client, nil
	case <-h.done:
		cancel()
		return nil, ErrClientClosed
	}
}

func (h *Hub) unregisterClient(client *Client) {
	client.mu.Lock()
	if !client.closed {
		client.closed = true
		client.mu.Unlock()
		client.cancel()
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	} else {
		client.mu.Unlock()
	}
}

// Reply queues v as a JSON frame for this client only.
func (c *Client) Reply(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("client send buffer full")
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.hub.log.Warn("error writing message", zap.Error(err))
			return
		}
	}

	// The channel was closed, send close message
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(hubReadLimit)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket error", zap.Error(err))
			}
			break
		}

		var cmd domain.Command
		if err := json.Unmarshal(message, &cmd); err != nil || cmd.Command == "" {
			c.hub.log.Debug("ignoring malformed command frame", zap.ByteString("frame", message))
			_ = c.Reply(domain.ErrorResponse(domain.ErrMsgUnknownCommand))
			continue
		}
		c.hub.handler(c.ctx, c, cmd)
	}
}
