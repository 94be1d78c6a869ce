// Package gwclient implements the gateway process's outbound
// connection to the broker's gateway-surface WebSocket (spec.md §4.1,
// §6): dial, authenticate, keep the socket alive, and translate
// between the wire frame catalog and internal/agentmgr's BrokerLink
// contract. Adapted from the teacher's transport.GatewaySocket
// dual-channel outbox/writePump shape, with the dial-and-reconnect
// loop grounded on the pack's streamspace k8s-agent connection.go.
package gwclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/agentmgr"
	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/workspace"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// workspaceProbeBudget bounds a server:request_workspace reply
	// (spec.md §4.7: "bounded <= 15s").
	workspaceProbeBudget = 15 * time.Second
)

// reconnectBackoff is how long to wait before each successive redial
// attempt, capped at its last entry.
var reconnectBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
}

// Client owns the single outbound connection a gateway process keeps
// to the broker. Implements agentmgr.BrokerLink.
type Client struct {
	serverURL string
	token     string

	manager *agentmgr.Manager
	prober  *workspace.Prober

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	stopCh chan struct{}

	send         chan []byte
	prioritySend chan []byte
}

var _ agentmgr.BrokerLink = (*Client)(nil)

// New builds a Client. manager may be nil at construction time to
// break the Client/Manager construction cycle - agentmgr.NewManager
// itself takes the Client as its BrokerLink - and must be filled in via
// SetManager before Run is called.
func New(serverURL, token string, manager *agentmgr.Manager, prober *workspace.Prober) *Client {
	return &Client{
		serverURL:    serverURL,
		token:        token,
		manager:      manager,
		prober:       prober,
		send:         make(chan []byte, 512),
		prioritySend: make(chan []byte, 128),
		stopCh:       make(chan struct{}),
	}
}

// SetManager attaches the Agent Manager once both sides of the
// construction cycle exist. Must be called before Run.
func (c *Client) SetManager(manager *agentmgr.Manager) {
	c.manager = manager
}

// Run dials the broker and serves the connection until ctx is
// cancelled, redialing with backoff on every drop. Returns only when
// ctx is done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.stopCh:
			return nil
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			logging.Warn(ctx, "gateway connection dropped", zap.Error(err), zap.Int("attempt", attempt))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := reconnectBackoff[attempt]
		if attempt < len(reconnectBackoff)-1 {
			attempt++
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("gwclient: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/gateway"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) connectAndServe(ctx context.Context) error {
	target, err := c.dialURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("gwclient: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	logging.Info(ctx, "connected to broker")

	readErrCh := make(chan error, 1)
	go func() {
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			c.handleFrame(ctx, data)
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErrCh:
			return err

		case data := <-c.prioritySend:
			if err := c.write(conn, data); err != nil {
				return err
			}

		case data := <-c.send:
			if err := c.write(conn, data); err != nil {
				return err
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}

		case <-c.stopCh:
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue marshals payload and pushes it onto the outbox. Frames that
// arrive while disconnected sit buffered and flush on the next
// reconnect; a frame that finds the buffer full is dropped and not
// re-sent. register_agent goes out only when cmd/gateway starts an
// agent (at daemon startup or on an adapters.json change); a reconnect
// does not re-send it.
func (c *Client) enqueue(priority bool, payload any) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "gwclient: failed to encode frame", zap.Error(err))
		return
	}
	ch := c.send
	if priority {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
	default:
		logging.Warn(context.Background(), "gwclient: outbox full, dropping frame")
	}
}

// Close stops the client; Run returns once the current connection
// attempt (if any) observes stopCh.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stopCh)
}
