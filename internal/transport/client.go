package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errOutboxFull = errors.New("transport: outbox full")
var errSocketClosed = errors.New("transport: socket closed")

// wsConnection is the narrow slice of *websocket.Conn this package
// depends on, so tests can swap in a fake. Adapted from the teacher's
// transport.wsConnection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

const writeWait = 10 * time.Second
const pongWait = 60 * time.Second
const pingPeriod = (pongWait * 9) / 10

// priority frame types get a dedicated buffered channel so a burst of
// chat chunks never starves an auth/permission/room-context frame.
func isPriorityType(frameType string) bool {
	switch frameType {
	case TypeServerAuthResult, TypeServerGatewayAuthResult, TypeServerPermissionReq,
		TypeServerRoomContext, TypeServerAgentCmdResult:
		return true
	default:
		return false
	}
}

// ClientSocket is a connected client-surface WebSocket. Implements
// types.ClientInterface. Adapted from the teacher's transport.Client:
// same reader/writer-pump split, same dual-channel (priority/normal)
// outbox, same closeOnce/closed guard.
type ClientSocket struct {
	conn        wsConnection
	userID      types.UserIDType
	displayName string

	send          chan []byte
	prioritySend  chan []byte
	closeOnce     sync.Once
	mu            sync.RWMutex
	closed        bool
	currentRoomID types.RoomIDType

	onDisconnect func(*ClientSocket)
	router       func(ctx context.Context, from *ClientSocket, data []byte)
}

func newClientSocket(conn wsConnection, userID types.UserIDType, displayName string, onDisconnect func(*ClientSocket), router func(context.Context, *ClientSocket, []byte)) *ClientSocket {
	return &ClientSocket{
		conn:         conn,
		userID:       userID,
		displayName:  displayName,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 64),
		onDisconnect: onDisconnect,
		router:       router,
	}
}

var _ types.ClientInterface = (*ClientSocket)(nil)

func (c *ClientSocket) UserID() types.UserIDType { return c.userID }

// DisplayName is the name attached to messages this client authors.
func (c *ClientSocket) DisplayName() string { return c.displayName }

// CurrentRoom reports the room this socket last joined, or "" if none.
func (c *ClientSocket) CurrentRoom() types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRoomID
}

// SetCurrentRoom records the room this socket has joined. The Hub calls
// this when it admits the socket into a room's member set.
func (c *ClientSocket) SetCurrentRoom(roomID types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRoomID = roomID
}

// Send implements types.ClientInterface. v must already be a
// JSON-marshalable frame value; marshal errors are logged and returned,
// and the Hub's fire-and-forget fan-out callers discard them.
func (c *ClientSocket) Send(v any) error {
	data, err := EncodeFrame(v)
	if err != nil {
		logging.Error(context.Background(), "failed to encode frame for client", zap.Error(err))
		return err
	}
	return c.sendRaw(data)
}

func (c *ClientSocket) sendRaw(data []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errSocketClosed
	}

	ch := c.send
	if t, err := probeType(data); err == nil && isPriorityType(t) {
		ch = c.prioritySend
	}
	select {
	case ch <- data:
		return nil
	default:
		logging.Warn(context.Background(), "client outbox full, dropping frame", zap.String("user_id", string(c.userID)))
		return errOutboxFull
	}
}

func probeType(data []byte) (string, error) {
	f, err := DecodeFrame(data)
	return f.Type, err
}

func (c *ClientSocket) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.conn.Close()
		close(c.send)
		close(c.prioritySend)
	})
}

func (c *ClientSocket) readPump(ctx context.Context) {
	defer func() {
		if c.onDisconnect != nil {
			c.onDisconnect(c)
		}
		c.Disconnect()
		metrics.ActiveClientConnections.Dec()
	}()

	const maxClientFrameSize = 64 * 1024
	c.conn.SetReadLimit(maxClientFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.router(ctx, c, data)
	}
}

func (c *ClientSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
