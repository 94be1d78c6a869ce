package transport

import (
	"context"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/logging"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/types"
	"github.com/gorilla/websocket"
)

// GatewaySocket is a connected gateway-surface WebSocket. Implements
// types.GatewaySocket. Shares the dual-channel outbox shape of
// ClientSocket but uses the larger gateway frame-size cap and carries
// the set of agent ids this gateway has registered.
type GatewaySocket struct {
	conn        wsConnection
	gatewayID   types.GatewayIDType
	ownerUserID types.UserIDType

	send         chan []byte
	prioritySend chan []byte
	closeOnce    sync.Once
	mu           sync.RWMutex
	closed       bool
	agentIDs     map[types.AgentIDType]struct{}

	onDisconnect func(*GatewaySocket)
	router       func(ctx context.Context, from *GatewaySocket, data []byte)
}

var _ types.GatewaySocket = (*GatewaySocket)(nil)

func newGatewaySocket(conn wsConnection, gatewayID types.GatewayIDType, ownerUserID types.UserIDType, onDisconnect func(*GatewaySocket), router func(context.Context, *GatewaySocket, []byte)) *GatewaySocket {
	return &GatewaySocket{
		conn:         conn,
		gatewayID:    gatewayID,
		ownerUserID:  ownerUserID,
		send:         make(chan []byte, 512),
		prioritySend: make(chan []byte, 128),
		agentIDs:     make(map[types.AgentIDType]struct{}),
		onDisconnect: onDisconnect,
		router:       router,
	}
}

func (g *GatewaySocket) GatewayID() types.GatewayIDType { return g.gatewayID }
func (g *GatewaySocket) OwnerUserID() types.UserIDType  { return g.ownerUserID }

func (g *GatewaySocket) RegisterAgent(id types.AgentIDType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.agentIDs[id] = struct{}{}
}

func (g *GatewaySocket) UnregisterAgent(id types.AgentIDType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.agentIDs, id)
}

func (g *GatewaySocket) AgentIDs() []types.AgentIDType {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.AgentIDType, 0, len(g.agentIDs))
	for id := range g.agentIDs {
		out = append(out, id)
	}
	return out
}

func (g *GatewaySocket) Send(v any) error {
	data, err := EncodeFrame(v)
	if err != nil {
		logging.Error(context.Background(), "failed to encode frame for gateway")
		return err
	}
	return g.sendRaw(data)
}

func (g *GatewaySocket) sendRaw(data []byte) error {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return errSocketClosed
	}

	ch := g.send
	if t, err := probeType(data); err == nil && isPriorityType(t) {
		ch = g.prioritySend
	}
	select {
	case ch <- data:
		return nil
	default:
		logging.Warn(context.Background(), "gateway outbox full, dropping frame")
		return errOutboxFull
	}
}

func (g *GatewaySocket) Disconnect() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		_ = g.conn.Close()
		close(g.send)
		close(g.prioritySend)
	})
}

func (g *GatewaySocket) readPump(ctx context.Context) {
	defer func() {
		if g.onDisconnect != nil {
			g.onDisconnect(g)
		}
		g.Disconnect()
		metrics.ActiveGatewayConnections.Dec()
	}()

	const maxGatewayFrameSize = 256 * 1024
	g.conn.SetReadLimit(maxGatewayFrameSize)
	_ = g.conn.SetReadDeadline(time.Now().Add(pongWait))
	g.conn.SetPongHandler(func(string) error {
		return g.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := g.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		g.router(ctx, g, data)
	}
}

func (g *GatewaySocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = g.conn.Close()
	}()

	for {
		select {
		case message, ok := <-g.prioritySend:
			if !ok {
				_ = g.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := g.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-g.send:
			if !ok {
				_ = g.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := g.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := g.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
