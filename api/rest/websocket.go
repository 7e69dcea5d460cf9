package rest

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"yqhp/topology-engine/pkg/types"
)

// Stream message types.
const (
	StreamSnapshot   = "snapshot"
	StreamNode       = "node"
	StreamTransition = "transition"
)

// StreamMessage is one frame of the diagnostics stream.
type StreamMessage struct {
	Type       string               `json:"type"`
	Timestamp  string               `json:"timestamp"`
	Export     *types.ClusterExport `json:"export,omitempty"`
	Node       *types.NodeEvent     `json:"node,omitempty"`
	Transition *types.Transition    `json:"transition,omitempty"`
}

// setupWebSocketRoutes sets up WebSocket routes.
func (s *Server) setupWebSocketRoutes() {
	if !s.config.EnableWebSocket {
		return
	}

	s.app.Get("/api/v1/diagnostics/stream", adaptor.HTTPHandler(
		websocket.Handler(func(ws *websocket.Conn) {
			s.handleDiagnosticsStream(ws)
		}),
	))
}

// handleDiagnosticsStream sends a full export on connect and on every
// interval, and forwards registry and membership events as they happen.
// The stream is read-only; anything the client sends is discarded.
func (s *Server) handleDiagnosticsStream(ws *websocket.Conn) {
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := s.cluster.WatchNodes(ctx)
	transitions := s.cluster.WatchTransitions(ctx)

	if err := s.sendSnapshot(ws); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()

	interval := s.config.StreamInterval
	if interval <= 0 {
		interval = DefaultConfig().StreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err = s.sendSnapshot(ws)
		case ev, ok := <-nodes:
			if !ok {
				return
			}
			err = send(ws, StreamMessage{Type: StreamNode, Node: ev})
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			err = send(ws, StreamMessage{Type: StreamTransition, Transition: tr})
		}
		if err != nil {
			s.log.Debug("diagnostics stream closed", zap.Error(err))
			return
		}
	}
}

func (s *Server) sendSnapshot(ws *websocket.Conn) error {
	return send(ws, StreamMessage{Type: StreamSnapshot, Export: s.cluster.Export()})
}

func send(ws *websocket.Conn, msg StreamMessage) error {
	msg.Timestamp = time.Now().Format(time.RFC3339)
	return websocket.JSON.Send(ws, msg)
}
