// Package observer serves the read-only websocket feed of chunk
// lifecycle events, plus a JSON bootstrap endpoint describing the
// world. Loopback-only; this is an operator tool, not a public API.
package observer

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"terraforge.dev/internal/chunk"
	"terraforge.dev/internal/chunk/state"
	"terraforge.dev/internal/engine"
	"terraforge.dev/internal/observerproto"
)

type Server struct {
	eng *engine.Engine
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]chan []byte
}

func NewServer(eng *engine.Engine, logger *log.Logger) *Server {
	s := &Server{
		eng: eng,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[uint64]chan []byte{},
	}
	eng.States().Subscribe(func(ev state.ChangeEvent) {
		s.Broadcast(observerproto.ChunkStateEvent{
			Type:  "CHUNK_STATE",
			Coord: [3]int{ev.Coord.X, ev.Coord.Y, ev.Coord.Z},
			From:  ev.From.String(),
			To:    ev.To.String(),
		})
		if ev.To == state.Error {
			if reason, ok := eng.States().Quarantined(ev.Coord); ok {
				s.Broadcast(observerproto.QuarantineEvent{
					Type:   "QUARANTINE",
					Coord:  [3]int{ev.Coord.X, ev.Coord.Y, ev.Coord.Z},
					Reason: reason,
				})
			}
		}
	})
	return s
}

// MeshReady is wired as the engine's mesh callback.
func (s *Server) MeshReady(c chunk.Coord, mesh *chunk.Mesh) {
	ev := observerproto.MeshReadyEvent{
		Type:  "MESH_READY",
		Coord: [3]int{c.X, c.Y, c.Z},
	}
	if mesh == nil {
		ev.Removed = true
	} else {
		ev.Vertices = len(mesh.Vertices)
		ev.Triangles = len(mesh.Indices) / 3
	}
	s.Broadcast(ev)
}

// Broadcast fans an event out to every connected observer. Slow
// clients drop events rather than stall the engine.
func (s *Server) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	for _, ch := range s.clients {
		select {
		case ch <- b:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		tune := s.eng.Tune()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Seed:            tune.Seed,
			ChunkEdge:       tune.ChunkEdge,
			SurfaceLevel:    tune.SurfaceLevel,
			ResidentChunks:  s.eng.ResidentCount(),
			QueueSize:       s.eng.Scheduler().QueueSize(),
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil ||
			sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"),
				time.Now().Add(time.Second))
			return
		}

		id := s.nextID.Add(1)
		out := make(chan []byte, 1024)
		s.mu.Lock()
		s.clients[id] = out
		s.mu.Unlock()
		// Broadcast sends under mu, so removing and closing under the
		// same lock cannot race a send.
		detach := func() {
			s.mu.Lock()
			if _, ok := s.clients[id]; ok {
				delete(s.clients, id)
				close(out)
			}
			s.mu.Unlock()
		}
		defer detach()

		writeErr := make(chan error, 1)
		go func() {
			for b := range out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
			writeErr <- nil
		}()

		// Reader loop only watches for disconnect.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		detach()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
