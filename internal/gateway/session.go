package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// session is one connected order-endpoint client, bound 1-to-1 with a
// trader_id for its lifetime (§3 "Lifecycles").
type session struct {
	gateway  *Server
	conn     *websocket.Conn
	traderID string
	send     chan []byte
}

func newSession(conn *websocket.Conn, traderID string, gw *Server) *session {
	return &session{gateway: gw, conn: conn, traderID: traderID, send: make(chan []byte, sendBufferSize)}
}

func (s *session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		// Buffer full: the write pump can't keep up. Let readPump's
		// eventual read error trigger eviction rather than blocking here.
	}
}

// readPump decodes order requests until the connection closes or
// errors, then unregisters the session (§5 "Slow or errored client
// sends result in session eviction").
func (s *session) readPump() {
	defer func() {
		s.gateway.unregister(s)
		close(s.send)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.gateway.submit(s, message)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sessionRegistry is the bidirectional session<->trader_id map of
// §4.D, guarded by one RWMutex since register/unregister/lookup from
// many connection goroutines is exactly the read-mostly access
// pattern a mutex handles well.
type sessionRegistry struct {
	mu         sync.RWMutex
	byTraderID map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byTraderID: make(map[string]*session)}
}

func (r *sessionRegistry) register(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTraderID[s.traderID] = s
}

func (r *sessionRegistry) unregister(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTraderID, s.traderID)
}

func (r *sessionRegistry) bySessionTrader(traderID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byTraderID[traderID]
	return s, ok
}
