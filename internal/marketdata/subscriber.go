package marketdata

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

// subscriber is one market-data session: a connection plus its
// trades/order_book flags (§4.E), both defaulting to false.
type subscriber struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu        sync.RWMutex
	trades    bool
	orderBook bool

	closeOnce sync.Once
}

func newSubscriber(conn *websocket.Conn, srv *Server) *subscriber {
	return &subscriber{server: srv, conn: conn, send: make(chan []byte, sendBufferSize)}
}

func (s *subscriber) wantsTrades() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trades
}

func (s *subscriber) wantsOrderBook() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderBook
}

func (s *subscriber) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.sendRaw(data)
}

// sendRaw enqueues data for the write pump. A full buffer means the
// client isn't draining fast enough; it is evicted rather than
// allowed to back-pressure the broadcast loops (§4.E, §5). Eviction
// may race between the broadcast loop and the session's own read loop
// (a reply or a disconnect), so the channel close happens at most once.
func (s *subscriber) sendRaw(data []byte) {
	select {
	case s.send <- data:
	default:
		s.evict()
	}
}

func (s *subscriber) evict() {
	s.server.registry.unregister(s)
	s.closeOnce.Do(func() { close(s.send) })
}

func (s *subscriber) readPump() {
	defer func() {
		s.evict()
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
		s.server.handleControl(s, message)
	}
}

func (s *subscriber) writePump() {
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

// subscriberRegistry tracks every connected session and its
// subscription flags, guarded by one RWMutex (same rationale as the
// gateway's session registry: read-mostly access from many connection
// goroutines plus two broadcast loops).
type subscriberRegistry struct {
	mu   sync.RWMutex
	subs map[*subscriber]bool
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{subs: make(map[*subscriber]bool)}
}

func (r *subscriberRegistry) register(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s] = true
}

func (r *subscriberRegistry) unregister(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, s)
}

func (r *subscriberRegistry) setTrades(s *subscriber, v bool) {
	s.mu.Lock()
	s.trades = v
	s.mu.Unlock()
}

func (r *subscriberRegistry) setOrderBook(s *subscriber, v bool) {
	s.mu.Lock()
	s.orderBook = v
	s.mu.Unlock()
}

func (r *subscriberRegistry) tradeSubscribers() []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		if s.wantsTrades() {
			out = append(out, s)
		}
	}
	return out
}

func (r *subscriberRegistry) orderBookSubscribers() []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		if s.wantsOrderBook() {
			out = append(out, s)
		}
	}
	return out
}
