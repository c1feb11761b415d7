// Package signal is the push relay: a websocket hub that fans jsonrpc2
// notifications out to connections joined to a session key. Delivery is
// at-most-once and nothing is persisted.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/Proctor/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one peer of the hub: a websocket, or an in-process client when
// conn is nil.
type Conn struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	local bool

	mu     sync.RWMutex
	closed bool
	keys   map[domain.SessionKey]struct{}

	dropped atomic.Int32
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

type HubOptions struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
	Limiter    *JoinRateLimiter
	Policy     Policy
}

type Hub struct {
	opts HubOptions

	mu     sync.RWMutex
	joined map[domain.SessionKey]map[*Conn]struct{}
	conns  map[*Conn]struct{}
}

func NewHub(opts HubOptions) *Hub {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 65536
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.Policy == nil {
		opts.Policy = KickSlowPolicy{MaxDropped: 32}
	}
	return &Hub{
		opts:   opts,
		joined: make(map[domain.SessionKey]map[*Conn]struct{}),
		conns:  make(map[*Conn]struct{}),
	}
}

// Serve upgrades the request and runs the connection until it drops or ctx ends.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	c := &Conn{
		id:   id,
		conn: ws,
		send: make(chan []byte, h.opts.SendQueue),
		keys: make(map[domain.SessionKey]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "signal").Str("conn", id).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, c)
	go func() {
		defer cancel()
		h.readPump(ctx, c)
	}()
}

// Members returns how many connections joined key.
func (h *Hub) Members(key domain.SessionKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.joined[key])
}

func (h *Hub) join(c *Conn, key domain.SessionKey) {
	h.mu.Lock()
	set, ok := h.joined[key]
	if !ok {
		set = make(map[*Conn]struct{})
		h.joined[key] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()
	log.Debug().Str("module", "signal").Str("conn", c.id).Str("key", string(key)).Msg("joined")
}

func (h *Hub) leave(c *Conn, key domain.SessionKey) {
	h.mu.Lock()
	if set, ok := h.joined[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.joined, key)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}

func (h *Hub) drop(c *Conn) {
	c.mu.RLock()
	keys := make([]domain.SessionKey, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	for _, k := range keys {
		h.leave(c, k)
	}
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.opts.Limiter.Forget(c.id)
	c.Close()
}

// relay sends frame to every connection joined to key except the sender.
func (h *Hub) relay(from *Conn, key domain.SessionKey, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.joined[key]))
	for c := range h.joined[key] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		err := c.TrySend(frame)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrBackpressure):
			if !c.local && h.opts.Policy.OnBackpressure(c) == KickConn {
				log.Warn().Str("module", "signal").Str("conn", c.id).Msg("kicking slow connection")
				go h.drop(c)
			}
		}
	}
	return sent
}

func (h *Hub) handle(c *Conn, data []byte) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	var msg Message
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &msg); err != nil {
			h.reply(c, &req, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()})
			return
		}
	}

	switch req.Method {
	case MethodJoin:
		if msg.SessionKey == "" {
			h.reply(c, &req, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "sessionKey required"})
			return
		}
		if !c.local && !h.opts.Limiter.Allow(c.id) {
			h.reply(c, &req, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "join rate exceeded"})
			return
		}
		h.join(c, msg.SessionKey)
		h.reply(c, &req, nil)
	case MethodLeave:
		h.leave(c, msg.SessionKey)
		h.reply(c, &req, nil)
	case MethodPing:
		if frame, err := notification(MethodPong, nil); err == nil {
			_ = c.TrySend(frame)
		}
	case MethodOffer, MethodAnswer, MethodICECandidate, MethodUpdate:
		key := msg.target(req.Method)
		if key == "" {
			log.Warn().Str("module", "signal").Str("method", req.Method).Msg("no target key")
			return
		}
		frame, err := notification(req.Method, &msg)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("encode relay frame")
			return
		}
		n := h.relay(c, key, frame)
		log.Debug().Str("module", "signal").Str("method", req.Method).Str("key", string(key)).Int("sent", n).Msg("relayed")
	default:
		log.Warn().Str("module", "signal").Str("method", req.Method).Msg("unknown signal")
		h.reply(c, &req, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method})
	}
}

// reply answers requests; notifications get nothing back.
func (h *Hub) reply(c *Conn, req *jsonrpc2.Request, rpcErr *jsonrpc2.Error) {
	if req.Notif {
		return
	}
	resp := &jsonrpc2.Response{ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		if err := resp.SetResult(true); err != nil {
			return
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode reply")
		return
	}
	_ = c.TrySend(b)
}
