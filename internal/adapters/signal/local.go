package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/domain"
)

// localQueue is deeper than a websocket queue: local peers are never kicked,
// so an overflow only drops frames.
const localQueue = 1024

// localTransport hands frames straight to the hub and reads the peer's send
// queue, with no socket in between.
type localTransport struct {
	h *Hub
	c *Conn
}

func (t *localTransport) ReadMessage() ([]byte, error) {
	frame, ok := <-t.c.send
	if !ok {
		return nil, ErrConnClosed
	}
	return frame, nil
}

func (t *localTransport) WriteMessage(frame []byte) error {
	t.c.mu.RLock()
	closed := t.c.closed
	t.c.mu.RUnlock()
	if closed {
		return ErrConnClosed
	}
	t.h.handle(t.c, frame)
	return nil
}

func (t *localTransport) Close() error {
	t.h.drop(t.c)
	return nil
}

func (h *Hub) attachLocal(id string) *localTransport {
	c := &Conn{
		id:    id,
		send:  make(chan []byte, localQueue),
		keys:  make(map[domain.SessionKey]struct{}),
		local: true,
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "signal").Str("conn", id).Msg("new local connection")
	return &localTransport{h: h, c: c}
}

// Local returns a push-backed SignalChannel served by this hub in process.
// Server-side sessions use it to meet websocket peers on the same keys; it is
// not subject to the join rate limit and is never kicked.
func (h *Hub) Local(id string) *Client {
	c := newClient("local:"+id, func(context.Context) (transport, error) {
		return h.attachLocal(id), nil
	})
	tr, _ := c.dial(c.ctx)
	c.start(tr)
	return c
}
