package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

var _ core.SignalChannel = (*Client)(nil)

const ackTimeout = 5 * time.Second

type topicKey struct {
	key   domain.SessionKey
	topic domain.Topic
}

type latestSub struct {
	sub *core.Sub
	fn  func(json.RawMessage)
}

type appendedSub struct {
	sub *core.Sub
	fn  func(domain.Item)
}

// transport carries whole frames between a Client and the hub.
type transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

type wsTransport struct {
	ws *websocket.Conn
}

func (t wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	return data, err
}

func (t wsTransport) WriteMessage(frame []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t wsTransport) Close() error { return t.ws.Close() }

type dialFunc func(ctx context.Context) (transport, error)

// Client is a SignalChannel over the push relay. It keeps no history: events
// sent before a key was joined, or while reconnecting, are lost.
type Client struct {
	dial   dialFunc
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	tr      transport
	ready   chan struct{}

	refs     map[domain.SessionKey]int
	records  map[domain.SessionKey]json.RawMessage
	latest   map[domain.SessionKey]map[*core.Sub]latestSub
	appended map[topicKey]map[*core.Sub]appendedSub

	nextID  atomic.Uint64
	pending sync.Map // uint64 -> chan error
}

func newClient(name string, dial dialFunc) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		dial:     dial,
		logger:   log.With().Str("module", "signal.client").Str("peer", name).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		refs:     make(map[domain.SessionKey]int),
		records:  make(map[domain.SessionKey]json.RawMessage),
		latest:   make(map[domain.SessionKey]map[*core.Sub]latestSub),
		appended: make(map[topicKey]map[*core.Sub]appendedSub),
	}
}

// Dial connects to a hub at url ("ws://host/api/ws/signal") and keeps the
// connection up until Close.
func Dial(ctx context.Context, url string) (*Client, error) {
	c := newClient(url, func(ctx context.Context) (transport, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return wsTransport{ws: ws}, nil
	})
	tr, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.start(tr)
	return c, nil
}

func (c *Client) start(tr transport) {
	c.setConn(tr)
	go c.run(tr)
}

func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

func (c *Client) setConn(tr transport) {
	c.mu.Lock()
	c.tr = tr
	close(c.ready)
	c.mu.Unlock()
}

func (c *Client) run(tr transport) {
	for {
		c.readLoop(tr)
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.tr = nil
		c.ready = make(chan struct{})
		c.mu.Unlock()

		var err error
		tr, err = c.reconnect()
		if err != nil {
			return
		}
	}
}

func (c *Client) reconnect() (transport, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	var tr transport
	op := func() error {
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("reconnect failed")
			return err
		}
		tr = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, c.ctx)); err != nil {
		return nil, err
	}
	c.setConn(tr)
	c.logger.Info().Msg("reconnected")

	c.mu.Lock()
	keys := make([]domain.SessionKey, 0, len(c.refs))
	for k := range c.refs {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	go func() {
		for _, k := range keys {
			if err := c.call(c.ctx, MethodJoin, &Message{SessionKey: k}); err != nil {
				c.logger.Warn().Err(err).Str("key", string(k)).Msg("rejoin failed")
			}
		}
	}()
	return tr, nil
}

func (c *Client) readLoop(tr transport) {
	for {
		data, err := tr.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		return
	}
	if env.Method == "" {
		var resp jsonrpc2.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Error().Err(err).Msg("bad response")
			return
		}
		if ch, ok := c.pending.LoadAndDelete(resp.ID.Num); ok {
			var err error
			if resp.Error != nil {
				err = resp.Error
			}
			ch.(chan error) <- err
		}
		return
	}

	var req jsonrpc2.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Error().Err(err).Msg("bad request")
		return
	}
	var msg Message
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &msg); err != nil {
			c.logger.Error().Err(err).Str("method", req.Method).Msg("bad params")
			return
		}
	}

	switch req.Method {
	case MethodOffer, MethodAnswer, MethodUpdate:
		c.onRecordPatch(msg.target(req.Method), msg.Payload)
	case MethodICECandidate:
		c.onItem(msg.target(req.Method), msg.Topic, domain.Item{ID: msg.ItemID, Payload: msg.Payload})
	case MethodPong:
	default:
		c.logger.Debug().Str("method", req.Method).Msg("ignored")
	}
}

func (c *Client) onRecordPatch(key domain.SessionKey, patch json.RawMessage) {
	c.mu.Lock()
	doc, err := domain.MergePatch(c.records[key], patch)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("key", string(key)).Msg("bad record patch")
		return
	}
	c.records[key] = doc
	subs := make([]latestSub, 0, len(c.latest[key]))
	for _, s := range c.latest[key] {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.sub.Deliver(func() { s.fn(doc) })
	}
}

func (c *Client) onItem(key domain.SessionKey, topic domain.Topic, it domain.Item) {
	c.mu.Lock()
	set := c.appended[topicKey{key, topic}]
	subs := make([]appendedSub, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.sub.Deliver(func() { s.fn(it) })
	}
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return tr.WriteMessage(frame)
}

func (c *Client) notify(method string, msg *Message) error {
	frame, err := notification(method, msg)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// call sends a request and waits for the hub's acknowledgement.
func (c *Client) call(ctx context.Context, method string, msg *Message) error {
	id := c.nextID.Add(1)
	ch := make(chan error, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	frame, err := request(id, method, msg)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		return err
	}
	t := time.NewTimer(ackTimeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		return fmt.Errorf("%s: no acknowledgement", method)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Publish(ctx context.Context, key domain.SessionKey, topic domain.Topic, payload json.RawMessage) error {
	var err error
	switch {
	case topic == domain.TopicRecord:
		err = c.publishRecord(key, payload)
	case topic.Appended():
		err = c.notify(MethodICECandidate, &Message{
			SessionKey: key,
			FromID:     string(key),
			ToID:       string(key),
			Topic:      topic,
			ItemID:     uuid.NewString(),
			Payload:    payload,
		})
	default:
		err = fmt.Errorf("unknown topic %q", topic)
	}
	if err != nil {
		return &core.ChannelPublishError{Key: key, Topic: topic, Err: err}
	}
	return nil
}

func (c *Client) publishRecord(key domain.SessionKey, patch json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return err
	}
	set := func(name string) bool {
		v, ok := fields[name]
		return ok && string(v) != "null"
	}
	msg := &Message{SessionKey: key, Payload: patch}
	switch {
	case set("offer"):
		msg.FromID = string(key)
		return c.notify(MethodOffer, msg)
	case set("answer"):
		msg.ToID = string(key)
		return c.notify(MethodAnswer, msg)
	default:
		return c.notify(MethodUpdate, msg)
	}
}

// Purge is a no-op: the relay keeps nothing to purge.
func (c *Client) Purge(context.Context, domain.SessionKey, domain.Topic) error {
	return nil
}

func (c *Client) SubscribeLatest(ctx context.Context, key domain.SessionKey, fn func(json.RawMessage)) (core.Subscription, error) {
	var sub *core.Sub
	sub = core.NewSub(func() {
		c.removeLatest(key, sub)
		c.release(key)
	})
	c.mu.Lock()
	set, ok := c.latest[key]
	if !ok {
		set = make(map[*core.Sub]latestSub)
		c.latest[key] = set
	}
	set[sub] = latestSub{sub: sub, fn: fn}
	c.mu.Unlock()

	if err := c.acquire(ctx, key); err != nil {
		c.removeLatest(key, sub)
		return nil, err
	}
	return sub, nil
}

func (c *Client) SubscribeAppended(ctx context.Context, key domain.SessionKey, topic domain.Topic, fn func(domain.Item)) (core.Subscription, error) {
	if !topic.Appended() {
		return nil, fmt.Errorf("topic %q is not append-only", topic)
	}
	tk := topicKey{key, topic}
	var sub *core.Sub
	sub = core.NewSub(func() {
		c.removeAppended(tk, sub)
		c.release(key)
	})
	c.mu.Lock()
	set, ok := c.appended[tk]
	if !ok {
		set = make(map[*core.Sub]appendedSub)
		c.appended[tk] = set
	}
	set[sub] = appendedSub{sub: sub, fn: fn}
	c.mu.Unlock()

	if err := c.acquire(ctx, key); err != nil {
		c.removeAppended(tk, sub)
		return nil, err
	}
	return sub, nil
}

func (c *Client) removeLatest(key domain.SessionKey, sub *core.Sub) {
	c.mu.Lock()
	delete(c.latest[key], sub)
	if len(c.latest[key]) == 0 {
		delete(c.latest, key)
	}
	c.mu.Unlock()
}

func (c *Client) removeAppended(tk topicKey, sub *core.Sub) {
	c.mu.Lock()
	delete(c.appended[tk], sub)
	if len(c.appended[tk]) == 0 {
		delete(c.appended, tk)
	}
	c.mu.Unlock()
}

// acquire joins key on first use.
func (c *Client) acquire(ctx context.Context, key domain.SessionKey) error {
	c.mu.Lock()
	c.refs[key]++
	first := c.refs[key] == 1
	ready := c.ready
	c.mu.Unlock()
	if !first {
		return nil
	}
	select {
	case <-ready:
	case <-ctx.Done():
		c.release(key)
		return ctx.Err()
	}
	if err := c.call(ctx, MethodJoin, &Message{SessionKey: key}); err != nil {
		c.mu.Lock()
		c.refs[key]--
		if c.refs[key] <= 0 {
			delete(c.refs, key)
		}
		c.mu.Unlock()
		return fmt.Errorf("join %s: %w", key, err)
	}
	return nil
}

// release leaves key when its last subscription goes away.
func (c *Client) release(key domain.SessionKey) {
	c.mu.Lock()
	c.refs[key]--
	last := c.refs[key] <= 0
	if last {
		delete(c.refs, key)
		delete(c.records, key)
	}
	c.mu.Unlock()
	if last {
		if err := c.notify(MethodLeave, &Message{SessionKey: key}); err != nil && !errors.Is(err, ErrConnClosed) {
			c.logger.Debug().Err(err).Str("key", string(key)).Msg("leave failed")
		}
	}
}
