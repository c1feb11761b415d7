package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

// RecordResponse is the wire shape of GET /api/calls/:key.
type RecordResponse struct {
	Version int64           `json:"version"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// ItemsResponse is the wire shape of GET /api/calls/:key/:topic.
type ItemsResponse struct {
	Items []domain.Item `json:"items"`
	Last  int64         `json:"last"`
}

// ViolationRequest is the body of PUT /api/candidates/:id/violations.
type ViolationRequest struct {
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// RejectRequest is the body of POST /api/candidates/:id/reject.
type RejectRequest struct {
	FinalCount int       `json:"finalCount"`
	At         time.Time `json:"at"`
}

var (
	_ core.SignalChannel  = (*Client)(nil)
	_ core.BacklogReader  = (*Client)(nil)
	_ core.ViolationStore = (*Client)(nil)
)

// Client reaches a remote Store over its HTTP API. Subscriptions long-poll
// and reconnect with exponential backoff.
type Client struct {
	base string
	hc   *http.Client
	wait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(baseURL string, wait time.Duration) *Client {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		hc:     &http.Client{Timeout: wait + 10*time.Second},
		wait:   wait,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close ends every subscription loop.
func (c *Client) Close() { c.cancel() }

func (c *Client) callsURL(key domain.SessionKey, topic domain.Topic) string {
	u := c.base + "/api/calls/" + url.PathEscape(string(key))
	if topic != "" && topic != domain.TopicRecord {
		u += "/" + url.PathEscape(string(topic))
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case json.RawMessage:
			rd = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				return err
			}
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, u, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Publish(ctx context.Context, key domain.SessionKey, topic domain.Topic, payload json.RawMessage) error {
	method := http.MethodPost
	if topic == domain.TopicRecord {
		method = http.MethodPatch
	}
	if err := c.do(ctx, method, c.callsURL(key, topic), payload, nil); err != nil {
		return &core.ChannelPublishError{Key: key, Topic: topic, Err: err}
	}
	return nil
}

func (c *Client) Purge(ctx context.Context, key domain.SessionKey, topic domain.Topic) error {
	return c.do(ctx, http.MethodDelete, c.callsURL(key, topic), nil, nil)
}

func (c *Client) Backlog(ctx context.Context, key domain.SessionKey, topic domain.Topic) ([]domain.Item, error) {
	var resp ItemsResponse
	if err := c.do(ctx, http.MethodGet, c.callsURL(key, topic), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) RecordViolation(ctx context.Context, id domain.CandidateID, count int, at time.Time) error {
	u := c.base + "/api/candidates/" + url.PathEscape(string(id)) + "/violations"
	return c.do(ctx, http.MethodPut, u, ViolationRequest{Count: count, At: at}, nil)
}

func (c *Client) Reject(ctx context.Context, id domain.CandidateID, finalCount int, at time.Time) error {
	u := c.base + "/api/candidates/" + url.PathEscape(string(id)) + "/reject"
	return c.do(ctx, http.MethodPost, u, RejectRequest{FinalCount: finalCount, At: at}, nil)
}

// Register adds the candidate to the roster monitored by admins.
func (c *Client) Register(ctx context.Context, e domain.RosterEntry) error {
	return c.do(ctx, http.MethodPut, c.base+"/api/roster/"+url.PathEscape(string(e.ID)), e, nil)
}

func (c *Client) SubscribeLatest(_ context.Context, key domain.SessionKey, fn func(json.RawMessage)) (core.Subscription, error) {
	sub := core.NewSub(nil)
	go c.pollRecord(key, sub, fn)
	return sub, nil
}

func (c *Client) SubscribeAppended(ctx context.Context, key domain.SessionKey, topic domain.Topic, fn func(domain.Item)) (core.Subscription, error) {
	if !topic.Appended() {
		return nil, fmt.Errorf("topic %q is not append-only", topic)
	}
	var start ItemsResponse
	if err := c.do(ctx, http.MethodGet, c.callsURL(key, topic), nil, &start); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := core.NewSub(nil)
	go c.pollItems(key, topic, start.Last, sub, fn)
	return sub, nil
}

func (c *Client) pollRecord(key domain.SessionKey, sub *core.Sub, fn func(json.RawMessage)) {
	ctx, cancel := c.subContext(sub)
	defer cancel()
	logger := log.With().Str("module", "docstore.client").Str("key", string(key)).Logger()

	b := newBackoff()
	var since int64
	for ctx.Err() == nil {
		var resp RecordResponse
		q := url.Values{"since": {strconv.FormatInt(since, 10)}, "wait": {c.wait.String()}}
		if err := c.do(ctx, http.MethodGet, c.callsURL(key, "")+"?"+q.Encode(), nil, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			d := b.NextBackOff()
			logger.Warn().Err(err).Dur("retry_in", d).Msg("record poll failed")
			sleep(ctx, d)
			continue
		}
		b.Reset()
		if resp.Version > since {
			since = resp.Version
			if !sub.Deliver(func() { fn(resp.Record) }) {
				return
			}
		}
	}
}

func (c *Client) pollItems(key domain.SessionKey, topic domain.Topic, cursor int64, sub *core.Sub, fn func(domain.Item)) {
	ctx, cancel := c.subContext(sub)
	defer cancel()
	logger := log.With().Str("module", "docstore.client").Str("key", string(key)).Str("topic", string(topic)).Logger()

	b := newBackoff()
	for ctx.Err() == nil {
		var resp ItemsResponse
		q := url.Values{"after": {strconv.FormatInt(cursor, 10)}, "wait": {c.wait.String()}}
		if err := c.do(ctx, http.MethodGet, c.callsURL(key, topic)+"?"+q.Encode(), nil, &resp); err != nil {
			if ctx.Err() != nil {
				return
			}
			d := b.NextBackOff()
			logger.Warn().Err(err).Dur("retry_in", d).Msg("items poll failed")
			sleep(ctx, d)
			continue
		}
		b.Reset()
		for _, it := range resp.Items {
			cursor = max(cursor, it.Seq)
			if !sub.Deliver(func() { fn(it) }) {
				return
			}
		}
		cursor = max(cursor, resp.Last)
	}
}

func (c *Client) subContext(sub *core.Sub) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.ctx)
	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
