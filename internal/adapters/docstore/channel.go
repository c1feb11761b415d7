package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

var (
	_ core.SignalChannel  = (*Store)(nil)
	_ core.BacklogReader  = (*Store)(nil)
	_ core.ViolationStore = (*Store)(nil)
	_ core.RosterSource   = (*Store)(nil)
	_ core.RosterStore    = (*Store)(nil)
)

func (s *Store) Publish(ctx context.Context, key domain.SessionKey, topic domain.Topic, payload json.RawMessage) error {
	var err error
	switch {
	case topic == domain.TopicRecord:
		_, err = s.PatchRecord(ctx, key, payload)
	case topic.Appended():
		_, err = s.Append(ctx, key, topic, payload)
	default:
		err = fmt.Errorf("unknown topic %q", topic)
	}
	if err != nil {
		return &core.ChannelPublishError{Key: key, Topic: topic, Err: err}
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, key domain.SessionKey, topic domain.Topic) error {
	return s.PurgeTopic(ctx, key, topic)
}

func (s *Store) Backlog(ctx context.Context, key domain.SessionKey, topic domain.Topic) ([]domain.Item, error) {
	return s.Items(ctx, key, topic, 0)
}

// SubscribeLatest delivers the current record right away when one exists,
// so late subscribers still see an earlier offer.
func (s *Store) SubscribeLatest(_ context.Context, key domain.SessionKey, fn func(json.RawMessage)) (core.Subscription, error) {
	sub := core.NewSub(nil)
	go s.watchRecord(key, sub, fn)
	return sub, nil
}

func (s *Store) watchRecord(key domain.SessionKey, sub *core.Sub, fn func(json.RawMessage)) {
	logger := log.With().Str("module", "docstore").Str("key", string(key)).Logger()
	var seen int64
	for {
		ch := s.changes(changeKey{key, domain.TopicRecord})
		doc, ver, err := s.Record(s.ctx, key)
		switch {
		case err == nil && ver > seen:
			seen = ver
			sub.Deliver(func() { fn(doc) })
		case err != nil && !errors.Is(err, core.ErrNotFound) && s.ctx.Err() == nil:
			logger.Warn().Err(err).Msg("record poll failed")
		}
		if !s.wait(ch, sub.Done()) {
			return
		}
	}
}

func (s *Store) SubscribeAppended(ctx context.Context, key domain.SessionKey, topic domain.Topic, fn func(domain.Item)) (core.Subscription, error) {
	if !topic.Appended() {
		return nil, fmt.Errorf("topic %q is not append-only", topic)
	}
	cursor, err := s.LastSeq(ctx, key, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := core.NewSub(nil)
	go s.watchItems(key, topic, cursor, sub, fn)
	return sub, nil
}

func (s *Store) watchItems(key domain.SessionKey, topic domain.Topic, cursor int64, sub *core.Sub, fn func(domain.Item)) {
	logger := log.With().Str("module", "docstore").Str("key", string(key)).Str("topic", string(topic)).Logger()
	for {
		ch := s.changes(changeKey{key, topic})
		items, err := s.Items(s.ctx, key, topic, cursor)
		if err != nil && s.ctx.Err() == nil {
			logger.Warn().Err(err).Msg("items poll failed")
		}
		for _, it := range items {
			cursor = it.Seq
			if !sub.Deliver(func() { fn(it) }) {
				return
			}
		}
		if !s.wait(ch, sub.Done()) {
			return
		}
	}
}
