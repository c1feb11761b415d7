// Package session drives one media session over a signal channel: the
// offer/answer exchange, candidate trickling and transport recovery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

type Role int

const (
	// Offerer publishes local media. The candidate side.
	Offerer Role = iota
	// Answerer receives remote media. The admin side.
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// errPeerRestarted means the offerer began a new negotiation under the key.
var errPeerRestarted = errors.New("peer started a new negotiation")

const defaultGrace = 2 * time.Second

type Config struct {
	Key      domain.SessionKey
	Identity domain.CandidateID
	Email    string
	Role     Role

	Channel       core.SignalChannel
	NewConnection core.ConnectionFactory

	// Local is required for offerers.
	Local core.LocalStream
	// Remote receives the peer's tracks on answerers. Optional.
	Remote core.RemoteStream

	// GraceWindow bounds how long a degraded transport may try to recover
	// before the session gives up.
	GraceWindow time.Duration

	// OnRecreate is called at most once, from its own goroutine, after the
	// session closed itself because it cannot continue.
	OnRecreate func(err error)
	// OnStateChange may be called from any goroutine.
	OnStateChange func(State)
}

type Session struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  core.MediaConnection
	subs  []core.Subscription
	// desc is the offer of the current negotiation: ours on offerers, the
	// applied one on answerers.
	desc         domain.SessionDescription
	offerApplied bool
	answered     bool
	remoteSet    bool
	pending      []domain.ICECandidate
	seen         map[string]struct{}
	epoch        int
	peerActive   bool
	gotTrack     bool

	recreateOnce sync.Once
}

func New(cfg Config) *Session {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg: cfg,
		logger: log.With().
			Str("module", "session").
			Str("key", string(cfg.Key)).
			Str("role", cfg.Role.String()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}
}

func (s *Session) Key() domain.SessionKey { return s.cfg.Key }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Connected() bool { return s.State() == StateConnected }

// PeerActive reports the isActive flag of the last record seen. Answerers only.
func (s *Session) PeerActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerActive
}

// RemoteStream returns the remote media once the first track arrived.
func (s *Session) RemoteStream() (core.RemoteStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gotTrack || s.cfg.Remote == nil {
		return nil, false
	}
	return s.cfg.Remote, true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.emit(st)
}

// advance moves from one of the negotiation states to connecting.
func (s *Session) advance() {
	s.mu.Lock()
	if s.state != StateOffering && s.state != StateAnswering {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.emit(StateConnecting)
}

func (s *Session) emit(st State) {
	s.logger.Debug().Str("state", st.String()).Msg("state change")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

func (s *Session) publish(ctx context.Context, topic domain.Topic, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.cfg.Channel.Publish(ctx, s.cfg.Key, topic, payload)
}

// keep registers a subscription, or cancels it when the session is already closed.
func (s *Session) keep(sub core.Subscription) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return false
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return true
}

// adopt installs conn as the session transport.
func (s *Session) adopt(conn core.MediaConnection) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.mu.Unlock()

	own := domain.TopicOfferCandidates
	if s.cfg.Role == Answerer {
		own = domain.TopicAnswerCandidates
	}
	conn.OnICECandidate(func(c domain.ICECandidate) {
		go func() {
			if err := s.publish(s.ctx, own, c); err != nil && s.ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("publish local candidate")
			}
		}()
	})
	conn.OnTransportStateChange(func(st core.TransportState) {
		s.onTransport(conn, st)
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().Str("kind", track.Kind().String()).Str("track", track.ID()).Msg("remote track")
		s.mu.Lock()
		s.gotTrack = true
		remote := s.cfg.Remote
		s.mu.Unlock()
		if remote != nil {
			remote.Attach(track)
		}
	})
	return true
}

// BeginOffer starts publishing the local stream. It is a no-op unless the
// session is idle. Errors are returned, not routed to OnRecreate.
func (s *Session) BeginOffer(ctx context.Context) error {
	if s.cfg.Role != Offerer {
		return fmt.Errorf("BeginOffer on %s session", s.cfg.Role)
	}
	if s.cfg.Local == nil {
		return core.ErrNoCapture
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateOffering
	s.mu.Unlock()
	s.emit(StateOffering)

	fail := func(op string, err error) error {
		s.logger.Error().Err(err).Str("op", op).Msg("offer failed")
		s.Close()
		return &core.NegotiationError{Op: op, Err: err}
	}

	// the old answer must be gone before any new offer is visible
	if err := s.publish(ctx, domain.TopicRecord, domain.RecordPatch{"answer": nil}); err != nil {
		return fail("reset answer", err)
	}
	for _, topic := range []domain.Topic{domain.TopicOfferCandidates, domain.TopicAnswerCandidates} {
		if err := s.cfg.Channel.Purge(ctx, s.cfg.Key, topic); err != nil {
			return fail("purge candidates", err)
		}
	}

	conn, err := s.cfg.NewConnection(ctx, s.cfg.Key)
	if err != nil {
		return fail("connect", err)
	}
	if !s.adopt(conn) {
		return core.ErrClosed
	}
	for _, track := range s.cfg.Local.Tracks() {
		if err := conn.AddTrack(track); err != nil {
			return fail("add track", err)
		}
	}

	candSub, err := s.cfg.Channel.SubscribeAppended(ctx, s.cfg.Key, domain.TopicAnswerCandidates, s.onRemoteCandidate)
	if err != nil {
		return fail("subscribe candidates", err)
	}
	if !s.keep(candSub) {
		return core.ErrClosed
	}
	recSub, err := s.cfg.Channel.SubscribeLatest(ctx, s.cfg.Key, s.onAnswer)
	if err != nil {
		return fail("subscribe record", err)
	}
	if !s.keep(recSub) {
		return core.ErrClosed
	}

	offer, err := conn.CreateOffer(ctx, false)
	if err != nil {
		return fail("create offer", err)
	}
	offer.NegotiationID = uuid.NewString()
	offer.Revision = 1
	s.mu.Lock()
	s.desc = offer
	s.answered = false
	s.mu.Unlock()

	now := time.Now().UTC()
	meta := domain.RecordPatch{
		"offer":             offer,
		"answer":            nil,
		"candidateIdentity": s.cfg.Identity,
		"candidateEmail":    s.cfg.Email,
		"isActive":          true,
		"startedAt":         now,
		"endedAt":           nil,
		"hasAudio":          s.cfg.Local.HasAudio(),
		"hasVideo":          s.cfg.Local.HasVideo(),
	}
	if err := s.publish(ctx, domain.TopicRecord, meta); err != nil {
		return fail("publish offer", err)
	}
	s.logger.Info().Str("negotiation", offer.NegotiationID).Msg("offer published")
	return nil
}

// onAnswer applies an answer for the current offer exactly once.
func (s *Session) onAnswer(raw json.RawMessage) {
	rec, err := domain.ParseSignalRecord(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad record")
		return
	}
	if rec.Answer == nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	if s.state == StateClosed || conn == nil || s.answered || !rec.Answer.Matches(s.desc) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !conn.AwaitingAnswer() {
		return
	}
	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		return
	}
	s.answered = true
	s.mu.Unlock()

	if err := conn.SetRemoteDescription(*rec.Answer); err != nil {
		s.abort(&core.NegotiationError{Op: "apply answer", Err: err})
		return
	}
	s.logger.Info().Int("revision", rec.Answer.Revision).Msg("answer applied")
	s.remoteApplied()
	s.advance()
}

// BeginAnswer waits for the candidate's offer and answers it. It is a no-op
// unless the session is idle.
func (s *Session) BeginAnswer(ctx context.Context) error {
	if s.cfg.Role != Answerer {
		return fmt.Errorf("BeginAnswer on %s session", s.cfg.Role)
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateAnswering
	s.mu.Unlock()
	s.emit(StateAnswering)

	candSub, err := s.cfg.Channel.SubscribeAppended(ctx, s.cfg.Key, domain.TopicOfferCandidates, s.onRemoteCandidate)
	if err != nil {
		s.Close()
		return &core.NegotiationError{Op: "subscribe candidates", Err: err}
	}
	if !s.keep(candSub) {
		return core.ErrClosed
	}
	if br, ok := s.cfg.Channel.(core.BacklogReader); ok {
		items, err := br.Backlog(ctx, s.cfg.Key, domain.TopicOfferCandidates)
		if err != nil {
			s.logger.Warn().Err(err).Msg("read candidate backlog")
		}
		for _, it := range items {
			s.onRemoteCandidate(it)
		}
	}

	recSub, err := s.cfg.Channel.SubscribeLatest(ctx, s.cfg.Key, s.onOffer)
	if err != nil {
		s.Close()
		return &core.NegotiationError{Op: "subscribe record", Err: err}
	}
	if !s.keep(recSub) {
		return core.ErrClosed
	}
	return nil
}

func (s *Session) onOffer(raw json.RawMessage) {
	rec, err := domain.ParseSignalRecord(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad record")
		return
	}
	s.mu.Lock()
	s.peerActive = rec.IsActive
	if s.state == StateClosed || rec.Offer == nil || !rec.IsActive {
		s.mu.Unlock()
		return
	}
	offer := *rec.Offer
	switch {
	case !s.offerApplied:
		s.offerApplied = true
		s.desc = offer
		s.mu.Unlock()
		s.applyOffer(offer, true)
	case offer.NegotiationID != s.desc.NegotiationID:
		s.mu.Unlock()
		s.abort(errPeerRestarted)
	case offer.Revision > s.desc.Revision:
		s.desc = offer
		s.mu.Unlock()
		s.logger.Info().Int("revision", offer.Revision).Msg("renegotiating")
		s.applyOffer(offer, false)
	default:
		s.mu.Unlock()
	}
}

func (s *Session) applyOffer(offer domain.SessionDescription, first bool) {
	var conn core.MediaConnection
	if first {
		c, err := s.cfg.NewConnection(s.ctx, s.cfg.Key)
		if err != nil {
			s.abort(&core.NegotiationError{Op: "connect", Err: err})
			return
		}
		if !s.adopt(c) {
			return
		}
		conn = c
	} else {
		s.mu.Lock()
		conn = s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
	}

	if err := conn.SetRemoteDescription(offer); err != nil {
		s.abort(&core.NegotiationError{Op: "apply offer", Err: err})
		return
	}
	s.remoteApplied()

	answer, err := conn.CreateAnswer(s.ctx)
	if err != nil {
		s.abort(&core.NegotiationError{Op: "create answer", Err: err})
		return
	}
	answer.NegotiationID = offer.NegotiationID
	answer.Revision = offer.Revision
	if err := s.publish(s.ctx, domain.TopicRecord, domain.RecordPatch{"answer": answer}); err != nil {
		s.abort(&core.NegotiationError{Op: "publish answer", Err: err})
		return
	}
	s.logger.Info().Str("negotiation", offer.NegotiationID).Int("revision", offer.Revision).Msg("answer published")
	s.advance()
}

// onRemoteCandidate applies each candidate item once, queueing it until the
// remote description is in place.
func (s *Session) onRemoteCandidate(it domain.Item) {
	var c domain.ICECandidate
	if err := json.Unmarshal(it.Payload, &c); err != nil {
		s.logger.Warn().Err(err).Str("item", it.ID).Msg("bad candidate")
		return
	}
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[it.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[it.ID] = struct{}{}
	if !s.remoteSet || s.conn == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()
	s.addCandidate(conn, c)
}

func (s *Session) remoteApplied() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	conn := s.conn
	s.mu.Unlock()
	for _, c := range pending {
		s.addCandidate(conn, c)
	}
}

func (s *Session) addCandidate(conn core.MediaConnection, c domain.ICECandidate) {
	if err := conn.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Msg("add remote candidate")
	}
}

func (s *Session) onTransport(conn core.MediaConnection, st core.TransportState) {
	s.mu.Lock()
	if s.state == StateClosed || conn != s.conn {
		s.mu.Unlock()
		return
	}
	switch st {
	case core.TransportConnected:
		s.mu.Unlock()
		s.logger.Info().Msg("transport connected")
		s.setState(StateConnected)
	case core.TransportDisconnected, core.TransportFailed:
		if s.state == StateDegraded {
			s.mu.Unlock()
			return
		}
		s.state = StateDegraded
		s.epoch++
		epoch := s.epoch
		s.mu.Unlock()
		s.logger.Warn().Str("transport", st.String()).Dur("grace", s.cfg.GraceWindow).Msg("transport degraded")
		s.emit(StateDegraded)
		go s.restartICE(conn, epoch)
		time.AfterFunc(s.cfg.GraceWindow, func() { s.checkDegraded(epoch) })
	default:
		s.mu.Unlock()
	}
}

// restartICE is the cheap recovery path. The offerer publishes an ICE
// restart offer within the same negotiation; the answerer waits for it.
func (s *Session) restartICE(conn core.MediaConnection, epoch int) {
	if s.cfg.Role != Offerer {
		s.logger.Debug().Msg("waiting for remote ICE restart")
		return
	}
	s.mu.Lock()
	if s.state != StateDegraded || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	next := s.desc
	s.mu.Unlock()

	offer, err := conn.CreateOffer(s.ctx, true)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ICE restart offer")
		return
	}
	offer.NegotiationID = next.NegotiationID
	offer.Revision = next.Revision + 1

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.desc = offer
	s.answered = false
	s.mu.Unlock()

	if err := s.publish(s.ctx, domain.TopicRecord, domain.RecordPatch{"offer": offer, "answer": nil}); err != nil {
		s.logger.Warn().Err(err).Msg("publish ICE restart offer")
		return
	}
	s.logger.Info().Int("revision", offer.Revision).Msg("ICE restart offer published")
}

// checkDegraded runs when the grace window of a degradation ends. Only a
// session still degraded by that same event gives up.
func (s *Session) checkDegraded(epoch int) {
	s.mu.Lock()
	live := s.state == StateDegraded && s.epoch == epoch
	conn := s.conn
	s.mu.Unlock()
	if !live {
		return
	}
	if conn != nil && conn.TransportState() == core.TransportConnected {
		s.setState(StateConnected)
		return
	}
	s.abort(fmt.Errorf("%w: no recovery within %s", core.ErrTransportDegraded, s.cfg.GraceWindow))
}

// abort closes the session and requests a full recreation. It never blocks,
// so subscription handlers may call it.
func (s *Session) abort(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go func() {
		s.logger.Warn().Err(err).Msg("session aborted")
		s.Close()
		s.recreateOnce.Do(func() {
			if s.cfg.OnRecreate != nil {
				s.cfg.OnRecreate(err)
			}
		})
	}()
}

// Unsubscribe stops every channel subscription while keeping the transport.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Close tears the session down: subscriptions, then the transport, then the
// remote tracks. Local capture is left to its owner. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	subs := s.subs
	s.subs = nil
	conn := s.conn
	s.conn = nil
	s.pending = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close transport")
		}
	}
	if s.cfg.Remote != nil {
		s.cfg.Remote.Stop()
	}
	s.emit(StateClosed)
}
