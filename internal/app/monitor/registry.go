// Package monitor keeps one answering session per rostered candidate and
// repairs the ones whose media stopped.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/app/session"
	"github.com/dkeye/Proctor/internal/app/sfu"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

type Status string

const (
	StatusLive       Status = "LIVE"
	StatusConnecting Status = "CONNECTING"
	StatusOffline    Status = "OFFLINE"
	StatusNoStream   Status = "NO_STREAM"
	StatusSubmitted  Status = "SUBMITTED"
	StatusRejected   Status = "REJECTED"
)

// StreamView is what an admin tile shows for one candidate.
type StreamView struct {
	ID          domain.CandidateID `json:"id"`
	DisplayName string             `json:"displayName"`
	Email       string             `json:"email"`
	Violations  int                `json:"violations"`
	Status      Status             `json:"status"`
	Connected   bool               `json:"connected"`
}

type Deps struct {
	Channel       core.SignalChannel
	Roster        core.RosterSource
	NewConnection core.ConnectionFactory
	// NewStream defaults to an sfu.RemoteStream.
	NewStream func(id domain.CandidateID) core.RemoteStream
}

type Options struct {
	SweepInterval   time.Duration
	RefreshDelay    time.Duration
	RefreshAllDelay time.Duration
	GraceWindow     time.Duration
	StreamIdle      time.Duration
}

type entry struct {
	roster  domain.RosterEntry
	sess    *session.Session
	stream  core.RemoteStream
	wasLive bool
	once    sync.Once
}

func (e *entry) active() bool {
	return e.sess.Connected() && e.sess.PeerActive() && e.stream.Active()
}

type Registry struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	ctx        context.Context
	roster     map[domain.CandidateID]domain.RosterEntry
	entries    map[domain.CandidateID]*entry
	refreshing map[domain.CandidateID]bool
	lastLive   map[domain.CandidateID]bool
	paused     bool
	manual     bool
	closed     bool
}

func New(deps Deps, opts Options) *Registry {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = time.Second
	}
	if opts.RefreshAllDelay <= 0 {
		opts.RefreshAllDelay = 2 * time.Second
	}
	if deps.NewStream == nil {
		idle := opts.StreamIdle
		deps.NewStream = func(id domain.CandidateID) core.RemoteStream {
			return sfu.NewRemoteStream(id, idle)
		}
	}
	return &Registry{
		deps:       deps,
		opts:       opts,
		logger:     log.With().Str("module", "monitor").Logger(),
		ctx:        context.Background(),
		roster:     make(map[domain.CandidateID]domain.RosterEntry),
		entries:    make(map[domain.CandidateID]*entry),
		refreshing: make(map[domain.CandidateID]bool),
		lastLive:   make(map[domain.CandidateID]bool),
	}
}

// Run follows the roster and sweeps until ctx is done, then tears every
// session down.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if r.deps.Roster == nil {
		return errors.New("monitor: no roster source")
	}
	sub, err := r.deps.Roster.SubscribeRoster(ctx, r.Reconcile)
	if err != nil {
		return err
	}
	r.logger.Info().Dur("sweep", r.opts.SweepInterval).Msg("monitor running")

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			r.shutdown()
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[domain.CandidateID]*entry)
	r.mu.Unlock()
	for _, e := range entries {
		r.cleanup(e)
	}
	r.logger.Info().Int("sessions", len(entries)).Msg("monitor stopped")
}

// Reconcile makes the set of sessions match roster.
func (r *Registry) Reconcile(roster []domain.RosterEntry) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	desired := make(map[domain.CandidateID]domain.RosterEntry, len(roster))
	var add []domain.RosterEntry
	for _, e := range roster {
		desired[e.ID] = e
		if ent, ok := r.entries[e.ID]; ok {
			ent.roster = e
			continue
		}
		if !r.paused && !r.refreshing[e.ID] {
			add = append(add, e)
		}
	}
	var drop []*entry
	for id, ent := range r.entries {
		if _, ok := desired[id]; !ok {
			drop = append(drop, ent)
			delete(r.entries, id)
			delete(r.lastLive, id)
		}
	}
	r.roster = desired
	r.mu.Unlock()

	for _, ent := range drop {
		r.logger.Info().Str("candidate", string(ent.roster.ID)).Msg("left roster")
		r.cleanup(ent)
	}
	for _, e := range add {
		r.open(e)
	}
}

func (r *Registry) open(e domain.RosterEntry) {
	stream := r.deps.NewStream(e.ID)
	var sess *session.Session
	sess = session.New(session.Config{
		Key:           domain.SessionKeyFor(e.ID),
		Identity:      e.ID,
		Role:          session.Answerer,
		Channel:       r.deps.Channel,
		NewConnection: r.deps.NewConnection,
		Remote:        stream,
		GraceWindow:   r.opts.GraceWindow,
		OnRecreate:    func(err error) { r.recreate(e.ID, sess, err) },
	})
	ent := &entry{roster: e, sess: sess, stream: stream}

	r.mu.Lock()
	_, wanted := r.roster[e.ID]
	if r.closed || !wanted || r.entries[e.ID] != nil {
		r.mu.Unlock()
		sess.Close()
		return
	}
	r.entries[e.ID] = ent
	ctx := r.ctx
	r.mu.Unlock()

	if err := sess.BeginAnswer(ctx); err != nil {
		r.logger.Warn().Err(err).Str("candidate", string(e.ID)).Msg("answer setup failed")
		r.RefreshOne(e.ID)
		return
	}
	r.logger.Debug().Str("candidate", string(e.ID)).Msg("watching candidate")
}

func (r *Registry) recreate(id domain.CandidateID, sess *session.Session, cause error) {
	r.mu.Lock()
	ent := r.entries[id]
	current := ent != nil && ent.sess == sess
	r.mu.Unlock()
	if !current {
		return
	}
	r.logger.Info().Err(cause).Str("candidate", string(id)).Msg("session gave up")
	r.RefreshOne(id)
}

// SetAutoRefresh turns the sweep's refreshing on or off. Liveness is still
// tracked while off, so a stream that dropped meanwhile is refreshed by the
// first sweep after it is turned back on.
func (r *Registry) SetAutoRefresh(on bool) {
	r.mu.Lock()
	changed := r.manual == on
	r.manual = !on
	r.mu.Unlock()
	if changed {
		r.logger.Info().Bool("auto_refresh", on).Msg("auto refresh toggled")
	}
}

func (r *Registry) AutoRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.manual
}

// Sweep refreshes every entry whose media was live and stopped, unless the
// candidate is done with the exam or auto refresh is off.
func (r *Registry) Sweep() {
	r.mu.Lock()
	entries := make(map[domain.CandidateID]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.Unlock()

	for id, e := range entries {
		active := e.active()
		r.mu.Lock()
		if r.entries[id] != e {
			r.mu.Unlock()
			continue
		}
		if active {
			e.wasLive = true
			r.lastLive[id] = true
		}
		stale := e.wasLive && !active && !e.roster.Finished() && !r.manual
		r.mu.Unlock()
		if stale {
			r.logger.Info().Str("candidate", string(id)).Msg("stream went offline")
			r.RefreshOne(id)
		}
	}
}

// RefreshOne rebuilds a candidate's session after RefreshDelay. Only one
// refresh per candidate is in flight.
func (r *Registry) RefreshOne(id domain.CandidateID) {
	r.mu.Lock()
	if r.closed || r.refreshing[id] {
		r.mu.Unlock()
		return
	}
	r.refreshing[id] = true
	ent := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ent != nil {
		r.cleanup(ent)
	}
	time.AfterFunc(r.opts.RefreshDelay, func() {
		r.mu.Lock()
		delete(r.refreshing, id)
		e, wanted := r.roster[id]
		skip := r.closed || r.paused || !wanted || r.entries[id] != nil
		r.mu.Unlock()
		if skip {
			return
		}
		r.open(e)
	})
}

// RefreshAll rebuilds every session after RefreshAllDelay.
func (r *Registry) RefreshAll() {
	r.mu.Lock()
	if r.closed || r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = true
	entries := r.entries
	r.entries = make(map[domain.CandidateID]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.cleanup(e)
	}
	r.logger.Info().Int("sessions", len(entries)).Msg("refreshing all streams")
	time.AfterFunc(r.opts.RefreshAllDelay, func() {
		r.mu.Lock()
		r.paused = false
		roster := make([]domain.RosterEntry, 0, len(r.roster))
		for _, e := range r.roster {
			roster = append(roster, e)
		}
		r.mu.Unlock()
		r.Reconcile(roster)
	})
}

// CleanupStream tears down a candidate's session and forgets it. Safe to
// call repeatedly.
func (r *Registry) CleanupStream(id domain.CandidateID) {
	r.mu.Lock()
	ent := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ent != nil {
		r.cleanup(ent)
	}
}

// cleanup closes the session: subscriptions, then transport, then the
// remote tracks.
func (r *Registry) cleanup(e *entry) {
	e.once.Do(func() {
		e.sess.Close()
		e.stream.Stop()
	})
}

// Stream returns the remote media of a candidate with a live session.
func (r *Registry) Stream(id domain.CandidateID) (core.RemoteStream, bool) {
	r.mu.Lock()
	ent := r.entries[id]
	r.mu.Unlock()
	if ent == nil {
		return nil, false
	}
	return ent.sess.RemoteStream()
}

// Snapshot lists every rostered candidate with its tile status.
func (r *Registry) Snapshot() []StreamView {
	type row struct {
		roster   domain.RosterEntry
		ent      *entry
		lastLive bool
	}
	r.mu.Lock()
	rows := make([]row, 0, len(r.roster))
	for id, e := range r.roster {
		rows = append(rows, row{roster: e, ent: r.entries[id], lastLive: r.lastLive[id]})
	}
	r.mu.Unlock()

	views := make([]StreamView, 0, len(rows))
	for _, rw := range rows {
		v := StreamView{
			ID:          rw.roster.ID,
			DisplayName: rw.roster.DisplayName,
			Email:       rw.roster.Email,
			Violations:  rw.roster.Violations,
		}
		if rw.ent != nil {
			v.Connected = rw.ent.sess.Connected()
		}
		switch {
		case rw.roster.Rejected:
			v.Status = StatusRejected
		case rw.roster.Submitted:
			v.Status = StatusSubmitted
		case rw.ent != nil && rw.ent.active():
			v.Status = StatusLive
		case rw.lastLive:
			v.Status = StatusOffline
		case rw.ent != nil && rw.ent.sess.PeerActive():
			v.Status = StatusConnecting
		default:
			v.Status = StatusNoStream
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}
