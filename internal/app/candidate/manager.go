// Package candidate owns the candidate's local capture and its single
// outgoing proctoring session, and counts policy violations.
package candidate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/app/session"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
	"github.com/dkeye/Proctor/internal/domain"
)

type Status string

const (
	StatusChecking     Status = "checking"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
	StatusStreaming    Status = "streaming"
	StatusReconnecting Status = "reconnecting"
	StatusStopped      Status = "stopped"
	StatusRejected     Status = "rejected"
)

type Deps struct {
	Capturer      core.Capturer
	Channel       core.SignalChannel
	Violations    core.ViolationStore
	NewConnection core.ConnectionFactory
}

type Options struct {
	Constraints        core.CaptureConstraints
	GraceWindow        time.Duration
	ViolationThreshold int
	Email              string
	Retry              config.Retry
}

const persistTimeout = 10 * time.Second

type Manager struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	captureMu   sync.Mutex
	violationMu sync.Mutex

	mu           sync.Mutex
	local        core.LocalStream
	sess         *session.Session
	id           domain.CandidateID
	runCtx       context.Context
	runCancel    context.CancelFunc
	reconnecting bool
	violations   int
	rejected     bool

	nextHandler       int
	violationHandlers []handler[int]
	statusHandlers    []handler[Status]
}

type handler[T any] struct {
	id int
	fn func(T)
}

func without[T any](list []handler[T], id int) []handler[T] {
	out := list[:0:0]
	for _, h := range list {
		if h.id != id {
			out = append(out, h)
		}
	}
	return out
}

func fns[T any](list []handler[T]) []func(T) {
	out := make([]func(T), len(list))
	for i, h := range list {
		out[i] = h.fn
	}
	return out
}

func New(deps Deps, opts Options) *Manager {
	if opts.ViolationThreshold <= 0 {
		opts.ViolationThreshold = 5
	}
	if opts.Constraints == (core.CaptureConstraints{}) {
		opts.Constraints = core.DefaultCaptureConstraints()
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		logger: log.With().Str("module", "candidate").Logger(),
	}
}

// OnStatusChange registers fn and returns a func that removes it.
func (m *Manager) OnStatusChange(fn func(Status)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandler
	m.nextHandler++
	m.statusHandlers = append(m.statusHandlers, handler[Status]{id, fn})
	return func() {
		m.mu.Lock()
		m.statusHandlers = without(m.statusHandlers, id)
		m.mu.Unlock()
	}
}

// OnViolationChange registers fn and returns a func that removes it.
func (m *Manager) OnViolationChange(fn func(count int)) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandler
	m.nextHandler++
	m.violationHandlers = append(m.violationHandlers, handler[int]{id, fn})
	return func() {
		m.mu.Lock()
		m.violationHandlers = without(m.violationHandlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(st Status) {
	m.mu.Lock()
	handlers := fns(m.statusHandlers)
	m.mu.Unlock()
	m.logger.Info().Str("status", string(st)).Msg("status")
	for _, h := range handlers {
		h(st)
	}
}

// AcquireCamera opens camera and microphone once. Later calls reuse the
// active capture.
func (m *Manager) AcquireCamera(ctx context.Context) error {
	m.captureMu.Lock()
	defer m.captureMu.Unlock()

	m.mu.Lock()
	active := m.local != nil
	m.mu.Unlock()
	if active {
		return nil
	}

	m.emit(StatusChecking)
	local, err := m.deps.Capturer.Capture(ctx, m.opts.Constraints)
	if err != nil {
		m.logger.Error().Err(err).Msg("capture failed")
		m.emit(StatusFailed)
		var mae *core.MediaAccessError
		if !errors.As(err, &mae) {
			err = &core.MediaAccessError{Err: err}
		}
		return err
	}
	m.mu.Lock()
	m.local = local
	m.mu.Unlock()
	m.logger.Info().Bool("audio", local.HasAudio()).Bool("video", local.HasVideo()).Msg("capture ready")
	m.emit(StatusSuccess)
	return nil
}

// StartStreaming publishes the capture under id's session key. It is a
// no-op while a session is live.
func (m *Manager) StartStreaming(ctx context.Context, id domain.CandidateID) error {
	m.mu.Lock()
	switch {
	case m.rejected:
		m.mu.Unlock()
		return core.ErrViolationThresholdExceeded
	case m.local == nil:
		m.mu.Unlock()
		return core.ErrNoCapture
	case m.sess != nil && m.sess.State() != session.StateClosed:
		m.mu.Unlock()
		return nil
	}
	m.id = id
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	runCtx := m.runCtx
	m.mu.Unlock()

	m.logger.Info().Str("candidate", string(id)).Msg("start streaming")
	if err := m.connect(ctx, runCtx); err != nil {
		m.emit(StatusFailed)
		return err
	}
	m.emit(StatusStreaming)
	return nil
}

// connect opens a fresh session, retrying with exponential backoff. runCtx
// ends when streaming is stopped.
func (m *Manager) connect(ctx, runCtx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	eb := backoff.NewExponentialBackOff()
	if m.opts.Retry.InitialInterval > 0 {
		eb.InitialInterval = m.opts.Retry.InitialInterval
	}
	if m.opts.Retry.MaxInterval > 0 {
		eb.MaxInterval = m.opts.Retry.MaxInterval
	}
	eb.MaxElapsedTime = 0
	retries := m.opts.Retry.MaxRetries
	if retries == 0 {
		retries = 5
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := m.openSession(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, core.ErrNoCapture), errors.Is(err, core.ErrClosed), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("session start failed")
		return err
	}
	return backoff.Retry(op, policy)
}

func (m *Manager) openSession(ctx context.Context) error {
	m.mu.Lock()
	local, id := m.local, m.id
	m.mu.Unlock()
	if local == nil {
		return core.ErrNoCapture
	}

	var sess *session.Session
	sess = session.New(session.Config{
		Key:           domain.SessionKeyFor(id),
		Identity:      id,
		Email:         m.opts.Email,
		Role:          session.Offerer,
		Channel:       m.deps.Channel,
		NewConnection: m.deps.NewConnection,
		Local:         local,
		GraceWindow:   m.opts.GraceWindow,
		OnRecreate:    func(err error) { m.reconnect(sess, err) },
	})

	m.mu.Lock()
	if m.local == nil || m.rejected || ctx.Err() != nil || m.runCtx == nil || m.runCtx.Err() != nil {
		m.mu.Unlock()
		return core.ErrClosed
	}
	m.sess = sess
	m.mu.Unlock()

	if err := sess.BeginOffer(ctx); err != nil {
		return err
	}
	return nil
}

// reconnect replaces a session that gave up. Only one replacement runs at a
// time and only for the current session.
func (m *Manager) reconnect(old *session.Session, cause error) {
	m.mu.Lock()
	if m.sess != old || m.reconnecting || m.rejected || m.runCtx == nil || m.runCtx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	runCtx := m.runCtx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	m.logger.Warn().Err(cause).Msg("session lost, recreating")
	m.emit(StatusReconnecting)
	old.Close()
	if err := m.connect(runCtx, runCtx); err != nil {
		if runCtx.Err() != nil {
			return
		}
		m.logger.Error().Err(err).Msg("recreate failed")
		m.emit(StatusFailed)
		return
	}
	m.emit(StatusStreaming)
}

// Stop ends streaming: subscriptions first, then the local tracks, then the
// transport. The record is marked inactive last.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sess, local, id := m.sess, m.local, m.id
	m.sess, m.local = nil, nil
	if m.runCancel != nil {
		m.runCancel()
	}
	m.mu.Unlock()

	if sess == nil && local == nil {
		return nil
	}
	if sess != nil {
		sess.Unsubscribe()
	}
	if local != nil {
		local.Stop()
	}
	if sess != nil {
		sess.Close()
	}

	var err error
	if sess != nil && id != "" {
		patch, merr := domain.RecordPatch{"isActive": false, "endedAt": time.Now().UTC()}.Marshal()
		if merr == nil {
			err = m.deps.Channel.Publish(ctx, domain.SessionKeyFor(id), domain.TopicRecord, patch)
		} else {
			err = merr
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("mark record inactive")
		}
	}
	m.emit(StatusStopped)
	return err
}

// RecordViolation counts one policy breach and returns the new count. The
// threshold rejects the candidate exactly once; later calls change nothing.
func (m *Manager) RecordViolation(ctx context.Context) int {
	m.violationMu.Lock()
	defer m.violationMu.Unlock()

	m.mu.Lock()
	if m.rejected {
		n := m.violations
		m.mu.Unlock()
		return n
	}
	m.violations++
	n := m.violations
	id := m.id
	reject := n >= m.opts.ViolationThreshold
	if reject {
		m.rejected = true
	}
	handlers := fns(m.violationHandlers)
	m.mu.Unlock()

	now := time.Now().UTC()
	m.logger.Info().Int("violations", n).Int("threshold", m.opts.ViolationThreshold).Msg("violation")
	for _, h := range handlers {
		h(n)
	}

	if m.deps.Violations != nil && id != "" {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := m.deps.Violations.RecordViolation(pctx, id, n, now); err != nil {
				m.logger.Warn().Err(err).Msg("persist violation")
			}
		}()
	}

	if reject {
		m.logger.Warn().Err(core.ErrViolationThresholdExceeded).Int("violations", n).Msg("candidate rejected")
		if m.deps.Violations != nil && id != "" {
			if err := m.deps.Violations.Reject(ctx, id, n, now); err != nil {
				m.logger.Error().Err(err).Msg("persist rejection")
			}
		}
		if err := m.Stop(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("stop after rejection")
		}
		m.emit(StatusRejected)
	}
	return n
}

// ResetViolations clears the counter unless the candidate was rejected.
func (m *Manager) ResetViolations() {
	m.violationMu.Lock()
	defer m.violationMu.Unlock()
	m.mu.Lock()
	if m.rejected {
		m.mu.Unlock()
		return
	}
	m.violations = 0
	handlers := fns(m.violationHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h(0)
	}
}

func (m *Manager) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

func (m *Manager) Rejected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *Manager) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local != nil && m.local.HasAudio()
}

func (m *Manager) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local != nil && m.local.HasVideo()
}

// IsActive reports whether a session is open, connected or not.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	return sess != nil && sess.State() != session.StateClosed
}

// Connected reports whether the outgoing media is flowing.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	return sess != nil && sess.Connected()
}
