/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package session runs live voice sessions: it owns the microphone, the
// speaker and the transport session for as long as a session lasts, streams
// capture audio out, schedules received speech for playback and releases
// everything exactly once when the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-live-go/internal/audio"
	"github.com/loqalabs/loqa-live-go/internal/metrics"
	"github.com/loqalabs/loqa-live-go/internal/transport"
)

// State is the lifecycle state of a controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateFunc observes state changes. err is the cause when state is
// StateFailed.
type StateFunc func(state State, err error)

// Config holds what every session of a controller is opened with.
type Config struct {
	Transport transport.Config
	Capture   audio.CaptureConfig
	Playback  audio.PlaybackConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional
}

// Stats is a snapshot of the current or most recent session.
type Stats struct {
	State     State
	SessionID string
	StartedAt time.Time

	FramesCaptured  uint64
	FramesDiscarded uint64 // captured before the transport was ready
	FramesSent      uint64
	FramesDropped   uint64 // lost to a full send queue
	CaptureOverruns uint64

	SegmentsScheduled uint64
	SegmentsMalformed uint64
	EventsDropped     uint64 // inbound audio lost to a full event queue
	Interruptions     uint64

	PlaybackNow        time.Duration
	PlaybackCursor     time.Duration
	PlaybackUnderflows uint64
}

type stateChange struct {
	state State
	err   error
}

// Controller runs at most one live session at a time.
type Controller struct {
	backend audio.AudioBackend
	tr      transport.Transport
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	err       error
	current   *liveSession
	last      *liveSession
	observers []StateFunc
	pending   []stateChange
	notifying bool
}

// New creates an idle controller. Devices are opened on backend, which must
// already be initialized.
func New(backend audio.AudioBackend, tr transport.Transport, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		backend: backend,
		tr:      tr,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// OnStateChange registers fn to be told about every state change, in order.
// Calls are made outside the controller's lock from whichever goroutine
// changed the state, so fn may call Start or Stop.
func (c *Controller) OnStateChange(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the controller in StateFailed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the current session has released its resources. It
// is already closed when no session has been started.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.current; s != nil {
		return s.released
	}
	if c.last != nil {
		return c.last.released
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Stats returns counters for the current session, or for the last one once
// it has ended.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	state := c.state
	s := c.current
	if s == nil {
		s = c.last
	}
	c.mu.Unlock()

	if s == nil {
		return Stats{State: state}
	}
	stats := s.stats()
	stats.State = state
	return stats
}

// Start acquires the microphone and speaker, opens the transport session and
// begins streaming. It returns once the session is active. On failure every
// resource acquired so far has been released by the time it returns. ctx
// bounds the connection attempt, not the session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateActive, StateStopping:
		err := &SessionAlreadyActiveError{State: c.state}
		if c.current != nil {
			err.SessionID = c.current.id
		}
		c.mu.Unlock()
		return err
	}

	s := c.newSession()
	c.current = s
	c.last = s
	c.err = nil
	c.transitionLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.notify()

	c.metrics.RecordSessionStart()
	s.logger.Info("🚀 Starting live session", "transport", c.tr.Name())

	if err := c.connect(ctx, s); err != nil {
		if s.aborted() {
			// Stop or a remote close got there first and already cleaned up.
			if cause := s.endCause(); cause != nil {
				return cause
			}
			return ErrStartAborted
		}
		s.logger.Error("❌ Failed to start live session", "err", err)
		c.end(s, err, metrics.OutcomeStartFailed)
		return err
	}
	return nil
}

// Stop ends the session and waits until the microphone, the speaker and the
// transport session have been released. It is a no-op when no session is
// running or one is already stopping.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	state := c.state
	c.mu.Unlock()

	if s == nil || state == StateStopping {
		return nil
	}

	outcome := metrics.OutcomeStopped
	if state == StateConnecting {
		outcome = metrics.OutcomeStartAborted
	}

	done := make(chan error, 1)
	go func() { done <- c.end(s, nil, outcome) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) newSession() *liveSession {
	id := uuid.NewString()
	logger := c.logger.With("session", id)

	// The device context outlives Start's ctx; it ends when the session is
	// released. abort cancels an in-flight connect as soon as the session
	// starts ending.
	ctx, cancel := context.WithCancel(context.Background())
	abortCtx, abort := context.WithCancel(ctx)

	return &liveSession{
		id:        id,
		startedAt: time.Now(),
		logger:    logger,
		metrics:   c.metrics,
		ctx:       ctx,
		cancel:    cancel,
		abortCtx:  abortCtx,
		abort:     abort,
		capture:   audio.NewCaptureSource(c.backend, c.cfg.Capture, logger),
		playback:  audio.NewPlaybackScheduler(c.backend, c.cfg.Playback, logger),
		released:  make(chan struct{}),
	}
}

// connect acquires the speaker, then the microphone, then the transport
// session, and makes the session active.
func (c *Controller) connect(ctx context.Context, s *liveSession) error {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopAbort := context.AfterFunc(s.abortCtx, cancel)
	defer stopAbort()

	if err := s.playback.Open(s.ctx); err != nil {
		return err
	}

	h, err := s.capture.Start(s.ctx, s.onFrame, s.onOverrun)
	if err != nil {
		return err
	}
	if !s.setCapture(h) {
		if err := s.capture.Stop(h); err != nil {
			s.logger.Warn("⚠️ Failed to release microphone", "err", err)
		}
		return ErrStartAborted
	}

	conn, err := c.tr.Open(openCtx, c.cfg.Transport, func(ev transport.Event) { c.handleEvent(s, ev) })
	if err != nil {
		return err
	}

	if !c.activate(s, conn) {
		_ = conn.Close()
		return ErrStartAborted
	}

	go c.watch(s, h)
	s.logger.Info("✅ Live session active", "capture_rate", s.capture.Properties().SampleRate,
		"playback_rate", s.playback.Properties().SampleRate)
	return nil
}

// activate hands conn to the session and moves to StateActive, unless the
// session has started ending in the meantime.
func (c *Controller) activate(s *liveSession, conn transport.Session) bool {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.activeAt = time.Now()
	// Sending becomes reachable only from here on.
	s.streaming.Store(true)

	c.mu.Lock()
	if c.current == s {
		c.transitionLocked(StateActive, nil)
	}
	c.mu.Unlock()
	s.mu.Unlock()

	c.notify()
	return true
}

// end releases the session's resources exactly once and settles the state
// on Idle, or on Failed when cause is set. Concurrent callers wait for the
// release to finish; only the first gets the release error.
func (c *Controller) end(s *liveSession, cause error, outcome string) error {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		<-s.released
		return nil
	}
	s.ending = true
	s.cause = cause
	h, conn := s.captureH, s.conn
	s.mu.Unlock()

	s.streaming.Store(false)
	s.abort()

	c.mu.Lock()
	if c.current == s {
		c.transitionLocked(StateStopping, nil)
	}
	c.mu.Unlock()
	c.notify()

	releaseErr := s.release(h, conn)
	if releaseErr != nil {
		s.logger.Warn("⚠️ Session released with errors", "err", releaseErr)
	}
	s.cancel()

	stats := s.stats()
	c.metrics.RecordDropped("outbound", stats.FramesDropped)
	c.metrics.RecordDropped("inbound", stats.EventsDropped)
	if cause != nil {
		c.metrics.RecordError(c.tr.Name(), errorType(cause))
	}
	var duration time.Duration
	if !s.activeAt.IsZero() {
		duration = time.Since(s.activeAt)
	}
	c.metrics.RecordSessionEnd(c.tr.Name(), outcome, duration)

	final := StateIdle
	if cause != nil {
		final = StateFailed
	}
	c.mu.Lock()
	if c.current == s {
		c.current = nil
		c.err = cause
		c.transitionLocked(final, cause)
	}
	c.mu.Unlock()

	s.logger.Info("🛑 Live session ended", "outcome", outcome,
		"frames_sent", stats.FramesSent, "segments", stats.SegmentsScheduled,
		"interruptions", stats.Interruptions)

	close(s.released)
	c.notify()
	return releaseErr
}

func (c *Controller) transitionLocked(state State, err error) {
	c.state = state
	c.pending = append(c.pending, stateChange{state: state, err: err})
}

// notify hands queued state changes to the observers in order. Only one
// goroutine drains the queue at a time; a change queued while an observer
// runs is delivered by that same drain.
func (c *Controller) notify() {
	c.mu.Lock()
	if c.notifying {
		c.mu.Unlock()
		return
	}
	c.notifying = true
	for len(c.pending) > 0 {
		change := c.pending[0]
		c.pending = c.pending[1:]
		observers := c.observers
		c.mu.Unlock()

		for _, fn := range observers {
			fn(change.state, change.err)
		}

		c.mu.Lock()
	}
	c.notifying = false
	c.mu.Unlock()
}

// watch ends the session when a device fails under it.
func (c *Controller) watch(s *liveSession, h *audio.CaptureHandle) {
	var err error
	select {
	case <-s.abortCtx.Done():
		return
	case <-h.Done():
		err = h.Err()
	case <-s.playback.Done():
		err = s.playback.Err()
	}
	if err == nil {
		return
	}
	s.logger.Error("❌ Audio device failed", "err", err)
	_ = c.end(s, fmt.Errorf("%w: %w", errDeviceLost, err), metrics.OutcomeFailed)
}

func (c *Controller) handleEvent(s *liveSession, ev transport.Event) {
	switch ev.Kind {
	case transport.EventAudio:
		s.play(ev)
	case transport.EventInterrupted:
		s.interruptions.Add(1)
		c.metrics.RecordInterruption()
		cursor := s.playback.Flush()
		s.logger.Debug("🔇 Interrupted, playback flushed", "cursor", cursor)
	case transport.EventClosed:
		s.logger.Info("🔗 Remote endpoint closed the session", "reason", ev.Reason)
		_ = c.end(s, nil, metrics.OutcomeClosed)
	case transport.EventError:
		err := ev.Err
		if err == nil {
			err = &transport.TransportError{Op: "remote", Err: errors.New("unknown error")}
		}
		s.logger.Error("❌ Live session failed", "err", err)
		_ = c.end(s, err, metrics.OutcomeFailed)
	default:
		s.logger.Debug("Ignoring event", "kind", ev.Kind)
	}
}

// liveSession is the state of one session. Its devices and transport
// session belong to it alone.
type liveSession struct {
	id        string
	startedAt time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	abortCtx context.Context
	abort    context.CancelFunc

	capture  *audio.CaptureSource
	playback *audio.PlaybackScheduler

	mu       sync.Mutex
	captureH *audio.CaptureHandle
	conn     transport.Session
	ending   bool
	cause    error
	activeAt time.Time
	released chan struct{}

	streaming atomic.Bool

	framesCaptured  atomic.Uint64
	framesDiscarded atomic.Uint64
	malformed       atomic.Uint64
	interruptions   atomic.Uint64
}

func (s *liveSession) setCapture(h *audio.CaptureHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ending {
		return false
	}
	s.captureH = h
	return true
}

func (s *liveSession) aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ending
}

func (s *liveSession) endCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// onFrame runs on the capture goroutine. It never waits on the network.
func (s *liveSession) onFrame(frame audio.CaptureFrame) {
	s.framesCaptured.Add(1)
	if !s.streaming.Load() {
		s.framesDiscarded.Add(1)
		return
	}

	pcm := audio.EncodePCM16(frame.Samples)
	s.conn.Send(transport.Frame{
		PCM:        pcm,
		SampleRate: frame.SampleRate,
		Sequence:   frame.Sequence,
	})
	s.metrics.RecordAudio("sent", len(pcm))
}

func (s *liveSession) onOverrun(*audio.CaptureOverrunError) {
	s.metrics.RecordOverrun()
}

// play decodes one inbound segment and schedules it. A segment that cannot
// be decoded is dropped and counted.
func (s *liveSession) play(ev transport.Event) {
	if ev.Err != nil {
		s.dropMalformed(ev.Err)
		return
	}
	samples, err := audio.DecodePCM16(ev.Audio, 1)
	if err != nil {
		s.dropMalformed(err)
		return
	}

	placement, err := s.playback.Enqueue(audio.Segment{Samples: samples, SampleRate: ev.SampleRate})
	if err != nil {
		if !errors.Is(err, audio.ErrSchedulerClosed) {
			s.logger.Warn("⚠️ Failed to schedule speech", "err", err)
		}
		return
	}
	s.metrics.RecordAudio("received", len(ev.Audio))
	s.logger.Debug("🔊 Segment scheduled",
		"start", placement.Start, "end", placement.End, "now", placement.Now)
}

func (s *liveSession) dropMalformed(err error) {
	n := s.malformed.Add(1)
	s.metrics.RecordMalformed()
	s.logger.Warn("⚠️ Dropping malformed audio segment", "err", err, "dropped", n)
}

// release stops the microphone, then the speaker, then the transport
// session. Every step runs even if an earlier one fails.
func (s *liveSession) release(h *audio.CaptureHandle, conn transport.Session) error {
	var errs []error
	if h != nil {
		if err := s.capture.Stop(h); err != nil {
			errs = append(errs, fmt.Errorf("failed to release microphone: %w", err))
		}
	}
	if err := s.playback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release speaker: %w", err))
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport session: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *liveSession) stats() Stats {
	s.mu.Lock()
	h, conn := s.captureH, s.conn
	s.mu.Unlock()

	stats := Stats{
		SessionID:         s.id,
		StartedAt:         s.startedAt,
		FramesCaptured:    s.framesCaptured.Load(),
		FramesDiscarded:   s.framesDiscarded.Load(),
		SegmentsScheduled: s.playback.Scheduled(),
		SegmentsMalformed: s.malformed.Load(),
		Interruptions:     s.interruptions.Load(),
		PlaybackNow:       s.playback.Now(),
		PlaybackCursor:    s.playback.Cursor(),

		PlaybackUnderflows: s.playback.Underflows(),
	}
	if h != nil {
		stats.CaptureOverruns = h.Overruns()
	}
	if conn != nil {
		ts := conn.Stats()
		stats.FramesSent = ts.FramesSent
		stats.FramesDropped = ts.FramesDropped
		stats.EventsDropped = ts.EventsDropped
	}
	return stats
}
