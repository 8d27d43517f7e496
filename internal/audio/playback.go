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

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Segment is a decoded block of mono speech ready for playback.
type Segment struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playing time of the segment.
func (s Segment) Duration() time.Duration {
	return framesToDuration(int64(len(s.Samples)), s.SampleRate)
}

// Placement reports where a segment landed on the device clock.
type Placement struct {
	Start time.Duration
	End   time.Duration
	Now   time.Duration // device time when the segment was enqueued
}

// PlaybackConfig describes how the speaker is opened.
type PlaybackConfig struct {
	SampleRate       int // rate of the segments handed to Enqueue
	DeviceSampleRate int // rate the speaker is opened at, defaults to SampleRate
	BufferSize       int // frames per device write
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = SpeechSampleRate
	}
	if c.DeviceSampleRate <= 0 {
		c.DeviceSampleRate = c.SampleRate
	}
	if c.BufferSize <= 0 {
		// 20ms blocks keep flush latency low.
		c.BufferSize = c.DeviceSampleRate / 50
	}
	return c
}

// PlaybackScheduler owns the speaker and plays segments back to back on the
// device clock. The clock is the number of frames rendered to the device, so
// it advances at the device's real rate, with silence filling any gaps.
type PlaybackScheduler struct {
	backend AudioBackend
	cfg     PlaybackConfig
	logger  *slog.Logger

	mu         sync.Mutex
	tl         timeline
	pos        int64 // device clock, in frames
	stream     StreamInterface
	opened     bool
	closed     bool
	resamplers map[int]*Resampler

	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error

	scheduled  atomic.Uint64
	flushes    atomic.Uint64
	underflows atomic.Uint64
}

// NewPlaybackScheduler creates a scheduler on the given backend. The speaker
// is not touched until Open.
func NewPlaybackScheduler(backend AudioBackend, cfg PlaybackConfig, logger *slog.Logger) *PlaybackScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackScheduler{
		backend:    backend,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		resamplers: make(map[int]*Resampler),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Properties returns the format the speaker was opened with.
func (p *PlaybackScheduler) Properties() DeviceProperties {
	return DeviceProperties{
		SampleRate: float64(p.cfg.DeviceSampleRate),
		Channels:   1,
		BufferSize: p.cfg.BufferSize,
	}
}

// Open acquires the speaker and starts the device clock. The speaker is
// released by Close or when ctx ends.
func (p *PlaybackScheduler) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSchedulerClosed
	}
	if p.opened {
		return errors.New("playback scheduler already open")
	}

	stream, err := p.backend.CreateOutputStream(float64(p.cfg.DeviceSampleRate), 1, p.cfg.BufferSize)
	if err != nil {
		return asDeviceError("speaker", err)
	}
	if err := stream.Start(); err != nil {
		if closeErr := stream.Close(); closeErr != nil {
			p.logger.Warn("⚠️ Failed to close speaker after start failure", "err", closeErr)
		}
		return asDeviceError("speaker", err)
	}

	p.stream = stream
	p.opened = true
	go p.renderLoop(stream)

	context.AfterFunc(ctx, func() {
		if err := p.Close(); err != nil {
			p.logger.Warn("⚠️ Failed to release speaker", "err", err)
		}
	})

	p.logger.Info("🔊 Playback started",
		"device_rate", p.cfg.DeviceSampleRate, "segment_rate", p.cfg.SampleRate, "buffer", p.cfg.BufferSize)
	return nil
}

// Enqueue schedules seg to start at max(cursor, now) and advances the cursor
// by its duration. Segments are never dropped.
func (p *PlaybackScheduler) Enqueue(seg Segment) (Placement, error) {
	if seg.SampleRate <= 0 {
		seg.SampleRate = p.cfg.SampleRate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened || p.closed {
		return Placement{}, ErrSchedulerClosed
	}

	samples := seg.Samples
	if seg.SampleRate != p.cfg.DeviceSampleRate {
		samples = p.resamplerFor(seg.SampleRate).Process(samples)
	}

	now := p.pos
	start := p.tl.schedule(samples, now)
	p.scheduled.Add(1)

	rate := p.cfg.DeviceSampleRate
	return Placement{
		Start: framesToDuration(start, rate),
		End:   framesToDuration(start+int64(len(samples)), rate),
		Now:   framesToDuration(now, rate),
	}, nil
}

// Flush stops whatever is playing, discards everything queued and resets
// the cursor to the current device time, which it returns.
func (p *PlaybackScheduler) Flush() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	discarded := p.tl.flush(p.pos)
	// Resampler state belongs to the discarded audio.
	clear(p.resamplers)
	p.flushes.Add(1)

	if discarded > 0 {
		p.logger.Debug("🔇 Playback flushed", "discarded", discarded)
	}
	return framesToDuration(p.pos, p.cfg.DeviceSampleRate)
}

// Now returns the device clock.
func (p *PlaybackScheduler) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return framesToDuration(p.pos, p.cfg.DeviceSampleRate)
}

// Cursor returns where the next segment would start if the device clock
// had not passed it.
func (p *PlaybackScheduler) Cursor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return framesToDuration(p.tl.cursor, p.cfg.DeviceSampleRate)
}

// Pending returns the number of segments not yet finished.
func (p *PlaybackScheduler) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tl.pending()
}

// Scheduled returns the number of segments accepted by Enqueue.
func (p *PlaybackScheduler) Scheduled() uint64 { return p.scheduled.Load() }

// Underflows returns how many times the device ran dry before a buffer
// arrived.
func (p *PlaybackScheduler) Underflows() uint64 { return p.underflows.Load() }

// Err returns the device failure that stopped playback, if any.
func (p *PlaybackScheduler) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Done is closed when the render loop exits.
func (p *PlaybackScheduler) Done() <-chan struct{} {
	return p.loopDone
}

// Close stops playback immediately and releases the speaker. It is safe to
// call more than once and before Open.
func (p *PlaybackScheduler) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		opened := p.opened
		stream := p.stream
		p.tl.flush(p.pos)
		p.mu.Unlock()

		close(p.stop)
		if !opened {
			return
		}
		p.closeErr = releaseStream(stream, p.loopDone, p.logger, "speaker")
		p.logger.Info("🔊 Playback stopped", "segments", p.scheduled.Load(), "flushes", p.flushes.Load())
	})
	return p.closeErr
}

func (p *PlaybackScheduler) renderLoop(stream StreamInterface) {
	defer close(p.loopDone)

	buf := make([]float32, p.cfg.BufferSize)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		p.tl.render(buf, p.pos)
		p.pos += int64(len(buf))
		p.mu.Unlock()

		err := stream.Write(buf)
		if errors.Is(err, ErrOutputUnderflow) {
			if n := p.underflows.Add(1); n == 1 || n%100 == 0 {
				p.logger.Warn("⚠️ Speaker underflow", "underflows", n)
			}
			continue
		}
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			p.logger.Error("❌ Speaker write failed", "err", err)
			p.errMu.Lock()
			p.err = &DeviceUnavailableError{Device: "speaker", Err: fmt.Errorf("write failed: %w", err)}
			p.errMu.Unlock()
			return
		}
	}
}

func (p *PlaybackScheduler) resamplerFor(rate int) *Resampler {
	r, ok := p.resamplers[rate]
	if !ok {
		r = NewResampler(rate, p.cfg.DeviceSampleRate)
		p.resamplers[rate] = r
	}
	return r
}

func framesToDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
