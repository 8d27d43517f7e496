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

// CaptureFrame is one block of normalized microphone samples.
type CaptureFrame struct {
	Samples    []float32
	SampleRate int
	Sequence   uint64
	CapturedAt time.Time
}

// Duration returns the amount of audio the frame holds.
func (f CaptureFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// FrameHandler consumes capture frames. It is always called from a single
// goroutine, in capture order.
type FrameHandler func(frame CaptureFrame)

// OverrunHandler is told about every frame lost to a full delivery queue.
type OverrunHandler func(err *CaptureOverrunError)

// CaptureConfig describes how the microphone is opened.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	BlockSize  int // samples per channel per frame
	QueueDepth int // frames buffered between the device and the consumer
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = CaptureSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8
	}
	return c
}

// CaptureSource owns the microphone. At most one capture runs at a time;
// the device is released by Stop or when the start context ends.
type CaptureSource struct {
	backend AudioBackend
	cfg     CaptureConfig
	logger  *slog.Logger

	mu     sync.Mutex
	active *CaptureHandle
}

// CaptureHandle identifies one running capture.
type CaptureHandle struct {
	stream StreamInterface
	cancel context.CancelFunc

	readerDone  chan struct{}
	deliverDone chan struct{}

	releaseOnce sync.Once
	releaseErr  error

	errMu sync.Mutex
	err   error

	delivered atomic.Uint64
	overruns  atomic.Uint64
}

// NewCaptureSource creates a capture source on the given backend.
func NewCaptureSource(backend AudioBackend, cfg CaptureConfig, logger *slog.Logger) *CaptureSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureSource{
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Properties returns the format frames are delivered in.
func (c *CaptureSource) Properties() DeviceProperties {
	return DeviceProperties{
		SampleRate: float64(c.cfg.SampleRate),
		Channels:   c.cfg.Channels,
		BufferSize: c.cfg.BlockSize,
	}
}

// Start opens the microphone and begins delivering frames to onFrame.
// Frames the consumer cannot keep up with are reported to onOverrun.
func (c *CaptureSource) Start(ctx context.Context, onFrame FrameHandler, onOverrun OverrunHandler) (*CaptureHandle, error) {
	if onFrame == nil {
		return nil, errors.New("capture requires a frame handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, &DeviceUnavailableError{Device: "microphone", Err: errors.New("already in use")}
	}

	stream, err := c.backend.CreateInputStream(float64(c.cfg.SampleRate), c.cfg.Channels, c.cfg.BlockSize)
	if err != nil {
		return nil, asDeviceError("microphone", err)
	}
	if err := stream.Start(); err != nil {
		if closeErr := stream.Close(); closeErr != nil {
			c.logger.Warn("⚠️ Failed to close microphone after start failure", "err", closeErr)
		}
		return nil, asDeviceError("microphone", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &CaptureHandle{
		stream:      stream,
		cancel:      cancel,
		readerDone:  make(chan struct{}),
		deliverDone: make(chan struct{}),
	}
	c.active = h

	queue := make(chan CaptureFrame, c.cfg.QueueDepth)
	go c.readLoop(runCtx, h, queue, onOverrun)
	go c.deliverLoop(runCtx, h, queue, onFrame)

	// Release the device if the caller's context ends without a Stop.
	context.AfterFunc(runCtx, func() {
		if err := c.Stop(h); err != nil {
			c.logger.Warn("⚠️ Failed to release microphone", "err", err)
		}
	})

	c.logger.Info("🎤 Capture started",
		"sample_rate", c.cfg.SampleRate, "block_size", c.cfg.BlockSize, "queue_depth", c.cfg.QueueDepth)
	return h, nil
}

// Stop releases the microphone held by h. It waits for the in-flight device
// read to return and is safe to call more than once.
func (c *CaptureSource) Stop(h *CaptureHandle) error {
	if h == nil {
		return nil
	}

	h.releaseOnce.Do(func() {
		h.cancel()
		h.releaseErr = releaseStream(h.stream, h.readerDone, c.logger, "microphone")

		c.mu.Lock()
		if c.active == h {
			c.active = nil
		}
		c.mu.Unlock()

		c.logger.Info("🎤 Capture stopped",
			"frames", h.delivered.Load(), "overruns", h.overruns.Load())
	})
	return h.releaseErr
}

// releaseStream stops and closes a stream whose loop goroutine signals done.
// Stopping unblocks a pending Read or Write. A stream that fails to stop is
// closed before waiting, and if that fails too the loop is left behind so
// the caller can still release its other resources.
func releaseStream(stream StreamInterface, done <-chan struct{}, logger *slog.Logger, device string) error {
	stopErr := stream.Stop()
	if stopErr == nil {
		<-done
		return stream.Close()
	}

	closeErr := stream.Close()
	if closeErr == nil {
		<-done
	} else {
		logger.Warn("⚠️ Device did not stop or close, abandoning its loop", "device", device,
			"stop_err", stopErr, "close_err", closeErr)
	}
	return errors.Join(stopErr, closeErr)
}

func (c *CaptureSource) readLoop(ctx context.Context, h *CaptureHandle, queue chan<- CaptureFrame, onOverrun OverrunHandler) {
	defer close(h.readerDone)
	defer close(queue)

	var seq uint64
	for ctx.Err() == nil {
		buf := make([]float32, c.cfg.BlockSize*c.cfg.Channels)
		err := h.stream.Read(buf)
		if err != nil && !errors.Is(err, ErrInputOverflow) {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("❌ Microphone read failed", "err", err)
			h.setErr(&DeviceUnavailableError{Device: "microphone", Err: err})
			return
		}
		if err != nil {
			// The block is still good; the audio before it is not.
			c.reportOverrun(&CaptureOverrunError{Sequence: seq, Total: h.overruns.Add(1), Device: true}, onOverrun)
		}

		frame := CaptureFrame{
			Samples:    buf,
			SampleRate: c.cfg.SampleRate,
			Sequence:   seq,
			CapturedAt: time.Now(),
		}
		seq++

		select {
		case queue <- frame:
		default:
			c.reportOverrun(&CaptureOverrunError{
				Sequence: frame.Sequence,
				Capacity: cap(queue),
				Total:    h.overruns.Add(1),
			}, onOverrun)
		}
	}
}

func (c *CaptureSource) reportOverrun(overrun *CaptureOverrunError, onOverrun OverrunHandler) {
	c.logger.Warn("⚠️ Capture overrun", "err", overrun)
	if onOverrun != nil {
		onOverrun(overrun)
	}
}

func (c *CaptureSource) deliverLoop(ctx context.Context, h *CaptureHandle, queue <-chan CaptureFrame, onFrame FrameHandler) {
	defer close(h.deliverDone)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-queue:
			if !ok {
				return
			}
			onFrame(frame)
			h.delivered.Add(1)
		}
	}
}

// Done is closed once the capture has stopped delivering frames, whether
// through Stop, cancellation or a device failure.
func (h *CaptureHandle) Done() <-chan struct{} {
	return h.deliverDone
}

// Err returns the device failure that ended the capture, if any.
func (h *CaptureHandle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Delivered returns the number of frames handed to the consumer.
func (h *CaptureHandle) Delivered() uint64 { return h.delivered.Load() }

// Overruns returns the number of frames lost to a full queue.
func (h *CaptureHandle) Overruns() uint64 { return h.overruns.Load() }

func (h *CaptureHandle) setErr(err error) {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func asDeviceError(device string, err error) error {
	var devErr *DeviceUnavailableError
	if errors.As(err, &devErr) {
		return err
	}
	return &DeviceUnavailableError{Device: device, Err: fmt.Errorf("open failed: %w", err)}
}
