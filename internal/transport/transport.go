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

// Package transport defines the duplex session used by a live voice session
// and provides WebSocket and Gemini Live implementations of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-live-go/internal/audio"
)

// ErrUnsupportedFrame is returned for inbound messages whose shape is not
// recognised.
var ErrUnsupportedFrame = errors.New("unsupported frame")

// EventKind tags an inbound Event.
type EventKind int

const (
	EventAudio EventKind = iota
	EventInterrupted
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound message from the remote endpoint.
//
// EventAudio carries PCM16 little-endian mono speech in Audio. If the payload
// could not be decoded, Audio is empty and Err holds an
// *audio.MalformedAudioError. EventClosed carries a Reason and EventError
// carries Err.
type Event struct {
	Kind       EventKind
	Audio      []byte
	SampleRate int
	Reason     string
	Err        error
}

// Handler receives inbound events in the order the remote endpoint produced
// them. It is never called concurrently.
type Handler func(Event)

// Frame is one encoded capture frame.
type Frame struct {
	PCM        []byte
	SampleRate int
	Sequence   uint64
}

// MIMEType returns the media type tag sent alongside the frame.
func (f Frame) MIMEType() string {
	return audio.PCMMimeType(f.SampleRate)
}

// Config is what a transport needs to open a session.
type Config struct {
	Endpoint          string
	APIKey            string
	DeviceID          string
	Model             string
	Voice             string
	SystemInstruction string

	InputSampleRate  int
	OutputSampleRate int

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	SendQueue  int // outbound frames buffered before the oldest is dropped
	EventQueue int // inbound events buffered before the oldest audio is dropped
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Model:             "gemini-2.5-flash-native-audio-preview-09-2025",
		Voice:             "Zephyr",
		SystemInstruction: "You are a creative partner for a solopreneur. Help brainstorm ideas concisely while walking or driving.",
		InputSampleRate:   audio.CaptureSampleRate,
		OutputSampleRate:  audio.SpeechSampleRate,
		ConnectTimeout:    15 * time.Second,
		WriteTimeout:      5 * time.Second,
		SendQueue:         64,
		EventQueue:        256,
	}
}

// WithDefaults returns c with every unset field filled from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Voice == "" {
		c.Voice = d.Voice
	}
	if c.SystemInstruction == "" {
		c.SystemInstruction = d.SystemInstruction
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = d.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = d.OutputSampleRate
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.EventQueue <= 0 {
		c.EventQueue = d.EventQueue
	}
	return c
}

// Transport opens duplex sessions with a remote endpoint.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Open connects and returns once the endpoint has acknowledged the
	// session. Events are delivered to handler from then until Close.
	// Failures are reported as *ConnectError.
	Open(ctx context.Context, cfg Config, handler Handler) (Session, error)
}

// Session is an open duplex session.
type Session interface {
	// Send queues a frame for delivery and never blocks. Delivery problems
	// surface as an EventError, never here.
	Send(frame Frame)

	// Close ends the session. It is idempotent and safe to call from the
	// event handler.
	Close() error

	// Stats returns the session's traffic counters.
	Stats() Stats
}

// Stats counts traffic on one session.
type Stats struct {
	FramesSent      uint64
	FramesDropped   uint64 // outbound frames lost to a full send queue
	EventsDelivered uint64
	EventsDropped   uint64 // inbound audio lost to a full event queue
}

// ConnectError reports a session that could not be opened.
type ConnectError struct {
	Transport string
	Endpoint  string
	Err       error
}

func (e *ConnectError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%s connect failed: %v", e.Transport, e.Err)
	}
	return fmt.Sprintf("%s connect to %s failed: %v", e.Transport, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError reports a failure of an open session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
