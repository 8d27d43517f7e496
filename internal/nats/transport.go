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

// Package nats carries live voice sessions over a NATS hub. The device opens
// a session with a request on live.<device>.connect, then streams capture
// audio on live.<session>.up and receives speech and control frames on
// live.<session>.down.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-live-go/internal/transport"
)

// Connection is the part of *nats.Conn the transport uses.
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
	Close()
}

// Subscription is the part of *nats.Subscription the transport uses.
type Subscription interface {
	Unsubscribe() error
}

// ConnectionAdapter adapts *nats.Conn to Connection.
type ConnectionAdapter struct {
	conn *nats.Conn
}

// NewConnectionAdapter wraps an established connection.
func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	return a.conn.RequestWithContext(ctx, subject, data)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// ConnectRequest asks the hub to start a live session.
type ConnectRequest struct {
	SessionID         string `json:"session_id"`
	DeviceID          string `json:"device_id"`
	Model             string `json:"model"`
	Voice             string `json:"voice,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
	InputSampleRate   int    `json:"input_sample_rate"`
	OutputSampleRate  int    `json:"output_sample_rate"`
}

// ConnectReply is the hub's answer to a ConnectRequest.
type ConnectReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ConnectSubject returns the subject a device opens sessions on.
func ConnectSubject(deviceID string) string { return fmt.Sprintf("live.%s.connect", deviceID) }

// UplinkSubject returns the subject capture audio is published on.
func UplinkSubject(sessionID string) string { return fmt.Sprintf("live.%s.up", sessionID) }

// DownlinkSubject returns the subject the hub publishes speech on.
func DownlinkSubject(sessionID string) string { return fmt.Sprintf("live.%s.down", sessionID) }

const defaultDeviceID = "loqa-live"

// Transport opens live sessions through a NATS hub. One connection serves
// every session.
type Transport struct {
	conn   Connection
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewTransport creates a transport on an existing connection.
func NewTransport(conn Connection, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		conn:     conn,
		logger:   logger,
		sessions: make(map[*session]struct{}),
	}
}

// Dial connects to the NATS server, retrying a few times before giving up.
func Dial(ctx context.Context, url, name string, logger *slog.Logger) (*Transport, error) {
	t := NewTransport(nil, logger)

	opts := []nats.Option{
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("⚠️ NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("✅ NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.failAll(nats.ErrConnectionClosed)
		}),
	}

	const attempts = 5
	var nc *nats.Conn
	var err error
	for i := range attempts {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		t.logger.Warn("⚠️ Failed to connect to NATS", "attempt", i+1, "of", attempts, "err", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	t.logger.Info("✅ Connected to NATS", "url", url)
	t.conn = NewConnectionAdapter(nc)
	return t, nil
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return "nats" }

// Open asks the hub for a session and waits for its reply.
func (t *Transport) Open(ctx context.Context, cfg transport.Config, handler transport.Handler) (transport.Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.DeviceID == "" {
		cfg.DeviceID = defaultDeviceID
	}
	connectErr := func(err error) error {
		return &transport.ConnectError{Transport: t.Name(), Endpoint: ConnectSubject(cfg.DeviceID), Err: err}
	}
	if t.conn == nil {
		return nil, connectErr(nats.ErrConnectionClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	id := uuid.New()
	s := &session{
		Duplex:  transport.NewDuplex(handler, cfg.SendQueue, cfg.EventQueue, t.logger),
		t:       t,
		id:      id.String(),
		frameID: id.ID(),
		cfg:     cfg,
		logger:  t.logger.With("session", id.String()),
	}

	// Subscribe before asking so nothing the hub sends right away is lost.
	sub, err := t.conn.Subscribe(DownlinkSubject(s.id), s.handleDownlink)
	if err != nil {
		s.Duplex.Close()
		return nil, connectErr(fmt.Errorf("failed to subscribe: %w", err))
	}
	s.sub = sub

	if err := t.requestSession(ctx, s, cfg); err != nil {
		s.Duplex.Close()
		if unsubErr := sub.Unsubscribe(); unsubErr != nil {
			t.logger.Debug("Unsubscribe failed", "err", unsubErr)
		}
		return nil, connectErr(err)
	}

	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()

	go s.writeLoop()

	s.logger.Info("🔗 NATS live session ready", "device", cfg.DeviceID)
	return s, nil
}

func (t *Transport) requestSession(ctx context.Context, s *session, cfg transport.Config) error {
	req, err := json.Marshal(ConnectRequest{
		SessionID:         s.id,
		DeviceID:          cfg.DeviceID,
		Model:             cfg.Model,
		Voice:             cfg.Voice,
		SystemInstruction: cfg.SystemInstruction,
		InputSampleRate:   cfg.InputSampleRate,
		OutputSampleRate:  cfg.OutputSampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to encode connect request: %w", err)
	}

	msg, err := t.conn.RequestWithContext(ctx, ConnectSubject(cfg.DeviceID), req)
	if err != nil {
		return fmt.Errorf("connect request failed: %w", err)
	}

	var reply ConnectReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("invalid connect reply: %w", err)
	}
	if !reply.OK {
		if reply.Error == "" {
			reply.Error = "session refused"
		}
		return errors.New(reply.Error)
	}
	return nil
}

// Close ends every open session and closes the connection.
func (t *Transport) Close() {
	t.failAll(nil)
	if t.conn != nil {
		t.conn.Close()
		t.logger.Info("🔌 NATS connection closed")
	}
}

// failAll reports err to every open session, or closes them when err is nil.
func (t *Transport) failAll(err error) {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		if err != nil {
			s.Fail("connection", err)
			continue
		}
		_ = s.Close()
	}
}

func (t *Transport) forget(s *session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

type session struct {
	*transport.Duplex

	t       *Transport
	id      string
	frameID uint32
	cfg     transport.Config
	sub     Subscription
	logger  *slog.Logger

	closeOnce sync.Once
	sequence  atomic.Uint32
}

// Close tells the hub the session is over and stops listening.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.Duplex.Close()
		s.t.forget(s)

		if err := s.publish(FrameTypeClose, []byte("session ended")); err != nil {
			s.logger.Debug("Close frame not sent", "err", err)
		}
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("Unsubscribe failed", "err", err)
		}

		stats := s.Stats()
		s.logger.Info("🔗 NATS live session closed",
			"frames_sent", stats.FramesSent, "frames_dropped", stats.FramesDropped,
			"events", stats.EventsDelivered, "events_dropped", stats.EventsDropped)
	})
	return nil
}

func (s *session) handleDownlink(msg *nats.Msg) {
	frame, err := UnmarshalFrame(msg.Data)
	if err != nil {
		s.logger.Debug("Ignoring invalid frame", "err", err)
		return
	}

	switch frame.Type {
	case FrameTypeAudio:
		s.Deliver(transport.Event{Kind: transport.EventAudio, Audio: frame.Data, SampleRate: s.cfg.OutputSampleRate})
	case FrameTypeInterrupted:
		s.Deliver(transport.Event{Kind: transport.EventInterrupted})
	case FrameTypeClose:
		reason := string(frame.Data)
		if reason == "" {
			reason = "hub closed the session"
		}
		s.Finish(reason)
	case FrameTypeError:
		s.Fail("remote", errors.New(string(frame.Data)))
	case FrameTypeHeartbeat:
	default:
		s.logger.Debug("Ignoring frame", "type", frame.Type, "err", transport.ErrUnsupportedFrame)
	}
}

func (s *session) writeLoop() {
	for {
		frame, ok := s.NextFrame()
		if !ok {
			return
		}
		for _, chunk := range splitPCM(frame.PCM) {
			if err := s.publish(FrameTypeAudio, chunk); err != nil {
				if !s.Closed() {
					s.Fail("send", err)
				}
				return
			}
		}
		s.MarkSent()
	}
}

func (s *session) publish(frameType FrameType, data []byte) error {
	frame := Frame{
		Type:      frameType,
		SessionID: s.frameID,
		Sequence:  s.sequence.Add(1) - 1,
		Timestamp: uint64(time.Now().UnixMicro()), //nolint:gosec // G115: wall clock is positive
		Data:      data,
	}
	payload, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	return s.t.conn.Publish(UplinkSubject(s.id), payload)
}
