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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks the live JSON protocol over a plain WebSocket.
type WebSocketTransport struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Open dials the endpoint, sends the setup message and waits for the
// endpoint to acknowledge it.
func (t *WebSocketTransport) Open(ctx context.Context, cfg Config, handler Handler) (Session, error) {
	cfg = cfg.WithDefaults()
	if cfg.Endpoint == "" {
		return nil, &ConnectError{Transport: t.Name(), Err: errors.New("no endpoint configured")}
	}
	connectErr := func(err error) error {
		return &ConnectError{Transport: t.Name(), Endpoint: cfg.Endpoint, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("x-goog-api-key", cfg.APIKey)
	}

	t.logger.Info("🔗 Connecting live session", "endpoint", cfg.Endpoint, "model", cfg.Model, "voice", cfg.Voice)

	conn, resp, err := t.dialer.DialContext(ctx, cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, connectErr(err)
	}

	// Cancelling ctx during the handshake unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = t.handshake(ctx, conn, cfg)
	if !stop() {
		err = fmt.Errorf("handshake aborted: %w", ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, connectErr(err)
	}

	s := &wsSession{
		Duplex: NewDuplex(handler, cfg.SendQueue, cfg.EventQueue, t.logger),
		conn:   conn,
		cfg:    cfg,
		logger: t.logger,
	}
	go s.readLoop()
	go s.writeLoop()

	t.logger.Info("🔗 Live session ready", "endpoint", cfg.Endpoint)
	return s, nil
}

func (t *WebSocketTransport) handshake(ctx context.Context, conn *websocket.Conn, cfg Config) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(newSetupMessage(cfg)); err != nil {
		return fmt.Errorf("failed to send setup: %w", err)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed waiting for setup acknowledgment: %w", err)
		}

		events, ready, err := decodeServerMessage(payload, cfg.OutputSampleRate)
		if err != nil {
			t.logger.Debug("Ignoring message during setup", "err", err)
			continue
		}
		for _, ev := range events {
			if ev.Kind == EventError || ev.Kind == EventClosed {
				if ev.Err != nil {
					return ev.Err
				}
				return errors.New(ev.Reason)
			}
		}
		if ready {
			break
		}
	}

	_ = conn.SetWriteDeadline(time.Time{})
	return conn.SetReadDeadline(time.Time{})
}

type wsSession struct {
	*Duplex

	conn   *websocket.Conn
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
}

// Close sends a close frame and drops the connection.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.Duplex.Close()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.logger.Debug("Close frame not sent", "err", err)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Connection close failed", "err", err)
		}

		stats := s.Stats()
		s.logger.Info("🔗 Live session closed",
			"frames_sent", stats.FramesSent, "frames_dropped", stats.FramesDropped,
			"events", stats.EventsDelivered, "events_dropped", stats.EventsDropped)
	})
	return nil
}

func (s *wsSession) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.Closed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				reason := closeErr.Text
				if reason == "" {
					reason = "remote endpoint closed the session"
				}
				s.Finish(reason)
				return
			}
			s.Fail("receive", err)
			return
		}

		events, _, err := decodeServerMessage(payload, s.cfg.OutputSampleRate)
		if err != nil {
			s.logger.Debug("Ignoring unrecognised message", "err", err)
			continue
		}
		for _, ev := range events {
			s.Deliver(ev)
		}
	}
}

func (s *wsSession) writeLoop() {
	for {
		frame, ok := s.NextFrame()
		if !ok {
			return
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.WriteJSON(newAudioMessage(frame)); err != nil {
			if !s.Closed() {
				s.Fail("send", err)
			}
			return
		}
		s.MarkSent()
	}
}
