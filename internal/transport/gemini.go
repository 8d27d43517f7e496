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
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// liveConn is the part of *genai.Session a voice session uses.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GeminiTransport opens sessions through the Gemini Live API client.
type GeminiTransport struct {
	logger  *slog.Logger
	connect func(ctx context.Context, cfg Config) (liveConn, error)
}

// NewGeminiTransport creates a Gemini Live transport. cfg.APIKey is used for
// authentication and cfg.Endpoint, when set, overrides the API base URL.
func NewGeminiTransport(logger *slog.Logger) *GeminiTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiTransport{logger: logger, connect: connectGenAI}
}

// Name implements Transport.
func (t *GeminiTransport) Name() string { return "gemini" }

func connectGenAI(ctx context.Context, cfg Config) (liveConn, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		connectCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}

	session, err := client.Live.Connect(ctx, cfg.Model, connectCfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Open connects and waits for the setup acknowledgment.
func (t *GeminiTransport) Open(ctx context.Context, cfg Config, handler Handler) (Session, error) {
	cfg = cfg.WithDefaults()
	connectErr := func(err error) error {
		return &ConnectError{Transport: t.Name(), Endpoint: cfg.Endpoint, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	t.logger.Info("🔗 Connecting Gemini live session", "model", cfg.Model, "voice", cfg.Voice)

	conn, err := t.connect(ctx, cfg)
	if err != nil {
		return nil, connectErr(err)
	}

	ready := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				ready <- fmt.Errorf("failed waiting for setup acknowledgment: %w", err)
				return
			}
			if msg.SetupComplete != nil {
				ready <- nil
				return
			}
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = conn.Close()
			return nil, connectErr(err)
		}
	case <-ctx.Done():
		_ = conn.Close()
		return nil, connectErr(fmt.Errorf("handshake aborted: %w", ctx.Err()))
	}

	s := &geminiSession{
		Duplex: NewDuplex(handler, cfg.SendQueue, cfg.EventQueue, t.logger),
		conn:   conn,
		cfg:    cfg,
		logger: t.logger,
	}
	go s.readLoop()
	go s.writeLoop()

	t.logger.Info("🔗 Gemini live session ready", "model", cfg.Model)
	return s, nil
}

type geminiSession struct {
	*Duplex

	conn   liveConn
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once
}

// Close ends the live session.
func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.Duplex.Close()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Live session close failed", "err", err)
		}

		stats := s.Stats()
		s.logger.Info("🔗 Gemini live session closed",
			"frames_sent", stats.FramesSent, "frames_dropped", stats.FramesDropped,
			"events", stats.EventsDelivered, "events_dropped", stats.EventsDropped)
	})
	return nil
}

func (s *geminiSession) readLoop() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.Closed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				s.Finish("remote endpoint closed the session")
				return
			}
			s.Fail("receive", err)
			return
		}
		for _, ev := range liveMessageEvents(msg, s.cfg.OutputSampleRate) {
			s.Deliver(ev)
		}
	}
}

func (s *geminiSession) writeLoop() {
	for {
		frame, ok := s.NextFrame()
		if !ok {
			return
		}

		input := genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: frame.PCM, MIMEType: frame.MIMEType()},
		}
		if err := s.conn.SendRealtimeInput(input); err != nil {
			if !s.Closed() {
				s.Fail("send", err)
			}
			return
		}
		s.MarkSent()
	}
}

// liveMessageEvents maps an SDK server message onto session events.
func liveMessageEvents(msg *genai.LiveServerMessage, defaultRate int) []Event {
	if msg == nil {
		return nil
	}

	var events []Event
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil || p.InlineData == nil || !isAudioMIME(p.InlineData.MIMEType) {
					continue
				}
				events = append(events, audioEvent(p.InlineData.Data, nil, p.InlineData.MIMEType, defaultRate))
			}
		}
		if sc.Interrupted {
			events = append(events, Event{Kind: EventInterrupted})
		}
	}
	if msg.GoAway != nil {
		events = append(events, Event{Kind: EventClosed, Reason: "remote endpoint going away"})
	}
	return events
}
