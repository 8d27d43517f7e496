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

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-live-go/internal/audio"
	"github.com/loqalabs/loqa-live-go/internal/config"
	"github.com/loqalabs/loqa-live-go/internal/session"
	"github.com/loqalabs/loqa-live-go/internal/transport"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults leave config untouched", func(t *testing.T) {
		opts, err := parseFlags(nil, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, &options{}, opts)
	})

	t.Run("all flags", func(t *testing.T) {
		opts, err := parseFlags([]string{
			"-config", "live.yaml",
			"-transport", "nats",
			"-endpoint", "wss://example.test/live",
			"-nats", "nats://hub:4222",
			"-id", "kitchen",
			"-model", "models/test",
			"-voice", "Puck",
			"-log-level", "debug",
			"-log-file", "live.log",
			"-metrics-addr", ":9102",
		}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, &options{
			configPath:  "live.yaml",
			transport:   "nats",
			endpoint:    "wss://example.test/live",
			natsURL:     "nats://hub:4222",
			deviceID:    "kitchen",
			model:       "models/test",
			voice:       "Puck",
			logLevel:    "debug",
			logFile:     "live.log",
			metricsAddr: ":9102",
		}, opts)
	})

	t.Run("help documents every flag", func(t *testing.T) {
		var out bytes.Buffer
		_, err := parseFlags([]string{"-h"}, &out)
		assert.ErrorIs(t, err, flag.ErrHelp)
		for _, name := range []string{"-config", "-transport", "-endpoint", "-nats", "-id", "-model", "-voice", "-log-level", "-log-file", "-metrics-addr"} {
			assert.Contains(t, out.String(), name, "should document flag %s", name)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := parseFlags([]string{"-hub", "localhost"}, &bytes.Buffer{})
		assert.Error(t, err)
	})

	t.Run("stray arguments", func(t *testing.T) {
		_, err := parseFlags([]string{"start"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestOptionsApply(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LOQA_LIVE_GEMINI_APIKEY", "")

	tests := []struct {
		name  string
		opts  options
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "websocket endpoint",
			opts: options{transport: "websocket", endpoint: "wss://example.test/live", voice: "Kore"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "wss://example.test/live", cfg.TransportConfig().Endpoint)
				assert.Equal(t, "Kore", cfg.Session.Voice)
			},
		},
		{
			name: "nats",
			opts: options{transport: "nats", natsURL: "nats://hub:4222", deviceID: "kitchen", metricsAddr: ":9102"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "nats://hub:4222", cfg.TransportConfig().Endpoint)
				assert.Equal(t, "kitchen", cfg.TransportConfig().DeviceID)
				assert.Equal(t, ":9102", cfg.Metrics.Addr)
			},
		},
		{
			name: "log flags",
			opts: options{transport: "websocket", logLevel: "warn", logFile: "/tmp/live.log"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "warn", cfg.Log.Level)
				assert.Equal(t, "/tmp/live.log", cfg.Log.File)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := config.New()
			tt.opts.apply(v)
			cfg, err := config.Load(v, "")
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestOptionsApply_GeminiEndpointIsBaseURL(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")

	v := config.New()
	(&options{transport: "gemini", endpoint: "https://proxy.example.test"}).apply(v)
	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example.test", cfg.Gemini.BaseURL)
	assert.Equal(t, config.DefaultLiveEndpoint, cfg.Gemini.Endpoint)
	assert.Equal(t, "https://proxy.example.test", cfg.TransportConfig().Endpoint)
}

func TestOptionsApply_EndpointFollowsFileTransport(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LOQA_LIVE_GEMINI_APIKEY", "")
	t.Setenv("LOQA_LIVE_TRANSPORT", "")

	path := filepath.Join(t.TempDir(), "live.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: gemini\ngemini:\n  apikey: key\n"), 0o600))

	v := config.New()
	require.NoError(t, config.Read(v, path))
	(&options{endpoint: "https://proxy.example.test"}).apply(v)
	cfg, err := config.Decode(v)
	require.NoError(t, err)

	assert.Equal(t, config.TransportGemini, cfg.Transport)
	assert.Equal(t, "https://proxy.example.test", cfg.Gemini.BaseURL)
	assert.Equal(t, config.DefaultLiveEndpoint, cfg.Gemini.Endpoint)
}

func TestNewTransport(t *testing.T) {
	for _, name := range []string{config.TransportWebSocket, config.TransportGemini} {
		t.Run(name, func(t *testing.T) {
			tr, closeFn, err := newTransport(context.Background(), &config.Config{Transport: name}, nil)
			require.NoError(t, err)
			assert.Equal(t, name, tr.Name())
			assert.NotPanics(t, assert.PanicTestFunc(closeFn))
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, _, err := newTransport(context.Background(), &config.Config{Transport: "carrier-pigeon"}, nil)
		assert.Error(t, err)
	})

	t.Run("nats unreachable", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cfg := &config.Config{Transport: config.TransportNATS}
		cfg.NATS.URL = "nats://127.0.0.1:1"
		_, _, err := newTransport(ctx, cfg, nil)
		assert.Error(t, err)
	})
}

// stubTransport hands out sessions the test can drive.
type stubTransport struct {
	openErr  error
	sessions chan *transport.Duplex
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Open(_ context.Context, cfg transport.Config, handler transport.Handler) (transport.Session, error) {
	if s.openErr != nil {
		return nil, &transport.ConnectError{Transport: "stub", Err: s.openErr}
	}
	cfg = cfg.WithDefaults()
	d := transport.NewDuplex(handler, cfg.SendQueue, cfg.EventQueue, nil)
	s.sessions <- d
	return stubSession{d}, nil
}

type stubSession struct{ *transport.Duplex }

func (s stubSession) Close() error {
	s.Duplex.Close()
	return nil
}

func newTestController(t *testing.T, tr transport.Transport) (*session.Controller, *audio.MockAudioBackend) {
	t.Helper()
	backend := audio.NewMockAudioBackend()
	backend.SetSimulateRealTiming(true)
	require.NoError(t, backend.Initialize())
	t.Cleanup(func() { _ = backend.Terminate() })

	ctrl := session.New(backend, tr, session.Config{Transport: transport.DefaultConfig()})
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })
	return ctrl, backend
}

func TestRunSession(t *testing.T) {
	t.Run("stops on cancel", func(t *testing.T) {
		tr := &stubTransport{sessions: make(chan *transport.Duplex, 1)}
		ctrl, backend := newTestController(t, tr)

		ctx, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)
		var doneCalled bool
		go func() { result <- runSession(ctx, ctrl, func() { doneCalled = true }) }()

		<-tr.sessions
		require.Eventually(t, func() bool { return ctrl.State() == session.StateActive }, time.Second, time.Millisecond)
		cancel()

		require.NoError(t, <-result)
		assert.True(t, doneCalled)
		assert.Equal(t, session.StateIdle, ctrl.State())
		assert.Equal(t, 0, backend.OpenStreams())
	})

	t.Run("remote close ends cleanly", func(t *testing.T) {
		tr := &stubTransport{sessions: make(chan *transport.Duplex, 1)}
		ctrl, _ := newTestController(t, tr)

		result := make(chan error, 1)
		go func() { result <- runSession(context.Background(), ctrl, func() {}) }()

		d := <-tr.sessions
		require.Eventually(t, func() bool { return ctrl.State() == session.StateActive }, time.Second, time.Millisecond)
		d.Finish("goodbye")

		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("runSession did not return after the remote close")
		}
	})

	t.Run("remote error reports connection lost", func(t *testing.T) {
		tr := &stubTransport{sessions: make(chan *transport.Duplex, 1)}
		ctrl, _ := newTestController(t, tr)

		result := make(chan error, 1)
		go func() { result <- runSession(context.Background(), ctrl, func() {}) }()

		d := <-tr.sessions
		require.Eventually(t, func() bool { return ctrl.State() == session.StateActive }, time.Second, time.Millisecond)
		d.Fail("receive", errors.New("reset"))

		err := <-result
		require.Error(t, err)
		assert.Contains(t, err.Error(), session.MessageConnectionLost)
	})

	t.Run("start failure", func(t *testing.T) {
		tr := &stubTransport{openErr: errors.New("refused")}
		ctrl, _ := newTestController(t, tr)

		err := runSession(context.Background(), ctrl, func() {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), session.MessageStartFailed)
		var connectErr *transport.ConnectError
		assert.ErrorAs(t, err, &connectErr)
	})
}
