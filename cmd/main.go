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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-live-go/internal/audio"
	"github.com/loqalabs/loqa-live-go/internal/config"
	"github.com/loqalabs/loqa-live-go/internal/logging"
	"github.com/loqalabs/loqa-live-go/internal/metrics"
	livenats "github.com/loqalabs/loqa-live-go/internal/nats"
	"github.com/loqalabs/loqa-live-go/internal/session"
	"github.com/loqalabs/loqa-live-go/internal/transport"
)

// options holds the command line. Empty values leave the config untouched.
type options struct {
	configPath  string
	transport   string
	endpoint    string
	natsURL     string
	deviceID    string
	model       string
	voice       string
	logLevel    string
	logFile     string
	metricsAddr string
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("loqa-live", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Config file (yaml, toml or json)")
	fs.StringVar(&opts.transport, "transport", "", "Transport: websocket, gemini or nats")
	fs.StringVar(&opts.endpoint, "endpoint", "", "Live endpoint (websocket URL, or API base URL for gemini)")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS server URL")
	fs.StringVar(&opts.deviceID, "id", "", "Device identifier announced to the hub")
	fs.StringVar(&opts.model, "model", "", "Model name")
	fs.StringVar(&opts.voice, "voice", "", "Prebuilt voice name")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: none, error, warn, info or debug")
	fs.StringVar(&opts.logFile, "log-file", "", "Write JSON logs to this file instead of stdout")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9102")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// apply overrides config keys with the flags that were given.
func (o *options) apply(v *viper.Viper) {
	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	set("transport", o.transport)
	if o.endpoint != "" {
		key := "gemini.endpoint"
		if v.GetString("transport") == config.TransportGemini {
			key = "gemini.baseurl"
		}
		v.Set(key, o.endpoint)
	}
	set("nats.url", o.natsURL)
	set("nats.deviceid", o.deviceID)
	set("session.model", o.model)
	set("session.voice", o.voice)
	set("log.level", o.logLevel)
	set("log.file", o.logFile)
	set("metrics.addr", o.metricsAddr)
}

// closer releases whatever a transport holds beyond its sessions.
type closer func()

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, closer, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocketTransport(logger), func() {}, nil
	case config.TransportGemini:
		return transport.NewGeminiTransport(logger), func() {}, nil
	case config.TransportNATS:
		tr, err := livenats.Dial(ctx, cfg.NATS.URL, "loqa-live-"+cfg.NATS.DeviceID, logger)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	v := config.New()
	// The file decides the transport that -endpoint applies to, so it is
	// read before the flags are applied.
	if err := config.Read(v, opts.configPath); err != nil {
		return err
	}
	opts.apply(v)
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}

	logCloser, err := logging.Configure(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("🚀 Starting Loqa Live", "transport", cfg.Transport, "model", cfg.Session.Model, "voice", cfg.Session.Voice)

	backend := audio.NewPortAudioBackend()
	if err := backend.Initialize(); err != nil {
		return fmt.Errorf("%s: %w", session.MessageStartFailed, err)
	}
	defer func() {
		if err := backend.Terminate(); err != nil {
			logger.Warn("⚠️ Failed to terminate audio", "err", err)
		}
	}()

	tr, closeTransport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", session.MessageStartFailed, err)
	}
	defer closeTransport()

	m := metrics.New("")
	ctrl := session.New(backend, tr, session.Config{
		Transport: cfg.TransportConfig(),
		Capture:   cfg.CaptureConfig(),
		Playback:  cfg.PlaybackConfig(),
		Logger:    logger,
		Metrics:   m,
	})
	ctrl.OnStateChange(func(state session.State, err error) {
		logger.Debug("Session state changed", "state", state)
		if msg := session.UserMessage(err); msg != "" {
			fmt.Printf("⚠️  %s\n", msg)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, cfg.Metrics.Addr, m.Handler(), logger)
	}
	g.Go(func() error {
		return runSession(gctx, ctrl, stop)
	})

	err = g.Wait()
	logger.Info("👋 Loqa Live stopped")
	return err
}

// runSession starts a session and holds it until ctx ends or the session
// ends on its own. done is called on the way out so the rest of the group
// shuts down with it.
func runSession(ctx context.Context, ctrl *session.Controller, done func()) error {
	defer done()

	if err := ctrl.Start(ctx); err != nil {
		if msg := session.UserMessage(err); msg != "" {
			return fmt.Errorf("%s: %w", msg, err)
		}
		return err
	}

	fmt.Println()
	fmt.Println("🎤 Loqa Live - Session Active!")
	fmt.Println("==============================")
	fmt.Println("🎙️  Microphone: streaming")
	fmt.Println("🔊 Speakers: playing responses as they arrive")
	fmt.Println("⏹️  Press Ctrl+C to stop")
	fmt.Println()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			slog.Warn("⚠️ Session stopped with errors", "err", err)
		}
		return nil
	case <-ctrl.Done():
		if err := ctrl.Err(); err != nil {
			return fmt.Errorf("%s: %w", session.UserMessage(err), err)
		}
		return nil
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info("📈 Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
