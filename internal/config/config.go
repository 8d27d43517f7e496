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

// Package config loads loqa-live settings from defaults, an optional config
// file and LOQA_LIVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loqalabs/loqa-live-go/internal/audio"
	"github.com/loqalabs/loqa-live-go/internal/logging"
	"github.com/loqalabs/loqa-live-go/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. LOQA_LIVE_NATS_URL.
const EnvPrefix = "LOQA_LIVE"

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportGemini    = "gemini"
	TransportNATS      = "nats"
)

// DefaultLiveEndpoint is the Gemini Live WebSocket endpoint.
const DefaultLiveEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type Config struct {
	Transport string        `mapstructure:"transport"`
	Session   SessionConfig `mapstructure:"session"`
	Gemini    GeminiConfig  `mapstructure:"gemini"`
	NATS      NATSConfig    `mapstructure:"nats"`
	Audio     AudioConfig   `mapstructure:"audio"`
	Log       LogConfig     `mapstructure:"log"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
}

type SessionConfig struct {
	Model             string        `mapstructure:"model"`
	Voice             string        `mapstructure:"voice"`
	SystemInstruction string        `mapstructure:"systeminstruction"`
	ConnectTimeout    time.Duration `mapstructure:"connecttimeout"`
	WriteTimeout      time.Duration `mapstructure:"writetimeout"`
	SendQueue         int           `mapstructure:"sendqueue"`
	EventQueue        int           `mapstructure:"eventqueue"`
}

type GeminiConfig struct {
	Endpoint string `mapstructure:"endpoint"` // WebSocket endpoint of the websocket transport
	BaseURL  string `mapstructure:"baseurl"`  // API base URL override for the gemini transport
	APIKey   string `mapstructure:"apikey"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	DeviceID string `mapstructure:"deviceid"`
}

type AudioConfig struct {
	CaptureSampleRate  int `mapstructure:"capturesamplerate"`
	CaptureBlockSize   int `mapstructure:"captureblocksize"`
	CaptureQueueDepth  int `mapstructure:"capturequeuedepth"`
	PlaybackSampleRate int `mapstructure:"playbacksamplerate"`
	PlaybackDeviceRate int `mapstructure:"playbackdevicerate"` // 0 opens the speaker at the playback rate
	PlaybackBufferSize int `mapstructure:"playbackbuffersize"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

func setDefaults(v *viper.Viper) {
	session := transport.DefaultConfig()

	v.SetDefault("transport", TransportGemini)

	v.SetDefault("session.model", session.Model)
	v.SetDefault("session.voice", session.Voice)
	v.SetDefault("session.systeminstruction", session.SystemInstruction)
	v.SetDefault("session.connecttimeout", session.ConnectTimeout)
	v.SetDefault("session.writetimeout", session.WriteTimeout)
	v.SetDefault("session.sendqueue", session.SendQueue)
	v.SetDefault("session.eventqueue", session.EventQueue)

	v.SetDefault("gemini.endpoint", DefaultLiveEndpoint)
	v.SetDefault("gemini.baseurl", "")
	v.SetDefault("gemini.apikey", "")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.deviceid", "loqa-live-001")

	v.SetDefault("audio.capturesamplerate", audio.CaptureSampleRate)
	v.SetDefault("audio.captureblocksize", 4096)
	v.SetDefault("audio.capturequeuedepth", 8)
	v.SetDefault("audio.playbacksamplerate", audio.SpeechSampleRate)
	v.SetDefault("audio.playbackdevicerate", 0)
	v.SetDefault("audio.playbackbuffersize", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment overrides set
// up, ready for flags to be bound before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The key most people already have exported.
	_ = v.BindEnv("gemini.apikey", EnvPrefix+"_GEMINI_APIKEY", "GEMINI_API_KEY")
	return v
}

// Load reads the config file at path, if any, into v and decodes the result.
// A missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := Read(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Read loads the config file at path into v. An empty path or a missing
// file leaves v on its defaults and environment.
func Read(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		slog.Info("no config file found", "path", path)
	}
	return nil
}

// Decode builds and validates a Config from what v holds.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportWebSocket:
		if c.Gemini.Endpoint == "" {
			errs = append(errs, errors.New("websocket transport requires gemini.endpoint"))
		}
	case TransportGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("gemini transport requires an API key (LOQA_LIVE_GEMINI_APIKEY or GEMINI_API_KEY)"))
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats transport requires nats.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s, %s or %s)",
			c.Transport, TransportWebSocket, TransportGemini, TransportNATS))
	}

	if _, _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Audio.CaptureSampleRate <= 0 || c.Audio.PlaybackSampleRate <= 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TransportConfig returns the settings handed to Transport.Open.
func (c *Config) TransportConfig() transport.Config {
	var endpoint string
	switch c.Transport {
	case TransportWebSocket:
		endpoint = c.Gemini.Endpoint
	case TransportGemini:
		endpoint = c.Gemini.BaseURL
	case TransportNATS:
		endpoint = c.NATS.URL
	}
	return transport.Config{
		Endpoint:          endpoint,
		APIKey:            c.Gemini.APIKey,
		DeviceID:          c.NATS.DeviceID,
		Model:             c.Session.Model,
		Voice:             c.Session.Voice,
		SystemInstruction: c.Session.SystemInstruction,
		InputSampleRate:   c.Audio.CaptureSampleRate,
		OutputSampleRate:  c.Audio.PlaybackSampleRate,
		ConnectTimeout:    c.Session.ConnectTimeout,
		WriteTimeout:      c.Session.WriteTimeout,
		SendQueue:         c.Session.SendQueue,
		EventQueue:        c.Session.EventQueue,
	}.WithDefaults()
}

func (c *Config) CaptureConfig() audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate: c.Audio.CaptureSampleRate,
		Channels:   1,
		BlockSize:  c.Audio.CaptureBlockSize,
		QueueDepth: c.Audio.CaptureQueueDepth,
	}
}

func (c *Config) PlaybackConfig() audio.PlaybackConfig {
	return audio.PlaybackConfig{
		SampleRate:       c.Audio.PlaybackSampleRate,
		DeviceSampleRate: c.Audio.PlaybackDeviceRate,
		BufferSize:       c.Audio.PlaybackBufferSize,
	}
}
