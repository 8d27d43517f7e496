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

// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Levels accepted by Configure.
var Levels = []string{"none", "error", "warn", "info", "debug"}

// ParseLevel maps a level name to its slog level. "none" reports ok=false
// with a nil error.
func ParseLevel(name string) (level slog.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return 0, false, nil
	case "error":
		return slog.LevelError, true, nil
	case "warn", "warning":
		return slog.LevelWarn, true, nil
	case "", "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected log level %q (want one of %s)", name, strings.Join(Levels, ", "))
	}
}

// New builds a logger for the given level. Text goes to w; when file is set,
// JSON goes to the file instead and the returned closer must be closed by
// the caller.
func New(level, file string, w io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, enabled, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if !enabled {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if file == "" {
		return slog.New(slog.NewTextHandler(w, opts)), nil, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), f, nil
}

// Configure installs the logger from New as the slog default, writing text
// to stdout.
func Configure(level, file string) (io.Closer, error) {
	logger, closer, err := New(level, file, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}
