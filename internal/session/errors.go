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

package session

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-live-go/internal/audio"
	"github.com/loqalabs/loqa-live-go/internal/transport"
)

// ErrStartAborted is returned by Start when Stop ends the session before it
// became active.
var ErrStartAborted = errors.New("session start aborted")

// SessionAlreadyActiveError is returned by Start while another session holds
// the devices.
type SessionAlreadyActiveError struct {
	State     State
	SessionID string
}

func (e *SessionAlreadyActiveError) Error() string {
	return fmt.Sprintf("session %s is already %s", e.SessionID, e.State)
}

// Messages shown to the user for errors that end or prevent a session.
const (
	MessageStartFailed    = "Could not access microphone or connect."
	MessageConnectionLost = "Connection lost"
)

// UserMessage returns the short banner text for err, or "" when err is nil
// or the user stopped the session themselves.
func UserMessage(err error) string {
	if err == nil || errors.Is(err, ErrStartAborted) {
		return ""
	}

	var deviceErr *audio.DeviceUnavailableError
	var connectErr *transport.ConnectError
	var activeErr *SessionAlreadyActiveError
	switch {
	case errors.Is(err, errDeviceLost):
		return MessageConnectionLost
	case errors.As(err, &deviceErr), errors.As(err, &connectErr), errors.As(err, &activeErr):
		return MessageStartFailed
	default:
		return MessageConnectionLost
	}
}

// errDeviceLost marks a microphone or speaker that failed after the session
// became active.
var errDeviceLost = errors.New("audio device lost during session")

// errorType classifies err for metrics.
func errorType(err error) string {
	var deviceErr *audio.DeviceUnavailableError
	var connectErr *transport.ConnectError
	var transportErr *transport.TransportError
	switch {
	case errors.As(err, &connectErr):
		return "connect"
	case errors.As(err, &deviceErr):
		return "device"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "other"
	}
}
