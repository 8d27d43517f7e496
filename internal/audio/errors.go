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
	"errors"
	"fmt"
)

// ErrSchedulerClosed is returned when audio is enqueued on a scheduler that
// was never opened or has already been closed.
var ErrSchedulerClosed = errors.New("playback scheduler is closed")

// Device status results. Read and Write return these when the device lost
// samples on its own side but the block itself went through.
var (
	ErrInputOverflow   = errors.New("input overflowed")
	ErrOutputUnderflow = errors.New("output underflowed")
)

// DeviceUnavailableError reports a microphone or speaker that could not be
// opened, usually because of missing permission or hardware.
type DeviceUnavailableError struct {
	Device string
	Err    error
}

func (e *DeviceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s unavailable", e.Device)
	}
	return fmt.Sprintf("%s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// CaptureOverrunError reports lost capture audio: either a frame dropped
// because the consumer fell behind and the delivery queue was full, or
// samples the device itself overflowed before frame Sequence was read.
type CaptureOverrunError struct {
	Sequence uint64 // the lost frame, or the frame read after a device overflow
	Capacity int
	Total    uint64 // overruns so far in this capture
	Device   bool
}

func (e *CaptureOverrunError) Error() string {
	if e.Device {
		return fmt.Sprintf("capture overrun: device overflowed before frame %d (%d overruns total)", e.Sequence, e.Total)
	}
	return fmt.Sprintf("capture overrun: frame %d lost, queue of %d full (%d lost total)", e.Sequence, e.Capacity, e.Total)
}

// MalformedAudioError reports PCM bytes or transport text that cannot be
// decoded.
type MalformedAudioError struct {
	Reason string
	Err    error
}

func (e *MalformedAudioError) Error() string {
	if e.Err == nil {
		return "malformed audio: " + e.Reason
	}
	return fmt.Sprintf("malformed audio: %s: %v", e.Reason, e.Err)
}

func (e *MalformedAudioError) Unwrap() error { return e.Err }
