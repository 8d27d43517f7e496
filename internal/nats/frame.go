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

package nats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Binary frames carried on the session uplink and downlink subjects.

// FrameType identifies what a frame carries.
type FrameType uint8

const (
	// Media
	FrameTypeAudio       FrameType = 0x01 // PCM16 little-endian mono
	FrameTypeInterrupted FrameType = 0x04 // speech was cut off; flush playback

	// Control
	FrameTypeHeartbeat FrameType = 0x10
	FrameTypeError     FrameType = 0x12 // Data holds the error text
	FrameTypeClose     FrameType = 0x14 // Data holds the close reason
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeAudio:
		return "audio"
	case FrameTypeInterrupted:
		return "interrupted"
	case FrameTypeHeartbeat:
		return "heartbeat"
	case FrameTypeError:
		return "error"
	case FrameTypeClose:
		return "close"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

// Frame is one message on a session subject.
type Frame struct {
	Type      FrameType
	SessionID uint32
	Sequence  uint32
	Timestamp uint64 // unix microseconds
	Data      []byte
}

// frameHeader is the fixed 24-byte big-endian frame header.
type frameHeader struct {
	Magic     uint32 // "LQLV"
	Type      FrameType
	Reserved  uint8
	Length    uint16
	SessionID uint32
	Sequence  uint32
	Timestamp uint64
}

const (
	FrameMagic  = 0x4C514C56 // "LQLV"
	HeaderSize  = 24
	MaxDataSize = math.MaxUint16
)

var (
	ErrFrameTooLarge = errors.New("frame data too large")
	ErrInvalidFrame  = errors.New("invalid frame")
)

// MarshalBinary encodes the frame.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(f.Data), MaxDataSize)
	}

	header := frameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		SessionID: f.SessionID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Data)))
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)
	return buf.Bytes(), nil
}

// UnmarshalFrame decodes one frame. The data must hold exactly one frame.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte header", ErrInvalidFrame, len(data), HeaderSize)
	}

	r := bytes.NewReader(data)
	var header frameHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("%w: magic 0x%08X (expected 0x%08X)", ErrInvalidFrame, header.Magic, FrameMagic)
	}
	if want := HeaderSize + int(header.Length); len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes, header says %d", ErrInvalidFrame, len(data), want)
	}

	frame := &Frame{
		Type:      header.Type,
		SessionID: header.SessionID,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}

// splitPCM cuts PCM16 data into chunks that fit in one frame without
// splitting a sample.
func splitPCM(pcm []byte) [][]byte {
	const chunk = MaxDataSize - MaxDataSize%2
	if len(pcm) <= chunk {
		return [][]byte{pcm}
	}
	var out [][]byte
	for len(pcm) > chunk {
		out = append(out, pcm[:chunk])
		pcm = pcm[chunk:]
	}
	return append(out, pcm)
}
