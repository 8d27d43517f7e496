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
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// CaptureSampleRate is the rate microphone audio is captured and sent at.
	CaptureSampleRate = 16000
	// SpeechSampleRate is the rate of synthesized speech received from the
	// remote endpoint.
	SpeechSampleRate = 24000

	pcm16Scale = 32768
)

// PCMMimeType returns the MIME type tag for PCM16 audio at the given rate.
func PCMMimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// EncodePCM16 converts normalized samples to 16-bit little-endian PCM.
// Samples outside [-1, 1] are clamped.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		scaled := math.Round(float64(sample) * pcm16Scale)
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		case math.IsNaN(scaled):
			scaled = 0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(scaled))) //nolint:gosec // G115: clamped to int16 range above
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM to normalized samples. The
// input must hold a whole number of frames for the channel count; partial
// data is never returned.
func DecodePCM16(data []byte, channels int) ([]float32, error) {
	if channels <= 0 {
		return nil, &MalformedAudioError{Reason: fmt.Sprintf("invalid channel count %d", channels)}
	}
	frameSize := 2 * channels
	if len(data)%frameSize != 0 {
		return nil, &MalformedAudioError{
			Reason: fmt.Sprintf("%d bytes is not a multiple of the %d-byte frame size", len(data), frameSize),
		}
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:])) //nolint:gosec // G115: reinterpreting PCM bits
		samples[i] = float32(v) / pcm16Scale
	}
	return samples, nil
}

// ToTransportText encodes PCM bytes for text-only transports.
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText reverses ToTransportText.
func FromTransportText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &MalformedAudioError{Reason: "invalid transport text", Err: err}
	}
	return data, nil
}
