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

// AudioBackend hides the platform audio API behind a small surface so that
// capture and playback can run against real hardware or the mock backend.
type AudioBackend interface {
	// Initialize prepares the audio subsystem. Calling it twice is harmless.
	Initialize() error

	// Terminate releases the audio subsystem.
	Terminate() error

	// CreateInputStream opens a microphone stream delivering bufferSize
	// frames of float32 samples per Read.
	CreateInputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)

	// CreateOutputStream opens a speaker stream consuming bufferSize
	// frames of float32 samples per Write.
	CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)
}

// StreamInterface is a blocking PCM stream. Read and Write block for roughly
// one buffer of audio, which is what paces both the capture cadence and the
// playback clock.
type StreamInterface interface {
	Start() error
	Stop() error

	// Close releases the device. After Close the stream cannot be restarted.
	Close() error

	// Write hands one buffer of samples to an output stream.
	Write(data []float32) error

	// Read fills data with one buffer of samples from an input stream.
	Read(data []float32) error

	IsActive() bool
}

// DeviceProperties describes the PCM layout a device was opened with.
type DeviceProperties struct {
	SampleRate float64
	Channels   int
	BufferSize int
}
