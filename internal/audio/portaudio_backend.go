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
	"sync"

	"github.com/gordonklaus/portaudio"
)

var errStreamClosed = errors.New("stream is closed")

// PortAudioBackend implements AudioBackend on top of PortAudio's default
// input and output devices.
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return &DeviceUnavailableError{Device: "portaudio", Err: err}
	}
	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

// CreateInputStream opens the default microphone.
func (p *PortAudioBackend) CreateInputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, &DeviceUnavailableError{Device: "microphone", Err: errors.New("PortAudio not initialized")}
	}

	buffer := make([]float32, bufferSize*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, sampleRate, bufferSize, buffer)
	if err != nil {
		return nil, &DeviceUnavailableError{Device: "microphone", Err: err}
	}
	return &PortAudioStream{stream: stream, buffer: buffer, isInput: true}, nil
}

// CreateOutputStream opens the default speaker.
func (p *PortAudioBackend) CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, &DeviceUnavailableError{Device: "speaker", Err: errors.New("PortAudio not initialized")}
	}

	buffer := make([]float32, bufferSize*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, sampleRate, bufferSize, buffer)
	if err != nil {
		return nil, &DeviceUnavailableError{Device: "speaker", Err: err}
	}
	return &PortAudioStream{stream: stream, buffer: buffer, isInput: false}, nil
}

// PortAudioStream adapts a blocking *portaudio.Stream. The stream reads into
// and writes from the buffer it was opened with, so Read and Write copy
// through it.
type PortAudioStream struct {
	stream  *portaudio.Stream
	buffer  []float32
	isInput bool

	mu     sync.Mutex
	active bool
	closed bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errStreamClosed
	}
	if p.active {
		return nil
	}
	if err := p.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	p.active = true
	return nil
}

// Stop stops the audio stream. A blocked Read or Write returns once the
// device drains.
func (p *PortAudioStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.active {
		return nil
	}
	p.active = false
	return p.stream.Stop()
}

// Close releases the device. Subsequent calls are no-ops.
func (p *PortAudioStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.active = false
	return p.stream.Close()
}

// Write writes audio data to the output stream
func (p *PortAudioStream) Write(data []float32) error {
	if p.isInput {
		return errors.New("cannot write to input stream")
	}
	if !p.IsActive() {
		return errStreamClosed
	}

	n := copy(p.buffer, data)
	clear(p.buffer[n:])
	if err := p.stream.Write(); err != nil {
		if errors.Is(err, portaudio.OutputUnderflowed) {
			return ErrOutputUnderflow
		}
		return err
	}
	return nil
}

// Read reads audio data from the input stream
func (p *PortAudioStream) Read(data []float32) error {
	if !p.isInput {
		return errors.New("cannot read from output stream")
	}
	if !p.IsActive() {
		return errStreamClosed
	}

	if err := p.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return err
		}
		// Samples were lost inside PortAudio; the buffer still holds the
		// latest block.
		copy(data, p.buffer)
		return ErrInputOverflow
	}
	copy(data, p.buffer)
	return nil
}

// IsActive reports whether the stream has been started and not stopped.
func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active && !p.closed
}
