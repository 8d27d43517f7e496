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
	"math"
	"sync"
	"time"
)

// MockAudioBackend implements AudioBackend for testing without hardware
// dependencies. Input streams generate a tone unless fed explicitly, and
// output streams record everything written to them.
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	terminateError     error
	createInputError   error
	createOutputError  error
	simulateRealTiming bool
	inputFeed          <-chan []float32
	outputGate         <-chan struct{}
	generator          func([]float32)
	recordedAudioData  [][]float32
	playbackAudioData  [][]float32
	inputStats         MockStreamStats
	outputStats        MockStreamStats
	lastInput          *MockStream
	lastOutput         *MockStream
}

// MockStreamStats counts lifecycle calls across all streams of one kind.
type MockStreamStats struct {
	Created    int
	Started    int
	StopCalls  int
	CloseCalls int
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockAudioBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetCreateStreamError configures the backend to fail both input and output
// stream creation.
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createInputError = err
	m.createOutputError = err
}

// SetCreateInputError makes microphone creation fail, as when permission is
// denied.
func (m *MockAudioBackend) SetCreateInputError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createInputError = err
}

// SetCreateOutputError makes speaker creation fail.
func (m *MockAudioBackend) SetCreateOutputError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createOutputError = err
}

// SetSimulateRealTiming controls whether Read and Write take as long as the
// audio they carry.
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetAudioDataGenerator sets the function that fills input buffers for
// streams created afterwards.
func (m *MockAudioBackend) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// SetInputFeed makes input streams return exactly the blocks sent on feed.
// Read blocks until a block arrives or the stream is stopped.
func (m *MockAudioBackend) SetInputFeed(feed <-chan []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputFeed = feed
}

// SetOutputGate makes every output Write wait for one token on gate, which
// lets tests advance the playback clock one buffer at a time.
func (m *MockAudioBackend) SetOutputGate(gate <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputGate = gate
}

// GetRecordedAudioData returns all audio data that was "recorded"
func (m *MockAudioBackend) GetRecordedAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.recordedAudioData))
	copy(result, m.recordedAudioData)
	return result
}

// GetPlaybackAudioData returns all audio data that was "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]float32, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// PlaybackSamples returns everything played back as one continuous signal.
func (m *MockAudioBackend) PlaybackSamples() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []float32
	for _, block := range m.playbackAudioData {
		out = append(out, block...)
	}
	return out
}

// InputStats returns lifecycle counts for microphone streams.
func (m *MockAudioBackend) InputStats() MockStreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputStats
}

// OutputStats returns lifecycle counts for speaker streams.
func (m *MockAudioBackend) OutputStats() MockStreamStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputStats
}

// OpenStreams returns the number of streams not yet closed.
func (m *MockAudioBackend) OpenStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// LastInputStream returns the most recently created input stream.
func (m *MockAudioBackend) LastInputStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInput
}

// LastOutputStream returns the most recently created output stream.
func (m *MockAudioBackend) LastOutputStream() *MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOutput
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	return nil
}

// Terminate closes every open stream and shuts the mock subsystem down.
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	if m.terminateError != nil {
		err := m.terminateError
		m.mu.Unlock()
		return err
	}
	streams := make([]*MockStream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.mu.Unlock()

	// Streams call back into the backend, so the lock must not be held here.
	for _, stream := range streams {
		_ = stream.Stop()  // Ignore errors during cleanup
		_ = stream.Close() // Ignore errors during cleanup
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	return m.createStream(true, sampleRate, channels, bufferSize)
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	return m.createStream(false, sampleRate, channels, bufferSize)
}

func (m *MockAudioBackend) createStream(isInput bool, sampleRate float64, channels, bufferSize int) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}
	if sampleRate <= 0 || channels <= 0 || bufferSize <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: rate=%v channels=%d buffer=%d", sampleRate, channels, bufferSize)
	}

	kind := "output"
	createErr := m.createOutputError
	if isInput {
		kind = "input"
		createErr = m.createInputError
	}
	if createErr != nil {
		return nil, createErr
	}

	stream := &MockStream{
		id:                 fmt.Sprintf("%s_%d", kind, m.streamCounter),
		backend:            m,
		sampleRate:         sampleRate,
		channels:           channels,
		bufferSize:         bufferSize,
		isInput:            isInput,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		audioDataGenerator: m.generator,
		feed:               m.inputFeed,
		gate:               m.outputGate,
		stopCh:             make(chan struct{}),
	}
	m.streamCounter++
	m.streams[stream.id] = stream

	if isInput {
		m.inputStats.Created++
		m.lastInput = stream
	} else {
		m.outputStats.Created++
		m.lastOutput = stream
	}
	return stream, nil
}

func (m *MockAudioBackend) stats(isInput bool) *MockStreamStats {
	if isInput {
		return &m.inputStats
	}
	return &m.outputStats
}

var errMockStreamStopped = errors.New("mock stream stopped")

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu                 sync.Mutex
	id                 string
	backend            *MockAudioBackend
	sampleRate         float64
	channels           int
	bufferSize         int
	isInput            bool
	isOpen             bool
	isActive           bool
	simulateRealTiming bool
	stopCh             chan struct{}
	feed               <-chan []float32
	gate               <-chan struct{}
	phase              int64
	startError         error
	stopError          error
	closeError         error
	writeError         error
	readError          error
	statusResults      int
	audioDataGenerator func([]float32)
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetStopError configures the stream to return an error on Stop()
func (m *MockStream) SetStopError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopError = err
}

// SetCloseError configures the stream to return an error on Close()
func (m *MockStream) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetReadError configures the stream to return an error on Read()
func (m *MockStream) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// InjectStatus makes the next n Reads report ErrInputOverflow, or the next n
// Writes report ErrOutputUnderflow, after transferring their block normally.
func (m *MockStream) InjectStatus(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusResults += n
}

// takeStatus returns the device status for a completed transfer.
func (m *MockStream) takeStatus() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusResults == 0 {
		return nil
	}
	m.statusResults--
	if m.isInput {
		return ErrInputOverflow
	}
	return ErrOutputUnderflow
}

// SetAudioDataGenerator sets a function to generate mock audio input data
func (m *MockStream) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioDataGenerator = generator
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return errStreamClosed
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	m.stopCh = make(chan struct{})
	m.countLocked(func(s *MockStreamStats) { s.Started++ })
	return nil
}

// Stop stops the mock stream and wakes any blocked Read or Write.
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.countLocked(func(s *MockStreamStats) { s.StopCalls++ })
	if m.stopError != nil {
		return m.stopError
	}
	m.deactivateLocked()
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.countLocked(func(s *MockStreamStats) { s.CloseCalls++ })
	if m.closeError != nil {
		return m.closeError
	}
	if !m.isOpen {
		return nil // Already closed
	}

	m.isOpen = false
	m.deactivateLocked()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()
	return nil
}

// Write records audio data written to the mock output stream
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if m.writeError != nil {
		err := m.writeError
		m.mu.Unlock()
		return err
	}
	if m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot write to input stream")
	}
	if !m.isOpen || !m.isActive {
		m.mu.Unlock()
		return errStreamClosed
	}
	stopCh, gate := m.stopCh, m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-stopCh:
			return errMockStreamStopped
		}
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	m.backend.mu.Unlock()

	if gate == nil {
		if err := m.pace(len(data), stopCh); err != nil {
			return err
		}
	}
	return m.takeStatus()
}

// Read fills data from the feed, the generator or a 440 Hz tone.
func (m *MockStream) Read(data []float32) error {
	m.mu.Lock()
	if m.readError != nil {
		err := m.readError
		m.mu.Unlock()
		return err
	}
	if !m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot read from output stream")
	}
	if !m.isOpen || !m.isActive {
		m.mu.Unlock()
		return errStreamClosed
	}
	stopCh, feed := m.stopCh, m.feed
	if feed == nil {
		m.fillLocked(data)
	}
	m.mu.Unlock()

	if feed != nil {
		select {
		case block, ok := <-feed:
			if !ok {
				return fmt.Errorf("mock input feed closed")
			}
			n := copy(data, block)
			clear(data[n:])
		case <-stopCh:
			return errMockStreamStopped
		}
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	m.backend.mu.Lock()
	m.backend.recordedAudioData = append(m.backend.recordedAudioData, dataCopy)
	m.backend.mu.Unlock()

	if feed == nil {
		if err := m.pace(len(data), stopCh); err != nil {
			return err
		}
	}
	return m.takeStatus()
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

// IsOpen reports whether Close has not yet released the stream.
func (m *MockStream) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOpen
}

func (m *MockStream) fillLocked(data []float32) {
	if m.audioDataGenerator != nil {
		m.audioDataGenerator(data)
		return
	}
	for i := range data {
		t := float64(m.phase) / m.sampleRate
		data[i] = float32(0.1 * math.Sin(2*math.Pi*440*t))
		m.phase++
	}
}

// pace blocks for the playing time of n samples when real timing is
// simulated.
func (m *MockStream) pace(n int, stopCh <-chan struct{}) error {
	if !m.simulateRealTiming {
		return nil
	}
	frames := n / m.channels
	timer := time.NewTimer(time.Duration(float64(frames) / m.sampleRate * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stopCh:
		return errMockStreamStopped
	}
}

func (m *MockStream) deactivateLocked() {
	if !m.isActive {
		return
	}
	m.isActive = false
	close(m.stopCh)
}

func (m *MockStream) countLocked(fn func(*MockStreamStats)) {
	m.backend.mu.Lock()
	fn(m.backend.stats(m.isInput))
	m.backend.mu.Unlock()
}
