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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isCIEnvironment detects if we're running in a CI environment
func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI", // Generic CI indicator
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS", // GitHub Actions
		"GITLAB_CI",      // GitLab CI
		"JENKINS_URL",    // Jenkins
		"BUILDKITE",      // Buildkite
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}
	return false
}

// TestPortAudioBackend tests the PortAudio backend implementation
func TestPortAudioBackend(t *testing.T) {
	// Skip if in CI environment where PortAudio may not be available
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	t.Run("backend_creation", func(t *testing.T) {
		backend := NewPortAudioBackend()
		require.NotNil(t, backend, "should create PortAudio backend")
		assert.False(t, backend.initialized, "should not be initialized by default")
	})

	t.Run("double_initialization", func(t *testing.T) {
		backend := NewPortAudioBackend()

		err := backend.Initialize()
		if err != nil {
			t.Skipf("PortAudio initialization failed (may be expected): %v", err)
		}

		err = backend.Initialize()
		assert.NoError(t, err, "double initialization should be safe")

		assert.NoError(t, backend.Terminate())
		assert.False(t, backend.initialized, "should be marked as not initialized")
	})

	t.Run("terminate_without_init", func(t *testing.T) {
		backend := NewPortAudioBackend()
		assert.NoError(t, backend.Terminate(), "should handle terminate without init")
	})
}

// TestPortAudioStream tests PortAudio stream operations
func TestPortAudioStream(t *testing.T) {
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	t.Run("stream_without_initialization", func(t *testing.T) {
		uninitBackend := NewPortAudioBackend()

		stream, err := uninitBackend.CreateInputStream(CaptureSampleRate, 1, 512)
		require.Error(t, err, "should fail without initialization")
		assert.Nil(t, stream, "stream should be nil on error")

		var devErr *DeviceUnavailableError
		require.ErrorAs(t, err, &devErr)
		assert.Equal(t, "microphone", devErr.Device)
		assert.Contains(t, err.Error(), "not initialized")
	})

	backend := NewPortAudioBackend()
	if err := backend.Initialize(); err != nil {
		t.Skipf("PortAudio initialization failed (may be expected): %v", err)
	}
	defer func() { _ = backend.Terminate() }() // Ignore errors during test cleanup

	t.Run("input_lifecycle", func(t *testing.T) {
		stream, err := backend.CreateInputStream(CaptureSampleRate, 1, 512)
		if err != nil {
			t.Skipf("CreateInputStream failed (may be expected): %v", err)
		}

		require.NoError(t, stream.Start())
		assert.True(t, stream.IsActive())

		buf := make([]float32, 512)
		assert.NoError(t, stream.Read(buf))
		assert.Error(t, stream.Write(buf), "input stream should reject writes")

		assert.NoError(t, stream.Stop())
		assert.NoError(t, stream.Close())
		assert.NoError(t, stream.Close(), "second close should be a no-op")
		assert.ErrorIs(t, stream.Start(), errStreamClosed)
	})

	t.Run("output_lifecycle", func(t *testing.T) {
		stream, err := backend.CreateOutputStream(SpeechSampleRate, 1, 480)
		if err != nil {
			t.Skipf("CreateOutputStream failed (may be expected): %v", err)
		}

		assert.ErrorIs(t, stream.Write(make([]float32, 480)), errStreamClosed, "write before start")
		require.NoError(t, stream.Start())
		assert.NoError(t, stream.Write(make([]float32, 480)))
		assert.Error(t, stream.Read(make([]float32, 480)), "output stream should reject reads")

		assert.NoError(t, stream.Stop())
		assert.NoError(t, stream.Stop(), "second stop should be a no-op")
		assert.NoError(t, stream.Close())
		assert.False(t, stream.IsActive())
	})
}
