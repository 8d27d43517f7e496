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
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-live-go/internal/transport"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// mockConnection is an in-memory hub. Published downlink frames reach the
// subscriber synchronously.
type mockConnection struct {
	mu           sync.Mutex
	subscribers  map[string]nats.MsgHandler
	published    []publishedMsg
	unsubscribed []string
	requests     []ConnectRequest
	closed       bool

	respond      func(req ConnectRequest) ([]byte, error)
	publishErr   error
	subscribeErr error
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		subscribers: make(map[string]nats.MsgHandler),
		respond: func(ConnectRequest) ([]byte, error) {
			return json.Marshal(ConnectReply{OK: true})
		},
	}
}

func (m *mockConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishedMsg{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.subscribers[subject] = cb
	return &mockSubscription{conn: m, subject: subject}, nil
}

func (m *mockConnection) RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	var req ConnectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	respond := m.respond
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply, err := respond(req)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subject, Data: reply}, nil
}

func (m *mockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConnection) isSubscribed(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribers[subject]
	return ok
}

// downlink plays a hub frame into the session's subscription.
func (m *mockConnection) downlink(t *testing.T, sessionID string, frame Frame) {
	t.Helper()
	payload, err := frame.MarshalBinary()
	require.NoError(t, err)
	m.downlinkRaw(t, sessionID, payload)
}

func (m *mockConnection) downlinkRaw(t *testing.T, sessionID string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	cb, ok := m.subscribers[DownlinkSubject(sessionID)]
	m.mu.Unlock()
	require.True(t, ok, "no downlink subscriber for %s", sessionID)
	cb(&nats.Msg{Subject: DownlinkSubject(sessionID), Data: payload})
}

// uplink decodes every frame published on the session's uplink subject.
func (m *mockConnection) uplink(t *testing.T, sessionID string) []*Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var frames []*Frame
	for _, msg := range m.published {
		if msg.subject != UplinkSubject(sessionID) {
			continue
		}
		frame, err := UnmarshalFrame(msg.data)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func (m *mockConnection) lastRequest(t *testing.T) ConnectRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

type mockSubscription struct {
	conn    *mockConnection
	subject string
}

func (s *mockSubscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subscribers, s.subject)
	s.conn.unsubscribed = append(s.conn.unsubscribed, s.subject)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []transport.Event
}

func (l *eventLog) handle(ev transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) waitFor(t *testing.T, n int) []transport.Event {
	t.Helper()
	var events []transport.Event
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		events = append([]transport.Event(nil), l.events...)
		return len(events) >= n
	}, 2*time.Second, 2*time.Millisecond)
	return events
}

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.DeviceID = "kitchen"
	cfg.ConnectTimeout = time.Second
	return cfg
}

func openSession(t *testing.T, conn *mockConnection, handler transport.Handler) (*Transport, *session) {
	t.Helper()
	tr := NewTransport(conn, nil)
	s, err := tr.Open(context.Background(), testConfig(), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return tr, s.(*session)
}

func TestTransport_Open(t *testing.T) {
	conn := newMockConnection()
	subscribedFirst := false
	conn.respond = func(req ConnectRequest) ([]byte, error) {
		subscribedFirst = conn.isSubscribed(DownlinkSubject(req.SessionID))
		return json.Marshal(ConnectReply{OK: true})
	}

	tr, s := openSession(t, conn, nil)
	assert.Equal(t, "nats", tr.Name())

	req := conn.lastRequest(t)
	assert.Equal(t, s.id, req.SessionID)
	assert.Equal(t, "kitchen", req.DeviceID)
	assert.Equal(t, transport.DefaultConfig().Model, req.Model)
	assert.Equal(t, "Zephyr", req.Voice)
	assert.NotEmpty(t, req.SystemInstruction)
	assert.Equal(t, 16000, req.InputSampleRate)
	assert.Equal(t, 24000, req.OutputSampleRate)
	assert.True(t, subscribedFirst, "downlink must be subscribed before the connect request")
}

func TestTransport_OpenDefaultsDeviceID(t *testing.T) {
	conn := newMockConnection()
	tr := NewTransport(conn, nil)

	cfg := testConfig()
	cfg.DeviceID = ""
	s, err := tr.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, defaultDeviceID, conn.lastRequest(t).DeviceID)
}

func TestTransport_OpenFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(conn *mockConnection)
		wantErr   error
		wantInMsg string
	}{
		{
			name: "session refused",
			setup: func(conn *mockConnection) {
				conn.respond = func(ConnectRequest) ([]byte, error) {
					return json.Marshal(ConnectReply{OK: false, Error: "model unavailable"})
				}
			},
			wantInMsg: "model unavailable",
		},
		{
			name: "refused without a reason",
			setup: func(conn *mockConnection) {
				conn.respond = func(ConnectRequest) ([]byte, error) {
					return json.Marshal(ConnectReply{})
				}
			},
			wantInMsg: "session refused",
		},
		{
			name: "no hub responding",
			setup: func(conn *mockConnection) {
				conn.respond = func(ConnectRequest) ([]byte, error) { return nil, nats.ErrNoResponders }
			},
			wantErr: nats.ErrNoResponders,
		},
		{
			name: "invalid reply",
			setup: func(conn *mockConnection) {
				conn.respond = func(ConnectRequest) ([]byte, error) { return []byte("not json"), nil }
			},
			wantInMsg: "invalid connect reply",
		},
		{
			name:      "subscribe fails",
			setup:     func(conn *mockConnection) { conn.subscribeErr = errors.New("permissions violation") },
			wantInMsg: "failed to subscribe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConnection()
			tt.setup(conn)
			tr := NewTransport(conn, nil)

			s, err := tr.Open(context.Background(), testConfig(), nil)
			require.Error(t, err)
			assert.Nil(t, s)

			var connectErr *transport.ConnectError
			require.ErrorAs(t, err, &connectErr)
			assert.Equal(t, "nats", connectErr.Transport)
			assert.Equal(t, "live.kitchen.connect", connectErr.Endpoint)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantInMsg != "" {
				assert.Contains(t, err.Error(), tt.wantInMsg)
			}

			conn.mu.Lock()
			assert.Empty(t, conn.subscribers, "downlink subscription must be released")
			conn.mu.Unlock()
		})
	}
}

func TestTransport_OpenCancelled(t *testing.T) {
	conn := newMockConnection()
	tr := NewTransport(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Open(ctx, testConfig(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransport_OpenWithoutConnection(t *testing.T) {
	tr := NewTransport(nil, nil)
	_, err := tr.Open(context.Background(), testConfig(), nil)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}

func TestSession_Downlink(t *testing.T) {
	conn := newMockConnection()
	var log eventLog
	_, s := openSession(t, conn, log.handle)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	conn.downlink(t, s.id, Frame{Type: FrameTypeHeartbeat})
	conn.downlinkRaw(t, s.id, []byte("garbage"))
	conn.downlink(t, s.id, Frame{Type: FrameTypeAudio, Data: pcm})
	conn.downlink(t, s.id, Frame{Type: FrameTypeInterrupted})
	conn.downlink(t, s.id, Frame{Type: FrameType(0x7f)})
	conn.downlink(t, s.id, Frame{Type: FrameTypeClose, Data: []byte("turn limit reached")})
	conn.downlink(t, s.id, Frame{Type: FrameTypeAudio, Data: pcm})

	events := log.waitFor(t, 3)
	require.Len(t, events, 3)

	assert.Equal(t, transport.EventAudio, events[0].Kind)
	assert.Equal(t, pcm, events[0].Audio)
	assert.Equal(t, 24000, events[0].SampleRate)
	assert.Equal(t, transport.EventInterrupted, events[1].Kind)
	assert.Equal(t, transport.EventClosed, events[2].Kind)
	assert.Equal(t, "turn limit reached", events[2].Reason)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, log.waitFor(t, 3), 3, "nothing is delivered after Closed")
}

func TestSession_DownlinkCloseDefaultReason(t *testing.T) {
	conn := newMockConnection()
	var log eventLog
	_, s := openSession(t, conn, log.handle)

	conn.downlink(t, s.id, Frame{Type: FrameTypeClose})

	events := log.waitFor(t, 1)
	assert.Equal(t, "hub closed the session", events[0].Reason)
}

func TestSession_DownlinkError(t *testing.T) {
	conn := newMockConnection()
	var log eventLog
	_, s := openSession(t, conn, log.handle)

	conn.downlink(t, s.id, Frame{Type: FrameTypeError, Data: []byte("quota exceeded")})

	events := log.waitFor(t, 1)
	require.Equal(t, transport.EventError, events[0].Kind)
	var transportErr *transport.TransportError
	require.ErrorAs(t, events[0].Err, &transportErr)
	assert.Equal(t, "remote", transportErr.Op)
	assert.Contains(t, events[0].Err.Error(), "quota exceeded")
}

func TestSession_Uplink(t *testing.T) {
	conn := newMockConnection()
	_, s := openSession(t, conn, nil)

	first := []byte{0x10, 0x00, 0x20, 0x00}
	second := []byte{0x30, 0x00}
	s.Send(transport.Frame{PCM: first, SampleRate: 16000, Sequence: 0})
	s.Send(transport.Frame{PCM: second, SampleRate: 16000, Sequence: 1})

	require.Eventually(t, func() bool { return s.Stats().FramesSent == 2 }, time.Second, 2*time.Millisecond)

	frames := conn.uplink(t, s.id)
	require.Len(t, frames, 2)
	for i, frame := range frames {
		assert.Equal(t, FrameTypeAudio, frame.Type)
		assert.Equal(t, s.frameID, frame.SessionID)
		assert.Equal(t, uint32(i), frame.Sequence) //nolint:gosec // G115: small test index
		assert.NotZero(t, frame.Timestamp)
	}
	assert.Equal(t, first, frames[0].Data)
	assert.Equal(t, second, frames[1].Data)
}

func TestSession_UplinkSplitsLargeFrames(t *testing.T) {
	conn := newMockConnection()
	_, s := openSession(t, conn, nil)

	pcm := make([]byte, 3*MaxDataSize)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	s.Send(transport.Frame{PCM: pcm, SampleRate: 16000})

	require.Eventually(t, func() bool { return s.Stats().FramesSent == 1 }, time.Second, 2*time.Millisecond)

	frames := conn.uplink(t, s.id)
	require.Greater(t, len(frames), 1)
	var joined []byte
	for _, frame := range frames {
		joined = append(joined, frame.Data...)
	}
	assert.Equal(t, pcm, joined)
}

func TestSession_UplinkPublishFailure(t *testing.T) {
	conn := newMockConnection()
	var log eventLog
	_, s := openSession(t, conn, log.handle)

	conn.mu.Lock()
	conn.publishErr = nats.ErrConnectionClosed
	conn.mu.Unlock()

	s.Send(transport.Frame{PCM: []byte{0, 0}, SampleRate: 16000})

	events := log.waitFor(t, 1)
	require.Equal(t, transport.EventError, events[0].Kind)
	var transportErr *transport.TransportError
	require.ErrorAs(t, events[0].Err, &transportErr)
	assert.Equal(t, "send", transportErr.Op)
	assert.ErrorIs(t, events[0].Err, nats.ErrConnectionClosed)
}

func TestSession_Close(t *testing.T) {
	conn := newMockConnection()
	tr, s := openSession(t, conn, nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.True(t, s.Closed())
	assert.False(t, conn.isSubscribed(DownlinkSubject(s.id)))

	frames := conn.uplink(t, s.id)
	require.Len(t, frames, 1, "exactly one close frame")
	assert.Equal(t, FrameTypeClose, frames[0].Type)
	assert.Equal(t, "session ended", string(frames[0].Data))

	tr.mu.Lock()
	assert.Empty(t, tr.sessions)
	tr.mu.Unlock()

	// Sends after close are dropped silently.
	s.Send(transport.Frame{PCM: []byte{0, 0}})
	assert.Len(t, conn.uplink(t, s.id), 1)
}

func TestSession_CloseFromHandler(t *testing.T) {
	conn := newMockConnection()
	closed := make(chan struct{})
	var s *session
	var ready sync.WaitGroup
	ready.Add(1)
	_, s = openSession(t, conn, func(ev transport.Event) {
		ready.Wait()
		if ev.Kind == transport.EventInterrupted {
			_ = s.Close()
			close(closed)
		}
	})
	ready.Done()

	conn.downlink(t, s.id, Frame{Type: FrameTypeInterrupted})

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close from the handler did not return")
	}
}

func TestTransport_Close(t *testing.T) {
	conn := newMockConnection()
	tr := NewTransport(conn, nil)

	var sessions []*session
	for range 2 {
		s, err := tr.Open(context.Background(), testConfig(), nil)
		require.NoError(t, err)
		sessions = append(sessions, s.(*session))
	}

	tr.Close()

	for _, s := range sessions {
		assert.True(t, s.Closed())
		assert.False(t, conn.isSubscribed(DownlinkSubject(s.id)))
	}
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestTransport_ConnectionLostFailsSessions(t *testing.T) {
	conn := newMockConnection()
	var log eventLog
	tr, _ := openSession(t, conn, log.handle)

	tr.failAll(nats.ErrConnectionClosed)

	events := log.waitFor(t, 1)
	require.Equal(t, transport.EventError, events[0].Kind)
	var transportErr *transport.TransportError
	require.ErrorAs(t, events[0].Err, &transportErr)
	assert.Equal(t, "connection", transportErr.Op)
	assert.ErrorIs(t, events[0].Err, nats.ErrConnectionClosed)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "live.kitchen.connect", ConnectSubject("kitchen"))
	assert.Equal(t, "live.abc.up", UplinkSubject("abc"))
	assert.Equal(t, "live.abc.down", DownlinkSubject("abc"))
}
