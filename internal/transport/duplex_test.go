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

package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects delivered events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range r.snapshot() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 2*time.Millisecond)
	return r.snapshot()
}

func TestDuplex_SendDropsOldest(t *testing.T) {
	d := NewDuplex(nil, 2, 4, nil)
	defer d.Close()

	for i := range 3 {
		d.Send(Frame{Sequence: uint64(i)})
	}

	f, ok := d.NextFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Sequence, "oldest frame was dropped")
	f, ok = d.NextFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(2), f.Sequence)

	assert.Equal(t, uint64(1), d.Stats().FramesDropped)
}

func TestDuplex_SendNeverBlocks(t *testing.T) {
	d := NewDuplex(nil, 1, 1, nil)
	defer d.Close()

	done := make(chan struct{})
	go func() {
		for i := range 1000 {
			d.Send(Frame{Sequence: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked without a reader")
	}
	assert.Equal(t, uint64(999), d.Stats().FramesDropped)
}

func TestDuplex_CloseStopsQueues(t *testing.T) {
	d := NewDuplex(nil, 4, 4, nil)
	d.Send(Frame{Sequence: 1})
	d.Close()
	d.Close()

	assert.True(t, d.Closed())
	d.Send(Frame{Sequence: 2})

	_, ok := d.NextFrame()
	if ok {
		// A frame queued before Close may still be drained once.
		_, ok = d.NextFrame()
	}
	assert.False(t, ok)
}

func TestDuplex_EventsInOrder(t *testing.T) {
	var rec eventRecorder
	var inFlight, overlaps atomic.Int32
	d := NewDuplex(func(ev Event) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		rec.handle(ev)
		inFlight.Add(-1)
	}, 1, 1024, nil)
	defer d.Close()

	for i := range 200 {
		d.Deliver(Event{Kind: EventAudio, SampleRate: i})
	}

	events := rec.waitFor(t, 200)
	for i, ev := range events {
		require.Equal(t, i, ev.SampleRate, "event %d out of order", i)
	}
	assert.Zero(t, overlaps.Load(), "handler was called concurrently")
	assert.Equal(t, uint64(200), d.Stats().EventsDelivered)
}

// blockedDuplex returns a duplex whose handler is stuck on its first event
// until release is closed.
func blockedDuplex(t *testing.T, eventQueue int) (*Duplex, *eventRecorder, chan struct{}) {
	t.Helper()
	rec := &eventRecorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	d := NewDuplex(func(ev Event) {
		rec.handle(ev)
		once.Do(func() {
			close(started)
			<-release
		})
	}, 1, eventQueue, nil)
	t.Cleanup(d.Close)

	d.Deliver(Event{Kind: EventAudio, Reason: "first"})
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler did not start")
	}
	return d, rec, release
}

func TestDuplex_FullQueueDropsOldestAudio(t *testing.T) {
	d, rec, release := blockedDuplex(t, 2)

	d.Deliver(Event{Kind: EventAudio, Reason: "a2"})
	d.Deliver(Event{Kind: EventInterrupted})
	d.Deliver(Event{Kind: EventAudio, Reason: "a3"})
	close(release)

	events := rec.waitFor(t, 3)
	require.Len(t, events, 3)
	assert.Equal(t, "first", events[0].Reason)
	assert.Equal(t, EventInterrupted, events[1].Kind)
	assert.Equal(t, "a3", events[2].Reason)
	assert.Equal(t, uint64(1), d.Stats().EventsDropped)
}

func TestDuplex_ControlEventsNeverDropped(t *testing.T) {
	d, rec, release := blockedDuplex(t, 1)

	d.Deliver(Event{Kind: EventInterrupted})
	d.Deliver(Event{Kind: EventInterrupted})
	d.Deliver(Event{Kind: EventAudio, Reason: "late"})
	d.Deliver(Event{Kind: EventClosed, Reason: "bye"})
	close(release)

	rec.waitFor(t, 4)
	assert.Equal(t, []EventKind{EventAudio, EventInterrupted, EventInterrupted, EventClosed}, rec.kinds())
	assert.Equal(t, uint64(1), d.Stats().EventsDropped)
}

func TestDuplex_NothingAfterTerminalEvent(t *testing.T) {
	var rec eventRecorder
	d := NewDuplex(rec.handle, 1, 8, nil)
	defer d.Close()

	d.Deliver(Event{Kind: EventAudio})
	d.Fail("receive", assert.AnError)
	d.Finish("late close")
	d.Deliver(Event{Kind: EventAudio})

	rec.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 2)

	var transportErr *TransportError
	require.ErrorAs(t, events[1].Err, &transportErr)
	assert.Equal(t, "receive", transportErr.Op)
	assert.ErrorIs(t, events[1].Err, assert.AnError)
}

func TestDuplex_CloseFromHandler(t *testing.T) {
	var d *Duplex
	var calls atomic.Int32
	ready := make(chan struct{})
	d = NewDuplex(func(Event) {
		<-ready
		calls.Add(1)
		d.Close()
	}, 1, 8, nil)
	close(ready)

	d.Deliver(Event{Kind: EventInterrupted})
	d.Deliver(Event{Kind: EventInterrupted})

	require.Eventually(t, d.Closed, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no delivery after close")
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "audio", EventAudio.String())
	assert.Equal(t, "interrupted", EventInterrupted.String())
	assert.Equal(t, "closed", EventClosed.String())
	assert.Equal(t, "error", EventError.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}
