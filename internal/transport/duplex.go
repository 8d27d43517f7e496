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
	"log/slog"
	"sync"
	"sync/atomic"
)

// Duplex is the queueing shared by every transport. Outbound frames wait in
// a bounded queue that drops its oldest frame when full, so Send never
// blocks. Inbound events are handed to the handler one at a time, in arrival
// order, from a single goroutine. When the event queue is full the oldest
// queued audio is dropped; control events are never dropped.
//
// Transports embed *Duplex in their session type, feed it from their read
// loop with Deliver and drain it from their write loop with NextFrame.
type Duplex struct {
	handler Handler
	logger  *slog.Logger

	sendMu   sync.Mutex
	sendQ    []Frame
	sendCap  int
	sendWake chan struct{}

	evMu     sync.Mutex
	evQ      []Event
	evCap    int
	evWake   chan struct{}
	terminal bool // a Closed or Error event has been queued

	done      chan struct{}
	closeOnce sync.Once

	sent          atomic.Uint64
	framesDropped atomic.Uint64
	delivered     atomic.Uint64
	eventsDropped atomic.Uint64
}

// NewDuplex creates the queues and starts the event dispatcher.
func NewDuplex(handler Handler, sendQueue, eventQueue int, logger *slog.Logger) *Duplex {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func(Event) {}
	}
	d := &Duplex{
		handler:  handler,
		logger:   logger,
		sendCap:  max(sendQueue, 1),
		sendWake: make(chan struct{}, 1),
		evCap:    max(eventQueue, 1),
		evWake:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.dispatch()
	return d
}

// Send queues a frame for the write loop.
func (d *Duplex) Send(frame Frame) {
	if d.Closed() {
		return
	}

	d.sendMu.Lock()
	if len(d.sendQ) >= d.sendCap {
		d.sendQ[0] = Frame{}
		d.sendQ = d.sendQ[1:]
		if n := d.framesDropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("⚠️ Send queue full, dropping oldest frame", "dropped", n)
		}
	}
	d.sendQ = append(d.sendQ, frame)
	d.sendMu.Unlock()

	notify(d.sendWake)
}

// NextFrame blocks until a frame is queued. It returns false once the
// session is closed.
func (d *Duplex) NextFrame() (Frame, bool) {
	for {
		d.sendMu.Lock()
		if len(d.sendQ) > 0 {
			frame := d.sendQ[0]
			d.sendQ[0] = Frame{}
			d.sendQ = d.sendQ[1:]
			d.sendMu.Unlock()
			return frame, true
		}
		d.sendMu.Unlock()

		select {
		case <-d.sendWake:
		case <-d.done:
			return Frame{}, false
		}
	}
}

// MarkSent records a frame written to the wire.
func (d *Duplex) MarkSent() {
	d.sent.Add(1)
}

// Deliver queues an inbound event. Nothing is delivered after the first
// Closed or Error event.
func (d *Duplex) Deliver(ev Event) {
	d.evMu.Lock()
	if d.terminal {
		d.evMu.Unlock()
		return
	}
	if ev.Kind == EventClosed || ev.Kind == EventError {
		d.terminal = true
	}

	if len(d.evQ) >= d.evCap && !d.dropOldestAudioLocked() && ev.Kind == EventAudio {
		d.evMu.Unlock()
		d.countDroppedEvent()
		return
	}
	d.evQ = append(d.evQ, ev)
	d.evMu.Unlock()

	notify(d.evWake)
}

// Fail delivers an Error event wrapping err as a TransportError.
func (d *Duplex) Fail(op string, err error) {
	d.Deliver(Event{Kind: EventError, Err: &TransportError{Op: op, Err: err}})
}

// Finish delivers a Closed event.
func (d *Duplex) Finish(reason string) {
	d.Deliver(Event{Kind: EventClosed, Reason: reason})
}

// dropOldestAudioLocked removes the oldest queued audio event and reports
// whether there was one.
func (d *Duplex) dropOldestAudioLocked() bool {
	for i, queued := range d.evQ {
		if queued.Kind != EventAudio {
			continue
		}
		copy(d.evQ[i:], d.evQ[i+1:])
		d.evQ[len(d.evQ)-1] = Event{}
		d.evQ = d.evQ[:len(d.evQ)-1]
		d.countDroppedEvent()
		return true
	}
	return false
}

func (d *Duplex) countDroppedEvent() {
	if n := d.eventsDropped.Add(1); n == 1 || n%100 == 0 {
		d.logger.Warn("⚠️ Event queue full, dropping oldest audio", "dropped", n)
	}
}

func (d *Duplex) dispatch() {
	for {
		d.evMu.Lock()
		if len(d.evQ) == 0 {
			d.evMu.Unlock()
			select {
			case <-d.evWake:
				continue
			case <-d.done:
				return
			}
		}
		ev := d.evQ[0]
		d.evQ[0] = Event{}
		d.evQ = d.evQ[1:]
		d.evMu.Unlock()

		if d.Closed() {
			return
		}
		d.handler(ev)
		d.delivered.Add(1)
	}
}

// Close stops both queues. Queued frames and events are discarded. It does
// not wait for a handler call in progress, so it may be called from the
// handler itself.
func (d *Duplex) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// Closed reports whether Close has been called.
func (d *Duplex) Closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Done is closed by Close.
func (d *Duplex) Done() <-chan struct{} {
	return d.done
}

// Stats returns the traffic counters.
func (d *Duplex) Stats() Stats {
	return Stats{
		FramesSent:      d.sent.Load(),
		FramesDropped:   d.framesDropped.Load(),
		EventsDelivered: d.delivered.Load(),
		EventsDropped:   d.eventsDropped.Load(),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
