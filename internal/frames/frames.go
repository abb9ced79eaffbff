// Package frames carries camera frames from the capture side to an analysis
// engine. Sources keep only the latest frame: a stale frame is worth less
// than a dropped one during a liveness check.
package frames

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Next once the source has been closed.
var ErrClosed = errors.New("frames: source closed")

// Frame is one captured image. Data must not be modified after Publish.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
	Seq       uint64
}

// Source produces a continuous sequence of frames. Consumers treat frames
// as opaque and never mutate them.
type Source interface {
	// Next blocks until a frame is available, the source is closed or ctx is done.
	Next(ctx context.Context) (*Frame, error)
	Close()
}

// Stats is a point in time view of a Mailbox.
type Stats struct {
	Published uint64
	Consumed  uint64
	Drops     uint64
	LastSeq   uint64
	Closed    bool
}

// Mailbox is a single-slot Source. Publish overwrites an unconsumed frame
// and counts it as a drop.
type Mailbox struct {
	mu     sync.Mutex
	frame  *Frame
	closed bool
	seq    uint64

	notify chan struct{}
	done   chan struct{}

	published atomic.Uint64
	consumed  atomic.Uint64
	drops     atomic.Uint64
}

// NewMailbox returns an open, empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish hands a frame to the consumer without blocking and reports whether
// it replaced a frame the consumer never saw. Frames published after Close
// are discarded. A zero Seq is replaced by the mailbox counter.
func (m *Mailbox) Publish(frame *Frame) (dropped bool) {
	if frame == nil {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.seq++
	if frame.Seq == 0 {
		frame.Seq = m.seq
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if m.frame != nil {
		m.drops.Add(1)
		dropped = true
	}
	m.frame = frame
	m.mu.Unlock()

	m.published.Add(1)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next returns the most recent unconsumed frame.
func (m *Mailbox) Next(ctx context.Context) (*Frame, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if frame := m.frame; frame != nil {
			m.frame = nil
			m.mu.Unlock()
			m.consumed.Add(1)
			return frame, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
		case <-m.notify:
		}
	}
}

// Close wakes any blocked consumer. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.frame = nil
	close(m.done)
}

// Stats returns counters for monitoring.
func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	closed := m.closed
	last := m.seq
	m.mu.Unlock()
	return Stats{
		Published: m.published.Load(),
		Consumed:  m.consumed.Load(),
		Drops:     m.drops.Load(),
		LastSeq:   last,
		Closed:    closed,
	}
}
