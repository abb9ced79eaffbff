package liveness

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nabilat/liveness-check/internal/metrics"
)

// logPump delivers log events to the hook without ever blocking the sender.
// When the buffer is full the event is dropped.
type logPump struct {
	hook   func(LogEvent)
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	dropped uint64
	ch      chan LogEvent
	done    chan struct{}
}

func newLogPump(size int, hook func(LogEvent), logger *zap.Logger) *logPump {
	if size <= 0 {
		size = 1
	}
	p := &logPump{
		hook:   hook,
		logger: logger,
		ch:     make(chan LogEvent, size),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

func (p *logPump) emit(event LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped++
		metrics.TelemetryDroppedTotal.Inc()
	}
}

func (p *logPump) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}

func (p *logPump) drain() {
	defer close(p.done)
	for event := range p.ch {
		p.deliver(event)
	}
}

func (p *logPump) deliver(event LogEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("log hook panicked", zap.Any("panic", r), zap.String("kind", string(event.Kind)))
		}
	}()
	p.hook(event)
}
