package liveness

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nabilat/liveness-check/internal/analyzer"
)

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubAnalysis struct {
	events       chan analyzer.Event
	terminateErr error
	terminated   atomic.Int32
	recorder     *callRecorder
}

func newStubAnalysis(recorder *callRecorder, events ...analyzer.Event) *stubAnalysis {
	ch := make(chan analyzer.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	return &stubAnalysis{events: ch, recorder: recorder}
}

func (a *stubAnalysis) Recv(ctx context.Context) (analyzer.Event, error) {
	select {
	case ev, ok := <-a.events:
		if !ok {
			return analyzer.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return analyzer.Event{}, ctx.Err()
	}
}

func (a *stubAnalysis) Terminate() error {
	a.terminated.Add(1)
	if a.recorder != nil {
		a.recorder.record("terminate")
	}
	return a.terminateErr
}

type stubEngine struct {
	mu        sync.Mutex
	requests  []analyzer.Request
	beginErr  error
	beginGate chan struct{}
	analyses  []*stubAnalysis
}

func (e *stubEngine) Begin(ctx context.Context, req analyzer.Request) (analyzer.Analysis, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	gate := e.beginGate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.beginErr != nil {
		return nil, e.beginErr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.analyses[0]
	e.analyses = e.analyses[1:]
	return next, nil
}

func (e *stubEngine) beginCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *stubEngine) request(i int) analyzer.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[i]
}

type resultCall struct {
	label    string
	resultID string
}

type recordingObserver struct {
	recorder *callRecorder
	results  chan resultCall

	mu       sync.Mutex
	feedback []string
	details  []*analyzer.Details
	logs     []LogEvent
}

func newRecordingObserver(recorder *callRecorder) *recordingObserver {
	return &recordingObserver{recorder: recorder, results: make(chan resultCall, 4)}
}

func (o *recordingObserver) funcs() ObserverFuncs {
	return ObserverFuncs{
		Feedback: func(message string) {
			o.mu.Lock()
			o.feedback = append(o.feedback, message)
			o.mu.Unlock()
			o.recorder.record("feedback")
		},
		Result: func(label, resultID string) {
			o.recorder.record("result")
			o.results <- resultCall{label: label, resultID: resultID}
		},
		Details: func(details *analyzer.Details) {
			o.mu.Lock()
			o.details = append(o.details, details)
			o.mu.Unlock()
			o.recorder.record("details")
		},
		Log: func(event LogEvent) {
			o.mu.Lock()
			o.logs = append(o.logs, event)
			o.mu.Unlock()
		},
	}
}

func (o *recordingObserver) logKinds() []LogKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	kinds := make([]LogKind, 0, len(o.logs))
	for _, ev := range o.logs {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func waitResult(t *testing.T, o *recordingObserver) resultCall {
	t.Helper()
	select {
	case call := <-o.results:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("result was not delivered")
	}
	return resultCall{}
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session goroutine did not exit")
	}
}

func waitStatus(t *testing.T, o *Orchestrator, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.Snapshot().Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status did not reach %s, last %s", want, o.Snapshot().Status)
}
