// Package analyzer describes the liveness-analysis engine the orchestrator
// drives. Face detection, anti-spoofing and the backend protocol all live
// behind these interfaces.
package analyzer

import (
	"context"
	"image/color"

	"github.com/nabilat/liveness-check/internal/frames"
)

// Request carries everything the engine needs for a handshake. Nothing in it
// is validated locally: an empty token or a missing reference image in
// verification mode is for the engine to reject.
type Request struct {
	SessionID        string
	Token            string
	VerificationMode bool
	ReferenceImage   []byte
	Source           frames.Source
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventFeedback EventKind = iota + 1
	EventColor
	EventDetails
	EventResult
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventFeedback:
		return "feedback"
	case EventColor:
		return "color"
	case EventDetails:
		return "details"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of an analysis.
type Result struct {
	// Label is human readable, e.g. "live" or "spoof".
	Label string
	// ResultID correlates with the backend audit trail.
	ResultID string
	// Passed is false when liveness or verification came back negative.
	Passed bool
}

// Details is the digest payload used to validate the session out of band.
type Details struct {
	Digest     string
	ResultID   string
	Attributes map[string]string
}

// Event is one message streamed by the engine while a session runs.
type Event struct {
	Kind     EventKind
	Feedback string
	Color    color.RGBA
	Details  *Details
	Result   *Result
	Err      error
}

// Engine starts analysis sessions.
type Engine interface {
	// Begin performs the handshake. On error the engine has already released
	// whatever it acquired.
	Begin(ctx context.Context, req Request) (Analysis, error)
}

// Analysis is one authorised streaming session.
type Analysis interface {
	// Recv blocks for the next event. A result or error event is the last
	// meaningful event; io.EOF or another error means the stream ended.
	Recv(ctx context.Context) (Event, error)
	// Terminate releases the camera and analysis resources.
	Terminate() error
}
