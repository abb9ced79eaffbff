package grpcclient

import (
	"encoding/base64"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nabilat/liveness-check/internal/analyzer"
	"github.com/nabilat/liveness-check/internal/frames"
)

// Envelope types exchanged on the Analyze stream.
const (
	envelopeBegin    = "begin"
	envelopeAck      = "ack"
	envelopeFrame    = "frame"
	envelopeFeedback = "feedback"
	envelopeColor    = "color"
	envelopeDetails  = "details"
	envelopeResult   = "result"
	envelopeError    = "error"
)

func beginEnvelope(req analyzer.Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"type":         envelopeBegin,
		"session_id":   req.SessionID,
		"token":        req.Token,
		"verification": req.VerificationMode,
	}
	if len(req.ReferenceImage) > 0 {
		fields["reference_image"] = base64.StdEncoding.EncodeToString(req.ReferenceImage)
	}
	return structpb.NewStruct(fields)
}

func frameEnvelope(frame *frames.Frame) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":      envelopeFrame,
		"seq":       float64(frame.Seq),
		"width":     float64(frame.Width),
		"height":    float64(frame.Height),
		"timestamp": frame.Timestamp.UnixMilli(),
		"data":      base64.StdEncoding.EncodeToString(frame.Data),
	})
}

func envelopeType(msg *structpb.Struct) string {
	return stringField(msg, "type")
}

func stringField(msg *structpb.Struct, key string) string {
	if msg == nil {
		return ""
	}
	return msg.GetFields()[key].GetStringValue()
}

func boolField(msg *structpb.Struct, key string) bool {
	if msg == nil {
		return false
	}
	return msg.GetFields()[key].GetBoolValue()
}

// decodeEvent maps an engine envelope to an analyzer event. Unknown types
// and unparseable color hints decode to a zero event, which callers ignore.
func decodeEvent(msg *structpb.Struct) analyzer.Event {
	switch envelopeType(msg) {
	case envelopeFeedback:
		return analyzer.Event{Kind: analyzer.EventFeedback, Feedback: stringField(msg, "message")}
	case envelopeColor:
		c, err := analyzer.ParseHexColor(stringField(msg, "color"))
		if err != nil {
			return analyzer.Event{}
		}
		return analyzer.Event{Kind: analyzer.EventColor, Color: c}
	case envelopeDetails:
		details := &analyzer.Details{
			Digest:   stringField(msg, "digest"),
			ResultID: stringField(msg, "result_id"),
		}
		if attrs := msg.GetFields()["attributes"].GetStructValue(); attrs != nil {
			details.Attributes = make(map[string]string, len(attrs.GetFields()))
			for key, value := range attrs.GetFields() {
				details.Attributes[key] = value.GetStringValue()
			}
		}
		return analyzer.Event{Kind: analyzer.EventDetails, Details: details}
	case envelopeResult:
		label := stringField(msg, "label")
		if label == "" {
			return analyzer.Event{Kind: analyzer.EventError, Err: errors.New("result envelope without label")}
		}
		return analyzer.Event{Kind: analyzer.EventResult, Result: &analyzer.Result{
			Label:    label,
			ResultID: stringField(msg, "result_id"),
			Passed:   boolField(msg, "passed"),
		}}
	case envelopeError:
		return analyzer.Event{Kind: analyzer.EventError, Err: engineError(msg)}
	default:
		return analyzer.Event{}
	}
}

func engineError(msg *structpb.Struct) error {
	message := stringField(msg, "message")
	if message == "" {
		message = "unspecified engine error"
	}
	if code := stringField(msg, "code"); code != "" {
		return fmt.Errorf("engine error %s: %s", code, message)
	}
	return fmt.Errorf("engine error: %s", message)
}
