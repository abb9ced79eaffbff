package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nabilat/liveness-check/internal/analyzer"
	"github.com/nabilat/liveness-check/internal/frames"
	"github.com/nabilat/liveness-check/internal/logging"
)

// AnalyzeMethod is the bidirectional stream served by the liveness engine.
const AnalyzeMethod = "/liveness.v1.LivenessEngine/Analyze"

var analyzeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Analyze",
	ServerStreams: true,
	ClientStreams: true,
}

const releaseTimeout = 2 * time.Second

// DialEngine returns a ready-to-use engine client for the liveness backend.
// Extra options are appended after the defaults.
func DialEngine(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (analyzer.Engine, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_engine", "", err)
		logger.Error("failed to dial liveness engine", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewEngine(conn, logger), conn, nil
}

// NewEngine wraps an existing connection.
func NewEngine(conn grpc.ClientConnInterface, logger *zap.Logger) analyzer.Engine {
	return &grpcEngine{conn: conn, logger: logger.Named("grpc_engine")}
}

type grpcEngine struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcEngine) Begin(ctx context.Context, req analyzer.Request) (analyzer.Analysis, error) {
	opLogger := logging.WithOperation(g.logger, "grpcclient.begin", req.SessionID)

	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx = metadata.AppendToOutgoingContext(streamCtx,
		"authorization", "Bearer "+req.Token,
		"x-session-id", req.SessionID,
	)

	fail := func(operation string, err error) (analyzer.Analysis, error) {
		cancel()
		wrapped := logging.NewOperationError(operation, req.SessionID, err)
		opLogger.Warn("engine handshake failed", zap.Error(wrapped))
		return nil, wrapped
	}

	stream, err := g.conn.NewStream(streamCtx, analyzeStreamDesc, AnalyzeMethod)
	if err != nil {
		return fail("grpcclient.open_stream", err)
	}

	begin, err := beginEnvelope(req)
	if err != nil {
		return fail("grpcclient.encode_begin", err)
	}
	if err := stream.SendMsg(begin); err != nil {
		return fail("grpcclient.send_begin", err)
	}

	ack := &structpb.Struct{}
	if err := stream.RecvMsg(ack); err != nil {
		return fail("grpcclient.recv_ack", err)
	}
	switch kind := envelopeType(ack); kind {
	case envelopeAck:
	case envelopeError:
		return fail("grpcclient.handshake", engineError(ack))
	default:
		return fail("grpcclient.handshake", fmt.Errorf("unexpected handshake envelope %q", kind))
	}

	a := &grpcAnalysis{
		stream:    stream,
		ctx:       streamCtx,
		cancel:    cancel,
		sessionID: req.SessionID,
		logger:    opLogger,
		incoming:  make(chan analyzer.Event),
		readDone:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	go a.readLoop()
	if req.Source != nil {
		go a.pump(req.Source)
	} else {
		close(a.pumpDone)
	}
	opLogger.Debug("engine handshake acknowledged")
	return a, nil
}

type grpcAnalysis struct {
	stream    grpc.ClientStream
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	logger    *zap.Logger

	incoming chan analyzer.Event
	readErr  error
	readDone chan struct{}
	pumpDone chan struct{}

	terminateOnce sync.Once
	terminateErr  error
}

func (a *grpcAnalysis) readLoop() {
	defer close(a.readDone)
	defer close(a.incoming)
	for {
		msg := &structpb.Struct{}
		if err := a.stream.RecvMsg(msg); err != nil {
			a.readErr = err
			return
		}
		event := decodeEvent(msg)
		if event.Kind == 0 {
			if kind := envelopeType(msg); kind == envelopeColor {
				a.logger.Warn("ignoring malformed color hint", zap.String("color", stringField(msg, "color")))
			} else {
				a.logger.Debug("ignoring unknown envelope", zap.String("type", kind))
			}
			continue
		}
		select {
		case a.incoming <- event:
		case <-a.ctx.Done():
			a.readErr = a.ctx.Err()
			return
		}
	}
}

// pump forwards frames until the source closes or the stream ends.
func (a *grpcAnalysis) pump(source frames.Source) {
	defer close(a.pumpDone)
	for {
		frame, err := source.Next(a.ctx)
		if err != nil {
			if errors.Is(err, frames.ErrClosed) {
				if err := a.stream.CloseSend(); err != nil {
					a.logger.Debug("close send failed", zap.Error(err))
				}
			}
			return
		}
		msg, err := frameEnvelope(frame)
		if err != nil {
			a.logger.Warn("failed to encode frame", zap.Error(err), zap.Uint64("seq", frame.Seq))
			continue
		}
		if err := a.stream.SendMsg(msg); err != nil {
			a.logger.Debug("frame stream closed", zap.Error(err))
			return
		}
	}
}

// Recv returns io.EOF when the engine closed the stream cleanly.
func (a *grpcAnalysis) Recv(ctx context.Context) (analyzer.Event, error) {
	select {
	case event, ok := <-a.incoming:
		if !ok {
			if errors.Is(a.readErr, io.EOF) {
				return analyzer.Event{}, io.EOF
			}
			return analyzer.Event{}, logging.NewOperationError("grpcclient.recv", a.sessionID, a.readErr)
		}
		return event, nil
	case <-ctx.Done():
		return analyzer.Event{}, ctx.Err()
	}
}

// Terminate cancels the stream and waits for the frame pump and reader to
// exit. Safe to call more than once.
func (a *grpcAnalysis) Terminate() error {
	a.terminateOnce.Do(func() {
		a.cancel()
		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		for _, done := range []chan struct{}{a.pumpDone, a.readDone} {
			select {
			case <-done:
			case <-timer.C:
				a.terminateErr = logging.NewOperationError("grpcclient.terminate", a.sessionID, errors.New("release timed out"))
				return
			}
		}
	})
	return a.terminateErr
}
