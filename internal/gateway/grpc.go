// Package gateway is the edge of the system: a gRPC ingest for capture
// agents, a REST/WebSocket surface for the UI, and a circuit breaker between
// both and the bus. The gateway never decodes image bytes; it correlates,
// times out, and forwards.
package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hasbegun/eyed/internal/breaker"
	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/metrics"
	"github.com/hasbegun/eyed/internal/wire"
	eyedpb "github.com/hasbegun/eyed/proto/eyed"
)

// payloadSlack is headroom for the JSON envelope around the base64 image
// when checking a frame against the NATS payload limit.
const payloadSlack = 2048

// GRPCServer implements eyedpb.CaptureServiceServer. Frames are wrapped into
// analyze requests and published on the bus; the ack tells the agent whether
// the frame was admitted, and the breaker outcome is settled later by the
// result subscription (or its timeout).
type GRPCServer struct {
	eyedpb.UnimplementedCaptureServiceServer

	bc  *bus.Client
	brk *breaker.Breaker
	trk *AckTracker
	log *slog.Logger
	met *metrics.GatewayMetrics

	framesProcessed  atomic.Uint64
	framesRejected   atomic.Uint64
	connectedDevices atomic.Int32
	totalLatencyUS   atomic.Int64
}

// NewGRPCServer wires the capture ingest. The tracker settles each admitted
// frame's breaker outcome when its result arrives (or resultTimeout passes).
func NewGRPCServer(bc *bus.Client, brk *breaker.Breaker, trk *AckTracker, logger *slog.Logger, met *metrics.GatewayMetrics) *GRPCServer {
	return &GRPCServer{
		bc:  bc,
		brk: brk,
		trk: trk,
		log: logger,
		met: met,
	}
}

// SubmitFrame admits one frame. Rejections are acks with accepted=false,
// never gRPC errors; the capture agent treats them as backpressure.
func (s *GRPCServer) SubmitFrame(ctx context.Context, frame *eyedpb.CaptureFrame) (*eyedpb.FrameAck, error) {
	start := time.Now()
	s.met.FramesReceived.WithLabelValues(frame.DeviceId).Inc()

	if len(frame.JpegData) == 0 {
		return s.reject(frame, "payload"), nil
	}
	if max := s.bc.MaxPayload(); max > 0 {
		encoded := int64(base64.StdEncoding.EncodedLen(len(frame.JpegData)))
		if encoded+payloadSlack > max {
			s.log.Warn("frame exceeds bus payload limit",
				"device_id", frame.DeviceId, "frame_id", frame.FrameId,
				"jpeg_bytes", len(frame.JpegData))
			return s.reject(frame, "payload"), nil
		}
	}

	done, err := s.brk.Allow()
	if err != nil {
		return s.reject(frame, "breaker"), nil
	}

	req := &wire.AnalyzeRequest{
		FrameID:      fmt.Sprintf("%d", frame.FrameId),
		DeviceID:     frame.DeviceId,
		JPEGB64:      base64.StdEncoding.EncodeToString(frame.JpegData),
		QualityScore: float64(frame.QualityScore),
		EyeSide:      frame.EyeSide,
		IsNIR:        frame.IsNir,
		Timestamp:    time.UnixMicro(int64(frame.TimestampUs)).UTC().Format(time.RFC3339Nano),
	}
	if err := s.bc.Publish(bus.SubjectAnalyze, req); err != nil {
		done(false)
		s.log.Error("analyze publish failed", "device_id", frame.DeviceId,
			"frame_id", frame.FrameId, "error", err)
		return s.reject(frame, "publish"), nil
	}

	// Publish succeeded but the engine has not spoken yet. Park the breaker
	// callback until the matching result arrives or times out.
	s.trk.track(ackKey(req.DeviceID, req.FrameID), done)

	s.framesProcessed.Add(1)
	s.totalLatencyUS.Add(time.Since(start).Microseconds())
	s.met.FramesPublished.Inc()

	return &eyedpb.FrameAck{
		FrameId:    frame.FrameId,
		Accepted:   true,
		QueueDepth: uint32(s.trk.pendingCount()),
	}, nil
}

// StreamFrames is the per-device bidirectional loop: one ack per frame, in
// order.
func (s *GRPCServer) StreamFrames(stream eyedpb.CaptureService_StreamFramesServer) error {
	s.connectedDevices.Add(1)
	defer s.connectedDevices.Add(-1)

	var device string
	for {
		frame, err := stream.Recv()
		if err == io.EOF {
			s.log.Info("capture stream closed", "device_id", device)
			return nil
		}
		if err != nil {
			s.log.Info("capture stream dropped", "device_id", device, "error", err)
			return err
		}
		if device == "" {
			device = frame.DeviceId
			s.log.Info("capture stream opened", "device_id", device)
		}

		ack, err := s.SubmitFrame(stream.Context(), frame)
		if err != nil {
			return err
		}
		if err := stream.Send(ack); err != nil {
			return err
		}
	}
}

// GetStatus reports liveness and load for the capture agents' status pings.
func (s *GRPCServer) GetStatus(ctx context.Context, _ *eyedpb.Empty) (*eyedpb.ServerStatus, error) {
	state := s.brk.State()
	processed := s.framesProcessed.Load()

	var avgMS float32
	if processed > 0 {
		avgMS = float32(s.totalLatencyUS.Load()) / float32(processed) / 1000.0
	}

	return &eyedpb.ServerStatus{
		Alive:            true,
		Ready:            s.bc.IsConnected() && state != breaker.StateOpen,
		ConnectedDevices: uint32(s.connectedDevices.Load()),
		AvgLatencyMs:     avgMS,
		FramesProcessed:  processed,
		BreakerState:     state.String(),
	}, nil
}

// FramesProcessed returns the number of frames published since start.
func (s *GRPCServer) FramesProcessed() uint64 { return s.framesProcessed.Load() }

// FramesRejected returns the number of frames refused admission.
func (s *GRPCServer) FramesRejected() uint64 { return s.framesRejected.Load() }

func (s *GRPCServer) reject(frame *eyedpb.CaptureFrame, reason string) *eyedpb.FrameAck {
	s.framesRejected.Add(1)
	s.met.FramesRejected.WithLabelValues(reason).Inc()
	return &eyedpb.FrameAck{
		FrameId:    frame.FrameId,
		Accepted:   false,
		QueueDepth: uint32(s.trk.pendingCount()),
	}
}
