package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hasbegun/eyed/internal/config"
	"github.com/hasbegun/eyed/internal/ringbuf"
	eyedpb "github.com/hasbegun/eyed/proto/eyed"
)

// rejectedWait is the per-queue-slot pause after the gateway answers
// accepted=false.
const rejectedWait = 200 * time.Millisecond

// Stats is a point-in-time snapshot of the agent counters.
type Stats struct {
	Produced       uint64
	Sent           uint64
	DroppedQuality uint64
	DroppedRing    uint64
	Rejected       uint64
	Reconnects     uint64
}

// Agent runs two goroutines joined by a ring: a producer pulling frames from
// the source, and a streamer gating, encoding, and shipping them to the
// gateway. The producer never blocks on the network; a slow uplink costs
// frames, not capture latency.
type Agent struct {
	cfg  *config.CaptureConfig
	src  Source
	ring *ringbuf.Ring[*Frame]
	log  *slog.Logger

	produced       atomic.Uint64
	sent           atomic.Uint64
	droppedQuality atomic.Uint64
	droppedRing    atomic.Uint64
	rejected       atomic.Uint64
	reconnects     atomic.Uint64
}

// NewAgent wires a source to the gateway config.
func NewAgent(cfg *config.CaptureConfig, src Source, log *slog.Logger) (*Agent, error) {
	ring, err := ringbuf.New[*Frame](cfg.RingCapacity)
	if err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, src: src, ring: ring, log: log}, nil
}

// Run captures and streams until ctx is cancelled or the source dies.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.statsLoop(ctx)
	go func() {
		defer cancel()
		a.produce(ctx)
	}()
	return a.stream(ctx)
}

// Stats snapshots the counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Produced:       a.produced.Load(),
		Sent:           a.sent.Load(),
		DroppedQuality: a.droppedQuality.Load(),
		DroppedRing:    a.droppedRing.Load(),
		Rejected:       a.rejected.Load(),
		Reconnects:     a.reconnects.Load(),
	}
}

// produce pulls frames from the source into the ring. When the ring is full
// the new frame is dropped so queued (older but already-paced) frames
// survive.
func (a *Agent) produce(ctx context.Context) {
	var id uint32
	for ctx.Err() == nil {
		frame, err := a.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error("frame source failed, stopping producer", "error", err)
			return
		}
		frame.ID = id
		id++
		a.produced.Add(1)
		if !a.ring.TryPush(frame) {
			a.droppedRing.Add(1)
			a.log.Debug("ring full, dropping frame", "frame_id", frame.ID)
		}
	}
}

// stream maintains the gateway connection, reconnecting with exponential
// backoff. Backoff resets once a session delivers a frame.
func (a *Agent) stream(ctx context.Context) error {
	backoff := a.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		sentAny, err := a.streamOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil // clean shutdown
		}
		if sentAny {
			backoff = a.cfg.ReconnectBase
		}
		a.reconnects.Add(1)
		a.log.Warn("gateway stream lost, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.ReconnectMax {
			backoff = a.cfg.ReconnectMax
		}
	}
}

// streamOnce runs one stream session: gate, encode, send, ack. Returns nil
// only on clean shutdown; any transport failure is an error so the caller
// reconnects.
func (a *Agent) streamOnce(ctx context.Context) (sentAny bool, err error) {
	conn, err := grpc.NewClient(a.cfg.GatewayAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("dial gateway %s: %w", a.cfg.GatewayAddr, err)
	}
	defer conn.Close()

	stream, err := eyedpb.NewCaptureServiceClient(conn).StreamFrames(ctx)
	if err != nil {
		return false, fmt.Errorf("open frame stream: %w", err)
	}
	a.log.Info("frame stream open", "gateway", a.cfg.GatewayAddr, "device_id", a.cfg.DeviceID)

	for {
		frame, ok := a.nextFrame(ctx)
		if !ok {
			// Shutdown: stop sending, let in-flight acks drain.
			stream.CloseSend()
			for {
				if _, err := stream.Recv(); err != nil {
					return sentAny, nil
				}
			}
		}

		q := Score(frame.Gray)
		if q < a.cfg.QualityThreshold {
			a.droppedQuality.Add(1)
			a.log.Debug("frame below quality threshold",
				"frame_id", frame.ID, "quality", q, "threshold", a.cfg.QualityThreshold)
			continue
		}

		jpegData := frame.JPEG
		if jpegData == nil {
			jpegData, err = EncodeJPEG(frame.Gray, a.cfg.JPEGQuality)
			if err != nil {
				a.log.Warn("jpeg encode failed", "frame_id", frame.ID, "error", err)
				continue
			}
		}

		msg := &eyedpb.CaptureFrame{
			JpegData:     jpegData,
			QualityScore: float32(q),
			TimestampUs:  frame.TimestampUS,
			FrameId:      frame.ID,
			DeviceId:     a.cfg.DeviceID,
			EyeSide:      a.cfg.EyeSide,
			IsNir:        a.cfg.IsNIR,
		}
		if err := stream.Send(msg); err != nil {
			return sentAny, fmt.Errorf("send frame %d: %w", frame.ID, err)
		}
		ack, err := stream.Recv()
		if err != nil {
			return sentAny, fmt.Errorf("ack for frame %d: %w", frame.ID, err)
		}

		if !ack.GetAccepted() {
			a.rejected.Add(1)
			depth := ack.GetQueueDepth()
			if depth < 1 {
				depth = 1
			}
			wait := time.Duration(depth) * rejectedWait
			a.log.Warn("frame not accepted, backing off",
				"frame_id", frame.ID, "queue_depth", ack.GetQueueDepth(), "wait", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}

		sentAny = true
		a.sent.Add(1)
		a.log.Debug("frame sent",
			"frame_id", frame.ID, "quality", q, "bytes", len(jpegData))
	}
}

// nextFrame pops the ring, idling briefly when it is empty. ok=false means
// shutdown.
func (a *Agent) nextFrame(ctx context.Context) (*Frame, bool) {
	for {
		if frame, ok := a.ring.TryPop(); ok {
			return frame, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(time.Millisecond):
		}
	}
}

func (a *Agent) statsLoop(ctx context.Context) {
	if a.cfg.StatsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.Stats()
			a.log.Info("capture stats",
				"produced", s.Produced,
				"sent", s.Sent,
				"dropped_quality", s.DroppedQuality,
				"dropped_ring", s.DroppedRing,
				"rejected", s.Rejected,
				"reconnects", s.Reconnects)
		}
	}
}
