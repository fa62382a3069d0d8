// Command integration-test is the end-to-end smoke check: it opens the
// gateway's result WebSocket, submits one frame over gRPC, and waits for
// that frame's analyze result to come back around the full loop
// (gateway -> bus -> engine -> bus -> gateway -> WebSocket).
//
// Exit status 0 means a result arrived, whatever its verdict. Pass
// -require-match to fail unless the engine matched an enrolled identity.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hasbegun/eyed/internal/wire"
	eyedpb "github.com/hasbegun/eyed/proto/eyed"
)

func main() {
	grpcAddr := flag.String("gateway", "localhost:50051", "gateway gRPC address")
	wsURL := flag.String("ws", "ws://localhost:8080/ws/results", "gateway result WebSocket URL")
	imagePath := flag.String("image", "", "JPEG to submit (default: synthetic noise frame)")
	eyeSide := flag.String("eye", "left", "eye side tag")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for the result")
	requireMatch := flag.Bool("require-match", false, "exit nonzero unless the frame matched")
	flag.Parse()

	data, err := loadImage(*imagePath)
	if err != nil {
		log.Fatalf("image: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Subscribe before submitting so the result cannot race past us.
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, *wsURL, nil)
	if err != nil {
		log.Fatalf("WebSocket dial %s: %v", *wsURL, err)
	}
	defer ws.Close()

	conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("gRPC dial %s: %v", *grpcAddr, err)
	}
	defer conn.Close()
	client := eyedpb.NewCaptureServiceClient(conn)

	status, err := client.GetStatus(ctx, &eyedpb.Empty{})
	if err != nil {
		log.Fatalf("GetStatus: %v", err)
	}
	fmt.Printf("gateway: alive=%t ready=%t breaker=%s frames_processed=%d\n",
		status.Alive, status.Ready, status.BreakerState, status.FramesProcessed)

	deviceID := "integration-test-" + uuid.NewString()[:8]
	frameID := uint32(time.Now().Unix() & 0x7fffffff)
	ack, err := client.SubmitFrame(ctx, &eyedpb.CaptureFrame{
		JpegData:     data,
		QualityScore: 1.0,
		TimestampUs:  uint64(time.Now().UnixMicro()),
		FrameId:      frameID,
		DeviceId:     deviceID,
		EyeSide:      *eyeSide,
	})
	if err != nil {
		log.Fatalf("SubmitFrame: %v", err)
	}
	if !ack.Accepted {
		log.Fatalf("frame rejected at the gateway (queue_depth=%d)", ack.QueueDepth)
	}
	fmt.Printf("frame %d submitted as %s\n", frameID, deviceID)

	wantFrameID := fmt.Sprintf("%d", frameID)
	deadline := time.Now().Add(*timeout)
	ws.SetReadDeadline(deadline)
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			log.Fatalf("no result within %s: %v", *timeout, err)
		}
		var resp wire.AnalyzeResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if resp.DeviceID != deviceID || resp.FrameID != wantFrameID {
			continue // someone else's traffic
		}

		switch {
		case resp.Error != "":
			fmt.Printf("result: error=%q latency=%.1fms\n", resp.Error, resp.LatencyMS)
		case resp.Match != nil && resp.Match.IsMatch:
			fmt.Printf("result: MATCH %s hd=%.4f rotation=%d latency=%.1fms\n",
				resp.Match.MatchedIdentityName, resp.Match.HammingDistance,
				resp.Match.BestRotation, resp.LatencyMS)
		case resp.Match != nil:
			fmt.Printf("result: no match hd=%.4f latency=%.1fms\n",
				resp.Match.HammingDistance, resp.LatencyMS)
		default:
			fmt.Printf("result: %s\n", payload)
		}

		if *requireMatch && (resp.Match == nil || !resp.Match.IsMatch) {
			os.Exit(1)
		}
		return
	}
}

// loadImage reads the JPEG at path, or fabricates a noise frame so the
// binary runs against a bare stack with no dataset mounted.
func loadImage(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	img := image.NewGray(image.Rect(0, 0, 640, 480))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
