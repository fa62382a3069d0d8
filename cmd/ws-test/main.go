// Command ws-test tails the gateway's /ws/results stream and prints one
// line per analyze result. Handy for watching a capture agent live.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hasbegun/eyed/internal/wire"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/results", "result WebSocket URL")
	count := flag.Int("n", 0, "exit after n results (0 = run until interrupted)")
	raw := flag.Bool("raw", false, "print raw JSON payloads")
	flag.Parse()

	ws, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	defer ws.Close()
	fmt.Fprintf(os.Stderr, "connected to %s\n", *url)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	seen := 0
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			log.Fatalf("read: %v", err)
		}
		if *raw {
			fmt.Println(string(payload))
		} else {
			printResult(payload)
		}
		seen++
		if *count > 0 && seen >= *count {
			return
		}
	}
}

func printResult(payload []byte) {
	var resp wire.AnalyzeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		fmt.Printf("?? %s\n", payload)
		return
	}
	stamp := time.Now().Format("15:04:05.000")
	switch {
	case resp.Rejected():
		fmt.Printf("%s %s/%s REJECTED queue_depth=%d\n",
			stamp, resp.DeviceID, resp.FrameID, resp.QueueDepth)
	case resp.Error != "":
		fmt.Printf("%s %s/%s error=%q latency=%.1fms\n",
			stamp, resp.DeviceID, resp.FrameID, resp.Error, resp.LatencyMS)
	case resp.Match != nil && resp.Match.IsMatch:
		fmt.Printf("%s %s/%s MATCH %s hd=%.4f rot=%d latency=%.1fms\n",
			stamp, resp.DeviceID, resp.FrameID, resp.Match.MatchedIdentityName,
			resp.Match.HammingDistance, resp.Match.BestRotation, resp.LatencyMS)
	case resp.Match != nil:
		fmt.Printf("%s %s/%s no-match hd=%.4f latency=%.1fms\n",
			stamp, resp.DeviceID, resp.FrameID,
			resp.Match.HammingDistance, resp.LatencyMS)
	default:
		fmt.Printf("%s %s\n", stamp, payload)
	}
}
