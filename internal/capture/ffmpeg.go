package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// FFmpegSource shells out to ffmpeg against a V4L2 device and splits the
// resulting MJPEG stream on JPEG SOI/EOI markers. One decoded frame per
// Next; ffmpeg owns the sensor pacing.
type FFmpegSource struct {
	cmd  *exec.Cmd
	scan *mjpegScanner
	log  *slog.Logger
}

// NewFFmpegSource starts ffmpeg reading device at fps (fps <= 0 leaves the
// rate to the driver).
func NewFFmpegSource(device string, fps float64, log *slog.Logger) (*FFmpegSource, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if fps > 0 {
		args = append(args, "-framerate", strconv.FormatFloat(fps, 'g', -1, 64))
	}
	args = append(args, "-i", device, "-c:v", "mjpeg", "-q:v", "5", "-f", "mjpeg", "pipe:1")

	cmd := exec.Command("ffmpeg", args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg for %s: %w", device, err)
	}

	log.Info("ffmpeg source started", "device", device, "fps", fps, "pid", cmd.Process.Pid)
	return &FFmpegSource{cmd: cmd, scan: newMJPEGScanner(stdout), log: log}, nil
}

func (s *FFmpegSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	jpeg, err := s.scan.next()
	if err != nil {
		return nil, fmt.Errorf("read mjpeg frame: %w", err)
	}
	gray, err := decodeGray(jpeg)
	if err != nil {
		return nil, fmt.Errorf("decode mjpeg frame: %w", err)
	}
	return &Frame{Gray: gray, JPEG: jpeg, TimestampUS: uint64(time.Now().UnixMicro())}, nil
}

// Close kills ffmpeg, which also unblocks any Next stuck on the pipe.
func (s *FFmpegSource) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	err := s.cmd.Wait()
	s.log.Info("ffmpeg source stopped")
	if err != nil && err.Error() == "signal: killed" {
		return nil
	}
	return err
}

// mjpegScanner pulls complete JPEG frames out of a concatenated stream.
// Frames start at FF D8 and end at FF D9; anything between frames is
// discarded.
type mjpegScanner struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

func newMJPEGScanner(r io.Reader) *mjpegScanner {
	return &mjpegScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// next blocks until one complete JPEG is available.
func (s *mjpegScanner) next() ([]byte, error) {
	chunk := make([]byte, 32*1024)
	for {
		if frame := s.extract(); frame != nil {
			return frame, nil
		}
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			// A final complete frame may still be buffered.
			if frame := s.extract(); frame != nil {
				return frame, nil
			}
			return nil, err
		}
	}
}

// extract pops the first complete SOI..EOI span from the buffer, or returns
// nil when none is complete yet.
func (s *mjpegScanner) extract() []byte {
	data := s.buf.Bytes()
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		// No frame start in sight; keep only the last byte in case it is
		// the first half of a marker.
		if len(data) > 1 {
			s.buf.Next(len(data) - 1)
		}
		return nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			s.buf.Next(start)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, data[start:end])
	s.buf.Next(end)
	return frame
}
