// Package capture implements the edge agent: a frame source, a Sobel
// quality gate, a small ring between acquisition and network, and a
// persistent gRPC stream into the gateway with per-frame acks.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// Frame is one captured eye image. Gray is always populated; JPEG holds the
// original bytes only when the source already produced JPEG, so the streamer
// can skip a re-encode.
type Frame struct {
	ID          uint32
	Gray        *image.Gray
	JPEG        []byte
	TimestampUS uint64
}

// Source produces frames, pacing itself to the configured rate.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".bmp": true, ".png": true,
}

// DirectorySource replays still images from a directory tree in sorted
// order, wrapping around at the end. It stands in for a sensor in test rigs
// and dataset replay.
type DirectorySource struct {
	paths    []string
	idx      int
	interval time.Duration
	last     time.Time
	log      *slog.Logger
}

// NewDirectorySource walks dir for images and paces Next to fps
// (fps <= 0 disables pacing).
func NewDirectorySource(dir string, fps float64, log *slog.Logger) (*DirectorySource, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk image dir %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images under %s", dir)
	}
	sort.Strings(paths)

	var interval time.Duration
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	log.Info("directory source ready", "dir", dir, "images", len(paths), "fps", fps)
	return &DirectorySource{paths: paths, interval: interval, log: log}, nil
}

func (s *DirectorySource) Next(ctx context.Context) (*Frame, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}

	// A bad file is skipped, not fatal; one full pass with nothing readable is.
	for tries := 0; tries < len(s.paths); tries++ {
		path := s.paths[s.idx]
		s.idx = (s.idx + 1) % len(s.paths)

		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("failed to read image", "path", path, "error", err)
			continue
		}
		gray, err := decodeGray(data)
		if err != nil {
			s.log.Warn("failed to decode image", "path", path, "error", err)
			continue
		}

		f := &Frame{Gray: gray, TimestampUS: uint64(time.Now().UnixMicro())}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".jpg" || ext == ".jpeg" {
			f.JPEG = data
		}
		return f, nil
	}
	return nil, errors.New("no readable images in directory")
}

func (s *DirectorySource) Close() error { return nil }

// pace sleeps until the next frame is due.
func (s *DirectorySource) pace(ctx context.Context) error {
	if s.interval > 0 && !s.last.IsZero() {
		due := s.last.Add(s.interval)
		if d := time.Until(due); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
	s.last = time.Now()
	return nil
}

// decodeGray decodes any registered image format down to 8-bit luma.
func decodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray, nil
}
