// Package pipeline defines the analysis pipeline contract and a bounded
// worker pool over pre-initialized pipeline instances. A pipeline instance
// is expensive to build and not safe for concurrent use; the pool's job is
// to serialize access to each instance while keeping P of them warm.
package pipeline

import (
	"context"

	"github.com/hasbegun/eyed/internal/blobformat"
)

// Pipeline turns one eye image into iris/mask code arrays plus quality
// metrics. Implementations need not be safe for concurrent use; the pool
// guarantees single-caller access per instance.
type Pipeline interface {
	Analyze(ctx context.Context, jpegData []byte) (*Result, error)
}

// Factory builds one pipeline instance. The pool calls it P times at
// startup so all model loading happens before the first request.
type Factory func() (Pipeline, error)

// Result carries everything downstream of an analysis: code arrays for
// matching and storage, dimensions for the template row, and quality
// metrics for gating.
type Result struct {
	// IrisCodes and MaskCodes hold one array per scale, each shaped
	// [codeHeight, codeWidth, 2]. Mask bits mark which iris bits are
	// trustworthy; both slices always have the same length and shapes.
	IrisCodes []blobformat.Array
	MaskCodes []blobformat.Array

	Width   int
	Height  int
	NScales int

	// Sharpness is a 0..1 focus proxy, Occlusion the fraction of bits the
	// mask rejects. Quality combines both; enrollment gates on it.
	Sharpness float64
	Occlusion float64
	Quality   float64
}
