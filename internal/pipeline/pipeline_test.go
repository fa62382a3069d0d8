package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodeTestJPEG(t *testing.T, w, h int, f func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: f(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// texturedEye renders a sinusoidal plaid. Both periods are much longer than
// the encoder's block-averaging windows so the texture survives sampling.
func texturedEye(t *testing.T) []byte {
	return encodeTestJPEG(t, 320, 240, func(x, y int) uint8 {
		v := 128 + 90*math.Sin(float64(x)/3.1)*math.Cos(float64(y)/23)
		return uint8(math.Max(0, math.Min(255, v)))
	})
}

// ===== texture encoder =====

func TestTextureEncoderShapes(t *testing.T) {
	enc := NewTextureEncoder()
	res, err := enc.Analyze(context.Background(), texturedEye(t))
	require.NoError(t, err)

	assert.Equal(t, 256, res.Width)
	assert.Equal(t, 16, res.Height)
	assert.Equal(t, 2, res.NScales)
	require.Len(t, res.IrisCodes, 2)
	require.Len(t, res.MaskCodes, 2)
	for s := 0; s < 2; s++ {
		assert.Equal(t, []int{16, 256, 2}, res.IrisCodes[s].Shape)
		assert.Equal(t, []int{16, 256, 2}, res.MaskCodes[s].Shape)
		require.NoError(t, res.IrisCodes[s].Validate())
		require.NoError(t, res.MaskCodes[s].Validate())
	}
}

func TestTextureEncoderDeterministic(t *testing.T) {
	enc := NewTextureEncoder()
	img := texturedEye(t)

	a, err := enc.Analyze(context.Background(), img)
	require.NoError(t, err)
	b, err := enc.Analyze(context.Background(), img)
	require.NoError(t, err)

	for s := 0; s < 2; s++ {
		assert.True(t, bytes.Equal(a.IrisCodes[s].Data, b.IrisCodes[s].Data), "iris scale %d", s)
		assert.True(t, bytes.Equal(a.MaskCodes[s].Data, b.MaskCodes[s].Data), "mask scale %d", s)
	}
	assert.Equal(t, a.Quality, b.Quality)
}

func TestTextureEncoderQuality(t *testing.T) {
	enc := NewTextureEncoder()

	textured, err := enc.Analyze(context.Background(), texturedEye(t))
	require.NoError(t, err)
	assert.Greater(t, textured.Quality, 0.2, "textured image should pass the quality gate")
	assert.Greater(t, textured.MaskCodes[0].Popcount(), 0)
	assert.InDelta(t, 0.5, float64(textured.IrisCodes[0].Popcount())/8192, 0.35,
		"gradient signs should be roughly balanced")

	flat, err := enc.Analyze(context.Background(), encodeTestJPEG(t, 320, 240, func(int, int) uint8 { return 128 }))
	require.NoError(t, err)
	assert.Zero(t, flat.MaskCodes[0].Popcount(), "flat image has no trustworthy bits")
	assert.Equal(t, 0.0, flat.Quality)
	assert.Equal(t, 1.0, flat.Occlusion)
}

func TestTextureEncoderRejectsBadInput(t *testing.T) {
	enc := NewTextureEncoder()

	_, err := enc.Analyze(context.Background(), []byte("not an image"))
	require.Error(t, err)

	_, err = enc.Analyze(context.Background(), encodeTestJPEG(t, 8, 8, func(int, int) uint8 { return 0 }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

// ===== worker pool =====

type stubPipe struct {
	err   error
	delay time.Duration
}

func (s *stubPipe) Analyze(ctx context.Context, _ []byte) (*Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Result{}, nil
}

func stubFactory(err error) Factory {
	return func() (Pipeline, error) { return &stubPipe{err: err}, nil }
}

func TestPoolAcquireTimeout(t *testing.T) {
	pool, err := NewPool(1, stubFactory(nil), testLogger())
	require.NoError(t, err)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Size: 1, Available: 0}, pool.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolTimeout)

	lease.Release()
	assert.Equal(t, Stats{Size: 1, Available: 1}, pool.Stats())
}

func TestPoolAcquireCanceledIsNotTimeout(t *testing.T) {
	pool, err := NewPool(1, stubFactory(nil), testLogger())
	require.NoError(t, err)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPoolTimeout)
}

func TestPoolReleaseIdempotent(t *testing.T) {
	pool, err := NewPool(2, stubFactory(nil), testLogger())
	require.NoError(t, err)

	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
	lease.Release()
	assert.Equal(t, Stats{Size: 2, Available: 2}, pool.Stats(),
		"double release must not mint a third worker")
}

func TestPoolFIFOWaiters(t *testing.T) {
	pool, err := NewPool(1, stubFactory(nil), testLogger())
	require.NoError(t, err)
	lease, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	waiter := func(name string) {
		defer wg.Done()
		l, aErr := pool.Acquire(context.Background())
		require.NoError(t, aErr)
		order <- name
		l.Release()
	}
	wg.Add(2)
	go waiter("first")
	time.Sleep(50 * time.Millisecond)
	go waiter("second")
	time.Sleep(50 * time.Millisecond)

	lease.Release()
	wg.Wait()
	close(order)
	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestPoolAnalyzeReleasesOnError(t *testing.T) {
	pool, err := NewPool(1, stubFactory(errors.New("boom")), testLogger())
	require.NoError(t, err)

	_, err = pool.Analyze(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, Stats{Size: 1, Available: 1}, pool.Stats(),
		"worker must return to the pool on every exit path")
}

func TestPoolFactoryFailureAborts(t *testing.T) {
	_, err := NewPool(2, func() (Pipeline, error) { return nil, errors.New("model missing") }, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model missing")

	_, err = NewPool(0, stubFactory(nil), testLogger())
	require.Error(t, err)
}

func TestPoolAnalyzeEndToEnd(t *testing.T) {
	pool, err := NewPool(2, TextureFactory, testLogger())
	require.NoError(t, err)

	res, err := pool.Analyze(context.Background(), texturedEye(t))
	require.NoError(t, err)
	assert.Len(t, res.IrisCodes, 2)
	assert.Equal(t, Stats{Size: 2, Available: 2}, pool.Stats())
}
