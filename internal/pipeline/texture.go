package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"

	"github.com/hasbegun/eyed/internal/blobformat"
)

const (
	codeHeight = 16
	codeWidth  = 256
	codePlanes = 2
	codeScales = 2

	minImageDim = 32

	// Mask gates, in 0..255 gray units: a bit is trustworthy only when the
	// local contrast clears the floor and the cell is neither crushed black
	// nor blown out (specular highlights, eyelid skin).
	contrastFloor = 1.0
	lumaFloor     = 6.0
	lumaCeil      = 249.0
)

// textureEncoder is the built-in deterministic pipeline: decode, grayscale
// grid sampling at two scales, local-gradient sign thresholding into iris
// bits, luminance/contrast gating into mask bits. It lets the platform run
// end-to-end without a model sidecar; recognition accuracy is not its job.
// Stateless, but pooled like any other pipeline so swapping in a real one
// changes nothing upstream.
type textureEncoder struct{}

// NewTextureEncoder returns the built-in encoder.
func NewTextureEncoder() Pipeline { return &textureEncoder{} }

// TextureFactory is a Factory for the built-in encoder.
func TextureFactory() (Pipeline, error) { return NewTextureEncoder(), nil }

func (e *textureEncoder) Analyze(_ context.Context, jpegData []byte) (*Result, error) {
	img, _, err := image.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() < minImageDim || bounds.Dy() < minImageDim {
		return nil, fmt.Errorf("image too small: %dx%d", bounds.Dx(), bounds.Dy())
	}
	gray := toGray(img)

	res := &Result{
		Width:   codeWidth,
		Height:  codeHeight,
		NScales: codeScales,
	}
	var gradSum float64
	var validBits, totalBits int
	for s := 0; s < codeScales; s++ {
		grid := gray.sampleGrid(s)
		iris, mask, meanGrad, valid := encodeGrid(grid)
		res.IrisCodes = append(res.IrisCodes, iris)
		res.MaskCodes = append(res.MaskCodes, mask)
		gradSum += meanGrad
		validBits += valid
		totalBits += codeHeight * codeWidth * codePlanes
	}

	validFrac := float64(validBits) / float64(totalBits)
	// A crisp in-focus capture lands near 1; a defocused or flat frame
	// near 0. The divisor is tuned to NIR eye crops, nothing more.
	res.Sharpness = clamp01(gradSum / codeScales / 16.0)
	res.Occlusion = 1 - validFrac
	res.Quality = res.Sharpness * validFrac
	return res, nil
}

// encodeGrid thresholds local gradients into one [16, 256, 2] code array
// and its mask. Plane 0 holds the angular gradient sign (wrap-around in x,
// matching an unrolled iris ring), plane 1 the radial. Returns the mean
// absolute gradient and the number of valid mask bits.
func encodeGrid(grid []float64) (iris, mask blobformat.Array, meanGrad float64, valid int) {
	iris = blobformat.NewArray(codeHeight, codeWidth, codePlanes)
	mask = blobformat.NewArray(codeHeight, codeWidth, codePlanes)

	var gradTotal float64
	for y := 0; y < codeHeight; y++ {
		up := y - 1
		if up < 0 {
			up = 0
		}
		down := y + 1
		if down >= codeHeight {
			down = codeHeight - 1
		}
		for x := 0; x < codeWidth; x++ {
			left := (x - 1 + codeWidth) % codeWidth
			right := (x + 1) % codeWidth

			dx := grid[y*codeWidth+right] - grid[y*codeWidth+left]
			dy := grid[down*codeWidth+x] - grid[up*codeWidth+x]

			idx := (y*codeWidth + x) * codePlanes
			if dx > 0 {
				iris.Data[idx] = 1
			}
			if dy > 0 {
				iris.Data[idx+1] = 1
			}

			luma := grid[y*codeWidth+x]
			contrast := math.Abs(dx) + math.Abs(dy)
			gradTotal += contrast
			if contrast > contrastFloor && luma > lumaFloor && luma < lumaCeil {
				mask.Data[idx] = 1
				mask.Data[idx+1] = 1
				valid += 2
			}
		}
	}
	meanGrad = gradTotal / (codeHeight * codeWidth)
	return iris, mask, meanGrad, valid
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// --- Grayscale sampling helpers ---

type grayImage struct {
	w, h int
	pix  []float64 // 0..255
}

// toGray flattens the image to a float64 luma buffer in a single pass.
// Direct pixel access for the common decoder outputs avoids the
// image.Image interface overhead.
func toGray(img image.Image) *grayImage {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	g := &grayImage{w: w, h: h, pix: make([]float64, w*h)}

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := src.Pix[(y+bounds.Min.Y-src.Rect.Min.Y)*src.Stride:]
			for x := 0; x < w; x++ {
				g.pix[y*w+x] = float64(row[x+bounds.Min.X-src.Rect.Min.X])
			}
		}
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yi := src.YOffset(bounds.Min.X+x, bounds.Min.Y+y)
				g.pix[y*w+x] = float64(src.Y[yi])
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
				g.pix[y*w+x] = float64(c.Y)
			}
		}
	}
	return g
}

// sampleGrid block-averages the source down to a codeHeight x codeWidth
// grid. Each scale widens the averaged block, so successive scales carry
// progressively coarser texture.
func (g *grayImage) sampleGrid(scale int) []float64 {
	grid := make([]float64, codeHeight*codeWidth)
	halfW := (scale + 1) * max2(g.w/codeWidth, 1) / 2
	halfH := (scale + 1) * max2(g.h/codeHeight, 1) / 2
	if halfW < 1 {
		halfW = 1
	}
	if halfH < 1 {
		halfH = 1
	}

	for gy := 0; gy < codeHeight; gy++ {
		cy := gy * g.h / codeHeight
		y0, y1 := clampRange(cy-halfH, cy+halfH, g.h)
		for gx := 0; gx < codeWidth; gx++ {
			cx := gx * g.w / codeWidth
			x0, x1 := clampRange(cx-halfW, cx+halfW, g.w)

			var sum float64
			for y := y0; y <= y1; y++ {
				row := g.pix[y*g.w:]
				for x := x0; x <= x1; x++ {
					sum += row[x]
				}
			}
			grid[gy*codeWidth+gx] = sum / float64((y1-y0+1)*(x1-x0+1))
		}
	}
	return grid
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}

func max2(a, b int) int {
	if a > b {
		return a
	}
	return b
}
