package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"math"
)

// maxGradient is the normalization divisor for Score: the magnitude of a
// full-swing gradient on one axis.
var maxGradient = 255 * math.Sqrt2

// Score rates frame sharpness as the mean Sobel gradient magnitude,
// normalized by 255·√2. Flat or defocused frames land near zero; crisp iris
// texture clears the 0.30 default threshold comfortably. Values above 1 are
// possible on synthetic high-frequency content and simply mean "very sharp".
func Score(img *image.Gray) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		if x < 0 {
			x = 0
		} else if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		} else if y >= h {
			y = h - 1
		}
		return float64(img.Pix[(y+b.Min.Y-img.Rect.Min.Y)*img.Stride+(x+b.Min.X-img.Rect.Min.X)])
	}

	var sum float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
			gy := at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
			sum += math.Sqrt(gx*gx + gy*gy)
		}
	}
	return sum / float64(w*h) / maxGradient
}

// EncodeJPEG compresses a frame for the wire.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
