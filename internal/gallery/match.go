package gallery

import (
	"fmt"
	"math/bits"

	"github.com/hasbegun/eyed/internal/blobformat"
)

// Match is the outcome of a 1:N search. An empty gallery yields
// {HammingDistance: 1, IsMatch: false}; identity fields are populated only
// on a hit.
type Match struct {
	HammingDistance float64 `json:"hamming_distance"`
	IsMatch         bool    `json:"is_match"`
	IdentityID      string  `json:"matched_identity_id,omitempty"`
	IdentityName    string  `json:"matched_identity_name,omitempty"`
	TemplateID      string  `json:"matched_template_id,omitempty"`
	BestRotation    int     `json:"best_rotation,omitempty"`
}

// Probe is a query template with its rotation variants pre-packed, so the
// per-entry cost is pure word arithmetic. Build once per analyze, reuse for
// match and dedup.
type Probe struct {
	rotations []probeVariant
}

type probeVariant struct {
	shift  int
	scales []packedScale
}

// NewProbe packs the probe codes at every rotation in ±rotationShift.
// Arrays must be [rows, columns, planes]; rotation wraps along columns,
// the angular axis of an unrolled iris.
func (g *Gallery) NewProbe(iris, mask []blobformat.Array) (*Probe, error) {
	if len(iris) != len(mask) || len(iris) == 0 {
		return nil, fmt.Errorf("probe needs matching iris/mask arrays, got %d/%d", len(iris), len(mask))
	}
	p := &Probe{rotations: make([]probeVariant, 0, 2*g.rotationShift+1)}
	for shift := -g.rotationShift; shift <= g.rotationShift; shift++ {
		rotIris := make([]blobformat.Array, len(iris))
		rotMask := make([]blobformat.Array, len(mask))
		for s := range iris {
			var err error
			if rotIris[s], err = rotateColumns(iris[s], shift); err != nil {
				return nil, fmt.Errorf("probe scale %d: %w", s, err)
			}
			if rotMask[s], err = rotateColumns(mask[s], shift); err != nil {
				return nil, fmt.Errorf("probe scale %d: %w", s, err)
			}
		}
		scales, err := packScales(rotIris, rotMask)
		if err != nil {
			return nil, err
		}
		p.rotations = append(p.rotations, probeVariant{shift: shift, scales: scales})
	}
	return p, nil
}

// Match searches the current snapshot with the match threshold.
func (g *Gallery) Match(p *Probe) *Match {
	return g.search(p, g.matchThreshold)
}

// CheckDuplicate searches with the stricter dedup threshold. Enrollment
// refuses a probe whose best distance lands under it.
func (g *Gallery) CheckDuplicate(p *Probe) *Match {
	return g.search(p, g.dedupThreshold)
}

func (g *Gallery) search(p *Probe, threshold float64) *Match {
	best := &Match{HammingDistance: 1.0}
	var bestEntry *Template
	for _, e := range g.snap.Load().entries {
		if e.Encrypted() {
			continue
		}
		d, rot, ok := distance(p, e)
		if ok && d < best.HammingDistance {
			best.HammingDistance = d
			best.BestRotation = rot
			bestEntry = e
		}
	}
	best.IsMatch = best.HammingDistance < threshold
	if best.IsMatch && bestEntry != nil {
		best.IdentityID = bestEntry.IdentityID
		best.IdentityName = bestEntry.IdentityName
		best.TemplateID = bestEntry.TemplateID
	}
	return best
}

// distance is the minimum over rotations of the mean per-scale fractional
// Hamming distance. Scales with an empty joint mask are skipped; ok is
// false when nothing could be scored at all.
func distance(p *Probe, e *Template) (best float64, bestShift int, ok bool) {
	best = 1.0
	for _, v := range p.rotations {
		n := len(v.scales)
		if len(e.scales) < n {
			n = len(e.scales)
		}
		var sum float64
		scored := 0
		for s := 0; s < n; s++ {
			num, den := maskedDiff(v.scales[s], e.scales[s])
			if den == 0 {
				continue
			}
			sum += float64(num) / float64(den)
			scored++
		}
		if scored == 0 {
			continue
		}
		if d := sum / float64(scored); d <= best {
			// <= rather than <: a genuine distance of exactly 1.0 must
			// still mark the entry as scored.
			best = d
			bestShift = v.shift
			ok = true
		}
	}
	return best, bestShift, ok
}

// maskedDiff counts disagreeing bits and jointly valid bits in one pass.
func maskedDiff(a, b packedScale) (num, den int) {
	n := len(a.iris)
	if len(b.iris) < n {
		n = len(b.iris)
	}
	for i := 0; i < n; i++ {
		m := a.mask[i] & b.mask[i]
		den += bits.OnesCount64(m)
		num += bits.OnesCount64((a.iris[i] ^ b.iris[i]) & m)
	}
	return num, den
}

// rotateColumns returns a copy of arr shifted k columns along axis 1,
// wrapping. Column c of the input lands at column (c+k) mod width.
func rotateColumns(arr blobformat.Array, k int) (blobformat.Array, error) {
	if len(arr.Shape) != 3 {
		return blobformat.Array{}, fmt.Errorf("expected 3-d code array, got shape %v", arr.Shape)
	}
	if err := arr.Validate(); err != nil {
		return blobformat.Array{}, err
	}
	height, width, planes := arr.Shape[0], arr.Shape[1], arr.Shape[2]
	out := blobformat.NewArray(height, width, planes)
	shift := ((k % width) + width) % width
	if shift == 0 {
		copy(out.Data, arr.Data)
		return out, nil
	}
	rowLen := width * planes
	byteShift := shift * planes
	for y := 0; y < height; y++ {
		src := arr.Data[y*rowLen : (y+1)*rowLen]
		dst := out.Data[y*rowLen : (y+1)*rowLen]
		copy(dst[byteShift:], src[:rowLen-byteShift])
		copy(dst[:byteShift], src[rowLen-byteShift:])
	}
	return out, nil
}
