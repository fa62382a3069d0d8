// Package gallery keeps the enrolled templates in memory for 1:N matching.
// The active set is an immutable snapshot swapped atomically on every
// mutation, so the match hot path never takes a lock. Plaintext templates
// are bit-packed into words at construction; encrypted templates carry
// their ciphertexts and popcounts for the key-service protocol instead.
package gallery

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hasbegun/eyed/internal/blobformat"
)

// Template is one enrolled eye. Exactly one of the two representations is
// populated: packed plaintext scales, or ciphertexts with popcounts.
type Template struct {
	TemplateID   string
	IdentityID   string
	IdentityName string
	EyeSide      string

	scales []packedScale

	EncIris      [][]byte // serialized ciphertext per scale
	EncMask      [][]byte
	IrisPopcount []int
	MaskPopcount []int
}

// packedScale is one scale's code and mask, 64 bits per word in array
// element order.
type packedScale struct {
	iris []uint64
	mask []uint64
}

// NewTemplate packs plaintext code arrays into a matchable template.
func NewTemplate(templateID, identityID, identityName, eyeSide string, iris, mask []blobformat.Array) (*Template, error) {
	scales, err := packScales(iris, mask)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", templateID, err)
	}
	return &Template{
		TemplateID:   templateID,
		IdentityID:   identityID,
		IdentityName: identityName,
		EyeSide:      eyeSide,
		scales:       scales,
	}, nil
}

// NewEncryptedTemplate wraps per-scale ciphertexts. Popcounts are the
// plaintext-side halves of the homomorphic Hamming distance; masks are
// treated as public so their popcounts may be computed anywhere.
func NewEncryptedTemplate(templateID, identityID, identityName, eyeSide string, encIris, encMask [][]byte, irisPop, maskPop []int) (*Template, error) {
	if len(encIris) == 0 || len(encIris) != len(irisPop) {
		return nil, fmt.Errorf("template %s: %d ciphertexts vs %d popcounts", templateID, len(encIris), len(irisPop))
	}
	return &Template{
		TemplateID:   templateID,
		IdentityID:   identityID,
		IdentityName: identityName,
		EyeSide:      eyeSide,
		EncIris:      encIris,
		EncMask:      encMask,
		IrisPopcount: irisPop,
		MaskPopcount: maskPop,
	}, nil
}

// Encrypted reports whether this template matches via the key service.
func (t *Template) Encrypted() bool { return len(t.EncIris) > 0 }

type snapshot struct {
	entries []*Template
	version uint64
}

// Gallery holds the current snapshot and the matching thresholds.
type Gallery struct {
	// writeMu serializes mutations; concurrent enrolls must not lose each
	// other's snapshot swap. Reads never take it.
	writeMu        sync.Mutex
	snap           atomic.Pointer[snapshot]
	matchThreshold float64
	dedupThreshold float64
	rotationShift  int
}

// New builds an empty gallery. rotationShift R widens the match search to
// ±R column rotations of the probe.
func New(matchThreshold, dedupThreshold float64, rotationShift int) *Gallery {
	g := &Gallery{
		matchThreshold: matchThreshold,
		dedupThreshold: dedupThreshold,
		rotationShift:  rotationShift,
	}
	g.snap.Store(&snapshot{})
	return g
}

// Size returns the number of enrolled templates.
func (g *Gallery) Size() int { return len(g.snap.Load().entries) }

// Version increments on every mutation. Health and reload logs use it to
// tell snapshots apart.
func (g *Gallery) Version() uint64 { return g.snap.Load().version }

// Entries returns the current snapshot's templates. The slice is shared
// and must not be mutated.
func (g *Gallery) Entries() []*Template { return g.snap.Load().entries }

// Replace installs a freshly loaded template set.
func (g *Gallery) Replace(entries []*Template) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	old := g.snap.Load()
	g.snap.Store(&snapshot{entries: entries, version: old.version + 1})
}

// Add publishes a new snapshot with one more template. Readers mid-match
// keep the snapshot they started with.
func (g *Gallery) Add(t *Template) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	old := g.snap.Load()
	entries := make([]*Template, len(old.entries)+1)
	copy(entries, old.entries)
	entries[len(old.entries)] = t
	g.snap.Store(&snapshot{entries: entries, version: old.version + 1})
}

// RemoveIdentity drops every template of one identity, returning how many
// were removed.
func (g *Gallery) RemoveIdentity(identityID string) int {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	old := g.snap.Load()
	entries := make([]*Template, 0, len(old.entries))
	for _, e := range old.entries {
		if e.IdentityID != identityID {
			entries = append(entries, e)
		}
	}
	removed := len(old.entries) - len(entries)
	if removed > 0 {
		g.snap.Store(&snapshot{entries: entries, version: old.version + 1})
	}
	return removed
}

func packScales(iris, mask []blobformat.Array) ([]packedScale, error) {
	if len(iris) == 0 {
		return nil, fmt.Errorf("no code arrays")
	}
	if len(iris) != len(mask) {
		return nil, fmt.Errorf("%d iris arrays vs %d mask arrays", len(iris), len(mask))
	}
	scales := make([]packedScale, len(iris))
	for s := range iris {
		if err := iris[s].Validate(); err != nil {
			return nil, fmt.Errorf("iris scale %d: %w", s, err)
		}
		if err := mask[s].Validate(); err != nil {
			return nil, fmt.Errorf("mask scale %d: %w", s, err)
		}
		if iris[s].Elements() != mask[s].Elements() {
			return nil, fmt.Errorf("scale %d: iris/mask element mismatch %d vs %d", s, iris[s].Elements(), mask[s].Elements())
		}
		scales[s] = packedScale{iris: packBits(iris[s].Data), mask: packBits(mask[s].Data)}
	}
	return scales, nil
}

// packBits packs one byte-per-element data into 64-bit words, element i at
// word i/64 bit i%64. Any non-zero byte is a set bit.
func packBits(data []byte) []uint64 {
	words := make([]uint64, (len(data)+63)/64)
	for i, b := range data {
		if b != 0 {
			words[i/64] |= 1 << uint(i%64)
		}
	}
	return words
}
