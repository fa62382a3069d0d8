package gallery

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/blobformat"
)

func randomCodes(seed int64) (iris, mask []blobformat.Array) {
	rng := rand.New(rand.NewSource(seed))
	iris = make([]blobformat.Array, 2)
	mask = make([]blobformat.Array, 2)
	for s := range iris {
		iris[s] = blobformat.NewArray(16, 256, 2)
		mask[s] = blobformat.NewArray(16, 256, 2)
		for i := range iris[s].Data {
			iris[s].Data[i] = byte(rng.Intn(2))
			mask[s].Data[i] = 1
		}
	}
	return iris, mask
}

// flipFraction flips pct% of bits in a deterministic stripe so the distance
// at rotation 0 is exactly pct/100 while other rotations stay near 0.5.
func flipFraction(arrs []blobformat.Array, pct int) []blobformat.Array {
	out := make([]blobformat.Array, len(arrs))
	for s, a := range arrs {
		out[s] = blobformat.NewArray(a.Shape...)
		copy(out[s].Data, a.Data)
		for i := range out[s].Data {
			if i%100 < pct {
				out[s].Data[i] ^= 1
			}
		}
	}
	return out
}

func rotateAll(t *testing.T, arrs []blobformat.Array, k int) []blobformat.Array {
	t.Helper()
	out := make([]blobformat.Array, len(arrs))
	for s, a := range arrs {
		rot, err := rotateColumns(a, k)
		require.NoError(t, err)
		out[s] = rot
	}
	return out
}

func enrolled(t *testing.T, g *Gallery, id string, seed int64) (*Template, []blobformat.Array, []blobformat.Array) {
	t.Helper()
	iris, mask := randomCodes(seed)
	tpl, err := NewTemplate("tpl-"+id, "id-"+id, "name-"+id, "left", iris, mask)
	require.NoError(t, err)
	g.Add(tpl)
	return tpl, iris, mask
}

func TestMatchEmptyGallery(t *testing.T) {
	g := New(0.39, 0.32, 15)
	iris, mask := randomCodes(1)
	p, err := g.NewProbe(iris, mask)
	require.NoError(t, err)

	m := g.Match(p)
	assert.False(t, m.IsMatch)
	assert.Equal(t, 1.0, m.HammingDistance)
	assert.Empty(t, m.IdentityID)
}

func TestMatchExactSelf(t *testing.T) {
	g := New(0.39, 0.32, 15)
	_, iris, mask := enrolled(t, g, "a", 1)
	enrolled(t, g, "b", 2)

	p, err := g.NewProbe(iris, mask)
	require.NoError(t, err)
	m := g.Match(p)
	require.True(t, m.IsMatch)
	assert.Equal(t, 0.0, m.HammingDistance)
	assert.Equal(t, "id-a", m.IdentityID)
	assert.Equal(t, "name-a", m.IdentityName)
	assert.Equal(t, "tpl-a", m.TemplateID)
}

func TestMatchRecoversRotation(t *testing.T) {
	g := New(0.39, 0.32, 15)
	_, iris, mask := enrolled(t, g, "a", 3)

	p, err := g.NewProbe(rotateAll(t, iris, 3), rotateAll(t, mask, 3))
	require.NoError(t, err)
	m := g.Match(p)
	require.True(t, m.IsMatch)
	assert.Equal(t, 0.0, m.HammingDistance)
	assert.Equal(t, -3, m.BestRotation, "shifting back by 3 columns realigns the probe")
}

func TestMatchRotationBeyondSearchWindow(t *testing.T) {
	g := New(0.39, 0.32, 2)
	_, iris, mask := enrolled(t, g, "a", 4)

	p, err := g.NewProbe(rotateAll(t, iris, 10), rotateAll(t, mask, 10))
	require.NoError(t, err)
	m := g.Match(p)
	assert.False(t, m.IsMatch, "a 10-column rotation is outside a ±2 search")
	assert.Greater(t, m.HammingDistance, 0.39)
}

func TestDedupThresholdIsStricter(t *testing.T) {
	g := New(0.39, 0.32, 2)
	_, iris, mask := enrolled(t, g, "a", 5)

	// 35% flipped: inside the match threshold, outside the dedup one.
	p, err := g.NewProbe(flipFraction(iris, 35), mask)
	require.NoError(t, err)

	m := g.Match(p)
	require.True(t, m.IsMatch)
	assert.InDelta(t, 0.35, m.HammingDistance, 0.01)

	dup := g.CheckDuplicate(p)
	assert.False(t, dup.IsMatch)
}

func TestMatchHonorsMask(t *testing.T) {
	g := New(0.39, 0.32, 0)
	iris, mask := randomCodes(6)
	tpl, err := NewTemplate("tpl", "id", "name", "left", iris, mask)
	require.NoError(t, err)
	g.Add(tpl)

	// Flip 45% of bits but mask off exactly the flipped stripe: the
	// disagreement must not count.
	probeIris := flipFraction(iris, 45)
	probeMask := make([]blobformat.Array, len(mask))
	for s, a := range mask {
		probeMask[s] = blobformat.NewArray(a.Shape...)
		copy(probeMask[s].Data, a.Data)
		for i := range probeMask[s].Data {
			if i%100 < 45 {
				probeMask[s].Data[i] = 0
			}
		}
	}
	p, err := g.NewProbe(probeIris, probeMask)
	require.NoError(t, err)
	m := g.Match(p)
	require.True(t, m.IsMatch)
	assert.Equal(t, 0.0, m.HammingDistance)
}

func TestEncryptedEntriesSkippedInPlaintextSearch(t *testing.T) {
	g := New(0.39, 0.32, 15)
	tpl, err := NewEncryptedTemplate("tpl", "id", "name", "left",
		[][]byte{{1, 2, 3}, {4, 5, 6}}, [][]byte{{7}, {8}}, []int{100, 200}, []int{300, 400})
	require.NoError(t, err)
	require.True(t, tpl.Encrypted())
	g.Add(tpl)

	iris, mask := randomCodes(7)
	p, err := g.NewProbe(iris, mask)
	require.NoError(t, err)
	m := g.Match(p)
	assert.False(t, m.IsMatch)
	assert.Equal(t, 1.0, m.HammingDistance)
}

func TestSnapshotIsolation(t *testing.T) {
	g := New(0.39, 0.32, 15)
	enrolled(t, g, "a", 8)

	before := g.Entries()
	v := g.Version()
	enrolled(t, g, "b", 9)

	assert.Len(t, before, 1, "a held snapshot must not grow")
	assert.Equal(t, 2, g.Size())
	assert.Equal(t, v+1, g.Version())
}

func TestRemoveIdentity(t *testing.T) {
	g := New(0.39, 0.32, 15)
	iris, mask := randomCodes(10)
	for _, tplID := range []string{"t1", "t2"} {
		tpl, err := NewTemplate(tplID, "victim", "v", "left", iris, mask)
		require.NoError(t, err)
		g.Add(tpl)
	}
	enrolled(t, g, "keep", 11)

	v := g.Version()
	assert.Equal(t, 2, g.RemoveIdentity("victim"))
	assert.Equal(t, 1, g.Size())
	assert.Equal(t, v+1, g.Version())

	assert.Equal(t, 0, g.RemoveIdentity("missing"))
	assert.Equal(t, v+1, g.Version(), "a no-op removal must not publish a snapshot")
}

func TestReplaceInstallsLoadedSet(t *testing.T) {
	g := New(0.39, 0.32, 15)
	enrolled(t, g, "old", 12)

	iris, mask := randomCodes(13)
	tpl, err := NewTemplate("tpl-new", "id-new", "n", "right", iris, mask)
	require.NoError(t, err)
	g.Replace([]*Template{tpl})

	assert.Equal(t, 1, g.Size())
	assert.Equal(t, "tpl-new", g.Entries()[0].TemplateID)
}

func TestNewTemplateValidation(t *testing.T) {
	iris, mask := randomCodes(14)

	_, err := NewTemplate("t", "i", "n", "left", iris, mask[:1])
	assert.Error(t, err, "iris/mask scale count mismatch")

	_, err = NewTemplate("t", "i", "n", "left", nil, nil)
	assert.Error(t, err, "empty template")

	bad := blobformat.Array{Shape: []int{16, 256, 2}, Data: []byte{1}}
	_, err = NewTemplate("t", "i", "n", "left", []blobformat.Array{bad}, []blobformat.Array{bad})
	assert.Error(t, err, "shape/data mismatch")
}

func TestRotateColumns(t *testing.T) {
	arr := blobformat.NewArray(1, 4, 1)
	copy(arr.Data, []byte{1, 2, 3, 4})

	rot, err := rotateColumns(arr, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 1, 2, 3}, rot.Data)

	rot, err = rotateColumns(arr, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 4, 1}, rot.Data)

	rot, err = rotateColumns(arr, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 1, 2, 3}, rot.Data, "shift wraps modulo width")

	_, err = rotateColumns(blobformat.NewArray(16), 1)
	assert.Error(t, err, "needs a 3-d array")
}
