package he

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/blobformat"
)

func TestGenerateAndRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("BFV key generation is slow")
	}

	dir := t.TempDir()
	require.False(t, KeysExist(dir))
	require.NoError(t, Generate(dir))
	require.True(t, KeysExist(dir))

	info, err := os.Stat(filepath.Join(dir, SecretKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pub, err := NewPublicContext(dir)
	require.NoError(t, err)
	sec, err := NewSecretContext(dir)
	require.NoError(t, err)
	assert.Equal(t, CodeSlots, pub.RingDimension())
	assert.Equal(t, CodeSlots, sec.RingDimension())

	// Two random codes with a known overlap.
	rng := rand.New(rand.NewSource(42))
	a := blobformat.NewArray(16, 256, 2)
	b := blobformat.NewArray(16, 256, 2)
	want := 0
	for i := range a.Data {
		a.Data[i] = byte(rng.Intn(2))
		b.Data[i] = byte(rng.Intn(2))
		if a.Data[i] == 1 && b.Data[i] == 1 {
			want++
		}
	}

	ctA, err := pub.EncryptCode(a)
	require.NoError(t, err)
	ctB, err := pub.EncryptCode(b)
	require.NoError(t, err)

	ip, err := pub.InnerProduct(ctA, ctB)
	require.NoError(t, err)
	got, err := sec.DecryptScalar(ip)
	require.NoError(t, err)
	assert.Equal(t, int64(want), got)

	// Vector decrypt recovers the exact bits.
	blobA, err := ctA.Bytes()
	require.NoError(t, err)
	vals, err := sec.DecryptVector(blobA)
	require.NoError(t, err)
	require.Len(t, vals, CodeSlots)
	gotBits := make([]byte, len(vals))
	for i, v := range vals {
		gotBits[i] = byte(v)
	}
	assert.Equal(t, a.Data, gotBits)

	// A reparsed ciphertext behaves like the original.
	ctA2, err := pub.ParseCode(blobA)
	require.NoError(t, err)
	ip2, err := pub.InnerProduct(ctA2, ctB)
	require.NoError(t, err)
	got2, err := sec.DecryptScalar(ip2)
	require.NoError(t, err)
	assert.Equal(t, int64(want), got2)

	// Wrong-sized codes are refused before any crypto.
	_, err = pub.EncryptCode(blobformat.NewArray(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elements")
}

func TestKeysExistRequiresFullSet(t *testing.T) {
	dir := t.TempDir()
	require.False(t, KeysExist(dir))

	for _, name := range []string{ParamsFile, SecretKeyFile, PublicKeyFile, EvalMultFile} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	// eval_rotate.key still missing
	assert.False(t, KeysExist(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, EvalRotateFile), []byte("x"), 0o600))
	assert.True(t, KeysExist(dir))
}

func TestGaloisKeyFraming(t *testing.T) {
	// Framing must reject truncated files instead of panicking.
	_, err := unpackGaloisKeys([]byte{1, 0, 0, 0, 5, 0, 0, 0, 1, 2})
	require.Error(t, err)
	_, err = unpackGaloisKeys([]byte{1, 0})
	require.Error(t, err)
}
