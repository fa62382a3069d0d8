package blobformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArray(t *testing.T, shape ...int) Array {
	t.Helper()
	arr := NewArray(shape...)
	for i := range arr.Data {
		arr.Data[i] = byte((i*7 + 3) % 2)
	}
	return arr
}

func TestNPZRoundTrip(t *testing.T) {
	arrays := []Array{testArray(t, 16, 256, 2), testArray(t, 16, 256, 2)}

	blob, err := PackArrays(arrays)
	require.NoError(t, err)
	assert.Equal(t, FormatNPZ, Sniff(blob))

	got, err := UnpackArrays(blob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range arrays {
		assert.Equal(t, arrays[i].Shape, got[i].Shape)
		assert.Equal(t, arrays[i].Data, got[i].Data)
	}
}

func TestNPZOneDimensionalShape(t *testing.T) {
	blob, err := PackArrays([]Array{testArray(t, 9)})
	require.NoError(t, err)

	got, err := UnpackArrays(blob)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []int{9}, got[0].Shape)
}

func TestNPZRejectsShapeMismatch(t *testing.T) {
	bad := Array{Shape: []int{4, 4}, Data: make([]byte, 3)}
	_, err := PackArrays([]Array{bad})
	assert.Error(t, err)
}

func TestUnpackRejectsGarbage(t *testing.T) {
	_, err := UnpackArrays([]byte("definitely not a zip archive"))
	assert.Error(t, err)
}

func TestHEv1RoundTrip(t *testing.T) {
	cts := [][]byte{[]byte("ciphertext-a"), []byte("b"), {}}

	blob := PackHEv1(cts)
	assert.Equal(t, FormatHEv1, Sniff(blob))

	got, err := UnpackHEv1(blob)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("ciphertext-a"), got[0])
	assert.Equal(t, []byte("b"), got[1])
	assert.Empty(t, got[2])

	sizes, err := HEv1Sizes(blob)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 1, 0}, sizes)
}

func TestHEv1Truncated(t *testing.T) {
	blob := PackHEv1([][]byte{[]byte("ciphertext-a")})
	_, err := UnpackHEv1(blob[:len(blob)-3])
	assert.Error(t, err)
}

func TestCipherRoundTrip(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	c, err := NewCipher(key, "")
	require.NoError(t, err)
	require.True(t, c.Enabled())

	plain := []byte("iris template bytes")
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, FormatEncrypted, Sniff(sealed))
	assert.NotEqual(t, plain, sealed)

	got, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCipherWrongKeyFails(t *testing.T) {
	a, err := NewCipher("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", "")
	require.NoError(t, err)
	b, err := NewCipher("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", "")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipherPassphraseDeterministic(t *testing.T) {
	a, err := NewCipher("", "hunter2")
	require.NoError(t, err)
	b, err := NewCipher("", "hunter2")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)
	got, err := b.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)
}

func TestNilCipherPassthrough(t *testing.T) {
	c, err := NewCipher("", "")
	require.NoError(t, err)
	require.Nil(t, c)
	assert.False(t, c.Enabled())

	plain := []byte("plaintext npz")
	sealed, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, sealed)

	got, err := c.Decrypt(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestNilCipherRejectsEncrypted(t *testing.T) {
	a, err := NewCipher("", "hunter2")
	require.NoError(t, err)
	sealed, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	var nilCipher *Cipher
	_, err = nilCipher.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("deadbeef", "")
	assert.Error(t, err, "short key must be rejected")

	_, err = NewCipher("not-hex-not-base64!!", "")
	assert.Error(t, err)
}

// Legacy plaintext blobs predate the envelope and must pass through Decrypt
// untouched.
func TestDecryptPassesThroughLegacyNPZ(t *testing.T) {
	c, err := NewCipher("", "hunter2")
	require.NoError(t, err)

	blob, err := PackArrays([]Array{testArray(t, 4, 4)})
	require.NoError(t, err)

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestSniff(t *testing.T) {
	assert.Equal(t, FormatUnknown, Sniff(nil))
	assert.Equal(t, FormatUnknown, Sniff([]byte("xx")))
	assert.Equal(t, FormatHEv1, Sniff(PackHEv1(nil)))
	assert.Equal(t, "npz", FormatNPZ.String())
	assert.Equal(t, "hev1", FormatHEv1.String())
	assert.Equal(t, "eyed1", FormatEncrypted.String())
	assert.Equal(t, "unknown", FormatUnknown.String())
}

func TestPopcount(t *testing.T) {
	arr := NewArray(8)
	arr.Data = []byte{0, 1, 1, 0, 1, 0, 0, 1}
	assert.Equal(t, 4, arr.Popcount())
}
