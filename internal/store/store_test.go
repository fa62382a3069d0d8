package store

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/wire"
)

func TestAllowedTable(t *testing.T) {
	assert.True(t, AllowedTable("identities"))
	assert.True(t, AllowedTable("templates"))
	assert.True(t, AllowedTable("match_log"))
	assert.False(t, AllowedTable("pg_shadow"))
	assert.False(t, AllowedTable("templates; DROP TABLE templates"))
}

func TestDescribeBlobNPZ(t *testing.T) {
	arr := blobformat.NewArray(4, 4)
	blob, err := blobformat.PackArrays([]blobformat.Array{arr})
	require.NoError(t, err)

	info := DescribeBlob(blob)
	assert.Equal(t, "npz", info.Format)
	assert.Equal(t, len(blob), info.SizeBytes)
	assert.Equal(t, 64, len(info.PrefixHex))
	assert.Nil(t, info.HECiphertextCount)
}

func TestDescribeBlobHEv1(t *testing.T) {
	blob := blobformat.PackHEv1([][]byte{make([]byte, 100), make([]byte, 250)})

	info := DescribeBlob(blob)
	assert.Equal(t, "hev1", info.Format)
	require.NotNil(t, info.HECiphertextCount)
	assert.Equal(t, 2, *info.HECiphertextCount)
	assert.Equal(t, []int{100, 250}, info.HEPerCtSizes)
}

func TestDescribeBlobUnknown(t *testing.T) {
	info := DescribeBlob([]byte{0x01, 0x02})
	assert.Equal(t, "unknown", info.Format)
	assert.Equal(t, "0102", info.PrefixHex)
}

func validEnrollment() wire.PendingEnrollment {
	return wire.PendingEnrollment{
		TemplateID:   "7e9d4c41-93ab-4f0e-9d21-5a2da12c6d89",
		IdentityID:   "b9c1a9a2-6a27-4b82-bc77-72a04acb4b08",
		IdentityName: "S101",
		EyeSide:      "left",
		Width:        256,
		Height:       16,
		NScales:      2,
		QualityScore: 0.81,
		DeviceID:     "booth-1",
		IrisBlobB64:  base64.StdEncoding.EncodeToString([]byte("iris")),
		MaskBlobB64:  base64.StdEncoding.EncodeToString([]byte("mask")),
		Format:       "npz",
	}
}

func TestDecodeEnrollment(t *testing.T) {
	row, err := decodeEnrollment(validEnrollment())
	require.NoError(t, err)
	assert.Equal(t, "S101", row.identityName)
	assert.Equal(t, []byte("iris"), row.irisCodes)
	assert.Equal(t, []byte("mask"), row.maskCodes)
	assert.Equal(t, "booth-1", row.deviceID)
	assert.Equal(t, "npz", row.format)
}

func TestDecodeEnrollmentDefaults(t *testing.T) {
	item := validEnrollment()
	item.DeviceID = ""
	item.Format = ""
	row, err := decodeEnrollment(item)
	require.NoError(t, err)
	assert.Equal(t, "bulk-enroll", row.deviceID)
	assert.Equal(t, "npz", row.format)
}

func TestDecodeEnrollmentPoison(t *testing.T) {
	bad := validEnrollment()
	bad.TemplateID = "not-a-uuid"
	_, err := decodeEnrollment(bad)
	assert.True(t, errors.Is(err, ErrBadItem))

	bad = validEnrollment()
	bad.IrisBlobB64 = "%%%not-base64%%%"
	_, err = decodeEnrollment(bad)
	assert.True(t, errors.Is(err, ErrBadItem))
}

func TestJSONSafe(t *testing.T) {
	assert.Nil(t, jsonSafe(nil, "TEXT"))
	assert.Equal(t, "hello", jsonSafe([]byte("hello"), "TEXT"))
	assert.Equal(t, int64(7), jsonSafe(int64(7), "INT8"))

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-01T12:00:00Z", jsonSafe(ts, "TIMESTAMPTZ"))

	info, ok := jsonSafe([]byte("HEv1junk"), "BYTEA").(wire.ByteaInfo)
	require.True(t, ok)
	assert.Equal(t, "hev1", info.Format)
}

// stubInserter records batches and optionally fails.
type stubInserter struct {
	mu      sync.Mutex
	batches [][]MatchLogEntry
}

func (s *stubInserter) InsertMatchEntries(_ context.Context, entries []MatchLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]MatchLogEntry, len(entries))
	copy(batch, entries)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubInserter) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestMatchLogWriterFlushesAll(t *testing.T) {
	sink := &stubInserter{}
	w := NewMatchLogWriter(sink, testLogger())
	w.Start()

	for i := 0; i < 120; i++ {
		w.Log(MatchLogEntry{ProbeFrameID: "frame", HammingDistance: 0.5})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Stop(ctx)

	assert.Equal(t, 120, sink.total())
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), matchLogBatchMax)
	}
}

func TestMatchLogWriterDropsWhenFull(t *testing.T) {
	sink := &stubInserter{}
	w := NewMatchLogWriter(sink, testLogger())
	// Not started: the queue fills and further entries drop silently.
	for i := 0; i < matchLogQueueSize+50; i++ {
		w.Log(MatchLogEntry{ProbeFrameID: "frame"})
	}
	assert.Len(t, w.queue, matchLogQueueSize)
}
