package he

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"

	"github.com/hasbegun/eyed/internal/blobformat"
)

// EncryptedCode is a deserialized ciphertext handle. Parsing a gallery blob
// once and reusing the handle across rotations of the match loop avoids
// re-decoding the same ciphertext per probe.
type EncryptedCode struct {
	ct *rlwe.Ciphertext
}

// Bytes serializes the ciphertext for storage or the wire.
func (e *EncryptedCode) Bytes() ([]byte, error) {
	data, err := e.ct.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize ciphertext: %w", err)
	}
	return data, nil
}

// PublicContext is the engine-side BFV context: parameters, public key and
// evaluation keys. It cannot decrypt. All operations serialize behind one
// mutex; the lattigo evaluator reuses internal buffers and is not safe for
// concurrent use.
type PublicContext struct {
	mu        sync.Mutex
	params    bfv.Parameters
	encoder   *bfv.Encoder
	encryptor *rlwe.Encryptor
	evaluator *bfv.Evaluator
}

// NewPublicContext loads params.bin, public.key and the evaluation keys from
// dir. It fails if any file is missing or corrupt; it never touches
// secret.key.
func NewPublicContext(dir string) (*PublicContext, error) {
	params, err := loadParams(dir)
	if err != nil {
		return nil, err
	}

	pk := new(rlwe.PublicKey)
	if err := loadKeyFile(dir, PublicKeyFile, pk); err != nil {
		return nil, err
	}
	rlk := new(rlwe.RelinearizationKey)
	if err := loadKeyFile(dir, EvalMultFile, rlk); err != nil {
		return nil, err
	}
	galKeys, err := loadGaloisKeys(dir)
	if err != nil {
		return nil, err
	}

	evk := rlwe.NewMemEvaluationKeySet(rlk, galKeys...)
	return &PublicContext{
		params:    params,
		encoder:   bfv.NewEncoder(params),
		encryptor: bfv.NewEncryptor(params, pk),
		evaluator: bfv.NewEvaluator(params, evk),
	}, nil
}

// RingDimension returns the BFV ring dimension.
func (c *PublicContext) RingDimension() int {
	return c.params.N()
}

// EncryptCode encrypts one code scale. The array must be exactly CodeSlots
// elements; each non-zero byte becomes a 1 slot.
func (c *PublicContext) EncryptCode(arr blobformat.Array) (*EncryptedCode, error) {
	if arr.Elements() != CodeSlots {
		return nil, fmt.Errorf("code has %d elements, want %d", arr.Elements(), CodeSlots)
	}
	values := make([]uint64, CodeSlots)
	for i, b := range arr.Data {
		if b != 0 {
			values[i] = 1
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pt := bfv.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode code: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt code: %w", err)
	}
	return &EncryptedCode{ct: ct}, nil
}

// ParseCode deserializes a stored ciphertext.
func (c *PublicContext) ParseCode(data []byte) (*EncryptedCode, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("parse ciphertext: %w", err)
	}
	return &EncryptedCode{ct: ct}, nil
}

// InnerProduct multiplies two encrypted codes slot-wise and folds the slots
// into slot 0 with the rotate-and-sum tree. For 0/1 codes the result slot
// holds popcount(a AND b). The returned bytes are the serialized scalar
// ciphertext, ready for a decrypt_batch request.
func (c *PublicContext) InnerProduct(a, b *EncryptedCode) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prod, err := c.evaluator.MulRelinNew(a.ct, b.ct)
	if err != nil {
		return nil, fmt.Errorf("multiply codes: %w", err)
	}

	// Column rotations by powers of two, then the row swap, leave the total
	// in every slot.
	// The adds are in place: lattigo v5's AddNew allocates its output with
	// the default scale and, when both operand scales already match, never
	// copies theirs over, which silently drops the product scale set by
	// MulRelinNew. Adding into acc keeps its (correct) scale.
	acc := prod
	for shift := 1; shift < c.params.N()/2; shift <<= 1 {
		rot, err := c.evaluator.RotateColumnsNew(acc, shift)
		if err != nil {
			return nil, fmt.Errorf("rotate columns by %d: %w", shift, err)
		}
		if err := c.evaluator.Add(acc, rot, acc); err != nil {
			return nil, fmt.Errorf("fold columns: %w", err)
		}
	}
	rows, err := c.evaluator.RotateRowsNew(acc)
	if err != nil {
		return nil, fmt.Errorf("rotate rows: %w", err)
	}
	if err := c.evaluator.Add(acc, rows, acc); err != nil {
		return nil, fmt.Errorf("fold rows: %w", err)
	}

	data, err := acc.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize inner product: %w", err)
	}
	return data, nil
}
