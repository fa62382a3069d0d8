package he

import (
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// SecretContext is the key-service side: parameters plus the secret key. It
// only decrypts. One mutex serializes all decryptions.
type SecretContext struct {
	mu        sync.Mutex
	params    bfv.Parameters
	encoder   *bfv.Encoder
	decryptor *rlwe.Decryptor
}

// NewSecretContext loads params.bin and secret.key from dir.
func NewSecretContext(dir string) (*SecretContext, error) {
	params, err := loadParams(dir)
	if err != nil {
		return nil, err
	}
	sk := new(rlwe.SecretKey)
	if err := loadKeyFile(dir, SecretKeyFile, sk); err != nil {
		return nil, err
	}
	return &SecretContext{
		params:    params,
		encoder:   bfv.NewEncoder(params),
		decryptor: bfv.NewDecryptor(params, sk),
	}, nil
}

// RingDimension returns the BFV ring dimension.
func (s *SecretContext) RingDimension() int {
	return s.params.N()
}

// DecryptScalar opens a rotate-and-sum result and returns slot 0.
func (s *SecretContext) DecryptScalar(ctBytes []byte) (int64, error) {
	values, err := s.decrypt(ctBytes)
	if err != nil {
		return 0, err
	}
	return int64(values[0]), nil
}

// DecryptVector opens a full code ciphertext and returns every slot. Values
// are 0/1 for template ciphertexts.
func (s *SecretContext) DecryptVector(ctBytes []byte) ([]int64, error) {
	values, err := s.decrypt(ctBytes)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = int64(v)
	}
	return out, nil
}

func (s *SecretContext) decrypt(ctBytes []byte) ([]uint64, error) {
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(ctBytes); err != nil {
		return nil, fmt.Errorf("parse ciphertext: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pt := s.decryptor.DecryptNew(ct)
	values := make([]uint64, s.params.N())
	if err := s.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}
	return values, nil
}
