// Package he wraps the lattigo BFV primitives behind two narrow contexts.
//
// PublicContext is what the recognition engine loads: parameters, the public
// key and the evaluation keys. It can encrypt iris codes and compute
// encrypted inner products but can never open a ciphertext. SecretContext is
// what the key service loads: parameters plus the secret key, nothing else.
// The split is the whole security story of encrypted matching, so the two
// constructors read disjoint key files and neither type exposes the other's
// capability.
//
// One iris code scale is exactly CodeSlots bits and fills one ciphertext:
// the ring dimension equals CodeSlots, so an inner product is a single
// multiply followed by a rotate-and-sum tree.
package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// CodeSlots is the bit length of one iris code scale (16 rows x 256 columns
// x 2 planes) and also the BFV ring dimension.
const CodeSlots = 8192

const (
	logN             = 13
	plaintextModulus = 65537 // 1 mod 2N, NTT friendly
)

// Key file names inside the key directory.
const (
	ParamsFile     = "params.bin"
	SecretKeyFile  = "secret.key"
	PublicKeyFile  = "public.key"
	EvalMultFile   = "eval_mult.key"
	EvalRotateFile = "eval_rotate.key"
)

// newParameters builds the fixed BFV parameter set. One multiplication level
// is enough: matching multiplies probe by candidate once and the rotations
// that follow are key switches, not multiplications.
func newParameters() (bfv.Parameters, error) {
	params, err := bfv.NewParametersFromLiteral(bfv.ParametersLiteral{
		LogN:             logN,
		LogQ:             []int{60, 40, 40},
		LogP:             []int{60},
		PlaintextModulus: plaintextModulus,
	})
	if err != nil {
		return bfv.Parameters{}, fmt.Errorf("build BFV parameters: %w", err)
	}
	return params, nil
}

// rotationGaloisElements lists the Galois elements the rotate-and-sum tree
// needs: column rotations by every power of two below N/2, plus the row
// swap.
func rotationGaloisElements(params bfv.Parameters) []uint64 {
	var els []uint64
	for shift := 1; shift < params.N()/2; shift <<= 1 {
		els = append(els, params.GaloisElement(shift))
	}
	els = append(els, params.GaloisElementOrderTwoOrthogonalSubgroup())
	return els
}
