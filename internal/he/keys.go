package he

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/schemes/bfv"
)

// KeysExist reports whether dir holds a complete key set. A partial set is
// treated as absent so a crashed generation run gets redone rather than
// half-loaded.
func KeysExist(dir string) bool {
	for _, name := range []string{ParamsFile, SecretKeyFile, PublicKeyFile, EvalMultFile, EvalRotateFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Generate creates a fresh BFV key set in dir. Files are written 0600; the
// directory is created if missing. Only the key service ever calls this.
func Generate(dir string) error {
	params, err := newParameters()
	if err != nil {
		return err
	}

	kgen := bfv.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	pk := kgen.GenPublicKeyNew(sk)
	rlk := kgen.GenRelinearizationKeyNew(sk)
	galKeys := kgen.GenGaloisKeysNew(rotationGaloisElements(params), sk)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	files := []struct {
		name string
		m    encoding.BinaryMarshaler
	}{
		{ParamsFile, params},
		{SecretKeyFile, sk},
		{PublicKeyFile, pk},
		{EvalMultFile, rlk},
	}
	for _, f := range files {
		if err := writeKeyFile(filepath.Join(dir, f.name), f.m); err != nil {
			return err
		}
	}

	rotBlob, err := packGaloisKeys(galKeys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, EvalRotateFile), rotBlob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", EvalRotateFile, err)
	}
	return nil
}

func writeKeyFile(path string, m encoding.BinaryMarshaler) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func loadParams(dir string) (bfv.Parameters, error) {
	data, err := os.ReadFile(filepath.Join(dir, ParamsFile))
	if err != nil {
		return bfv.Parameters{}, fmt.Errorf("read %s: %w", ParamsFile, err)
	}
	var params bfv.Parameters
	if err := params.UnmarshalBinary(data); err != nil {
		return bfv.Parameters{}, fmt.Errorf("parse %s: %w", ParamsFile, err)
	}
	return params, nil
}

func loadKeyFile(dir, name string, m encoding.BinaryUnmarshaler) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// packGaloisKeys frames multiple Galois keys in one file: little-endian u32
// count, then per key a u32 length and the bytes. Same framing as the HEv1
// template envelope.
func packGaloisKeys(keys []*rlwe.GaloisKey) ([]byte, error) {
	out := binary.LittleEndian.AppendUint32(nil, uint32(len(keys)))
	for i, gk := range keys {
		data, err := gk.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("serialize galois key %d: %w", i, err)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

func unpackGaloisKeys(blob []byte) ([]*rlwe.GaloisKey, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("galois key file too short (%d bytes)", len(blob))
	}
	count := binary.LittleEndian.Uint32(blob)
	offset := 4
	keys := make([]*rlwe.GaloisKey, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+4 > len(blob) {
			return nil, fmt.Errorf("galois key file truncated at key %d length", i)
		}
		n := int(binary.LittleEndian.Uint32(blob[offset : offset+4]))
		offset += 4
		if offset+n > len(blob) {
			return nil, fmt.Errorf("galois key file truncated at key %d body", i)
		}
		gk := new(rlwe.GaloisKey)
		if err := gk.UnmarshalBinary(blob[offset : offset+n]); err != nil {
			return nil, fmt.Errorf("parse galois key %d: %w", i, err)
		}
		keys = append(keys, gk)
		offset += n
	}
	return keys, nil
}

func loadGaloisKeys(dir string) ([]*rlwe.GaloisKey, error) {
	blob, err := os.ReadFile(filepath.Join(dir, EvalRotateFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", EvalRotateFile, err)
	}
	return unpackGaloisKeys(blob)
}
