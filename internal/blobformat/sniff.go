package blobformat

import "bytes"

// Format identifies a stored blob by its magic prefix.
type Format int

const (
	FormatUnknown Format = iota
	FormatNPZ
	FormatHEv1
	FormatEncrypted
)

func (f Format) String() string {
	switch f {
	case FormatNPZ:
		return "npz"
	case FormatHEv1:
		return "hev1"
	case FormatEncrypted:
		return "eyed1"
	default:
		return "unknown"
	}
}

// Sniff classifies a blob without parsing it.
func Sniff(blob []byte) Format {
	switch {
	case bytes.HasPrefix(blob, NPZMagic):
		return FormatNPZ
	case bytes.HasPrefix(blob, HEv1Magic):
		return FormatHEv1
	case bytes.HasPrefix(blob, EncryptedMagic):
		return FormatEncrypted
	default:
		return FormatUnknown
	}
}
