// Package blobformat reads and writes the binary template blobs stored in
// the templates table: NPZ containers for plaintext codes, HEv1 envelopes
// for encrypted codes, and an optional AES-256-GCM at-rest wrapper. Blobs
// are distinguished by magic prefix; see Sniff.
package blobformat

import "fmt"

// Array is a C-order array of one-byte elements (bool or uint8) with shape
// metadata. It is the neutral container the pipeline, gallery and codec all
// agree on.
type Array struct {
	Shape []int
	Data  []byte
}

// NewArray allocates a zeroed array of the given shape.
func NewArray(shape ...int) Array {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Array{Shape: shape, Data: make([]byte, n)}
}

// Elements returns the element count implied by the shape.
func (a Array) Elements() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape.
func (a Array) Validate() error {
	if len(a.Shape) == 0 {
		return fmt.Errorf("array has no shape")
	}
	for _, d := range a.Shape {
		if d <= 0 {
			return fmt.Errorf("array has non-positive dimension %d", d)
		}
	}
	if got, want := len(a.Data), a.Elements(); got != want {
		return fmt.Errorf("array data length %d does not match shape %v (%d elements)", got, a.Shape, want)
	}
	return nil
}

// Popcount counts the set elements; any non-zero byte counts as set.
func (a Array) Popcount() int {
	n := 0
	for _, b := range a.Data {
		if b != 0 {
			n++
		}
	}
	return n
}
