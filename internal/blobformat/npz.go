package blobformat

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// NPZMagic starts every ZIP archive, and therefore every plaintext blob.
var NPZMagic = []byte("PK\x03\x04")

var npyMagic = []byte("\x93NUMPY")

// PackArrays serializes arrays into an NPZ container (a ZIP archive of NPY
// entries named arr_0.npy, arr_1.npy, ...). Iris and mask code lists are
// packed as two separate blobs, one per DB column.
func PackArrays(arrays []Array) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, arr := range arrays {
		if err := arr.Validate(); err != nil {
			return nil, fmt.Errorf("array %d: %w", i, err)
		}
		w, err := zw.Create(fmt.Sprintf("arr_%d.npy", i))
		if err != nil {
			return nil, fmt.Errorf("create npz entry: %w", err)
		}
		if err := writeNPY(w, arr); err != nil {
			return nil, fmt.Errorf("write npz entry %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize npz: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackArrays parses an NPZ container back into arrays. Entries come back
// in lexicographic name order, matching how they were packed.
func UnpackArrays(blob []byte) ([]Array, error) {
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("open npz: %w", err)
	}
	files := make([]*zip.File, len(zr.File))
	copy(files, zr.File)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	arrays := make([]Array, 0, len(files))
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open npz entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read npz entry %s: %w", f.Name, err)
		}
		arr, err := readNPY(data)
		if err != nil {
			return nil, fmt.Errorf("parse npz entry %s: %w", f.Name, err)
		}
		arrays = append(arrays, arr)
	}
	return arrays, nil
}

// writeNPY emits one NPY v1.0 record: magic, version, little-endian header
// length, the python-dict header padded to a 64-byte boundary, then raw
// C-order data. Only one-byte dtypes are produced ('|b1').
func writeNPY(w io.Writer, arr Array) error {
	dims := make([]string, len(arr.Shape))
	for i, d := range arr.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(arr.Shape) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '|b1', 'fortran_order': False, 'shape': (%s), }", shape)

	// magic(6) + version(2) + hlen(2) + header + '\n' aligned to 64
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (64 - total%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	if _, err := w.Write(hlen[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(arr.Data)
	return err
}

func readNPY(data []byte) (Array, error) {
	if len(data) < 10 || !bytes.Equal(data[:6], npyMagic) {
		return Array{}, fmt.Errorf("not an npy record")
	}
	major := data[6]
	if major != 1 {
		return Array{}, fmt.Errorf("unsupported npy version %d", major)
	}
	hlen := int(binary.LittleEndian.Uint16(data[8:10]))
	if len(data) < 10+hlen {
		return Array{}, fmt.Errorf("truncated npy header")
	}
	header := string(data[10 : 10+hlen])
	body := data[10+hlen:]

	descr, err := headerValue(header, "descr")
	if err != nil {
		return Array{}, err
	}
	switch descr {
	case "|b1", "|u1", "|i1":
	default:
		return Array{}, fmt.Errorf("unsupported npy dtype %q", descr)
	}
	fortran, err := headerValue(header, "fortran_order")
	if err != nil {
		return Array{}, err
	}
	if fortran != "False" {
		return Array{}, fmt.Errorf("fortran-order npy not supported")
	}
	shape, err := headerShape(header)
	if err != nil {
		return Array{}, err
	}

	arr := Array{Shape: shape, Data: body}
	if got, want := len(body), arr.Elements(); got != want {
		return Array{}, fmt.Errorf("npy body length %d does not match shape %v", got, shape)
	}
	return arr, nil
}

// headerValue pulls one value out of the python-dict literal header. Values
// are either quoted strings or bare words (True/False).
func headerValue(header, key string) (string, error) {
	idx := strings.Index(header, "'"+key+"'")
	if idx < 0 {
		return "", fmt.Errorf("npy header missing %q", key)
	}
	rest := header[idx+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("malformed npy header near %q", key)
	}
	rest = strings.TrimLeft(rest[colon+1:], " ")
	if strings.HasPrefix(rest, "'") {
		end := strings.Index(rest[1:], "'")
		if end < 0 {
			return "", fmt.Errorf("unterminated string in npy header")
		}
		return rest[1 : 1+end], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("malformed npy header near %q", key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

func headerShape(header string) ([]int, error) {
	idx := strings.Index(header, "'shape'")
	if idx < 0 {
		return nil, fmt.Errorf("npy header missing shape")
	}
	start := strings.Index(header[idx:], "(")
	end := strings.Index(header[idx:], ")")
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("malformed shape tuple in npy header")
	}
	inner := header[idx+start+1 : idx+end]
	var shape []int
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad shape dimension %q: %w", part, err)
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		return nil, fmt.Errorf("empty shape tuple in npy header")
	}
	return shape, nil
}
