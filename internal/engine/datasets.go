package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hasbegun/eyed/internal/wire"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".bmp": true, ".png": true,
}

// casiaThousandName matches S5000L00.jpg style filenames; the letter is the
// eye side.
var casiaThousandName = regexp.MustCompile(`^S\d+([LR])\d+$`)

// Datasets resolves enrollment datasets across one fixed root and a runtime
// set of extra roots. A dataset is a directory of subject directories; how
// the eye side is encoded varies by collection and is inferred per file.
type Datasets struct {
	log *slog.Logger

	mu    sync.RWMutex
	root  string
	extra []string
}

// NewDatasets builds the resolver. root is the primary data directory; extra
// roots can be added and removed at runtime.
func NewDatasets(root string, extra []string, logger *slog.Logger) *Datasets {
	return &Datasets{log: logger, root: root, extra: append([]string(nil), extra...)}
}

// validDatasetName rejects anything that could escape a root.
func validDatasetName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`)
}

func (d *Datasets) roots() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, 1+len(d.extra))
	if d.root != "" {
		out = append(out, d.root)
	}
	return append(out, d.extra...)
}

// Roots describes every configured root for the admin surface.
func (d *Datasets) Roots() []wire.DatasetPathInfo {
	paths := d.roots()
	out := make([]wire.DatasetPathInfo, 0, len(paths))
	for _, p := range paths {
		info := wire.DatasetPathInfo{Path: p}
		if entries, err := os.ReadDir(p); err == nil {
			info.Exists = true
			for _, e := range entries {
				if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
					info.DatasetCount++
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// AddRoot registers an extra dataset root. The directory must exist.
func (d *Datasets) AddRoot(path string) (wire.DatasetPathInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return wire.DatasetPathInfo{}, fmt.Errorf("bad path: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return wire.DatasetPathInfo{}, fmt.Errorf("not a directory: %s", abs)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if abs == d.root {
		return wire.DatasetPathInfo{}, fmt.Errorf("already the primary root: %s", abs)
	}
	for _, p := range d.extra {
		if p == abs {
			return wire.DatasetPathInfo{}, fmt.Errorf("already registered: %s", abs)
		}
	}
	d.extra = append(d.extra, abs)
	d.log.Info("dataset root added", "path", abs)

	info := wire.DatasetPathInfo{Path: abs, Exists: true}
	if entries, err := os.ReadDir(abs); err == nil {
		for _, e := range entries {
			if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				info.DatasetCount++
			}
		}
	}
	return info, nil
}

// RemoveRoot unregisters an extra root. The primary root cannot go away.
func (d *Datasets) RemoveRoot(path string) (wire.DatasetPathInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return wire.DatasetPathInfo{}, fmt.Errorf("bad path: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if abs == d.root {
		return wire.DatasetPathInfo{}, fmt.Errorf("cannot remove the primary root")
	}
	for i, p := range d.extra {
		if p == abs {
			d.extra = append(d.extra[:i], d.extra[i+1:]...)
			d.log.Info("dataset root removed", "path", abs)
			return wire.DatasetPathInfo{Path: abs}, nil
		}
	}
	return wire.DatasetPathInfo{}, fmt.Errorf("not registered: %s", abs)
}

// List enumerates datasets across all roots. Count stays -1; counting a
// CASIA-Thousand tree on every poll would be rude to the disk.
func (d *Datasets) List() []wire.DatasetInfo {
	seen := map[string]bool{}
	var out []wire.DatasetInfo
	for _, root := range d.roots() {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || seen[e.Name()] {
				continue
			}
			seen[e.Name()] = true
			out = append(out, wire.DatasetInfo{
				Name:   e.Name(),
				Format: datasetFormat(e.Name()),
				Count:  -1,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a dataset name to its directory, first root wins.
func (d *Datasets) Resolve(name string) (string, error) {
	if !validDatasetName(name) {
		return "", fmt.Errorf("invalid dataset name %q", name)
	}
	for _, root := range d.roots() {
		dir := filepath.Join(root, name)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("dataset not found: %s", name)
}

// Subjects lists subject directories with their image counts.
func (d *Datasets) Subjects(name string) ([]wire.SubjectInfo, error) {
	dir, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []wire.SubjectInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		count := 0
		filepath.WalkDir(filepath.Join(dir, e.Name()), func(_ string, de os.DirEntry, err error) error {
			if err == nil && !de.IsDir() && imageExts[strings.ToLower(filepath.Ext(de.Name()))] {
				count++
			}
			return nil
		})
		out = append(out, wire.SubjectInfo{SubjectID: e.Name(), ImageCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

// Item is one image of a dataset walk, with everything bulk enrollment
// needs.
type Item struct {
	Path    string
	Subject string
	EyeSide string
}

// Walk lists every image under the dataset in deterministic order. subject
// narrows the walk to one subject directory; empty walks them all.
func (d *Datasets) Walk(name, subject string) ([]Item, error) {
	dir, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	format := datasetFormat(name)

	var out []Item
	err = filepath.WalkDir(dir, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() {
			if strings.HasPrefix(de.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !imageExts[strings.ToLower(filepath.Ext(de.Name()))] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		parts := strings.Split(rel, string(filepath.Separator))
		subj := parts[0]
		if len(parts) == 1 {
			subj = strings.TrimSuffix(parts[0], filepath.Ext(parts[0]))
		}
		if subject != "" && subj != subject {
			return nil
		}
		out = append(out, Item{
			Path:    path,
			Subject: subj,
			EyeSide: inferEyeSide(format, rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Images pages through a dataset listing for the browser UI.
func (d *Datasets) Images(name, subject string, offset, limit int) ([]wire.DatasetImage, error) {
	items, err := d.Walk(name, subject)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]wire.DatasetImage, 0, end-offset)
	for _, it := range items[offset:end] {
		out = append(out, wire.DatasetImage{
			Path:      it.Path,
			SubjectID: it.Subject,
			EyeSide:   it.EyeSide,
			Filename:  filepath.Base(it.Path),
		})
	}
	return out, nil
}

// datasetFormat guesses the collection layout from the directory name.
func datasetFormat(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "mmu"):
		return "mmu2"
	case strings.Contains(lower, "thousand"):
		return "casia-thousand"
	case strings.Contains(lower, "casia"):
		return "casia1"
	default:
		return "generic"
	}
}

// inferEyeSide reads the eye side out of a relative image path. Every
// collection encodes it differently; unknown stays empty and the pipeline
// treats the eye as unlabeled.
func inferEyeSide(format, rel string) string {
	parts := strings.Split(rel, string(filepath.Separator))
	stem := strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(rel))

	// Explicit L/R directories beat filename conventions.
	for _, p := range parts[:len(parts)-1] {
		switch strings.ToLower(p) {
		case "l", "left":
			return "left"
		case "r", "right":
			return "right"
		}
	}

	switch format {
	case "casia1":
		// subject/session layout: session 1 is the left-eye pass,
		// session 2 the right.
		if len(parts) >= 3 {
			switch parts[1] {
			case "1":
				return "left"
			case "2":
				return "right"
			}
		}
	case "mmu2":
		// 010101.bmp: characters [-4:-2] of the stem are the eye code.
		if len(stem) >= 4 {
			switch stem[len(stem)-4 : len(stem)-2] {
			case "01":
				return "left"
			case "02":
				return "right"
			}
		}
	case "casia-thousand":
		if m := casiaThousandName.FindStringSubmatch(stem); m != nil {
			if m[1] == "L" {
				return "left"
			}
			return "right"
		}
	}
	return ""
}
