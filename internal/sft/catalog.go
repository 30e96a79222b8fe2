package sft

import (
	"fmt"
	"os"
	"sort"
)

// locator pins a block to its file and byte offset. It is deliberately
// opaque: only the loader and checksum validator dereference it.
type locator struct {
	path   string
	offset int64
}

// Descriptor is one catalog entry: the header of a block plus what is
// needed to come back for its payload later.
type Descriptor struct {
	Header  Header
	Comment string
	NumBins uint32
	Version uint32
	CRC64   uint64

	loc locator
}

// Path returns the file the descriptor points into.
func (d *Descriptor) Path() string { return d.loc.path }

// MaxFreq returns the frequency just past the last bin, so the covered
// band is [Header.F0, MaxFreq).
func (d *Descriptor) MaxFreq() float64 {
	return d.Header.F0 + float64(d.NumBins)*d.Header.DeltaF
}

// Catalog is an index over SFT blocks, sorted by (epoch, f0). It holds no
// payload data and no open handles.
type Catalog struct {
	Descriptors []Descriptor
}

// Len returns the number of indexed blocks.
func (c *Catalog) Len() int { return len(c.Descriptors) }

// NumEpochs counts distinct epochs, relying on the (epoch, f0) sort order.
func (c *Catalog) NumEpochs() int {
	n := 0
	for i := range c.Descriptors {
		if i == 0 || c.Descriptors[i].Header.Epoch.Cmp(c.Descriptors[i-1].Header.Epoch) != 0 {
			n++
		}
	}
	return n
}

// Constraints narrow a catalog scan. All set fields must hold (AND). GPS
// bounds follow the half-open [MinGPS, MaxGPS) convention. When Timestamps
// is set, every listed epoch inside the GPS bounds must be found, or the
// scan fails with ErrMissingData.
type Constraints struct {
	Detector   string
	MinGPS     *GPS
	MaxGPS     *GPS
	Timestamps []GPS
}

func (c *Constraints) admits(h Header) bool {
	if c == nil {
		return true
	}
	if c.Detector != "" && c.Detector != h.Detector {
		return false
	}
	if !h.Epoch.InRange(c.MinGPS, c.MaxGPS) {
		return false
	}
	if c.Timestamps != nil && timestampIndex(c.Timestamps, h.Epoch) < 0 {
		return false
	}
	return true
}

func timestampIndex(list []GPS, t GPS) int {
	for i, e := range list {
		if e.Cmp(t) == 0 {
			return i
		}
	}
	return -1
}

// FindSFTs resolves pattern (see FindFiles) and scans every resolved file
// into a catalog, walking block headers and seeking past payloads. Merged
// files must be internally consistent (same detector, version, spacing,
// band and bin count per block, strictly increasing epochs); a violation is
// fatal, never a partial catalog. The finished catalog is checked for
// homogeneous frequency spacing and sorted by (epoch, f0).
func FindSFTs(pattern string, constr *Constraints) (*Catalog, error) {
	if constr != nil && constr.Detector != "" && !ValidDetector(constr.Detector) {
		return nil, fmt.Errorf("constraint names unknown detector %q", constr.Detector)
	}

	files, err := FindFiles(pattern)
	if err != nil {
		return nil, err
	}

	var matched []bool
	if constr != nil && constr.Timestamps != nil {
		matched = make([]bool, len(constr.Timestamps))
	}

	cat := &Catalog{}
	for _, path := range files {
		if err := scanFile(cat, path, constr, matched); err != nil {
			return nil, err
		}
	}

	// Timestamps the caller asked for must all have shown up, unless the
	// GPS bounds excluded them.
	if matched != nil {
		for i, ok := range matched {
			t := constr.Timestamps[i]
			if !ok && t.InRange(constr.MinGPS, constr.MaxGPS) {
				return nil, fmt.Errorf("no SFT found for requested timestamp %s: %w", t, ErrMissingData)
			}
		}
	}

	for i := 1; i < len(cat.Descriptors); i++ {
		if cat.Descriptors[i].Header.DeltaF != cat.Descriptors[0].Header.DeltaF {
			return nil, fmt.Errorf("catalog mixes frequency spacings %v and %v: %w",
				cat.Descriptors[0].Header.DeltaF, cat.Descriptors[i].Header.DeltaF, ErrConsistency)
		}
	}

	sort.SliceStable(cat.Descriptors, func(i, j int) bool {
		di, dj := &cat.Descriptors[i], &cat.Descriptors[j]
		if c := di.Header.Epoch.Cmp(dj.Header.Epoch); c != 0 {
			return c < 0
		}
		return di.Header.F0 < dj.Header.F0
	})
	return cat, nil
}

func scanFile(cat *Catalog, path string, constr *Constraints, matched []bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := fi.Size()

	var prev *blockInfo
	for off := int64(0); off < size; {
		bi, err := readBlockInfo(f, off)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if off+bi.size() > size {
			return fmt.Errorf("%s: block at offset %d runs past end of file: %w", path, off, ErrMalformedHeader)
		}
		if prev != nil {
			if err := checkMergedPair(prev, bi); err != nil {
				return fmt.Errorf("%s: blocks at offsets %d and %d: %w", path, off-prev.size(), off, err)
			}
		}
		if constr.admits(bi.Header) {
			if matched != nil {
				if i := timestampIndex(constr.Timestamps, bi.Epoch); i >= 0 {
					matched[i] = true
				}
			}
			cat.Descriptors = append(cat.Descriptors, Descriptor{
				Header:  bi.Header,
				Comment: bi.Comment,
				NumBins: bi.NumBins,
				Version: bi.Version,
				CRC64:   bi.CRC64,
				loc:     locator{path: path, offset: off},
			})
		}
		prev = bi
		off += bi.size()
	}
	return nil
}

// checkMergedPair enforces the merged-file invariant between consecutive
// blocks of one file.
func checkMergedPair(prev, cur *blockInfo) error {
	switch {
	case cur.Detector != prev.Detector:
		return fmt.Errorf("detector changes %q -> %q: %w", prev.Detector, cur.Detector, ErrConsistency)
	case cur.Version != prev.Version:
		return fmt.Errorf("version changes %d -> %d: %w", prev.Version, cur.Version, ErrConsistency)
	case cur.DeltaF != prev.DeltaF:
		return fmt.Errorf("frequency spacing changes %v -> %v: %w", prev.DeltaF, cur.DeltaF, ErrConsistency)
	case cur.F0 != prev.F0:
		return fmt.Errorf("start frequency changes %v -> %v: %w", prev.F0, cur.F0, ErrConsistency)
	case cur.NumBins != prev.NumBins:
		return fmt.Errorf("bin count changes %d -> %d: %w", prev.NumBins, cur.NumBins, ErrConsistency)
	case cur.Epoch.Cmp(prev.Epoch) <= 0:
		return fmt.Errorf("epochs not strictly increasing (%s then %s): %w", prev.Epoch, cur.Epoch, ErrConsistency)
	}
	return nil
}

// MultiCatalogView partitions one catalog by detector. Views copy the small
// descriptor structs but alias the same underlying files; the parent
// catalog must stay valid while views are in use.
type MultiCatalogView struct {
	Detectors []string
	Catalogs  []*Catalog
}

// ByDetector splits cat into per-detector views, sorted alphabetically by
// detector code. Descriptor order within each view is inherited from the
// parent, so views stay (epoch, f0)-sorted.
func ByDetector(cat *Catalog) *MultiCatalogView {
	byDet := make(map[string]*Catalog)
	view := &MultiCatalogView{}
	for i := range cat.Descriptors {
		d := cat.Descriptors[i]
		sub, ok := byDet[d.Header.Detector]
		if !ok {
			sub = &Catalog{}
			byDet[d.Header.Detector] = sub
			view.Detectors = append(view.Detectors, d.Header.Detector)
		}
		sub.Descriptors = append(sub.Descriptors, d)
	}
	sort.Strings(view.Detectors)
	view.Catalogs = make([]*Catalog, len(view.Detectors))
	for i, det := range view.Detectors {
		view.Catalogs[i] = byDet[det]
	}
	return view
}

// openFile reuses one open handle across consecutive reads from the same
// file, the common case for catalogs over merged files.
type openFile struct {
	path string
	f    *os.File
}

func (o *openFile) Get(path string) (*os.File, error) {
	if o.f != nil && o.path == path {
		return o.f, nil
	}
	o.Close()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	o.path, o.f = path, f
	return f, nil
}

func (o *openFile) Close() {
	if o.f != nil {
		o.f.Close()
		o.f = nil
	}
}
