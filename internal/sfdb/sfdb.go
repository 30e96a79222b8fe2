// Package sfdb imports "SFDB" frequency-domain databases, an alternate
// container for short Fourier transforms, and normalizes their content into
// the canonical in-memory SFT representation.
package sfdb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"example.com/sftgate/internal/sft"
)

// SFDB detectors are identified by a numeric enum, not a site prefix.
const (
	detFirst = 1
	detV1    = 1
	detH1    = 2
	detL1    = 3
	detLast  = 4
)

var detectorNames = [detLast]string{detV1: "V1", detH1: "H1", detL1: "L1"}

// header is the per-record SFDB header. Spare fields are kept so the raw
// record layout can be read in one shot; only a handful of fields drive the
// import.
type header struct {
	Det        int32
	GPSSec     int32
	GPSNsec    int32
	Tbase      float64 // coherent time of the transform
	FirstFrInd int32
	NSamples   int32 // number of frequency bins
	Red        int32 // reduction factor
	Typ        int32
	NFlag      float32
	Einstein   float32 // normalization back to 1e-20 strain units
	MJDTime    float64
	NFFT       int32
	Wink       int32
	Normd      float32
	Normw      float32 // window normalization
	FrInit     float64
	Tsamplu    float64 // sampling time
	DeltaNu    float64 // frequency resolution
	VxEq       float64
	VyEq       float64
	VzEq       float64
	PxEq       float64
	PyEq       float64
	PzEq       float64
	NZeroes    int32
	SatHowmany float64
	Spare1     [3]float64
	Spare2     [3]float32
	Lavesp     int32
	Spare3     [2]int32
}

// regionSizes returns the lengths, in float32 samples, of the three payload
// regions following the header. Only the third (interleaved re/im spectrum)
// is imported.
func (h *header) regionSizes() (r1, r2, r3 int64) {
	if h.Lavesp > 0 {
		return int64(h.Lavesp), int64(h.Lavesp), 2 * int64(h.NSamples)
	}
	return int64(h.Red), int64(h.NSamples) / int64(h.Red), 2 * int64(h.NSamples)
}

func (h *header) validate() error {
	if h.Det < detFirst || h.Det >= detLast {
		return fmt.Errorf("unsupported detector number %d", h.Det)
	}
	if h.NSamples <= 0 {
		return fmt.Errorf("nsamples %d not positive", h.NSamples)
	}
	if h.Lavesp <= 0 && h.Red <= 0 {
		return fmt.Errorf("reduction factor %d not positive", h.Red)
	}
	if h.Tbase <= 0 {
		return fmt.Errorf("tbase %v not positive", h.Tbase)
	}
	return nil
}

// Options configure an import. FMin/FMax select the band to keep.
// StartTimestamps/EndTimestamps are file patterns (see sft.FindFiles) naming
// paired science-segment boundary files, one pair per detector, with the
// detector code appearing in the start-file name. Both or neither must be
// given. Each detector's windows must be sorted by start time and
// non-overlapping; sortedness is verified, overlap is the caller's contract.
type Options struct {
	FMin float64
	FMax float64

	StartTimestamps string
	EndTimestamps   string
}

// scienceWindows holds the per-detector segment boundaries.
type scienceWindows struct {
	byDetector map[string]int
	starts     [][]sft.GPS
	ends       [][]sft.GPS
}

// admits reports whether the record [gps, gps+tbase) falls inside a science
// segment of its detector. Windows are scanned in start order; the scan
// stops at the first window starting after the record.
func (w *scienceWindows) admits(h *header) bool {
	if w == nil {
		return true
	}
	x, ok := w.byDetector[detectorNames[h.Det]]
	if !ok {
		return false
	}
	starts, ends := w.starts[x], w.ends[x]
	end := float64(h.GPSSec) + h.Tbase
	for i := 0; i < len(starts) && h.GPSSec >= starts[i].Seconds; i++ {
		if end < float64(ends[i].Seconds) {
			return true
		}
	}
	return false
}

func loadScienceWindows(opts Options) (*scienceWindows, error) {
	switch {
	case opts.StartTimestamps == "" && opts.EndTimestamps == "":
		return nil, nil
	case opts.StartTimestamps == "" || opts.EndTimestamps == "":
		return nil, errors.New("science-segment filtering needs both start and end timestamp files")
	}

	startFiles, err := sft.FindFiles(opts.StartTimestamps)
	if err != nil {
		return nil, err
	}
	endFiles, err := sft.FindFiles(opts.EndTimestamps)
	if err != nil {
		return nil, err
	}
	if len(startFiles) != len(endFiles) {
		return nil, fmt.Errorf("got %d start and %d end timestamp files, counts must match",
			len(startFiles), len(endFiles))
	}

	w := &scienceWindows{byDetector: make(map[string]int)}
	w.starts, err = sft.ReadMultiTimestampsFiles(startFiles, nil, nil)
	if err != nil {
		return nil, err
	}
	w.ends, err = sft.ReadMultiTimestampsFiles(endFiles, nil, nil)
	if err != nil {
		return nil, err
	}

	for x, path := range startFiles {
		det := ""
		for d := detFirst; d < detLast; d++ {
			if strings.Contains(path, detectorNames[d]) {
				det = detectorNames[d]
				break
			}
		}
		if det == "" {
			return nil, fmt.Errorf("no detector name found in timestamp file %s", path)
		}
		if len(w.starts[x]) != len(w.ends[x]) {
			return nil, fmt.Errorf("%s: %d start and %d end timestamps, lengths must match",
				path, len(w.starts[x]), len(w.ends[x]))
		}
		for i := 1; i < len(w.starts[x]); i++ {
			if w.starts[x][i].Cmp(w.starts[x][i-1]) < 0 {
				return nil, fmt.Errorf("%s: science-segment starts not sorted at entry %d: %w",
					path, i, sft.ErrMalformedTimestamps)
			}
		}
		w.byDetector[det] = x
	}
	return w, nil
}

// Import reads every SFDB record matching pattern, keeps those inside the
// science windows (all of them when no windows are given), and returns the
// requested band as per-detector vectors normalized to the canonical SFT
// convention: each bin is scaled by einstein x tsamplu x normw. Detectors
// appear in the fixed V1, H1, L1 order; each vector is sorted by epoch.
func Import(pattern string, opts Options) (*sft.MultiVector, error) {
	files, err := sft.FindFiles(pattern)
	if err != nil {
		return nil, err
	}
	windows, err := loadScienceWindows(opts)
	if err != nil {
		return nil, err
	}

	// First pass: count qualifying records per detector and pin the
	// time baseline, so vectors can be sized up front.
	var counts [detLast]int
	tbase := 0.0
	for _, path := range files {
		err := walkRecords(path, func(h *header, r *bufio.Reader) error {
			if tbase == 0 {
				tbase = h.Tbase
			} else if h.Tbase != tbase {
				return fmt.Errorf("time baseline changes %v -> %v: %w", tbase, h.Tbase, sft.ErrConsistency)
			}
			if windows.admits(h) {
				counts[h.Det]++
			}
			r1, r2, r3 := h.regionSizes()
			return discard(r, (r1+r2+r3)*4)
		})
		if err != nil {
			return nil, err
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return nil, fmt.Errorf("no SFDB records qualify: %w", sft.ErrMissingData)
	}

	if opts.FMin < 0 {
		return nil, fmt.Errorf("negative band start %v", opts.FMin)
	}
	deltaF := 1.0 / tbase
	firstBin := sft.RoundFreqDownToBin(opts.FMin, deltaF)
	lastBin := sft.RoundFreqUpToBin(opts.FMax, deltaF)
	if lastBin < firstBin {
		return nil, fmt.Errorf("band [%v, %v) rounds to no bins at spacing %v", opts.FMin, opts.FMax, deltaF)
	}
	numBins := lastBin - firstBin + 1

	mv := &sft.MultiVector{}
	var byDet [detLast]*sft.Vector
	for d := detFirst; d < detLast; d++ {
		if counts[d] > 0 {
			byDet[d] = &sft.Vector{SFTs: make([]sft.SFT, 0, counts[d])}
			mv.Vectors = append(mv.Vectors, byDet[d])
		}
	}

	// Second pass: copy the spectrum region of each qualifying record.
	for _, path := range files {
		err := walkRecords(path, func(h *header, r *bufio.Reader) error {
			r1, r2, _ := h.regionSizes()
			if err := discard(r, (r1+r2)*4); err != nil {
				return err
			}
			spectrum := make([]byte, 2*int64(h.NSamples)*4)
			if _, err := io.ReadFull(r, spectrum); err != nil {
				return fmt.Errorf("read spectrum: %w", err)
			}
			if !windows.admits(h) {
				return nil
			}
			if int64(lastBin) >= int64(h.NSamples) {
				return fmt.Errorf("band ends at bin %d but record has %d bins: %w",
					lastBin, h.NSamples, sft.ErrMissingData)
			}

			scale := float64(h.Einstein) * h.Tsamplu * float64(h.Normw)
			data := make([]complex64, numBins)
			le := binary.LittleEndian
			for i := range data {
				off := (int64(firstBin) + int64(i)) * 8
				re := float64(math.Float32frombits(le.Uint32(spectrum[off:])))
				im := float64(math.Float32frombits(le.Uint32(spectrum[off+4:])))
				data[i] = complex(float32(re*scale), float32(im*scale))
			}
			v := byDet[h.Det]
			v.SFTs = append(v.SFTs, sft.SFT{
				Header: sft.Header{
					Detector: detectorNames[h.Det],
					Epoch:    sft.GPS{Seconds: h.GPSSec},
					F0:       float64(firstBin) * deltaF,
					DeltaF:   deltaF,
				},
				Data: data,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	for _, v := range mv.Vectors {
		v.SortByEpoch()
	}
	return mv, nil
}

// walkRecords opens an SFDB file and calls fn for every record, positioned
// just past the header. fn must consume or discard the three payload
// regions. Records are prefixed with a REAL8 running count; EOF at that
// prefix ends the walk.
func walkRecords(path string, fn func(h *header, r *bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open SFDB file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<16)
	for {
		var count float64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s: read record prefix: %w", path, err)
		}
		var h header
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return fmt.Errorf("%s: read SFDB header: %w", path, err)
		}
		if err := h.validate(); err != nil {
			return fmt.Errorf("%s: %s: %w", path, err, sft.ErrMalformedHeader)
		}
		if err := fn(&h, r); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
}

func discard(r *bufio.Reader, n int64) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skip %d payload bytes: %w", n, err)
	}
	return nil
}
