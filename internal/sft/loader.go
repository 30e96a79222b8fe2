package sft

import (
	"fmt"
	"io"
	"math"
	"sort"
)

const dblEpsilon = 2.220446049250313e-16

// Frequencies are snapped to bins with a relative fudge of 10 ulp, so a
// request sitting a rounding error away from a bin boundary still selects
// that bin.

// RoundFreqDownToBin returns the bin containing freq, rounding down.
func RoundFreqDownToBin(freq, deltaF float64) uint32 {
	return uint32(math.Floor(freq / deltaF * (1.0 + 10*dblEpsilon)))
}

// RoundFreqUpToBin returns the first bin at or above freq.
func RoundFreqUpToBin(freq, deltaF float64) uint32 {
	return uint32(math.Ceil(freq / deltaF * (1.0 - 10*dblEpsilon)))
}

// readSegment tracks how much of one epoch's band has been stitched.
type readSegment struct {
	first    uint32
	last     uint32
	epoch    GPS
	epochSet bool
	started  bool
	lastFrom string
}

// LoadBand reads the half-open frequency band [fMin, fMax) from every epoch
// in the catalog into a dense Vector. Either bound may be -1 to mean the
// lowest (or highest) bin observed in the catalog. The returned band is bin
// aligned and may be slightly wider than requested.
//
// Epochs split across files or blocks are stitched; non-contiguous coverage
// is a *GapOverlapError naming both contributing files, and an epoch whose
// band cannot be completed is ErrMissingData. The catalog must be
// single-detector (use ByDetector plus LoadMultiBand otherwise).
func LoadBand(cat *Catalog, fMin, fMax float64) (*Vector, error) {
	if cat == nil || len(cat.Descriptors) == 0 {
		return nil, fmt.Errorf("empty catalog: %w", ErrMissingData)
	}
	if fMin >= 0 && fMax >= 0 && fMax < fMin {
		return nil, fmt.Errorf("reversed band [%v, %v)", fMin, fMax)
	}
	deltaF := cat.Descriptors[0].Header.DeltaF

	// One output SFT per distinct epoch; the catalog's (epoch, f0) order
	// makes counting changes sufficient. While at it, find the observed
	// bin range.
	isft := make([]int, len(cat.Descriptors))
	nSFTs := 0
	var minbin, maxbin uint32
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		first := uint32(math.Round(d.Header.F0 / deltaF))
		last := first + d.NumBins - 1
		if i == 0 {
			minbin, maxbin = first, last
			nSFTs = 1
		} else {
			if first < minbin {
				minbin = first
			}
			if last > maxbin {
				maxbin = last
			}
			if d.Header.Epoch.Cmp(cat.Descriptors[i-1].Header.Epoch) != 0 {
				nSFTs++
			}
		}
		isft[i] = nSFTs - 1
	}

	firstbin := minbin
	if fMin >= 0 {
		firstbin = RoundFreqDownToBin(fMin, deltaF)
	}
	lastbin := maxbin
	if fMax >= 0 {
		up := RoundFreqUpToBin(fMax, deltaF)
		if up == 0 {
			return nil, fmt.Errorf("band [%v, %v) rounds to no bins at spacing %v", fMin, fMax, deltaF)
		}
		lastbin = up - 1
	}
	if firstbin > lastbin {
		return nil, fmt.Errorf("no bins in band [%v, %v) at spacing %v: %w", fMin, fMax, deltaF, ErrMissingData)
	}
	numBins := lastbin + 1 - firstbin

	out := &Vector{SFTs: make([]SFT, nSFTs)}
	for i := range out.SFTs {
		out.SFTs[i].Data = make([]complex64, numBins)
	}

	// Read in (f0, file, offset) order so one pass walks each file
	// front to back with a single open handle.
	order := make([]int, len(cat.Descriptors))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		dx, dy := &cat.Descriptors[order[x]], &cat.Descriptors[order[y]]
		if dx.Header.F0 != dy.Header.F0 {
			return dx.Header.F0 < dy.Header.F0
		}
		if dx.loc.path != dy.loc.path {
			return dx.loc.path < dy.loc.path
		}
		return dx.loc.offset < dy.loc.offset
	})

	segs := make([]readSegment, nSFTs)
	var open openFile
	defer open.Close()

	for _, ci := range order {
		d := &cat.Descriptors[ci]
		seg := &segs[isft[ci]]

		f, err := open.Get(d.loc.path)
		if err != nil {
			return nil, err
		}
		firstRead, data, err := readBins(f, d.loc.offset, firstbin, lastbin)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.loc.path, err)
		}
		if data == nil {
			// Block holds no bins of the requested band. Still pin
			// the epoch so completeness errors can name it.
			if !seg.epochSet {
				seg.epoch, seg.epochSet = d.Header.Epoch, true
			}
			continue
		}

		if !seg.started {
			if firstRead != firstbin {
				return nil, &GapOverlapError{
					Epoch:    d.Header.Epoch,
					WantBin:  firstbin,
					FirstBin: firstRead,
					File:     d.loc.path,
				}
			}
			seg.first = firstRead
			seg.epoch, seg.epochSet = d.Header.Epoch, true
			seg.started = true
		} else if firstRead != seg.last+1 {
			return nil, &GapOverlapError{
				Epoch:    d.Header.Epoch,
				WantBin:  seg.last + 1,
				FirstBin: firstRead,
				PrevFile: seg.lastFrom,
				File:     d.loc.path,
			}
		}
		if d.Header.DeltaF != deltaF {
			return nil, fmt.Errorf("%s: frequency spacing %v, catalog has %v: %w",
				d.loc.path, d.Header.DeltaF, deltaF, ErrConsistency)
		}
		if seg.epoch.Cmp(d.Header.Epoch) != 0 {
			return nil, fmt.Errorf("%s: epoch %s, segment has %s: %w",
				d.loc.path, d.Header.Epoch, seg.epoch, ErrConsistency)
		}

		seg.last = firstRead + uint32(len(data)) - 1
		seg.lastFrom = d.loc.path
		sft := &out.SFTs[isft[ci]]
		sft.Detector = d.Header.Detector
		copy(sft.Data[firstRead-firstbin:], data)
	}

	for i := range segs {
		seg := &segs[i]
		switch {
		case !seg.started:
			return nil, fmt.Errorf("no data in band for epoch %s: %w", seg.epoch, ErrMissingData)
		case seg.last != lastbin:
			return nil, fmt.Errorf("data missing at end of epoch %s: have bins up to %d from %q, need %d: %w",
				seg.epoch, seg.last, seg.lastFrom, lastbin, ErrMissingData)
		}
		out.SFTs[i].Epoch = seg.epoch
		out.SFTs[i].F0 = float64(firstbin) * deltaF
		out.SFTs[i].DeltaF = deltaF
	}
	return out, nil
}

// LoadMultiBand runs LoadBand over every detector of a partitioned catalog.
func LoadMultiBand(view *MultiCatalogView, fMin, fMax float64) (*MultiVector, error) {
	mv := &MultiVector{Vectors: make([]*Vector, len(view.Catalogs))}
	for i, sub := range view.Catalogs {
		v, err := LoadBand(sub, fMin, fMax)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", view.Detectors[i], err)
		}
		mv.Vectors[i] = v
	}
	return mv, nil
}

// readBins reads the bins of the block at off that fall inside
// [firstBin, lastBin], decoded to host byte order. A block with no bins in
// the range returns (0, nil, nil).
func readBins(r io.ReaderAt, off int64, firstBin, lastBin uint32) (uint32, []complex64, error) {
	bi, err := readBlockInfo(r, off)
	if err != nil {
		return 0, nil, err
	}
	firstSFT := uint32(math.Round(bi.F0 / bi.DeltaF))
	lastSFT := firstSFT + bi.NumBins - 1
	if firstBin < firstSFT {
		firstBin = firstSFT
	}
	if lastBin > lastSFT {
		lastBin = lastSFT
	}
	if firstBin > lastBin {
		return 0, nil, nil
	}

	n := lastBin - firstBin + 1
	raw := make([]byte, int64(n)*8)
	pos := off + bi.headerSize + int64(firstBin-firstSFT)*8
	if _, err := r.ReadAt(raw, pos); err != nil {
		return 0, nil, fmt.Errorf("read %d bins at offset %d: %w", n, pos, err)
	}
	data := make([]complex64, n)
	for i := range data {
		re := math.Float32frombits(bi.order.Uint32(raw[i*8:]))
		im := math.Float32frombits(bi.order.Uint32(raw[i*8+4:]))
		data[i] = complex(re, im)
	}
	return firstBin, data, nil
}
