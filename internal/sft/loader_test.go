package sft

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
)

func TestRoundFreqToBin(t *testing.T) {
	const deltaF = 0.125
	cases := []struct {
		freq     float64
		down, up uint32
	}{
		{0, 0, 0},
		{101, 808, 808},
		{101.06, 808, 809},
		// A request one rounding error below a boundary still snaps to it.
		{math.Nextafter(101, 0), 808, 808},
		{math.Nextafter(101, 200), 808, 808},
	}
	for _, tc := range cases {
		if got := RoundFreqDownToBin(tc.freq, deltaF); got != tc.down {
			t.Errorf("RoundFreqDownToBin(%v) = %d, want %d", tc.freq, got, tc.down)
		}
		if got := RoundFreqUpToBin(tc.freq, deltaF); got != tc.up {
			t.Errorf("RoundFreqUpToBin(%v) = %d, want %d", tc.freq, got, tc.up)
		}
	}
}

// fullBandDataset writes one merged H1 file with three epochs covering bins
// 800..863 at 0.125 Hz spacing (100 to 108 Hz).
func fullBandDataset(t *testing.T, dir string) (*Catalog, []*SFT) {
	t.Helper()
	blocks := []*SFT{
		testSFT("H1", 100, 100, 0.125, 64),
		testSFT("H1", 200, 100, 0.125, 64),
		testSFT("H1", 300, 100, 0.125, 64),
	}
	path := filepath.Join(dir, "h.sft")
	writeBlocks(t, path, blocks...)
	cat, err := FindSFTs(path, nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}
	return cat, blocks
}

func TestLoadBandFull(t *testing.T) {
	cat, blocks := fullBandDataset(t, t.TempDir())
	v, err := LoadBand(cat, -1, -1)
	if err != nil {
		t.Fatalf("LoadBand: %v", err)
	}
	if len(v.SFTs) != 3 {
		t.Fatalf("loaded %d SFTs, want 3", len(v.SFTs))
	}
	for i, s := range v.SFTs {
		if s.Epoch != blocks[i].Epoch {
			t.Errorf("SFT %d epoch %s, want %s", i, s.Epoch, blocks[i].Epoch)
		}
		if s.F0 != 100 || s.DeltaF != 0.125 || s.Detector != "H1" {
			t.Errorf("SFT %d header %+v", i, s.Header)
		}
		if len(s.Data) != 64 {
			t.Fatalf("SFT %d has %d bins, want 64", i, len(s.Data))
		}
		for j := range s.Data {
			if s.Data[j] != blocks[i].Data[j] {
				t.Fatalf("SFT %d bin %d = %v, want %v", i, j, s.Data[j], blocks[i].Data[j])
			}
		}
	}
}

func TestLoadBandSub(t *testing.T) {
	cat, blocks := fullBandDataset(t, t.TempDir())
	// [101, 102) covers bins 808..815, offsets 8..15 of each block.
	v, err := LoadBand(cat, 101, 102)
	if err != nil {
		t.Fatalf("LoadBand: %v", err)
	}
	for i, s := range v.SFTs {
		if s.F0 != 101 {
			t.Errorf("SFT %d starts at %v, want 101", i, s.F0)
		}
		if len(s.Data) != 8 {
			t.Fatalf("SFT %d has %d bins, want 8", i, len(s.Data))
		}
		for j := range s.Data {
			if s.Data[j] != blocks[i].Data[8+j] {
				t.Fatalf("SFT %d bin %d = %v, want %v", i, j, s.Data[j], blocks[i].Data[8+j])
			}
		}
	}
}

func TestLoadBandBeyondCoverage(t *testing.T) {
	cat, _ := fullBandDataset(t, t.TempDir())
	if _, err := LoadBand(cat, 101, 200); !errors.Is(err, ErrMissingData) {
		t.Fatalf("band past coverage: err=%v, want ErrMissingData", err)
	}
}

func TestLoadBandRejectsEmptyBand(t *testing.T) {
	cat, _ := fullBandDataset(t, t.TempDir())
	if _, err := LoadBand(cat, 110, 105); err == nil {
		t.Fatalf("reversed band accepted")
	}
	// Bounds that round to no covered bins must fail cleanly, not allocate
	// a wrapped-around bin count.
	if _, err := LoadBand(cat, 200, -1); !errors.Is(err, ErrMissingData) {
		t.Fatalf("band above coverage: err=%v, want ErrMissingData", err)
	}
	if _, err := LoadBand(cat, -1, 50); !errors.Is(err, ErrMissingData) {
		t.Fatalf("band below coverage: err=%v, want ErrMissingData", err)
	}
	// [fMin, 0) is empty; the end bin must not underflow past bin zero.
	if _, err := LoadBand(cat, -1, 0); err == nil {
		t.Fatalf("band ending at 0 accepted")
	}
}

func TestLoadBandEmptyCatalog(t *testing.T) {
	if _, err := LoadBand(&Catalog{}, -1, -1); !errors.Is(err, ErrMissingData) {
		t.Fatalf("empty catalog: err=%v, want ErrMissingData", err)
	}
}

func TestLoadBandGap(t *testing.T) {
	dir := t.TempDir()
	// One epoch split across two files with bins 816..823 missing.
	low := filepath.Join(dir, "low.sft")
	high := filepath.Join(dir, "high.sft")
	writeBlocks(t, low, testSFT("H1", 100, 100, 0.125, 16))
	writeBlocks(t, high, testSFT("H1", 100, 103, 0.125, 16))
	cat, err := FindSFTs(filepath.Join(dir, "*.sft"), nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}

	_, err = LoadBand(cat, -1, -1)
	var gap *GapOverlapError
	if !errors.As(err, &gap) {
		t.Fatalf("err=%v, want GapOverlapError", err)
	}
	if gap.WantBin != 816 || gap.FirstBin != 824 {
		t.Errorf("gap bins want=%d first=%d, want 816 and 824", gap.WantBin, gap.FirstBin)
	}
	if gap.PrevFile != low || gap.File != high {
		t.Errorf("gap names %q after %q, want %q after %q", gap.File, gap.PrevFile, high, low)
	}
	if !strings.Contains(gap.Error(), "gap") {
		t.Errorf("error %q does not name the gap", gap.Error())
	}
}

func TestLoadBandOverlap(t *testing.T) {
	dir := t.TempDir()
	// The second file starts at bin 810, inside the first file's 800..815.
	writeBlocks(t, filepath.Join(dir, "low.sft"), testSFT("H1", 100, 100, 0.125, 16))
	writeBlocks(t, filepath.Join(dir, "high.sft"), testSFT("H1", 100, 101.25, 0.125, 16))
	cat, err := FindSFTs(filepath.Join(dir, "*.sft"), nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}

	_, err = LoadBand(cat, -1, -1)
	var gap *GapOverlapError
	if !errors.As(err, &gap) {
		t.Fatalf("err=%v, want GapOverlapError", err)
	}
	if gap.FirstBin >= gap.WantBin {
		t.Errorf("bins first=%d want=%d do not describe an overlap", gap.FirstBin, gap.WantBin)
	}
	if !strings.Contains(gap.Error(), "overlap") {
		t.Errorf("error %q does not name the overlap", gap.Error())
	}
}

func TestLoadBandIncompleteEpoch(t *testing.T) {
	dir := t.TempDir()
	writeBlocks(t, filepath.Join(dir, "full.sft"), testSFT("H1", 100, 100, 0.125, 64))
	writeBlocks(t, filepath.Join(dir, "short.sft"), testSFT("H1", 200, 100, 0.125, 32))
	cat, err := FindSFTs(filepath.Join(dir, "*.sft"), nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}

	_, err = LoadBand(cat, -1, -1)
	if !errors.Is(err, ErrMissingData) {
		t.Fatalf("err=%v, want ErrMissingData", err)
	}
	if !strings.Contains(err.Error(), "200") {
		t.Errorf("error %q does not name the incomplete epoch", err.Error())
	}
}

func TestLoadMultiBand(t *testing.T) {
	dir := t.TempDir()
	writeBlocks(t, filepath.Join(dir, "h.sft"),
		testSFT("H1", 100, 100, 0.125, 64),
		testSFT("H1", 200, 100, 0.125, 64))
	writeBlocks(t, filepath.Join(dir, "l.sft"),
		testSFT("L1", 150, 100, 0.125, 64))
	cat, err := FindSFTs(filepath.Join(dir, "*.sft"), nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}

	mv, err := LoadMultiBand(ByDetector(cat), -1, -1)
	if err != nil {
		t.Fatalf("LoadMultiBand: %v", err)
	}
	if len(mv.Vectors) != 2 {
		t.Fatalf("loaded %d vectors, want 2", len(mv.Vectors))
	}
	if det := mv.Vectors[0].SFTs[0].Detector; det != "H1" {
		t.Errorf("first vector is %s, want H1", det)
	}
	if det := mv.Vectors[1].SFTs[0].Detector; det != "L1" {
		t.Errorf("second vector is %s, want L1", det)
	}
	if len(mv.Vectors[0].SFTs) != 2 || len(mv.Vectors[1].SFTs) != 1 {
		t.Errorf("vector sizes %d and %d, want 2 and 1",
			len(mv.Vectors[0].SFTs), len(mv.Vectors[1].SFTs))
	}
}
