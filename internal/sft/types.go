// Package sft reads and writes SFT ("Short Fourier Transform") files, the
// binary container used to store fixed-length Fourier transforms of detector
// strain data. The package covers locating files, building catalogs of their
// contents, loading frequency bands into memory, and writing new files.
package sft

import (
	"fmt"
	"sort"
)

// GPS is a point in time expressed as GPS seconds and nanoseconds.
type GPS struct {
	Seconds     int32
	Nanoseconds int32
}

// Seconds8 returns the epoch as a single floating-point second count.
func (g GPS) Seconds8() float64 {
	return float64(g.Seconds) + float64(g.Nanoseconds)*1e-9
}

func (g GPS) String() string {
	if g.Nanoseconds == 0 {
		return fmt.Sprintf("%d", g.Seconds)
	}
	return fmt.Sprintf("%d.%09d", g.Seconds, g.Nanoseconds)
}

// Cmp returns -1, 0 or +1 as g sorts before, equal to, or after o.
func (g GPS) Cmp(o GPS) int {
	switch {
	case g.Seconds < o.Seconds:
		return -1
	case g.Seconds > o.Seconds:
		return 1
	case g.Nanoseconds < o.Nanoseconds:
		return -1
	case g.Nanoseconds > o.Nanoseconds:
		return 1
	}
	return 0
}

// InRange reports whether g lies in the half-open interval [min, max).
// A nil bound is unconstrained.
func (g GPS) InRange(min, max *GPS) bool {
	if min != nil && g.Cmp(*min) < 0 {
		return false
	}
	if max != nil && g.Cmp(*max) >= 0 {
		return false
	}
	return true
}

// AddSeconds returns g shifted by a whole number of seconds.
func (g GPS) AddSeconds(s int32) GPS {
	return GPS{Seconds: g.Seconds + s, Nanoseconds: g.Nanoseconds}
}

// Header holds the physical metadata of one SFT block.
type Header struct {
	Detector string // two-character site code, e.g. "H1"
	Epoch    GPS    // GPS start time of the transform
	F0       float64
	DeltaF   float64
}

// Tbase returns the time baseline of the transform in seconds.
func (h Header) Tbase() float64 {
	return 1.0 / h.DeltaF
}

// SFT is one materialized frequency series: the header plus the complex
// bins covering [F0, F0+len(Data)*DeltaF).
type SFT struct {
	Header
	Data []complex64
}

// Vector is an ordered set of SFTs, one per epoch, all from one detector.
type Vector struct {
	SFTs []SFT
}

// MultiVector groups per-detector vectors.
type MultiVector struct {
	Vectors []*Vector
}

// SortByEpoch orders the vector by ascending epoch.
func (v *Vector) SortByEpoch() {
	sort.SliceStable(v.SFTs, func(i, j int) bool {
		return v.SFTs[i].Epoch.Cmp(v.SFTs[j].Epoch) < 0
	})
}

// knownDetectors lists the recognized two-character site prefixes.
var knownDetectors = []string{"G1", "H1", "H2", "K1", "L1", "T1", "V1"}

// ValidDetector reports whether name is a recognized detector code.
func ValidDetector(name string) bool {
	for _, d := range knownDetectors {
		if name == d {
			return true
		}
	}
	return false
}
