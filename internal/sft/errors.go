package sft

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers dispatch on. They are
// always returned wrapped with file/offset context; match with errors.Is.
var (
	// ErrFormat: leading version tag is not a supported SFT version in
	// either byte order.
	ErrFormat = errors.New("not a recognized SFT version")

	// ErrMalformedHeader: version tag recognized but a header field or the
	// comment violates the format.
	ErrMalformedHeader = errors.New("malformed SFT header")

	// ErrConsistency: blocks of a merged file, or files of one catalog,
	// disagree where the format requires them to agree.
	ErrConsistency = errors.New("inconsistent SFT set")

	// ErrMissingData: a requested timestamp or frequency bin has no SFT
	// data covering it.
	ErrMissingData = errors.New("missing SFT data")

	// ErrNoMatch: a file pattern resolved to zero paths.
	ErrNoMatch = errors.New("no files match pattern")

	// ErrMalformedTimestamps: a timestamps file line failed to parse.
	ErrMalformedTimestamps = errors.New("malformed timestamps file")
)

// GapOverlapError reports non-contiguous frequency coverage discovered while
// stitching one epoch's band from several files. FirstBin is the first bin
// the offending read produced; WantBin is the bin the stitcher needed next.
type GapOverlapError struct {
	Epoch    GPS
	WantBin  uint32
	FirstBin uint32
	PrevFile string
	File     string
}

func (e *GapOverlapError) Error() string {
	kind := "gap"
	if e.FirstBin < e.WantBin {
		kind = "overlap"
	}
	return fmt.Sprintf("bin %s at epoch %s: read from %q starts at bin %d, expected %d to continue %q",
		kind, e.Epoch, e.File, e.FirstBin, e.WantBin, e.PrevFile)
}
