package sft

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// On-disk v2 block layout. The 48-byte fixed header is followed by an
// optional NUL-terminated comment padded with NULs to a multiple of eight
// bytes, then nsamples interleaved re/im float32 pairs.
//
//	offset  size  field
//	     0     8  version      REAL8
//	     8     4  gps_sec      INT4
//	    12     4  gps_nsec     INT4
//	    16     8  tbase        REAL8
//	    24     4  first_frequency_index INT4
//	    28     4  nsamples     INT4
//	    32     8  crc64        UINT8 (zeroed while hashing)
//	    40     2  detector
//	    42     2  padding
//	    44     4  comment_length INT4
const (
	fixedHeaderSize = 48

	offVersion    = 0
	offGPSSec     = 8
	offGPSNsec    = 12
	offTbase      = 16
	offFirstIndex = 24
	offNumBins    = 28
	offCRC64      = 32
	offDetector   = 40
	offCommentLen = 44
)

const (
	minVersion = 2
	maxVersion = 2

	// Upper bound on the stored comment length. The padded comment of any
	// legitimate writer is far below this; anything larger is a corrupt or
	// hostile length field and is rejected before allocation.
	maxCommentLen = 16 * 1024
)

// blockInfo is the decoded header of one block plus the bookkeeping the
// catalog and loader need to navigate the file without reading the payload.
type blockInfo struct {
	Header
	Version uint32
	NumBins uint32
	CRC64   uint64 // stored checksum
	Comment string

	order      binary.ByteOrder // byte order of the block on disk
	headerSize int64            // fixed header + padded comment
	headerCRC  uint64           // running CRC over raw header + comment
}

// size returns the total on-disk size of the block.
func (bi *blockInfo) size() int64 {
	return bi.headerSize + int64(bi.NumBins)*8
}

// probeVersion inspects the leading REAL8 of a block. Each supported
// version, highest first, is compared against the raw bytes in both byte
// orders; the first match fixes the file's version and endianness.
func probeVersion(raw []byte) (uint32, binary.ByteOrder, error) {
	for v := maxVersion; v >= minVersion; v-- {
		want := math.Float64bits(float64(v))
		if binary.LittleEndian.Uint64(raw) == want {
			return uint32(v), binary.LittleEndian, nil
		}
		if binary.BigEndian.Uint64(raw) == want {
			return uint32(v), binary.BigEndian, nil
		}
	}
	return 0, nil, fmt.Errorf("version tag % x: %w", raw, ErrFormat)
}

// readBlockInfo decodes the block header at off. The reader position is
// not touched; callers advance by bi.size(). Failures carry enough context
// to name the file-internal offset and unwrap to ErrFormat or
// ErrMalformedHeader.
func readBlockInfo(r io.ReaderAt, off int64) (*blockInfo, error) {
	raw := make([]byte, fixedHeaderSize)
	if _, err := r.ReadAt(raw, off); err != nil {
		return nil, fmt.Errorf("read SFT header at offset %d: %w", off, err)
	}

	version, order, err := probeVersion(raw[offVersion : offVersion+8])
	if err != nil {
		return nil, fmt.Errorf("offset %d: %w", off, err)
	}

	bi := &blockInfo{Version: version, order: order}
	gpsSec := int32(order.Uint32(raw[offGPSSec:]))
	gpsNsec := int32(order.Uint32(raw[offGPSNsec:]))
	tbase := math.Float64frombits(order.Uint64(raw[offTbase:]))
	firstIndex := int32(order.Uint32(raw[offFirstIndex:]))
	numBins := int32(order.Uint32(raw[offNumBins:]))
	bi.CRC64 = order.Uint64(raw[offCRC64:])
	detector := string(raw[offDetector : offDetector+2])
	commentLen := int32(order.Uint32(raw[offCommentLen:]))

	malformed := func(format string, args ...interface{}) error {
		return fmt.Errorf("offset %d: %s: %w", off, fmt.Sprintf(format, args...), ErrMalformedHeader)
	}
	switch {
	case gpsNsec < 0 || gpsNsec >= 1e9:
		return nil, malformed("gps_nsec %d out of range", gpsNsec)
	case tbase <= 0:
		return nil, malformed("tbase %v not positive", tbase)
	case firstIndex < 0:
		return nil, malformed("first_frequency_index %d negative", firstIndex)
	case numBins <= 0:
		return nil, malformed("nsamples %d not positive", numBins)
	case !ValidDetector(detector):
		return nil, malformed("unknown detector %q", detector)
	case commentLen < 0 || commentLen%8 != 0:
		return nil, malformed("comment length %d not a non-negative multiple of 8", commentLen)
	case commentLen > maxCommentLen:
		return nil, malformed("comment length %d exceeds limit %d", commentLen, maxCommentLen)
	}

	// The checksum chain starts over the raw bytes with the stored
	// checksum zeroed out, in on-disk byte order.
	rawZeroed := make([]byte, fixedHeaderSize)
	copy(rawZeroed, raw)
	for i := offCRC64; i < offCRC64+8; i++ {
		rawZeroed[i] = 0
	}
	bi.headerCRC = crc64Update(crcSeed, rawZeroed)

	if commentLen > 0 {
		comment := make([]byte, commentLen)
		if _, err := r.ReadAt(comment, off+fixedHeaderSize); err != nil {
			return nil, fmt.Errorf("read SFT comment at offset %d: %w", off+fixedHeaderSize, err)
		}
		nul := bytes.IndexByte(comment, 0)
		if nul < 0 {
			return nil, malformed("comment not NUL-terminated")
		}
		for _, b := range comment[nul:] {
			if b != 0 {
				return nil, malformed("comment has data after NUL terminator")
			}
		}
		bi.Comment = string(comment[:nul])
		bi.headerCRC = crc64Update(bi.headerCRC, comment)
	}

	bi.Detector = detector
	bi.Epoch = GPS{Seconds: gpsSec, Nanoseconds: gpsNsec}
	bi.DeltaF = 1.0 / tbase
	bi.F0 = float64(firstIndex) / tbase
	bi.NumBins = uint32(numBins)
	bi.headerSize = fixedHeaderSize + int64(commentLen)
	return bi, nil
}

// encodeHeader renders the fixed header and padded comment in little-endian
// byte order with the checksum field left zero; the caller patches in the
// final checksum once the payload has been hashed.
func encodeHeader(h Header, numBins uint32, comment string) ([]byte, error) {
	if h.DeltaF <= 0 {
		return nil, fmt.Errorf("deltaF %v not positive: %w", h.DeltaF, ErrMalformedHeader)
	}
	if h.F0 < 0 {
		return nil, fmt.Errorf("f0 %v negative: %w", h.F0, ErrMalformedHeader)
	}
	if numBins == 0 {
		return nil, fmt.Errorf("zero bins: %w", ErrMalformedHeader)
	}
	if !ValidDetector(h.Detector) {
		return nil, fmt.Errorf("unknown detector %q: %w", h.Detector, ErrMalformedHeader)
	}
	if h.Epoch.Nanoseconds < 0 || h.Epoch.Nanoseconds >= 1e9 {
		return nil, fmt.Errorf("gps_nsec %d out of range: %w", h.Epoch.Nanoseconds, ErrMalformedHeader)
	}

	// NUL terminator plus padding to a multiple of eight. An empty comment
	// is stored with zero length and no bytes.
	commentLen := 0
	if comment != "" {
		commentLen = (len(comment) + 8) &^ 7
	}
	if commentLen > maxCommentLen {
		return nil, fmt.Errorf("comment length %d exceeds limit %d: %w", commentLen, maxCommentLen, ErrMalformedHeader)
	}

	tbase := 1.0 / h.DeltaF
	buf := make([]byte, fixedHeaderSize+commentLen)
	le := binary.LittleEndian
	le.PutUint64(buf[offVersion:], math.Float64bits(2.0))
	le.PutUint32(buf[offGPSSec:], uint32(h.Epoch.Seconds))
	le.PutUint32(buf[offGPSNsec:], uint32(h.Epoch.Nanoseconds))
	le.PutUint64(buf[offTbase:], math.Float64bits(tbase))
	le.PutUint32(buf[offFirstIndex:], uint32(int32(math.Round(h.F0*tbase))))
	le.PutUint32(buf[offNumBins:], numBins)
	copy(buf[offDetector:], h.Detector)
	le.PutUint32(buf[offCommentLen:], uint32(commentLen))
	copy(buf[fixedHeaderSize:], comment)
	return buf, nil
}
