package sft

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// WriteSFT writes one block. The stored comment is the detector prefix,
// with "; "+comment appended when comment is non-empty, so every block
// names its origin even without a caller comment. The checksum is computed
// over header, comment and payload exactly as validation recomputes it;
// a written block read back decodes bit-identically.
func WriteSFT(s *SFT, w io.Writer, comment string) error {
	if len(s.Data) == 0 {
		return fmt.Errorf("no bins to write: %w", ErrMalformedHeader)
	}
	if s.Epoch.Seconds < 0 {
		return fmt.Errorf("negative gps_sec %d: %w", s.Epoch.Seconds, ErrMalformedHeader)
	}

	stored := s.Detector
	if comment != "" {
		stored += "; " + comment
	}
	hdr, err := encodeHeader(s.Header, uint32(len(s.Data)), stored)
	if err != nil {
		return err
	}

	le := binary.LittleEndian
	payload := make([]byte, len(s.Data)*8)
	for i, c := range s.Data {
		le.PutUint32(payload[i*8:], math.Float32bits(real(c)))
		le.PutUint32(payload[i*8+4:], math.Float32bits(imag(c)))
	}

	crc := crc64Update(crcSeed, hdr)
	crc = crc64Update(crc, payload)
	le.PutUint64(hdr[offCRC64:], crc)

	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write SFT header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write SFT payload: %w", err)
	}
	return nil
}

// WriteSFTFile writes a single block to its own file.
func WriteSFTFile(s *SFT, path string, comment string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteSFT(s, f, comment); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// WriteVector appends every SFT of the vector to one stream, producing a
// merged file. The merged-file invariant is enforced up front so the output
// is guaranteed to re-parse.
func WriteVector(v *Vector, w io.Writer, comment string) error {
	if len(v.SFTs) == 0 {
		return fmt.Errorf("empty vector: %w", ErrMissingData)
	}
	for i := 1; i < len(v.SFTs); i++ {
		prev, cur := &v.SFTs[i-1], &v.SFTs[i]
		switch {
		case cur.Detector != prev.Detector:
			return fmt.Errorf("vector mixes detectors %q and %q: %w", prev.Detector, cur.Detector, ErrConsistency)
		case cur.DeltaF != prev.DeltaF || cur.F0 != prev.F0 || len(cur.Data) != len(prev.Data):
			return fmt.Errorf("vector mixes bands: %w", ErrConsistency)
		case cur.Epoch.Cmp(prev.Epoch) <= 0:
			return fmt.Errorf("vector epochs not strictly increasing (%s then %s): %w", prev.Epoch, cur.Epoch, ErrConsistency)
		}
	}
	for i := range v.SFTs {
		if err := WriteSFT(&v.SFTs[i], w, comment); err != nil {
			return fmt.Errorf("SFT %d: %w", i, err)
		}
	}
	return nil
}

// WriteVectorFile writes the vector as one merged file under dir, named by
// the official convention, and returns the full path.
func WriteVectorFile(v *Vector, dir, comment, misc string) (string, error) {
	name, err := OfficialMergedName(v, misc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteVector(v, f, comment); err != nil {
		f.Close()
		return "", fmt.Errorf("%s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// WriteVectorToDir writes each SFT of the vector into its own officially
// named file under dir.
func WriteVectorToDir(v *Vector, dir, comment, misc string) error {
	for i := range v.SFTs {
		s := &v.SFTs[i]
		name, err := OfficialName(s, misc)
		if err != nil {
			return err
		}
		if err := WriteSFTFile(s, filepath.Join(dir, name), comment); err != nil {
			return err
		}
	}
	return nil
}

// OfficialFilename builds `S-D-G-T.sft` per the v2 naming convention:
// site letter, description `numSFTs_IFO_<Tsft>SFT[_misc]`, 9-digit GPS
// start, and total spanned seconds.
func OfficialFilename(site, channel byte, numSFTs, tsft, gpsStart, tspan uint32, misc string) (string, error) {
	if misc != "" {
		if err := CheckValidMisc(misc); err != nil {
			return "", err
		}
		misc = "_" + misc
	}
	return fmt.Sprintf("%c-%d_%c%c_%dSFT%s-%09d-%d.sft",
		site, numSFTs, site, channel, tsft, misc, gpsStart, tspan), nil
}

// OfficialName returns the official filename for a single SFT. The spanned
// time exceeds the timebase by one second when the epoch has a nanosecond
// remainder.
func OfficialName(s *SFT, misc string) (string, error) {
	if len(s.Detector) != 2 {
		return "", fmt.Errorf("detector %q not a 2-character prefix: %w", s.Detector, ErrMalformedHeader)
	}
	tsft := uint32(math.Round(1.0 / s.DeltaF))
	tspan := tsft
	if s.Epoch.Nanoseconds > 0 {
		tspan++
	}
	return OfficialFilename(s.Detector[0], s.Detector[1], 1, tsft, uint32(s.Epoch.Seconds), tspan, misc)
}

// OfficialMergedName returns the official filename for a merged file
// holding the whole vector.
func OfficialMergedName(v *Vector, misc string) (string, error) {
	if len(v.SFTs) == 0 {
		return "", fmt.Errorf("empty vector: %w", ErrMissingData)
	}
	first, last := &v.SFTs[0], &v.SFTs[len(v.SFTs)-1]
	if len(first.Detector) != 2 {
		return "", fmt.Errorf("detector %q not a 2-character prefix: %w", first.Detector, ErrMalformedHeader)
	}
	tsft := uint32(math.Round(1.0 / first.DeltaF))
	tspan := uint32(last.Epoch.Seconds-first.Epoch.Seconds) + tsft
	if first.Epoch.Nanoseconds > 0 {
		tspan++
	}
	if last.Epoch.Nanoseconds > 0 {
		tspan++
	}
	return OfficialFilename(first.Detector[0], first.Detector[1], uint32(len(v.SFTs)), tsft,
		uint32(first.Epoch.Seconds), tspan, misc)
}

// CheckValidMisc validates the optional description field: alphanumerics
// plus `_`, `+`, `#`; a single uppercase letter is reserved for raw frames.
func CheckValidMisc(misc string) error {
	if len(misc) == 1 && misc[0] >= 'A' && misc[0] <= 'Z' {
		return fmt.Errorf("single uppercase description %q is reserved", misc)
	}
	for i := 0; i < len(misc); i++ {
		c := misc[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '+', c == '#':
		default:
			return fmt.Errorf("invalid character %q in description %q", c, misc)
		}
	}
	return nil
}
