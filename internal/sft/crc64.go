package sft

import (
	"fmt"
	"io"
)

// The SFT checksum is a table-driven CRC-64 with polynomial
// 0xD800000000000000, seeded with all ones. It shifts the register right
// and indexes the table with the low byte XOR the input byte, which is not
// the reflected-table convention of hash/crc64, so the table is built here.
const (
	crcPoly uint64 = 0xd800000000000000
	crcSeed uint64 = ^uint64(0)

	// Payload bytes hashed per read while validating a block.
	crcBlockSize = 8192 * 8
)

var crcTable = makeCRCTable()

func makeCRCTable() [256]uint64 {
	var t [256]uint64
	for i := range t {
		part := uint64(i)
		for bit := 0; bit < 8; bit++ {
			if part&1 != 0 {
				part = (part >> 1) ^ crcPoly
			} else {
				part >>= 1
			}
		}
		t[i] = part
	}
	return t
}

// crc64Update folds data into a running checksum. Start from crcSeed.
func crc64Update(crc uint64, data []byte) uint64 {
	for _, b := range data {
		crc = crcTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// validateCRC recomputes the checksum of the block at off and compares it
// with the stored value. The checksum covers the raw header bytes (with the
// checksum field zeroed), the comment, and the payload, all in on-disk byte
// order. A mismatch is reported as ok=false; err is reserved for I/O trouble.
func validateCRC(r io.ReaderAt, off int64) (ok bool, err error) {
	bi, err := readBlockInfo(r, off)
	if err != nil {
		return false, err
	}

	crc := bi.headerCRC
	pos := off + bi.headerSize
	remain := int64(bi.NumBins) * 8
	buf := make([]byte, crcBlockSize)
	for remain > 0 {
		n := int64(len(buf))
		if n > remain {
			n = remain
		}
		if _, err := r.ReadAt(buf[:n], pos); err != nil {
			return false, fmt.Errorf("read SFT payload at offset %d: %w", pos, err)
		}
		crc = crc64Update(crc, buf[:n])
		pos += n
		remain -= n
	}
	return crc == bi.CRC64, nil
}

// CheckCRC validates the stored checksum of every block in the catalog.
// It stops at the first mismatch. The error return is for I/O failure only.
func CheckCRC(cat *Catalog) (bool, error) {
	var open openFile
	defer open.Close()
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		f, err := open.Get(d.loc.path)
		if err != nil {
			return false, err
		}
		ok, err := validateCRC(f, d.loc.offset)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
