package sft

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// Timestamps files carry one epoch per line: either the legacy two-integer
// "sec nsec" form or a single decimal token, optionally suffixed GPS
// (default) or MJD (TT-scale modified Julian date). `#` and `%` start
// comments that run to end of line.

// ReadTimestampsFile loads every epoch in the file.
func ReadTimestampsFile(path string) ([]GPS, error) {
	return ReadTimestampsFileConstrained(path, nil, nil)
}

// ReadTimestampsFileConstrained loads the epochs falling inside the
// half-open range [minGPS, maxGPS); nil bounds are unconstrained.
func ReadTimestampsFileConstrained(path string, minGPS, maxGPS *GPS) ([]GPS, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open timestamps file: %w", err)
	}
	defer f.Close()

	var out []GPS
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexAny(line, "#%"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		gps, err := parseTimestampLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if gps.InRange(minGPS, maxGPS) {
			out = append(out, gps)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read timestamps file %s: %w", path, err)
	}
	return out, nil
}

// ReadMultiTimestampsFiles loads one timestamp list per file.
func ReadMultiTimestampsFiles(paths []string, minGPS, maxGPS *GPS) ([][]GPS, error) {
	out := make([][]GPS, len(paths))
	for i, p := range paths {
		ts, err := ReadTimestampsFileConstrained(p, minGPS, maxGPS)
		if err != nil {
			return nil, err
		}
		out[i] = ts
	}
	return out, nil
}

func parseTimestampLine(line string) (GPS, error) {
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		// Legacy "sec nsec" form. Trailing junk is an error, not a
		// silently dropped token.
		sec, err1 := strconv.ParseInt(fields[0], 10, 32)
		ns, err2 := strconv.ParseInt(fields[1], 10, 32)
		if err1 == nil && err2 == nil {
			if len(fields) > 2 {
				return GPS{}, fmt.Errorf("trailing junk %q: %w", fields[2], ErrMalformedTimestamps)
			}
			return GPS{Seconds: int32(sec), Nanoseconds: int32(ns)}, nil
		}
		return GPS{}, fmt.Errorf("line %q: %w", line, ErrMalformedTimestamps)
	}
	gps, err := ParseEpoch(fields[0])
	if err != nil {
		return GPS{}, fmt.Errorf("line %q: %w", line, err)
	}
	return gps, nil
}

// ParseEpoch parses a decimal epoch token, optionally suffixed GPS or MJD.
// GPS tokens keep full nanosecond precision; MJD tokens are interpreted on
// the TT time scale and converted with the fixed TT-GPS offset.
func ParseEpoch(token string) (GPS, error) {
	if rest, ok := strings.CutSuffix(token, "MJD"); ok {
		mjd, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return GPS{}, fmt.Errorf("epoch token %q: %w", token, ErrMalformedTimestamps)
		}
		// TT epoch of GPS zero is MJD 44244 plus the 51.184 s offset.
		sec := (mjd-44244)*86400 - 51.184
		return gpsFromFloat(sec), nil
	}
	rest := strings.TrimSuffix(token, "GPS")
	intPart, fracPart, _ := strings.Cut(rest, ".")
	sec, err := strconv.ParseInt(intPart, 10, 32)
	if err != nil {
		return GPS{}, fmt.Errorf("epoch token %q: %w", token, ErrMalformedTimestamps)
	}
	var ns int64
	if fracPart != "" {
		// Pad or truncate the fraction to nanoseconds.
		digits := fracPart
		if len(digits) > 9 {
			digits = digits[:9]
		}
		ns, err = strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return GPS{}, fmt.Errorf("epoch token %q: %w", token, ErrMalformedTimestamps)
		}
		for i := len(digits); i < 9; i++ {
			ns *= 10
		}
	}
	return GPS{Seconds: int32(sec), Nanoseconds: int32(ns)}, nil
}

func gpsFromFloat(sec float64) GPS {
	s := math.Floor(sec)
	ns := math.Round((sec - s) * 1e9)
	if ns >= 1e9 {
		s++
		ns -= 1e9
	}
	return GPS{Seconds: int32(s), Nanoseconds: int32(ns)}
}
