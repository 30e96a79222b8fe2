package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetTotalBytes(1024)
	m.Start()
	m.AddBlock(256)
	m.AddBlock(256)
	m.AddBytes(128)
	m.IncCRCFailure()
	m.Stop()

	s := m.Snapshot()
	if s.Blocks != 2 {
		t.Errorf("blocks %d, want 2", s.Blocks)
	}
	if s.Bytes != 640 {
		t.Errorf("bytes %d, want 640", s.Bytes)
	}
	if s.TotalBytes != 1024 {
		t.Errorf("total bytes %d, want 1024", s.TotalBytes)
	}
	if s.CRCFailures != 1 {
		t.Errorf("crc failures %d, want 1", s.CRCFailures)
	}
	if s.Duration <= 0 {
		t.Errorf("duration %v not positive", s.Duration)
	}
	if c := s.Completion(); c != 0.625 {
		t.Errorf("completion %v, want 0.625", c)
	}
	if s.ThroughputBytesPerSecond() <= 0 {
		t.Errorf("throughput not positive")
	}
}

func TestMetricsIgnoresNonPositive(t *testing.T) {
	m := NewMetrics()
	m.AddBlock(0)
	m.AddBlock(-5)
	m.AddBytes(-1)
	s := m.Snapshot()
	if s.Blocks != 0 || s.Bytes != 0 {
		t.Errorf("snapshot %+v, want zeros", s)
	}
	if s.Completion() != 0 || s.ThroughputBytesPerSecond() != 0 {
		t.Errorf("idle metrics report progress")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{3 << 20, "3.00 MiB"},
		{5 << 30, "5.00 GiB"},
	}
	for _, tc := range cases {
		if got := FormatBytes(tc.in); got != tc.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSha256OfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sum, size, err := Sha256OfFile(path)
	if err != nil {
		t.Fatalf("Sha256OfFile: %v", err)
	}
	if size != 3 {
		t.Errorf("size %d, want 3", size)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != want {
		t.Errorf("sum %s, want %s", sum, want)
	}

	if _, _, err := Sha256OfFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestFormatProgressLine(t *testing.T) {
	s := MetricsSnapshot{Bytes: 512, TotalBytes: 1024}
	line := formatProgressLine(s)
	if !strings.Contains(line, "50.00%") {
		t.Errorf("line %q lacks completion percentage", line)
	}
	line = formatProgressLine(MetricsSnapshot{Bytes: 512})
	if !strings.HasPrefix(line, "Processed:") {
		t.Errorf("line %q", line)
	}
}
