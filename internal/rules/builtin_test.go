package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/sftgate/internal/sft"
)

func blockSFT(det string, sec int32, f0, deltaF float64, bins int) *sft.SFT {
	data := make([]complex64, bins)
	for i := range data {
		data[i] = complex(float32(i), -float32(i))
	}
	return &sft.SFT{
		Header: sft.Header{
			Detector: det,
			Epoch:    sft.GPS{Seconds: sec},
			F0:       f0,
			DeltaF:   deltaF,
		},
		Data: data,
	}
}

func writeFile(t *testing.T, path string, blocks ...*sft.SFT) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	for _, b := range blocks {
		if err := sft.WriteSFT(b, f, ""); err != nil {
			t.Fatalf("WriteSFT: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func testRule(id string) Rule {
	return Rule{RuleId: id, Severity: ERROR}
}

func TestCheckFilesResolve(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.sft"), blockSFT("H1", 100, 50, 0.125, 16))

	diags, err := CheckFilesResolve(&Context{Pattern: filepath.Join(dir, "*.sft")}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckFilesResolve: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != INFO {
		t.Fatalf("diagnostics %+v", diags)
	}

	diags, err = CheckFilesResolve(&Context{Pattern: filepath.Join(dir, "*.none")}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckFilesResolve: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR {
		t.Fatalf("unresolvable pattern gave %+v", diags)
	}
}

func TestCheckHeadersValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.sft")
	writeFile(t, path, blockSFT("H1", 100, 50, 0.125, 16))

	diags, err := CheckHeadersValid(&Context{Pattern: path}, testRule("R"))
	if err != nil || len(diags) != 1 || diags[0].Severity != INFO {
		t.Fatalf("clean file: diags=%+v err=%v", diags, err)
	}

	// Truncate the file so the block runs past the end.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-4], 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	diags, err = CheckHeadersValid(&Context{Pattern: path}, testRule("R"))
	if err != nil || len(diags) != 1 || diags[0].Severity != ERROR {
		t.Fatalf("truncated file: diags=%+v err=%v", diags, err)
	}
}

func TestCheckCRC64(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.sft")
	bad := filepath.Join(dir, "bad.sft")
	writeFile(t, good, blockSFT("H1", 100, 50, 0.125, 16))
	writeFile(t, bad, blockSFT("H1", 200, 50, 0.125, 16))

	data, err := os.ReadFile(bad)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(bad, data, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	diags, err := CheckCRC64(&Context{Pattern: filepath.Join(dir, "*.sft")}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckCRC64: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR {
		t.Fatalf("diagnostics %+v, want one ERROR", diags)
	}
	if diags[0].File != bad || diags[0].Epoch != "200" || diags[0].Detector != "H1" {
		t.Errorf("finding location %+v", diags[0])
	}
}

func TestCheckMergedConsistent(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.sft")
	writeFile(t, bad,
		blockSFT("H1", 200, 50, 0.125, 16),
		blockSFT("H1", 100, 50, 0.125, 16))

	diags, err := CheckMergedConsistent(&Context{Pattern: bad}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckMergedConsistent: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR || diags[0].File != bad {
		t.Fatalf("diagnostics %+v", diags)
	}
}

func TestCheckCatalogSpacing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.sft")
	// deltaF 0.3 means a 3.33 s baseline, which is worth a warning.
	writeFile(t, path, blockSFT("H1", 100, 10, 0.3, 16))

	diags, err := CheckCatalogSpacing(&Context{Pattern: path}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckCatalogSpacing: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != WARN {
		t.Fatalf("diagnostics %+v, want one WARN", diags)
	}

	integral := filepath.Join(dir, "b.sft")
	writeFile(t, integral, blockSFT("L1", 100, 10, 0.125, 16))
	diags, err = CheckCatalogSpacing(&Context{Pattern: integral}, testRule("R"))
	if err != nil || len(diags) != 1 || diags[0].Severity != INFO {
		t.Fatalf("integral baseline: diags=%+v err=%v", diags, err)
	}
}

func TestCheckEpochsUnique(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.sft"), blockSFT("H1", 100, 50, 0.125, 16))
	writeFile(t, filepath.Join(dir, "b.sft"), blockSFT("H1", 100, 50, 0.125, 16))

	diags, err := CheckEpochsUnique(&Context{Pattern: filepath.Join(dir, "*.sft")}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckEpochsUnique: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR {
		t.Fatalf("diagnostics %+v, want one duplicate finding", diags)
	}
	if !strings.Contains(diags[0].Message, "duplicate") {
		t.Errorf("message %q", diags[0].Message)
	}
}

func TestCheckOfficialNames(t *testing.T) {
	dir := t.TempDir()
	s := blockSFT("H1", 1000000000, 50, 0.125, 16)
	official, err := sft.OfficialName(s, "DEMO")
	if err != nil {
		t.Fatalf("OfficialName: %v", err)
	}
	writeFile(t, filepath.Join(dir, official), s)

	diags, err := CheckOfficialNames(&Context{Pattern: filepath.Join(dir, "*.sft")}, testRule("R"))
	if err != nil || len(diags) != 1 || diags[0].Severity != INFO {
		t.Fatalf("official name: diags=%+v err=%v", diags, err)
	}

	misnamed := filepath.Join(dir, "dataset.sft")
	writeFile(t, misnamed, blockSFT("L1", 1000000000, 50, 0.125, 16))
	diags, err = CheckOfficialNames(&Context{Pattern: misnamed}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckOfficialNames: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR || diags[0].File != misnamed {
		t.Fatalf("misnamed file: diags=%+v", diags)
	}
}

func TestOfficialNameMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.sft")
	writeFile(t, path, blockSFT("H1", 1000000000, 50, 0.125, 16))
	cat, err := sft.FindSFTs(path, nil)
	if err != nil {
		t.Fatalf("FindSFTs: %v", err)
	}

	cases := []struct {
		name string
		ok   bool
	}{
		{"H-1_H1_8SFT-1000000000-8.sft", true},
		{"H-1_H1_8SFT_DEMO-1000000000-8.sft", true},
		{"H-1_H1_8SFT_bad-misc-1000000000-8.sft", false},
		{"H-1_H1_8SFTDEMO-1000000000-8.sft", false},
		{"L-1_L1_8SFT-1000000000-8.sft", false},
		{"H-1_H1_8SFT-1000000000-9.sft", false},
	}
	for _, tc := range cases {
		msg := officialNameMismatch(tc.name, cat)
		if (msg == "") != tc.ok {
			t.Errorf("officialNameMismatch(%q) = %q, want ok=%v", tc.name, msg, tc.ok)
		}
	}
}

func TestCheckBandContiguous(t *testing.T) {
	dir := t.TempDir()
	// One epoch split across two files with a hole between bins 815 and 824.
	writeFile(t, filepath.Join(dir, "low.sft"), blockSFT("H1", 100, 100, 0.125, 16))
	writeFile(t, filepath.Join(dir, "high.sft"), blockSFT("H1", 100, 103, 0.125, 16))

	diags, err := CheckBandContiguous(&Context{Pattern: filepath.Join(dir, "*.sft")}, testRule("R"))
	if err != nil {
		t.Fatalf("CheckBandContiguous: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != ERROR {
		t.Fatalf("diagnostics %+v, want one gap finding", diags)
	}
	if !strings.Contains(diags[0].Message, "gap") {
		t.Errorf("message %q", diags[0].Message)
	}

	// Abutting bands are fine.
	tiled := t.TempDir()
	writeFile(t, filepath.Join(tiled, "low.sft"), blockSFT("H1", 100, 100, 0.125, 16))
	writeFile(t, filepath.Join(tiled, "high.sft"), blockSFT("H1", 100, 102, 0.125, 16))
	diags, err = CheckBandContiguous(&Context{Pattern: filepath.Join(tiled, "*.sft")}, testRule("R"))
	if err != nil || len(diags) != 1 || diags[0].Severity != INFO {
		t.Fatalf("tiled bands: diags=%+v err=%v", diags, err)
	}
}

func TestDefaultRulePackEndToEnd(t *testing.T) {
	dir := t.TempDir()
	v := &sft.Vector{}
	for k := int32(0); k < 2; k++ {
		v.SFTs = append(v.SFTs, *blockSFT("H1", 1000000000+k*8, 100, 0.125, 64))
	}
	if _, err := sft.WriteVectorFile(v, dir, "", ""); err != nil {
		t.Fatalf("WriteVectorFile: %v", err)
	}

	e := NewEngine(DefaultRulePack())
	e.RegisterBuiltins()
	if _, err := e.Eval(&Context{Pattern: filepath.Join(dir, "*.sft")}); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rep := e.MakeAcceptance()
	if !rep.Summary.Pass {
		t.Fatalf("clean merged file rejected: %+v", rep)
	}
	if len(rep.GateMatrix) != len(DefaultRulePack().Rules) {
		t.Errorf("gate matrix has %d rows, want %d", len(rep.GateMatrix), len(DefaultRulePack().Rules))
	}
	for _, g := range rep.GateMatrix {
		if !g.Pass {
			t.Errorf("gate %s failed: %+v", g.RuleId, g)
		}
	}
}
