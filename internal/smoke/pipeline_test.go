// Package smoke exercises the full write, catalog, validate and report
// pipeline against a freshly generated dataset.
package smoke

import (
	"os"
	"path/filepath"
	"testing"

	"example.com/sftgate/internal/report"
	"example.com/sftgate/internal/rules"
	"example.com/sftgate/internal/sft"
)

func makeVector(det string) *sft.Vector {
	v := &sft.Vector{}
	for k := 0; k < 3; k++ {
		data := make([]complex64, 32)
		for i := range data {
			data[i] = complex(float32(i), float32(k))
		}
		v.SFTs = append(v.SFTs, sft.SFT{
			Header: sft.Header{
				Detector: det,
				Epoch:    sft.GPS{Seconds: 900000000 + int32(k)*60},
				F0:       50,
				DeltaF:   1.0 / 60,
			},
			Data: data,
		})
	}
	return v
}

func writeDataset(t *testing.T, dir string, detectors []string) {
	t.Helper()
	for _, det := range detectors {
		if err := sft.WriteVectorToDir(makeVector(det), dir, "smoke dataset", ""); err != nil {
			t.Fatalf("WriteVectorToDir %s: %v", det, err)
		}
	}
}

func TestPipelineAcceptsCleanDataset(t *testing.T) {
	dir := t.TempDir()
	writeDataset(t, dir, []string{"H1", "L1"})

	engine := rules.NewEngine(rules.DefaultRulePack())
	engine.RegisterBuiltins()
	ctx := &rules.Context{Pattern: filepath.Join(dir, "*.sft")}
	diags, err := engine.Eval(ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rep := engine.MakeAcceptance()
	if !rep.Summary.Pass {
		t.Fatalf("clean dataset rejected: %+v (%d diagnostics)", rep.Summary, len(diags))
	}
	if len(rep.GateMatrix) != len(rules.DefaultRulePack().Rules) {
		t.Fatalf("gate matrix has %d rows, want %d", len(rep.GateMatrix), len(rules.DefaultRulePack().Rules))
	}

	diagPath := filepath.Join(dir, "diagnostics.ndjson")
	if err := engine.WriteDiagnosticsNDJSON(diagPath); err != nil {
		t.Fatalf("WriteDiagnosticsNDJSON: %v", err)
	}
	accPath := filepath.Join(dir, "acceptance.json")
	if err := report.SaveAcceptanceJSON(rep, accPath); err != nil {
		t.Fatalf("SaveAcceptanceJSON: %v", err)
	}
	loaded, err := report.LoadAcceptanceJSON(accPath)
	if err != nil {
		t.Fatalf("LoadAcceptanceJSON: %v", err)
	}
	if loaded.Summary.Pass != rep.Summary.Pass || loaded.Summary.Total != rep.Summary.Total {
		t.Fatalf("reloaded summary %+v, want %+v", loaded.Summary, rep.Summary)
	}
	pdfPath := filepath.Join(dir, "acceptance.pdf")
	if err := report.SaveAcceptancePDF(rep, pdfPath); err != nil {
		t.Fatalf("SaveAcceptancePDF: %v", err)
	}
	if info, err := os.Stat(pdfPath); err != nil || info.Size() == 0 {
		t.Fatalf("acceptance PDF missing or empty: %v", err)
	}
	png, err := report.DatasetHashToQR("00AABBCCDDEEFF11", 128)
	if err != nil {
		t.Fatalf("DatasetHashToQR: %v", err)
	}
	if len(png) == 0 {
		t.Fatalf("QR encoding produced no bytes")
	}
}

func TestPipelineFlagsCorruptedBlock(t *testing.T) {
	dir := t.TempDir()
	path, err := sft.WriteVectorFile(makeVector("H1"), dir, "smoke dataset", "")
	if err != nil {
		t.Fatalf("WriteVectorFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip one payload byte in the last block of the merged file.
	data[len(data)-5] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	engine := rules.NewEngine(rules.DefaultRulePack())
	engine.RegisterBuiltins()
	ctx := &rules.Context{Pattern: path}
	if _, err := engine.Eval(ctx); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rep := engine.MakeAcceptance()
	if rep.Summary.Pass {
		t.Fatalf("corrupted dataset accepted: %+v", rep.Summary)
	}
	crcFailed := false
	for _, gate := range rep.GateMatrix {
		if gate.RuleId == "SFT-020" && !gate.Pass {
			crcFailed = true
		}
	}
	if !crcFailed {
		t.Fatalf("checksum gate did not fail for corrupted block: %+v", rep.GateMatrix)
	}
}
