package rules

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"example.com/sftgate/internal/sft"
)

func (e *Engine) RegisterBuiltins() {
	e.Register("CheckFilesResolve", CheckFilesResolve)
	e.Register("CheckHeadersValid", CheckHeadersValid)
	e.Register("CheckCRC64", CheckCRC64)
	e.Register("CheckMergedConsistent", CheckMergedConsistent)
	e.Register("CheckCatalogSpacing", CheckCatalogSpacing)
	e.Register("CheckEpochsUnique", CheckEpochsUnique)
	e.Register("CheckOfficialNames", CheckOfficialNames)
	e.Register("CheckBandContiguous", CheckBandContiguous)
}

func severityOf(rule Rule) Severity {
	if rule.Severity == "" {
		return ERROR
	}
	return rule.Severity
}

func finding(rule Rule, sev Severity, msg string) Diagnostic {
	return Diagnostic{Ts: time.Now(), RuleId: rule.RuleId, Severity: sev, Message: msg, Refs: rule.Refs}
}

// CheckFilesResolve verifies the pattern resolves to at least one file.
func CheckFilesResolve(ctx *Context, rule Rule) ([]Diagnostic, error) {
	files, err := ctx.EnsureFiles()
	if err != nil {
		return []Diagnostic{finding(rule, severityOf(rule), err.Error())}, nil
	}
	return []Diagnostic{finding(rule, INFO, fmt.Sprintf("%d files resolved", len(files)))}, nil
}

// CheckHeadersValid verifies every block of every file decodes cleanly.
func CheckHeadersValid(ctx *Context, rule Rule) ([]Diagnostic, error) {
	cat, err := ctx.EnsureCatalog()
	if err != nil {
		if errors.Is(err, sft.ErrFormat) || errors.Is(err, sft.ErrMalformedHeader) {
			return []Diagnostic{finding(rule, severityOf(rule), err.Error())}, nil
		}
		return nil, err
	}
	return []Diagnostic{finding(rule, INFO, fmt.Sprintf("%d blocks decoded", cat.Len()))}, nil
}

// CheckCRC64 recomputes the stored checksum of every block. Mismatches are
// per-block findings rather than a run abort.
func CheckCRC64(ctx *Context, rule Rule) ([]Diagnostic, error) {
	cat, err := ctx.EnsureCatalog()
	if err != nil {
		return nil, err
	}
	var diags []Diagnostic
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		one := &sft.Catalog{Descriptors: cat.Descriptors[i : i+1]}
		ok, err := sft.CheckCRC(one)
		if err != nil {
			return nil, err
		}
		if !ok {
			diag := finding(rule, severityOf(rule),
				fmt.Sprintf("checksum mismatch in block at epoch %s", d.Header.Epoch))
			diag.File = d.Path()
			diag.Detector = d.Header.Detector
			diag.Epoch = d.Header.Epoch.String()
			diags = append(diags, diag)
		}
	}
	if diags == nil {
		diags = []Diagnostic{finding(rule, INFO, fmt.Sprintf("%d checksums verified", cat.Len()))}
	}
	return diags, nil
}

// CheckMergedConsistent scans each resolved file on its own, so a broken
// merged file is reported by name even when the combined catalog build
// already failed.
func CheckMergedConsistent(ctx *Context, rule Rule) ([]Diagnostic, error) {
	files, err := ctx.EnsureFiles()
	if err != nil {
		return []Diagnostic{finding(rule, severityOf(rule), err.Error())}, nil
	}
	var diags []Diagnostic
	for _, path := range files {
		if _, err := sft.FindSFTs(path, nil); err != nil && errors.Is(err, sft.ErrConsistency) {
			diag := finding(rule, severityOf(rule), err.Error())
			diag.File = path
			diags = append(diags, diag)
		}
	}
	if diags == nil {
		diags = []Diagnostic{finding(rule, INFO, "merged-file invariant holds")}
	}
	return diags, nil
}

// CheckCatalogSpacing verifies a homogeneous frequency spacing with an
// integral time baseline.
func CheckCatalogSpacing(ctx *Context, rule Rule) ([]Diagnostic, error) {
	cat, err := ctx.EnsureCatalog()
	if err != nil {
		if errors.Is(err, sft.ErrConsistency) {
			return []Diagnostic{finding(rule, severityOf(rule), err.Error())}, nil
		}
		return nil, err
	}
	if cat.Len() == 0 {
		return []Diagnostic{finding(rule, INFO, "empty catalog")}, nil
	}
	tbase := cat.Descriptors[0].Header.Tbase()
	if math.Abs(tbase-math.Round(tbase)) > 1e-6 {
		return []Diagnostic{finding(rule, WARN,
			fmt.Sprintf("time baseline %v is not an integral number of seconds", tbase))}, nil
	}
	return []Diagnostic{finding(rule, INFO, fmt.Sprintf("uniform spacing %v Hz", cat.Descriptors[0].Header.DeltaF))}, nil
}

// CheckEpochsUnique flags duplicate (detector, epoch, band) entries.
func CheckEpochsUnique(ctx *Context, rule Rule) ([]Diagnostic, error) {
	cat, err := ctx.EnsureCatalog()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string, cat.Len())
	var diags []Diagnostic
	for i := range cat.Descriptors {
		d := &cat.Descriptors[i]
		key := fmt.Sprintf("%s/%s/%v", d.Header.Detector, d.Header.Epoch, d.Header.F0)
		if prev, dup := seen[key]; dup {
			diag := finding(rule, severityOf(rule),
				fmt.Sprintf("duplicate block for detector %s epoch %s (also in %q)",
					d.Header.Detector, d.Header.Epoch, prev))
			diag.File = d.Path()
			diag.Detector = d.Header.Detector
			diag.Epoch = d.Header.Epoch.String()
			diags = append(diags, diag)
			continue
		}
		seen[key] = d.Path()
	}
	if diags == nil {
		diags = []Diagnostic{finding(rule, INFO, "all epochs unique")}
	}
	return diags, nil
}

// CheckOfficialNames compares each file name against the official name
// derived from its content.
func CheckOfficialNames(ctx *Context, rule Rule) ([]Diagnostic, error) {
	files, err := ctx.EnsureFiles()
	if err != nil {
		return []Diagnostic{finding(rule, severityOf(rule), err.Error())}, nil
	}
	var diags []Diagnostic
	for _, path := range files {
		cat, err := sft.FindSFTs(path, nil)
		if err != nil || cat.Len() == 0 {
			continue // other rules report undecodable files
		}
		if msg := officialNameMismatch(filepath.Base(path), cat); msg != "" {
			diag := finding(rule, severityOf(rule), msg)
			diag.File = path
			diags = append(diags, diag)
		}
	}
	if diags == nil {
		diags = []Diagnostic{finding(rule, INFO, "file names follow the official convention")}
	}
	return diags, nil
}

// officialNameMismatch returns a description of how name deviates from the
// content-derived official name, or "" when it conforms. The optional Misc
// part may be any valid description, so the name is matched around it.
func officialNameMismatch(name string, cat *sft.Catalog) string {
	first := &cat.Descriptors[0]
	last := &cat.Descriptors[cat.Len()-1]
	det := first.Header.Detector
	tsft := uint32(math.Round(first.Header.Tbase()))
	tspan := uint32(last.Header.Epoch.Seconds-first.Header.Epoch.Seconds) + tsft
	if first.Header.Epoch.Nanoseconds > 0 {
		tspan++
	}
	if last.Header.Epoch.Nanoseconds > 0 {
		tspan++
	}

	prefix := fmt.Sprintf("%c-%d_%s_%dSFT", det[0], cat.Len(), det, tsft)
	suffix := fmt.Sprintf("-%09d-%d.sft", first.Header.Epoch.Seconds, tspan)
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		want, _ := sft.OfficialFilename(det[0], det[1], uint32(cat.Len()), tsft,
			uint32(first.Header.Epoch.Seconds), tspan, "")
		return fmt.Sprintf("file name %q does not match official name %q", name, want)
	}
	misc := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if misc == "" {
		return ""
	}
	if !strings.HasPrefix(misc, "_") {
		return fmt.Sprintf("malformed description field in %q", name)
	}
	if err := sft.CheckValidMisc(misc[1:]); err != nil {
		return err.Error()
	}
	return ""
}

// CheckBandContiguous verifies each epoch's blocks tile the frequency axis
// without gaps or overlaps.
func CheckBandContiguous(ctx *Context, rule Rule) ([]Diagnostic, error) {
	cat, err := ctx.EnsureCatalog()
	if err != nil {
		return nil, err
	}
	var diags []Diagnostic
	for i := 1; i < cat.Len(); i++ {
		prev, cur := &cat.Descriptors[i-1], &cat.Descriptors[i]
		if cur.Header.Epoch.Cmp(prev.Header.Epoch) != 0 || cur.Header.Detector != prev.Header.Detector {
			continue
		}
		// Same epoch: the catalog sort puts ascending f0 next to each
		// other, so adjacent bands must abut exactly.
		gap := cur.Header.F0 - prev.MaxFreq()
		if math.Abs(gap) > prev.Header.DeltaF/2 {
			kind := "gap"
			if gap < 0 {
				kind = "overlap"
			}
			diag := finding(rule, severityOf(rule),
				fmt.Sprintf("band %s at epoch %s between %q and %q", kind, cur.Header.Epoch, prev.Path(), cur.Path()))
			diag.Detector = cur.Header.Detector
			diag.Epoch = cur.Header.Epoch.String()
			diags = append(diags, diag)
		}
	}
	if diags == nil {
		diags = []Diagnostic{finding(rule, INFO, "per-epoch bands are contiguous")}
	}
	return diags, nil
}

// DefaultRulePack is the built-in dataset acceptance pack used when no rule
// pack file is supplied.
func DefaultRulePack() RulePack {
	return RulePack{
		RulePackId: "sft-acceptance",
		Version:    "1.0.0",
		Profile:    "sft-v2",
		Rules: []Rule{
			{RuleId: "SFT-001", Name: "Files resolve", Stage: StageResolve, Severity: ERROR, CheckFunc: "CheckFilesResolve", Refs: []string{"T040164 v2"}},
			{RuleId: "SFT-010", Name: "Headers valid", Stage: StageHeader, Severity: ERROR, CheckFunc: "CheckHeadersValid", Refs: []string{"T040164 v2 header"}},
			{RuleId: "SFT-020", Name: "Checksums match", Stage: StageChecksum, Severity: ERROR, CheckFunc: "CheckCRC64", Refs: []string{"T040164 v2 crc64"}},
			{RuleId: "SFT-030", Name: "Merged files consistent", Stage: StageCatalog, Severity: ERROR, CheckFunc: "CheckMergedConsistent", Refs: []string{"T040164 v2 merged files"}},
			{RuleId: "SFT-031", Name: "Uniform spacing", Stage: StageCatalog, Severity: ERROR, CheckFunc: "CheckCatalogSpacing", Refs: []string{"T040164 v2 catalog"}},
			{RuleId: "SFT-032", Name: "Unique epochs", Stage: StageCatalog, Severity: ERROR, CheckFunc: "CheckEpochsUnique", Refs: []string{"T040164 v2 catalog"}},
			{RuleId: "SFT-040", Name: "Official names", Stage: StageNaming, Severity: WARN, CheckFunc: "CheckOfficialNames", Refs: []string{"LIGO-T040164-01", "LIGO-T010150-00"}},
			{RuleId: "SFT-050", Name: "Contiguous bands", Stage: StageBand, Severity: ERROR, CheckFunc: "CheckBandContiguous", Refs: []string{"T040164 v2 band"}},
		},
	}
}
