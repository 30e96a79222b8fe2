package rules

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func makeArchive(t *testing.T, dir string, rp RulePack) string {
	t.Helper()
	// The archive filename must stay flat even when the embedded pack
	// carries hostile id or version strings.
	name := strings.ReplaceAll(rp.RulePackId+"-"+rp.Version, "/", "_") + ".rpkg.zip"
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create(rulePackFileName)
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	data, err := json.Marshal(rp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func pack(id, version string) RulePack {
	return RulePack{RulePackId: id, Version: version, Profile: "sft-v2",
		Rules: []Rule{{RuleId: "X-001", Stage: StageResolve, Severity: ERROR, CheckFunc: "CheckFilesResolve"}}}
}

func TestRepositoryInstallListLoadRemove(t *testing.T) {
	work := t.TempDir()
	repo, err := OpenRepository(filepath.Join(work, "repo"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}

	for _, rp := range []RulePack{pack("alpha", "1.0.0"), pack("alpha", "1.2.0"), pack("beta", "0.1.0")} {
		installed, err := repo.InstallPackage(makeArchive(t, work, rp))
		if err != nil {
			t.Fatalf("InstallPackage %s@%s: %v", rp.RulePackId, rp.Version, err)
		}
		if installed.RulePack.RulePackId != rp.RulePackId {
			t.Errorf("installed id %q", installed.RulePack.RulePackId)
		}
		if _, err := os.Stat(installed.Path); err != nil {
			t.Errorf("installed pack file missing: %v", err)
		}
	}

	list, err := repo.ListInstalled()
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("listed %d packs, want 3", len(list))
	}
	// Sorted by id, then ascending version.
	want := []string{"alpha@1.0.0", "alpha@1.2.0", "beta@0.1.0"}
	for i, ip := range list {
		got := ip.RulePack.RulePackId + "@" + ip.RulePack.Version
		if got != want[i] {
			t.Errorf("entry %d is %s, want %s", i, got, want[i])
		}
	}

	// An empty version selects the latest installed one.
	rp, source, err := repo.Load("alpha", "")
	if err != nil {
		t.Fatalf("Load latest: %v", err)
	}
	if rp.Version != "1.2.0" || !source.FromRepository || source.Version != "1.2.0" {
		t.Errorf("latest load gave %s (source %+v)", rp.Version, source)
	}

	rp, _, err = repo.Load("alpha", "1.0.0")
	if err != nil || rp.Version != "1.0.0" {
		t.Fatalf("pinned load gave %+v, %v", rp, err)
	}

	if err := repo.Remove("alpha", "1.0.0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := repo.Load("alpha", "1.0.0"); err == nil {
		t.Errorf("removed pack still loads")
	}
	if _, _, err := repo.Load("gamma", ""); err == nil {
		t.Errorf("unknown pack loads")
	}
}

func TestRepositoryDefaults(t *testing.T) {
	work := t.TempDir()
	repo, err := OpenRepository(filepath.Join(work, "repo"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	if _, err := repo.InstallPackage(makeArchive(t, work, pack("alpha", "1.0.0"))); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}

	if _, ok, err := repo.DefaultForProfile("sft-v2"); err != nil || ok {
		t.Fatalf("fresh repo has a default: ok=%v err=%v", ok, err)
	}

	ref := RulePackRef{RulePackId: "alpha", Version: "1.0.0"}
	if err := repo.SetDefaultForProfile("sft-v2", ref); err != nil {
		t.Fatalf("SetDefaultForProfile: %v", err)
	}
	got, ok, err := repo.DefaultForProfile("sft-v2")
	if err != nil || !ok || got != ref {
		t.Fatalf("DefaultForProfile = %+v, ok=%v, err=%v", got, ok, err)
	}
	defaults, err := repo.Defaults()
	if err != nil || len(defaults) != 1 || defaults["sft-v2"] != ref {
		t.Fatalf("Defaults = %+v, err=%v", defaults, err)
	}

	// Removing the pack prunes the default that referenced it.
	if err := repo.Remove("alpha", "1.0.0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := repo.DefaultForProfile("sft-v2"); ok {
		t.Errorf("default survived removal of its pack")
	}
}

func TestInstallPackageRejects(t *testing.T) {
	work := t.TempDir()
	repo, err := OpenRepository(filepath.Join(work, "repo"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}

	// Archive without a rulepack.json.
	empty := filepath.Join(work, "empty.rpkg.zip")
	f, err := os.Create(empty)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	if _, err := zw.Create("readme.txt"); err != nil {
		t.Fatalf("zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	f.Close()
	if _, err := repo.InstallPackage(empty); err == nil {
		t.Errorf("archive without rulepack.json accepted")
	}

	if _, err := repo.InstallPackage(makeArchive(t, work, pack("", "1.0.0"))); err == nil {
		t.Errorf("pack without id accepted")
	}
	if _, err := repo.InstallPackage(makeArchive(t, work, RulePack{RulePackId: "evil", Version: "../1.0"})); err == nil {
		t.Errorf("version with path separator accepted")
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0", "1.9.9", 1},
		{"1.0", "1.0.0", -1},
		{"0.9", "1.0", -1},
	}
	for _, tc := range cases {
		if got := compareVersions(tc.a, tc.b); got != tc.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestResolveRulePack(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	// No explicit pack anywhere falls back to the built-in one.
	rp, source, err := ResolveRulePack(RulePackRequest{Profile: "sft-v2"})
	if err != nil {
		t.Fatalf("ResolveRulePack: %v", err)
	}
	if rp.RulePackId != DefaultRulePack().RulePackId || source.FromRepository {
		t.Fatalf("fallback gave %s (source %+v)", rp.RulePackId, source)
	}

	// An explicit file wins.
	packPath := filepath.Join(home, "custom.json")
	data, err := json.Marshal(pack("custom", "9.9.9"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(packPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rp, source, err = ResolveRulePack(RulePackRequest{Path: packPath, Profile: "sft-v2"})
	if err != nil {
		t.Fatalf("ResolveRulePack: %v", err)
	}
	if rp.RulePackId != "custom" || source.Path != packPath {
		t.Fatalf("explicit path gave %s (source %+v)", rp.RulePackId, source)
	}

	// A configured profile default in the home repository is used next.
	repo, err := OpenRepository(filepath.Join(home, ".sftgate", "rules"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	if _, err := repo.InstallPackage(makeArchive(t, home, pack("site-pack", "1.0.0"))); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	ref := RulePackRef{RulePackId: "site-pack", Version: "1.0.0"}
	if err := repo.SetDefaultForProfile("sft-v2", ref); err != nil {
		t.Fatalf("SetDefaultForProfile: %v", err)
	}
	rp, source, err = ResolveRulePack(RulePackRequest{Profile: "sft-v2"})
	if err != nil {
		t.Fatalf("ResolveRulePack: %v", err)
	}
	if rp.RulePackId != "site-pack" || !source.FromRepository {
		t.Fatalf("profile default gave %s (source %+v)", rp.RulePackId, source)
	}

	// An installed pack requested by id beats the profile default.
	if _, err := repo.InstallPackage(makeArchive(t, home, pack("other", "2.0.0"))); err != nil {
		t.Fatalf("InstallPackage: %v", err)
	}
	rp, _, err = ResolveRulePack(RulePackRequest{RulePackId: "other", Profile: "sft-v2"})
	if err != nil {
		t.Fatalf("ResolveRulePack: %v", err)
	}
	if rp.RulePackId != "other" {
		t.Fatalf("id request gave %s", rp.RulePackId)
	}
}
