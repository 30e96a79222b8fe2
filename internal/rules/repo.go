package rules

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	repoRulepacksDir = "rulepacks"
	repoConfigFile   = "config.json"
	rulePackFileName = "rulepack.json"
)

// Repository manages installation and discovery of rule packs.
type Repository struct {
	root string
}

// RulePackRef identifies a rule pack by id and version.
type RulePackRef struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
}

// InstalledRulePack represents a rule pack stored in the repository.
type InstalledRulePack struct {
	RulePack RulePack
	Dir      string
	Path     string
}

// RulePackSource records where a loaded rule pack came from.
type RulePackSource struct {
	FromRepository bool
	RulePackId     string
	Version        string
	Path           string
}

type repoConfig struct {
	DefaultByProfile map[string]RulePackRef `json:"defaultByProfile"`
}

// DefaultRepository returns the repository rooted in ~/.sftgate/rules.
func DefaultRepository() (*Repository, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return OpenRepository(filepath.Join(home, ".sftgate", "rules"))
}

// OpenRepository creates a Repository rooted at path and ensures the
// required subdirectories exist.
func OpenRepository(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Join(path, repoRulepacksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create rulepacks dir: %w", err)
	}
	return &Repository{root: path}, nil
}

// Root returns the root directory of the repository.
func (r *Repository) Root() string {
	if r == nil {
		return ""
	}
	return r.root
}

// InstallPackage installs a .rpkg.zip archive into the repository.
func (r *Repository) InstallPackage(archivePath string) (InstalledRulePack, error) {
	var installed InstalledRulePack
	if r == nil {
		return installed, errors.New("nil repository")
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return installed, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var rulePackBytes []byte
	for _, f := range zr.File {
		if filepath.Base(f.Name) == rulePackFileName {
			rulePackBytes, err = readZipFile(f)
			if err != nil {
				return installed, fmt.Errorf("read %s: %w", rulePackFileName, err)
			}
		}
	}
	if len(rulePackBytes) == 0 {
		return installed, errors.New("rulepack.json not found in archive")
	}

	var rp RulePack
	if err := json.Unmarshal(rulePackBytes, &rp); err != nil {
		return installed, fmt.Errorf("parse rulepack.json: %w", err)
	}
	if rp.RulePackId == "" || rp.Version == "" {
		return installed, errors.New("rulepack missing id or version")
	}
	if err := validatePathComponent(rp.RulePackId); err != nil {
		return installed, fmt.Errorf("invalid rule pack id: %w", err)
	}
	if err := validatePathComponent(rp.Version); err != nil {
		return installed, fmt.Errorf("invalid rule pack version: %w", err)
	}

	dir := r.packageDir(rp.RulePackId, rp.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return installed, fmt.Errorf("create package dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, rulePackFileName), rulePackBytes, 0o644); err != nil {
		return installed, fmt.Errorf("write rulepack.json: %w", err)
	}

	installed = InstalledRulePack{
		RulePack: rp,
		Dir:      dir,
		Path:     filepath.Join(dir, rulePackFileName),
	}
	return installed, nil
}

// ListInstalled returns the rule packs currently installed in the repository.
func (r *Repository) ListInstalled() ([]InstalledRulePack, error) {
	if r == nil {
		return nil, errors.New("nil repository")
	}
	base := filepath.Join(r.root, repoRulepacksDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var result []InstalledRulePack
	for _, idEntry := range entries {
		if !idEntry.IsDir() {
			continue
		}
		versionDir := filepath.Join(base, idEntry.Name())
		versEntries, err := os.ReadDir(versionDir)
		if err != nil {
			return nil, err
		}
		for _, vEntry := range versEntries {
			if !vEntry.IsDir() {
				continue
			}
			rpPath := filepath.Join(versionDir, vEntry.Name(), rulePackFileName)
			bytes, err := os.ReadFile(rpPath)
			if err != nil {
				continue
			}
			var rp RulePack
			if err := json.Unmarshal(bytes, &rp); err != nil {
				continue
			}
			result = append(result, InstalledRulePack{
				RulePack: rp,
				Dir:      filepath.Join(versionDir, vEntry.Name()),
				Path:     rpPath,
			})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RulePack.RulePackId == result[j].RulePack.RulePackId {
			return compareVersions(result[i].RulePack.Version, result[j].RulePack.Version) < 0
		}
		return result[i].RulePack.RulePackId < result[j].RulePack.RulePackId
	})
	return result, nil
}

// Remove removes a rule pack identified by id and version from the repository.
func (r *Repository) Remove(id, version string) error {
	if r == nil {
		return errors.New("nil repository")
	}
	if err := validatePathComponent(id); err != nil {
		return fmt.Errorf("invalid rule pack id: %w", err)
	}
	if err := validatePathComponent(version); err != nil {
		return fmt.Errorf("invalid rule pack version: %w", err)
	}
	dir := r.packageDir(id, version)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	cfg, err := r.loadConfig()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	changed := false
	for profile, ref := range cfg.DefaultByProfile {
		if ref.RulePackId == id && ref.Version == version {
			delete(cfg.DefaultByProfile, profile)
			changed = true
		}
	}
	if changed {
		return r.saveConfig(cfg)
	}
	return nil
}

// Load returns the rule pack identified by id and version. An empty version
// selects the latest installed one.
func (r *Repository) Load(id, version string) (RulePack, RulePackSource, error) {
	var rp RulePack
	var source RulePackSource
	if r == nil {
		return rp, source, errors.New("nil repository")
	}
	if err := validatePathComponent(id); err != nil {
		return rp, source, fmt.Errorf("invalid rule pack id: %w", err)
	}
	if version == "" {
		latest, err := r.latestVersionFor(id)
		if err != nil {
			return rp, source, err
		}
		if latest == "" {
			return rp, source, fmt.Errorf("no installed versions of rule pack %q", id)
		}
		version = latest
	}
	if err := validatePathComponent(version); err != nil {
		return rp, source, fmt.Errorf("invalid rule pack version: %w", err)
	}
	rpPath := filepath.Join(r.packageDir(id, version), rulePackFileName)
	bytes, err := os.ReadFile(rpPath)
	if err != nil {
		return rp, source, err
	}
	if err := json.Unmarshal(bytes, &rp); err != nil {
		return rp, source, fmt.Errorf("parse rulepack: %w", err)
	}
	if rp.RulePackId != id || rp.Version != version {
		return rp, source, errors.New("rule pack metadata does not match requested id/version")
	}
	source = RulePackSource{
		FromRepository: true,
		RulePackId:     id,
		Version:        version,
		Path:           rpPath,
	}
	return rp, source, nil
}

// DefaultForProfile returns the configured default rule pack for the profile.
func (r *Repository) DefaultForProfile(profile string) (RulePackRef, bool, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RulePackRef{}, false, nil
		}
		return RulePackRef{}, false, err
	}
	ref, ok := cfg.DefaultByProfile[profile]
	return ref, ok, nil
}

// Defaults returns the full profile-to-pack default mapping.
func (r *Repository) Defaults() (map[string]RulePackRef, error) {
	cfg, err := r.loadConfig()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]RulePackRef{}, nil
		}
		return nil, err
	}
	if cfg.DefaultByProfile == nil {
		return map[string]RulePackRef{}, nil
	}
	return cfg.DefaultByProfile, nil
}

// SetDefaultForProfile updates the default rule pack for profile.
func (r *Repository) SetDefaultForProfile(profile string, ref RulePackRef) error {
	if r == nil {
		return errors.New("nil repository")
	}
	if err := validatePathComponent(ref.RulePackId); err != nil {
		return fmt.Errorf("invalid rule pack id: %w", err)
	}
	if err := validatePathComponent(ref.Version); err != nil {
		return fmt.Errorf("invalid rule pack version: %w", err)
	}
	cfg, err := r.loadConfig()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if cfg.DefaultByProfile == nil {
		cfg.DefaultByProfile = make(map[string]RulePackRef)
	}
	cfg.DefaultByProfile[profile] = ref
	return r.saveConfig(cfg)
}

// RulePackRequest selects the rule pack for a validation run.
type RulePackRequest struct {
	Path       string
	RulePackId string
	Version    string
	Profile    string
}

// ResolveRulePack picks a rule pack in order of preference: an explicit file,
// an installed pack by id, the repository default for the profile, and
// finally the built-in pack.
func ResolveRulePack(req RulePackRequest) (RulePack, RulePackSource, error) {
	if path := strings.TrimSpace(req.Path); path != "" {
		rp, err := LoadRulePack(path)
		if err != nil {
			return rp, RulePackSource{}, err
		}
		return rp, RulePackSource{Path: path}, nil
	}
	if id := strings.TrimSpace(req.RulePackId); id != "" {
		repo, err := DefaultRepository()
		if err != nil {
			return RulePack{}, RulePackSource{}, err
		}
		return repo.Load(id, strings.TrimSpace(req.Version))
	}
	if profile := strings.TrimSpace(req.Profile); profile != "" {
		if repo, err := DefaultRepository(); err == nil {
			if ref, ok, err := repo.DefaultForProfile(profile); err == nil && ok {
				return repo.Load(ref.RulePackId, ref.Version)
			}
		}
	}
	return DefaultRulePack(), RulePackSource{}, nil
}

func (r *Repository) latestVersionFor(id string) (string, error) {
	dir := filepath.Join(r.root, repoRulepacksDir, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if best == "" || compareVersions(e.Name(), best) > 0 {
			best = e.Name()
		}
	}
	return best, nil
}

func (r *Repository) packageDir(id, version string) string {
	return filepath.Join(r.root, repoRulepacksDir, id, version)
}

func (r *Repository) loadConfig() (repoConfig, error) {
	var cfg repoConfig
	if r == nil {
		return cfg, errors.New("nil repository")
	}
	data, err := os.ReadFile(filepath.Join(r.root, repoConfigFile))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (r *Repository) saveConfig(cfg repoConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.root, repoConfigFile), data, 0o644)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("empty string")
	}
	if strings.Contains(s, string(os.PathSeparator)) || strings.Contains(s, "/") {
		return errors.New("contains path separator")
	}
	if s == "." || s == ".." {
		return errors.New("invalid component")
	}
	return nil
}

func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	ap := parseVersionParts(a)
	bp := parseVersionParts(b)
	n := len(ap)
	if len(bp) > n {
		n = len(bp)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(ap) {
			ai = ap[i]
		}
		if i < len(bp) {
			bi = bp[i]
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return strings.Compare(a, b)
}

func parseVersionParts(s string) []int {
	parts := strings.Split(s, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			out = append(out, 0)
			continue
		}
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		} else {
			return []int{0}
		}
	}
	return out
}
