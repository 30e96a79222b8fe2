package server

import (
	"fmt"
	"strings"

	"example.com/sftgate/internal/rules"
)

// DefaultProfile selects the built-in acceptance rule pack when no explicit
// pack is configured.
const DefaultProfile = "sft-v2"

// Options configures server creation.
type Options struct {
	// StorageDir roots the per-instance workspace. Empty means os.TempDir.
	StorageDir string
	// RulePackPath names a rule pack JSON file used for all requests that
	// do not carry their own pack. Empty falls back to the repository
	// default for Profile, then to the built-in pack.
	RulePackPath string
	// Profile selects a default pack from the local rule pack repository.
	Profile string
	// Concurrency bounds concurrent validation runs. Zero means NumCPU.
	Concurrency int
}

// resolveRulePack picks the server-wide default rule pack according to the
// configured options.
func resolveRulePack(opts Options) (rules.RulePack, error) {
	if path := strings.TrimSpace(opts.RulePackPath); path != "" {
		rp, err := rules.LoadRulePack(path)
		if err != nil {
			return rules.RulePack{}, fmt.Errorf("load rule pack %s: %w", path, err)
		}
		return rp, nil
	}
	profile := strings.TrimSpace(opts.Profile)
	if profile == "" {
		profile = DefaultProfile
	}
	if repo, err := rules.DefaultRepository(); err == nil {
		if ref, ok, err := repo.DefaultForProfile(profile); err == nil && ok {
			rp, _, err := repo.Load(ref.RulePackId, ref.Version)
			if err != nil {
				return rules.RulePack{}, fmt.Errorf("load default pack for profile %s: %w", profile, err)
			}
			return rp, nil
		}
	}
	return rules.DefaultRulePack(), nil
}
