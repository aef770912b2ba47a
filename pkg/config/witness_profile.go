package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WitnessProfile is a named witness deployment: the pool an identifier
// incepts with and the receipt threshold measured against it. Profiles live
// as witness_<name>.yaml files in a profiles directory.
type WitnessProfile struct {
	Name      string   `yaml:"name" json:"name"`
	Witnesses []string `yaml:"witnesses" json:"witnesses"`
	Toad      uint64   `yaml:"toad" json:"toad"`
}

// Validate checks internal consistency of the profile.
func (p *WitnessProfile) Validate() error {
	seen := make(map[string]struct{}, len(p.Witnesses))
	for _, w := range p.Witnesses {
		if w == "" {
			return fmt.Errorf("profile %q: empty witness prefix", p.Name)
		}
		if _, dup := seen[w]; dup {
			return fmt.Errorf("profile %q: duplicate witness %s", p.Name, w)
		}
		seen[w] = struct{}{}
	}
	if p.Toad > uint64(len(p.Witnesses)) {
		return fmt.Errorf("profile %q: toad %d exceeds %d witnesses", p.Name, p.Toad, len(p.Witnesses))
	}
	return nil
}

// LoadWitnessProfile loads witness_<name>.yaml from the profiles directory.
func LoadWitnessProfile(profilesDir, name string) (*WitnessProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("witness_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load witness profile %q: %w", name, err)
	}

	var profile WitnessProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse witness profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllWitnessProfiles loads every witness_*.yaml in the directory.
func LoadAllWitnessProfiles(profilesDir string) (map[string]*WitnessProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "witness_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*WitnessProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile WitnessProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "witness_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}
