package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileManifest mirrors Manifest's on-disk YAML shape, decoded with
// one yaml.Unmarshal per discovered file.
type fileManifest struct {
	ID             string   `yaml:"id"`
	Version        string   `yaml:"version"`
	Tier           string   `yaml:"tier"`
	RuntimeProfile string   `yaml:"runtime_profile"`
	SDUIVersion    string   `yaml:"sdui_version"`
	Dependencies   []string `yaml:"dependencies"`
	Entry          string   `yaml:"entry"`
	UI             struct {
		Mode  string `yaml:"mode"`
		Entry string `yaml:"entry"`
		Icon  string `yaml:"icon"`
	} `yaml:"ui"`
	UIContract struct {
		Route           string   `yaml:"route"`
		Channels        []string `yaml:"channels"`
		DefaultLogLevel string   `yaml:"default_log_level"`
		StreamProfile   string   `yaml:"stream_profile"`
	} `yaml:"ui_contract"`
	Permissions []string `yaml:"permissions"`
	Events      []string `yaml:"events"`
	Exports     []string `yaml:"exports"`
}

func (f fileManifest) toManifest() Manifest {
	return Manifest{
		ID:             f.ID,
		Version:        f.Version,
		Tier:           Tier(f.Tier),
		RuntimeProfile: RuntimeProfile(f.RuntimeProfile),
		SDUIVersion:    f.SDUIVersion,
		Dependencies:   f.Dependencies,
		Entry:          f.Entry,
		UI:             UI{Mode: f.UI.Mode, Entry: f.UI.Entry, Icon: f.UI.Icon},
		UIContract: UIContract{
			Route:           f.UIContract.Route,
			Channels:        f.UIContract.Channels,
			DefaultLogLevel: f.UIContract.DefaultLogLevel,
			StreamProfile:   f.UIContract.StreamProfile,
		},
		Permissions: f.Permissions,
		Events:      f.Events,
		Exports:     f.Exports,
	}
}

// Discovered pairs a validated manifest with the directory it was
// loaded from, so the lifecycle manager can resolve Entry against it.
type Discovered struct {
	Manifest Manifest
	Dir      string
}

// LoadDir scans base for one level of plugin subdirectories, each
// expected to carry a manifest.yaml.
// Every manifest is validated; the first validation failure aborts
// the scan; an absent manifest.yaml in a subdirectory is skipped
// rather than treated as fatal, since a plugin directory may be
// mid-install.
func LoadDir(base string) ([]Discovered, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("manifest: read plugin base dir: %w", err)
	}

	var out []Discovered
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		manifestPath := filepath.Join(dir, "manifest.yaml")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("manifest: read %s: %w", manifestPath, err)
		}

		var fm fileManifest
		if err := yaml.Unmarshal(raw, &fm); err != nil {
			return nil, fmt.Errorf("manifest: parse %s: %w", manifestPath, err)
		}
		m := fm.toManifest()
		if err := Validate(m); err != nil {
			return nil, err
		}
		out = append(out, Discovered{Manifest: m, Dir: dir})
	}
	return out, nil
}
