package suite

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestName is the optional suite manifest looked up in the working
// directory.
const ManifestName = "crucible.yaml"

// Manifest pins a suite's feature sources and tag filters so a CI job
// and a developer run the same selection without repeating flags.
type Manifest struct {
	Features    []string `yaml:"features"`
	IncludeTags []string `yaml:"include_tags"`
	ExcludeTags []string `yaml:"exclude_tags"`
}

// LoadManifest reads a manifest file. A missing file is not an error;
// it returns (nil, nil) so callers fall back to flags and defaults.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if len(m.Features) == 0 {
		return nil, fmt.Errorf("manifest %s: features list is empty", path)
	}
	return &m, nil
}
