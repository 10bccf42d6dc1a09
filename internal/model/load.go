package model

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Topology file names looked up inside a model directory, in order.
var specFileNames = []string{"topology.yaml", "topology.yml", "topology.json"}

// LoadSpec reads a topology file. YAML and JSON are selected by extension.
func LoadSpec(path string) (Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: read %s: %v", ErrInvalidTopology, path, err)
	}
	spec := Spec{Topology: Topology{EOSTokenID: -1}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return Spec{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidTopology, path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return Spec{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidTopology, path, err)
		}
	default:
		return Spec{}, fmt.Errorf("%w: unsupported topology file %s", ErrInvalidTopology, path)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// FindSpec resolves the topology for a model directory. An explicit path
// wins; otherwise topology.{yaml,yml,json} and then the Hugging Face
// config.json in dir are consulted.
func FindSpec(dir, explicit string) (Spec, string, error) {
	if explicit != "" {
		spec, err := LoadSpec(explicit)
		return spec, explicit, err
	}
	for _, name := range specFileNames {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			spec, err := LoadSpec(path)
			return spec, path, err
		}
	}
	path := filepath.Join(dir, "config.json")
	if fileExists(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Spec{}, path, fmt.Errorf("%w: read %s: %v", ErrInvalidTopology, path, err)
		}
		topo, err := TopologyFromHFConfig(raw)
		if err != nil {
			return Spec{}, path, fmt.Errorf("%s: %w", path, err)
		}
		spec := Spec{Topology: topo}
		if err := spec.Validate(); err != nil {
			return Spec{}, path, fmt.Errorf("%s: %w", path, err)
		}
		return spec, path, nil
	}
	return Spec{}, "", fmt.Errorf("%w: no topology.yaml, topology.json or config.json in %s", ErrInvalidTopology, dir)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
