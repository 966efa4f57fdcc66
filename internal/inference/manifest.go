package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/SyedDaiam9101/astro-ensemble/internal/modality"
)

// File names inside a model directory of the store.
const (
	ManifestFile = "manifest.yaml"
	ModelFile    = "model.onnx"
)

// ErrModelMissing is returned when a model directory is absent from the store.
var ErrModelMissing = errors.New("model not found in store")

// Manifest describes the tensors of one exported model.
type Manifest struct {
	Name    string       `yaml:"name"`
	Inputs  []InputSpec  `yaml:"inputs"`
	Outputs []OutputSpec `yaml:"outputs"`
}

// InputSpec binds a modality to a graph input. Shape is the full tensor
// shape including the leading batch dimension of 1.
type InputSpec struct {
	Modality string  `yaml:"modality"`
	Tensor   string  `yaml:"tensor"`
	Shape    []int64 `yaml:"shape"`
}

// OutputSpec binds a target to a graph output of Size values.
type OutputSpec struct {
	Target string `yaml:"target"`
	Tensor string `yaml:"tensor"`
	Size   int64  `yaml:"size"`
}

// Validate checks that names are set and unique.
func (m *Manifest) Validate() error {
	if len(m.Inputs) == 0 {
		return fmt.Errorf("manifest %s declares no inputs", m.Name)
	}
	if len(m.Outputs) == 0 {
		return fmt.Errorf("manifest %s declares no outputs", m.Name)
	}
	seen := make(map[string]bool)
	for _, in := range m.Inputs {
		if in.Modality == "" {
			return fmt.Errorf("manifest %s: input without modality", m.Name)
		}
		if seen["in:"+in.Modality] {
			return fmt.Errorf("manifest %s: duplicate input %s", m.Name, in.Modality)
		}
		seen["in:"+in.Modality] = true
	}
	for _, out := range m.Outputs {
		if out.Target == "" {
			return fmt.Errorf("manifest %s: output without target", m.Name)
		}
		if out.Size <= 0 {
			return fmt.Errorf("manifest %s: output %s has size %d", m.Name, out.Target, out.Size)
		}
		if seen["out:"+out.Target] {
			return fmt.Errorf("manifest %s: duplicate output %s", m.Name, out.Target)
		}
		seen["out:"+out.Target] = true
	}
	return nil
}

// ParseManifest decodes and validates a manifest. Input modalities may be
// given by name or alias and are stored by name. Tensor names default to
// the modality alias or the target name when omitted.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for i := range m.Inputs {
		mod, err := modality.Parse(m.Inputs[i].Modality)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", m.Name, err)
		}
		m.Inputs[i].Modality = mod.String()
		if m.Inputs[i].Tensor == "" {
			m.Inputs[i].Tensor = mod.Alias()
		}
	}
	for i := range m.Outputs {
		if m.Outputs[i].Tensor == "" {
			m.Outputs[i].Tensor = m.Outputs[i].Target
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads <storeDir>/<id>/manifest.yaml. A missing model
// directory yields ErrModelMissing.
func LoadManifest(storeDir, id string) (*Manifest, error) {
	dir := filepath.Join(storeDir, id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrModelMissing)
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", id, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", id, err)
	}
	if m.Name == "" {
		m.Name = id
	}
	return m, nil
}
