package inference

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Registry opens models from a model store directory once and shares them
// between every pipeline that references the same id.
type Registry struct {
	dir  string
	mock bool

	mu     sync.Mutex
	models map[string]loaded
}

type loaded struct {
	model    Model
	manifest *Manifest
}

// NewRegistry creates a Registry over dir. With mock set, models are
// MockModels built from the manifests and no ONNX session is created.
func NewRegistry(dir string, mock bool) *Registry {
	return &Registry{dir: dir, mock: mock, models: make(map[string]loaded)}
}

// Load returns the model with the given id, or ErrModelMissing when its
// directory is absent. A mock registry whose store directory does not exist
// at all uses the manifest produced by fallback instead.
func (r *Registry) Load(id string, fallback func() (*Manifest, error)) (Model, *Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.models[id]; ok {
		return l.model, l.manifest, nil
	}

	m, err := LoadManifest(r.dir, id)
	if errors.Is(err, ErrModelMissing) && r.mock && fallback != nil && !r.storeExists() {
		m, err = fallback()
		if err == nil && m.Name == "" {
			m.Name = id
		}
	}
	if err != nil {
		return nil, nil, err
	}

	var model Model
	if r.mock {
		model = NewMockFromManifest(m)
	} else {
		model, err = OpenONNX(r.dir, m)
		if err != nil {
			return nil, nil, err
		}
	}

	r.models[id] = loaded{model: model, manifest: m}
	return model, m, nil
}

func (r *Registry) storeExists() bool {
	_, err := os.Stat(r.dir)
	return err == nil
}

// Close closes every loaded model.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, l := range r.models {
		if err := l.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	r.models = make(map[string]loaded)
	return errors.Join(errs...)
}
