// internal/inference/mock.go
package inference

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// MockModel is a mock implementation of Model for testing and for running
// the service without the ONNX shared library. By default it derives
// deterministic outputs from a hash of its inputs, so different objects get
// different but repeatable predictions.
type MockModel struct {
	// Sizes is the number of values returned per target
	Sizes map[string]int
	// Outputs, when set, is returned for every call
	Outputs map[string][]float32
	// Func, when set, computes the outputs
	Func func(ctx context.Context, inputs map[string]Tensor) (map[string][]float32, error)

	mu        sync.Mutex
	err       error
	callCount atomic.Int64
}

// NewMock creates a MockModel producing hashed outputs of the given sizes.
func NewMock(sizes map[string]int) *MockModel {
	return &MockModel{Sizes: sizes}
}

// NewMockFromManifest creates a MockModel for the outputs of a manifest.
func NewMockFromManifest(m *Manifest) *MockModel {
	sizes := make(map[string]int, len(m.Outputs))
	for _, out := range m.Outputs {
		sizes[out.Target] = int(out.Size)
	}
	return NewMock(sizes)
}

// NewMockWithOutputs creates a MockModel that always returns outputs.
func NewMockWithOutputs(outputs map[string][]float32) *MockModel {
	return &MockModel{Outputs: outputs}
}

// Infer returns the configured outputs or hashes the inputs.
func (m *MockModel) Infer(ctx context.Context, inputs map[string]Tensor) (map[string][]float32, error) {
	m.callCount.Add(1)

	m.mu.Lock()
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Func != nil {
		return m.Func(ctx, inputs)
	}
	if m.Outputs != nil {
		out := make(map[string][]float32, len(m.Outputs))
		for k, v := range m.Outputs {
			out[k] = append([]float32(nil), v...)
		}
		return out, nil
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInference)
	}

	seed := hashInputs(inputs)
	out := make(map[string][]float32, len(m.Sizes))
	for target, size := range m.Sizes {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d/%s", seed, target)
		state := h.Sum64()
		vals := make([]float32, size)
		for i := range vals {
			state = state*6364136223846793005 + 1442695040888963407
			vals[i] = float32(state>>40) / float32(1<<24)
		}
		out[target] = vals
	}
	return out, nil
}

func hashInputs(inputs map[string]Tensor) uint64 {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	h := fnv.New64a()
	var buf [4]byte
	for _, name := range names {
		h.Write([]byte(name))
		for _, v := range inputs[name].Data {
			bits := math.Float32bits(v)
			buf[0], buf[1], buf[2], buf[3] = byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24)
			h.Write(buf[:])
		}
	}
	return h.Sum64()
}

// CallCount returns the number of Infer calls
func (m *MockModel) CallCount() int {
	return int(m.callCount.Load())
}

// SetError configures the mock to fail every following call
func (m *MockModel) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = fmt.Errorf("%w: %s", ErrInference, msg)
}

// ClearError clears any configured error
func (m *MockModel) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = nil
}

// Close is a no-op for the mock implementation
func (m *MockModel) Close() error {
	return nil
}

// Ensure MockModel implements Model at compile time
var _ Model = (*MockModel)(nil)
