// internal/inference/inference.go
package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// InitEnvironment initializes the ONNX runtime once per process. libPath
// overrides the shared library location when set.
func InitEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

// DestroyEnvironment releases the ONNX runtime after every model is closed.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ONNXModel wraps an ONNX runtime session for thread-safe inference.
// It implements the Model interface.
type ONNXModel struct {
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	manifest *Manifest
}

// OpenONNX loads <storeDir>/<id>/model.onnx with the tensor bindings of its
// manifest. InitEnvironment must have been called.
func OpenONNX(storeDir string, m *Manifest) (*ONNXModel, error) {
	inputNames := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		inputNames[i] = in.Tensor
	}
	outputNames := make([]string, len(m.Outputs))
	for i, out := range m.Outputs {
		outputNames[i] = out.Tensor
	}

	// Create a dynamic session so tensors can be built per call
	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(storeDir, m.Name, ModelFile),
		inputNames,
		outputNames,
		nil, // Use default session options
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", m.Name, err)
	}

	return &ONNXModel{session: session, manifest: m}, nil
}

// Infer packs each modality into its input tensor with a batch of one and
// returns one output slice per target.
func (o *ONNXModel) Infer(ctx context.Context, inputs map[string]Tensor) (map[string][]float32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, fmt.Errorf("%w: session for %s is closed", ErrInference, o.manifest.Name)
	}
	// Run cannot be interrupted, so honour cancellation before starting it.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make([]ort.ArbitraryTensor, 0, len(o.manifest.Inputs))
	defer func() {
		for _, t := range in {
			t.Destroy()
		}
	}()
	for _, spec := range o.manifest.Inputs {
		x, ok := inputs[spec.Modality]
		if !ok {
			return nil, fmt.Errorf("%w: missing input %s", ErrInference, spec.Modality)
		}
		shape := spec.Shape
		if len(shape) == 0 {
			shape = append([]int64{1}, x.Shape...)
		}
		ortShape := ort.NewShape(shape...)
		if ortShape.FlattenedSize() != int64(len(x.Data)) {
			return nil, fmt.Errorf("%w: input %s has %d values, tensor %v needs %d",
				ErrInference, spec.Modality, len(x.Data), shape, ortShape.FlattenedSize())
		}
		tensor, err := ort.NewTensor(ortShape, x.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create input tensor %s: %v", ErrInference, spec.Tensor, err)
		}
		in = append(in, tensor)
	}

	outTensors := make([]*ort.Tensor[float32], 0, len(o.manifest.Outputs))
	out := make([]ort.ArbitraryTensor, 0, len(o.manifest.Outputs))
	defer func() {
		for _, t := range out {
			t.Destroy()
		}
	}()
	for _, spec := range o.manifest.Outputs {
		tensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, spec.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create output tensor %s: %v", ErrInference, spec.Tensor, err)
		}
		outTensors = append(outTensors, tensor)
		out = append(out, tensor)
	}

	if err := o.session.Run(in, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInference, o.manifest.Name, err)
	}

	result := make(map[string][]float32, len(outTensors))
	for i, spec := range o.manifest.Outputs {
		data := outTensors[i].GetData()
		result[spec.Target] = append([]float32(nil), data...)
	}
	return result, nil
}

// Manifest returns the tensor bindings of the model.
func (o *ONNXModel) Manifest() *Manifest {
	return o.manifest
}

// Close releases the ONNX session resources
func (o *ONNXModel) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session != nil {
		err := o.session.Destroy()
		o.session = nil
		if err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	return nil
}

// Ensure ONNXModel implements Model at compile time
var _ Model = (*ONNXModel)(nil)
