// internal/inference/interface.go
package inference

import (
	"context"
	"errors"
)

// ErrInference marks failures inside the model runtime.
var ErrInference = errors.New("inference failed")

// Tensor is one named model input. Shape excludes the batch dimension.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Model defines the interface for running one trained model on one object.
// This abstraction allows for easy mocking in tests and swapping implementations.
type Model interface {
	// Infer runs a forward pass. inputs are keyed by modality name and the
	// result is keyed by output target name; categorical targets return
	// one score per class label, continuous targets a single value.
	Infer(ctx context.Context, inputs map[string]Tensor) (map[string][]float32, error)

	// Close releases any resources held by the model.
	Close() error
}
