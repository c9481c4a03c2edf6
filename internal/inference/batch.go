// Package inference describes the opaque model runtime consumed by the
// detection and embedding pipelines and provides a KServe v2 REST client
// for it.
package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrShape is returned when tensor shapes don't line up.
var ErrShape = errors.New("tensor shape mismatch")

// Batch is a dense float32 tensor. Shape[0] is the batch dimension.
type Batch struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Runner executes a model on one batch. Implementations must be safe for
// use by one caller at a time; the coalescers serialize calls per model.
type Runner interface {
	RunBatch(ctx context.Context, in Batch) (Batch, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, in Batch) (Batch, error)

func (f RunnerFunc) RunBatch(ctx context.Context, in Batch) (Batch, error) {
	return f(ctx, in)
}

// NumElements returns the product of the dimensions.
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (b Batch) Validate() error {
	if len(b.Shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShape)
	}
	for _, d := range b.Shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrShape, b.Shape)
		}
	}
	if want := NumElements(b.Shape); want != len(b.Data) {
		return fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, b.Shape, want, len(b.Data))
	}
	return nil
}

// Stack concatenates same-shaped samples into one batch of shape
// [len(samples)] + sampleShape.
func Stack(samples [][]float32, sampleShape []int) (Batch, error) {
	if len(samples) == 0 {
		return Batch{}, fmt.Errorf("%w: no samples", ErrShape)
	}
	size := NumElements(sampleShape)
	data := make([]float32, 0, size*len(samples))
	for i, s := range samples {
		if len(s) != size {
			return Batch{}, fmt.Errorf("%w: sample %d has %d values, want %d", ErrShape, i, len(s), size)
		}
		data = append(data, s...)
	}
	shape := append([]int{len(samples)}, sampleShape...)
	return Batch{Shape: shape, Data: data}, nil
}

// Split breaks a batch into n samples along the first dimension and returns
// them with the per-sample shape.
func Split(b Batch, n int) ([][]float32, []int, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	if b.Shape[0] != n {
		return nil, nil, fmt.Errorf("%w: batch dimension %d, want %d", ErrShape, b.Shape[0], n)
	}
	sampleShape := slices.Clone(b.Shape[1:])
	size := NumElements(sampleShape)
	if len(sampleShape) == 0 {
		size = 1
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = b.Data[i*size : (i+1)*size : (i+1)*size]
	}
	return out, sampleShape, nil
}
