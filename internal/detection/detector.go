// Package detection turns images into face detections with 5 landmarks.
//
// Images are letterboxed, run through the detection model in coalesced
// batches, decoded, filtered with non-max suppression and mapped back to
// source pixel coordinates.
package detection

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/batcher"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/inference"
)

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.4
	DefaultIoUThreshold  = 0.45
	DefaultMaxDetections = 300
)

// Config holds the detection parameters.
type Config struct {
	InputSize     int
	ConfThreshold float64
	IoUThreshold  float64
	MaxDetections int
	Batch         batcher.Config
}

// DefaultConfig returns the standard YOLOv6-face settings.
func DefaultConfig() Config {
	return Config{
		InputSize:     DefaultInputSize,
		ConfThreshold: DefaultConfThreshold,
		IoUThreshold:  DefaultIoUThreshold,
		MaxDetections: DefaultMaxDetections,
		Batch: batcher.Config{
			Name:         "detection",
			MaxBatchSize: batcher.DefaultMaxBatchSize,
			MaxLatency:   batcher.DefaultMaxLatency,
		},
	}
}

// Detector runs the detection pipeline. It is safe for concurrent use.
type Detector struct {
	cfg       Config
	runner    inference.Runner
	coalescer *batcher.Coalescer[[]float32, []float32]
}

// NewDetector creates a detector on top of runner. Zero config fields fall
// back to the defaults.
func NewDetector(runner inference.Runner, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.InputSize <= 0 {
		cfg.InputSize = def.InputSize
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = def.ConfThreshold
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = def.IoUThreshold
	}
	if cfg.MaxDetections <= 0 {
		cfg.MaxDetections = def.MaxDetections
	}
	if cfg.Batch.Name == "" {
		cfg.Batch.Name = def.Batch.Name
	}

	d := &Detector{cfg: cfg, runner: runner}
	d.coalescer = batcher.New(cfg.Batch, d.runBatch)
	return d
}

// Close stops the detector's coalescer after flushing pending images.
func (d *Detector) Close() {
	d.coalescer.Close()
}

// Stats returns the coalescer counters.
func (d *Detector) Stats() batcher.Stats {
	return d.coalescer.Stats()
}

// Detect runs detection on a single image.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]facematch.Detection, error) {
	res, err := d.DetectBatch(ctx, []image.Image{img})
	if err != nil {
		if ie, ok := err.(ImageErrors); ok && len(ie) == 1 {
			return nil, ie[0].Err
		}
		return nil, err
	}
	return res[0], nil
}

// DetectBatch detects faces in every image. The result has one entry per
// input, in input order, each in that image's own pixel coordinates.
//
// A failing image does not affect its siblings: its slot is empty and the
// failure is reported through the returned ImageErrors. A cancelled context
// fails the whole call.
func (d *Detector) DetectBatch(ctx context.Context, imgs []image.Image) ([][]facematch.Detection, error) {
	results := make([][]facematch.Detection, len(imgs))
	errs := make([]error, len(imgs))

	var wg sync.WaitGroup
	for i, img := range imgs {
		wg.Add(1)
		go func(i int, img image.Image) {
			defer wg.Done()
			results[i], errs[i] = d.detectOne(ctx, img)
		}(i, img)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed ImageErrors
	for i, err := range errs {
		if err != nil {
			failed = append(failed, ImageError{Index: i, Err: err})
			results[i] = []facematch.Detection{}
		}
	}
	if len(failed) > 0 {
		return results, failed
	}
	return results, nil
}

func (d *Detector) detectOne(ctx context.Context, img image.Image) ([]facematch.Detection, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrInvalidImage
	}
	tensor, info, err := facematch.LetterboxTensor(img, d.cfg.InputSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	raw, err := d.coalescer.Submit(ctx, tensor)
	if err != nil {
		return nil, err
	}

	preds := decodePredictions(raw)
	kept := facematch.NonMaxSuppression(preds, d.cfg.ConfThreshold, d.cfg.IoUThreshold, d.cfg.MaxDetections)
	return facematch.RescaleToOriginal(kept, info), nil
}

// runBatch is the coalescer's batch function: one stacked model call for
// all letterboxed images, split back into per-image prediction rows.
func (d *Detector) runBatch(ctx context.Context, tensors [][]float32) ([][]float32, error) {
	s := d.cfg.InputSize
	in, err := inference.Stack(tensors, []int{3, s, s})
	if err != nil {
		return nil, err
	}
	out, err := d.runner.RunBatch(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("running detection model: %w", err)
	}
	samples, shape, err := inference.Split(out, len(tensors))
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || shape[1] != RowSize {
		return nil, fmt.Errorf("%w: detection output sample shape %v, want [N %d]", inference.ErrShape, shape, RowSize)
	}
	return samples, nil
}
