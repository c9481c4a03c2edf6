// Package embedding turns the largest detected face of an image into an
// L2-normalized identity vector.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/batcher"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/logger"
)

const (
	DefaultCropSize  = 112
	DefaultDimension = 512
)

// ErrInvalidInput is reported for items rejected before any model call.
var ErrInvalidInput = errors.New("invalid embedding input")

// Config holds the embedding parameters.
type Config struct {
	CropSize  int
	Dimension int
	// FlipTTA also embeds the mirrored crop and sums both raw vectors
	// before normalizing.
	FlipTTA  bool
	Template [facematch.NumKeypoints][2]float64
	Batch    batcher.Config
}

// DefaultConfig returns the ArcFace-style 112x112, 512-d settings.
func DefaultConfig() Config {
	return Config{
		CropSize:  DefaultCropSize,
		Dimension: DefaultDimension,
		Template:  facematch.ArcFaceTemplate112,
		Batch: batcher.Config{
			Name:         "embedding",
			MaxBatchSize: batcher.DefaultMaxBatchSize,
			MaxLatency:   batcher.DefaultMaxLatency,
		},
	}
}

// Item is one image with its detections in source pixel space.
type Item struct {
	Image      image.Image
	Detections []facematch.Detection
}

// Result is the embedding of one item.
//
// When NoFace is set Vector is nil: the item had no detections, alignment
// failed, or the model produced nothing usable. Err carries the reason for
// rejected input or failed inference and is nil for an ordinary no-face.
type Result struct {
	Vector               []float32 `json:"embedding,omitempty"`
	SourceDetectionIndex int       `json:"best_det_id"`
	NoFace               bool      `json:"no_face,omitempty"`
	Err                  error     `json:"-"`
}

func noFace(err error) Result {
	return Result{SourceDetectionIndex: -1, NoFace: true, Err: err}
}

// Embedder runs the embedding pipeline. It is safe for concurrent use.
type Embedder struct {
	cfg       Config
	runner    inference.Runner
	coalescer *batcher.Coalescer[[]float32, []float32]
}

// NewEmbedder creates an embedder on top of runner. Zero config fields fall
// back to the defaults.
func NewEmbedder(runner inference.Runner, cfg Config) *Embedder {
	def := DefaultConfig()
	if cfg.CropSize <= 0 {
		cfg.CropSize = def.CropSize
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = def.Dimension
	}
	if cfg.Template == ([facematch.NumKeypoints][2]float64{}) {
		cfg.Template = scaleTemplate(def.Template, float64(cfg.CropSize)/DefaultCropSize)
	}
	if cfg.Batch.Name == "" {
		cfg.Batch.Name = def.Batch.Name
	}

	e := &Embedder{cfg: cfg, runner: runner}
	e.coalescer = batcher.New(cfg.Batch, e.runBatch)
	return e
}

// Close stops the embedder's coalescer after flushing pending crops.
func (e *Embedder) Close() {
	e.coalescer.Close()
}

// Stats returns the coalescer counters.
func (e *Embedder) Stats() batcher.Stats {
	return e.coalescer.Stats()
}

// Embed embeds a single item.
func (e *Embedder) Embed(ctx context.Context, img image.Image, dets []facematch.Detection) (Result, error) {
	res, err := e.EmbedBatch(ctx, []Item{{Image: img, Detections: dets}})
	if err != nil {
		return Result{}, err
	}
	return res[0], nil
}

// EmbedBatch embeds every item. Failures are reported per item in the
// results; the returned error is set only when ctx ends.
func (e *Embedder) EmbedBatch(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.embedOne(ctx, items[i])
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedOne(ctx context.Context, item Item) Result {
	if err := validate(item); err != nil {
		return noFace(err)
	}
	if len(item.Detections) == 0 {
		return noFace(nil)
	}

	best := facematch.LargestDetection(item.Detections)
	m, ok := facematch.EstimateAlignment(item.Detections[best].Keypoints, e.cfg.Template)
	if !ok {
		logger.Debug(logger.Fields{"detection": best}, "face alignment failed")
		return noFace(nil)
	}
	crop, ok := facematch.WarpToCanonical(item.Image, m, e.cfg.CropSize)
	if !ok {
		return noFace(nil)
	}

	crops := [][]float32{normalizeCrop(crop)}
	if e.cfg.FlipTTA {
		crops = append(crops, normalizeCrop(facematch.MirrorHorizontal(crop)))
	}

	outs, errs := e.coalescer.SubmitAll(ctx, crops)
	for _, err := range errs {
		if err != nil {
			return noFace(err)
		}
	}

	sum := make([]float64, e.cfg.Dimension)
	for _, v := range outs {
		for j := range sum {
			sum[j] += float64(v[j])
		}
	}
	vec, ok := l2Normalize(sum)
	if !ok {
		return noFace(nil)
	}
	return Result{Vector: vec, SourceDetectionIndex: best}
}

// runBatch is the coalescer's batch function.
func (e *Embedder) runBatch(ctx context.Context, crops [][]float32) ([][]float32, error) {
	s := e.cfg.CropSize
	in, err := inference.Stack(crops, []int{3, s, s})
	if err != nil {
		return nil, err
	}
	out, err := e.runner.RunBatch(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("running embedding model: %w", err)
	}
	vecs, shape, err := inference.Split(out, len(crops))
	if err != nil {
		return nil, err
	}
	if len(shape) != 1 || shape[0] != e.cfg.Dimension {
		return nil, fmt.Errorf("%w: embedding sample shape %v, want [%d]", inference.ErrShape, shape, e.cfg.Dimension)
	}
	return vecs, nil
}

func validate(item Item) error {
	if item.Image == nil || item.Image.Bounds().Empty() {
		return fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	for i, d := range item.Detections {
		if !d.IsFinite() {
			return fmt.Errorf("%w: detection %d has non-finite values", ErrInvalidInput, i)
		}
	}
	return nil
}

// normalizeCrop maps 8-bit RGB to CHW floats in [-1, 1]: (x/255 - 0.5) / 0.5.
func normalizeCrop(crop *image.RGBA) []float32 {
	return facematch.ImageToCHW(crop, 1.0/127.5, -1)
}

// l2Normalize returns v / ||v||. ok is false for zero or non-finite vectors.
func l2Normalize(v []float64) ([]float32, bool) {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	norm := math.Sqrt(sq)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out, true
}

func scaleTemplate(t [facematch.NumKeypoints][2]float64, f float64) [facematch.NumKeypoints][2]float64 {
	for i := range t {
		t[i][0] *= f
		t[i][1] *= f
	}
	return t
}
