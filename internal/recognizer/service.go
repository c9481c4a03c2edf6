// Package recognizer runs the full image pipeline: decode, detect, embed,
// then enroll or search through the identity store.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/detection"
	"github.com/kozaktomas/face-recognizer/internal/embedding"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/logger"
)

// ErrNoFace is returned when an image yields no usable face.
var ErrNoFace = errors.New("no face found")

// Detector finds faces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]facematch.Detection, error)
}

// Embedder turns the best face of an image into a vector.
type Embedder interface {
	Embed(ctx context.Context, img image.Image, dets []facematch.Detection) (embedding.Result, error)
}

// Analysis is the pipeline output for one image.
type Analysis struct {
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	Format     string                `json:"format"`
	Detections []facematch.Detection `json:"detections"`
	Embedding  embedding.Result      `json:"-"`
}

// Enrollment is the result of enrolling an image.
type Enrollment struct {
	Person     database.Person       `json:"person"`
	Detections []facematch.Detection `json:"detections"`
	BestDetID  int                   `json:"best_det_id"`
}

// Recognition is the result of searching an image.
type Recognition struct {
	Match      identity.Match        `json:"match"`
	Detections []facematch.Detection `json:"detections"`
	BestDetID  int                   `json:"best_det_id"`
}

// Service composes the pipeline stages. It is safe for concurrent use.
type Service struct {
	detector Detector
	embedder Embedder
	store    *identity.Store

	mu     sync.RWMutex
	checks []readinessCheck
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// NewService creates a pipeline service.
func NewService(detector Detector, embedder Embedder, store *identity.Store) *Service {
	return &Service{detector: detector, embedder: embedder, store: store}
}

// Store returns the identity store.
func (s *Service) Store() *identity.Store {
	return s.store
}

// AddReadinessCheck registers a dependency that must be reachable before the
// service can handle requests.
func (s *Service) AddReadinessCheck(name string, check func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

// Ready runs every readiness check and joins the failures.
func (s *Service) Ready(ctx context.Context) error {
	s.mu.RLock()
	checks := append([]readinessCheck(nil), s.checks...)
	s.mu.RUnlock()

	var errs []error
	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}

// Detect decodes an image and returns its faces.
func (s *Service) Detect(ctx context.Context, data []byte) (*Analysis, error) {
	_, a, err := s.detect(ctx, data)
	return a, err
}

func (s *Service) detect(ctx context.Context, data []byte) (image.Image, *Analysis, error) {
	img, format, err := detection.DecodeImage(data)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck // already carries ErrInvalidImage
	}
	dets, err := s.detector.Detect(ctx, img)
	if err != nil {
		return nil, nil, fmt.Errorf("detect faces: %w", err)
	}
	b := img.Bounds()
	return img, &Analysis{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     format,
		Detections: dets,
	}, nil
}

// Analyze detects faces and embeds the largest one. A face-less image is
// not an error here; check Embedding.NoFace.
func (s *Service) Analyze(ctx context.Context, data []byte) (*Analysis, error) {
	img, a, err := s.detect(ctx, data)
	if err != nil {
		return nil, err
	}
	a.Embedding, err = s.embedder.Embed(ctx, img, a.Detections)
	if err != nil {
		return nil, fmt.Errorf("embed face: %w", err)
	}
	return a, nil
}

// faceVector returns the embedding of an analysis or an error explaining
// why there is none.
func faceVector(a *Analysis) ([]float32, error) {
	if !a.Embedding.NoFace {
		return a.Embedding.Vector, nil
	}
	if a.Embedding.Err != nil {
		return nil, fmt.Errorf("embed face: %w", a.Embedding.Err)
	}
	return nil, ErrNoFace
}

// Enroll registers name with the largest face of the image.
func (s *Service) Enroll(ctx context.Context, name string, data []byte) (*Enrollment, error) {
	if err := s.store.CheckName(ctx, name); err != nil {
		return nil, err //nolint:wrapcheck // identity errors are matched by callers
	}
	a, err := s.Analyze(ctx, data)
	if err != nil {
		return nil, err
	}
	vec, err := faceVector(a)
	if err != nil {
		return nil, err
	}
	person, err := s.store.Enroll(ctx, name, vec)
	if err != nil {
		return nil, err //nolint:wrapcheck // identity errors are matched by callers
	}
	return &Enrollment{
		Person:     *person,
		Detections: a.Detections,
		BestDetID:  a.Embedding.SourceDetectionIndex,
	}, nil
}

// Search identifies the largest face of the image.
func (s *Service) Search(ctx context.Context, data []byte, threshold float64) (*Recognition, error) {
	a, err := s.Analyze(ctx, data)
	if err != nil {
		return nil, err
	}
	vec, err := faceVector(a)
	if err != nil {
		return nil, err
	}
	match, err := s.store.Search(ctx, vec, threshold)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			logger.Warn(logger.Fields{"error": err.Error()}, "search failed")
		}
		return nil, err //nolint:wrapcheck // identity errors are matched by callers
	}
	return &Recognition{
		Match:      *match,
		Detections: a.Detections,
		BestDetID:  a.Embedding.SourceDetectionIndex,
	}, nil
}
