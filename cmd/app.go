package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/batcher"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/postgres"
	"github.com/kozaktomas/face-recognizer/internal/detection"
	"github.com/kozaktomas/face-recognizer/internal/embedding"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/kozaktomas/face-recognizer/internal/inference"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/kozaktomas/face-recognizer/internal/recognizer"
)

// app holds the wired pipeline for a single command invocation.
type app struct {
	cfg      *config.Config
	service  *recognizer.Service
	detector *detection.Detector
	embedder *embedding.Embedder
	vectors  *postgres.VectorRepository // set when the HNSW cache is enabled
}

// newApp loads the configuration, connects to PostgreSQL and builds the
// detection and embedding pipelines on top of the inference server.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	logger.Debug(logger.Fields{"backend": cfg.Database.VectorBackend}, "connecting to PostgreSQL")
	if err := postgres.Initialize(&cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	persons, err := database.GetPersonWriter(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	var vectors database.VectorIndex
	switch cfg.Database.VectorBackend {
	case config.BackendHNSW:
		a.vectors = postgres.NewVectorRepository(postgres.GetGlobalPool())
		if err := a.vectors.EnableHNSW(ctx, cfg.Database.HNSWIndexPath); err != nil {
			a.closeDB()
			return nil, fmt.Errorf("building HNSW cache: %w", err)
		}
		logger.Info(logger.Fields{"vectors": a.vectors.HNSWCount(), "path": cfg.Database.HNSWIndexPath}, "HNSW vector cache ready")
		vectors = a.vectors
	default:
		vectors, err = database.GetVectorIndex(ctx)
		if err != nil {
			a.closeDB()
			return nil, err
		}
	}

	batch := func(name string) batcher.Config {
		return batcher.Config{
			Name:         name,
			MaxBatchSize: cfg.Batch.MaxSize,
			MaxLatency:   cfg.Batch.MaxLatency(),
			MaxInFlight:  cfg.Batch.MaxInFlight,
		}
	}

	detClient := inference.NewClient(cfg.Inference.URL, cfg.Inference.DetectionModel, cfg.Inference.DetectionInput)
	a.detector = detection.NewDetector(detClient, detection.Config{
		InputSize:     cfg.Detection.InputSize,
		ConfThreshold: cfg.Detection.ConfThreshold,
		IoUThreshold:  cfg.Detection.IoUThreshold,
		MaxDetections: cfg.Detection.MaxDetections,
		Batch:         batch("detection"),
	})

	embCfg := embedding.Config{
		CropSize:  cfg.Embedding.CropSize,
		Dimension: cfg.Embedding.Dimension,
		FlipTTA:   cfg.Embedding.FlipTTA,
		Batch:     batch("embedding"),
	}
	copy(embCfg.Template[:], cfg.Embedding.Template)
	embClient := inference.NewClient(cfg.Inference.URL, cfg.Inference.EmbeddingModel, cfg.Inference.EmbeddingInput)
	a.embedder = embedding.NewEmbedder(embClient, embCfg)

	store := identity.NewStore(persons, vectors, identity.Options{
		Dimension:              cfg.Embedding.Dimension,
		DuplicateFaceThreshold: cfg.Identity.DuplicateFaceThreshold,
		OrphanGrace:            cfg.Identity.OrphanGrace(),
	})
	a.service = recognizer.NewService(a.detector, a.embedder, store)
	a.service.AddReadinessCheck("detection model "+detClient.Model(), detClient.Ready)
	a.service.AddReadinessCheck("embedding model "+embClient.Model(), embClient.Ready)
	pool := postgres.GetGlobalPool()
	a.service.AddReadinessCheck("database", func(ctx context.Context) error {
		return pool.DB().PingContext(ctx)
	})
	return a, nil
}

// Close flushes the pipelines, persists the HNSW index and closes the pool.
func (a *app) Close() {
	a.detector.Close()
	a.embedder.Close()
	logStats("detection", a.detector.Stats())
	logStats("embedding", a.embedder.Stats())
	a.saveIndex()
	a.closeDB()
}

func logStats(name string, st batcher.Stats) {
	if st.Batches == 0 {
		return
	}
	logger.Debug(logger.Fields{
		"batcher":       name,
		"batches":       st.Batches,
		"items":         st.Items,
		"failed":        st.FailedBatch,
		"size_triggers": st.SizeTriggers,
		"time_triggers": st.TimeTriggers,
	}, "batcher stats")
}

func (a *app) saveIndex() {
	if a.vectors == nil || a.cfg.Database.HNSWIndexPath == "" {
		return
	}
	if err := a.vectors.SaveHNSWIndex(); err != nil {
		logger.Error(logger.Fields{"error": err, "path": a.cfg.Database.HNSWIndexPath}, "failed to save HNSW index")
		return
	}
	logger.Info(logger.Fields{"path": a.cfg.Database.HNSWIndexPath}, "HNSW index saved to disk")
}

func (a *app) closeDB() {
	if pool := postgres.GetGlobalPool(); pool != nil {
		if err := pool.Close(); err != nil {
			logger.Warn(logger.Fields{"error": err}, "closing database pool")
		}
	}
}
