package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/logger"
	"github.com/pgvector/pgvector-go"
)

// VectorRepository is a pgvector-backed vector index. With EnableHNSW,
// nearest-neighbour queries are answered from an in-memory HNSW cache kept
// in sync with the face_vectors table.
type VectorRepository struct {
	pool *Pool

	hnsw   *database.HNSWIndex
	syncMu sync.Mutex // serializes cache rebuilds
}

// NewVectorRepository creates a new pgvector repository.
func NewVectorRepository(pool *Pool) *VectorRepository {
	return &VectorRepository{pool: pool}
}

// Insert stores a vector under rec.ID.
func (r *VectorRepository) Insert(ctx context.Context, rec database.VectorRecord) error {
	if len(rec.Embedding) != database.FaceEmbeddingDim {
		return fmt.Errorf("%w: got %d, want %d", database.ErrDimensionMismatch, len(rec.Embedding), database.FaceEmbeddingDim)
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO face_vectors (id, embedding, name) VALUES ($1, $2, $3) RETURNING created_at`,
		rec.ID, pgvector.NewVector(rec.Embedding), rec.Name,
	).Scan(&rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert vector %s: %w", rec.ID, database.ErrUniqueViolation)
		}
		return fmt.Errorf("insert vector %s: %w", rec.ID, err)
	}

	// The row is committed. A cache miss here is repaired by the next sync.
	if r.hnsw != nil {
		if err := r.hnsw.Insert(ctx, rec); err != nil && !errors.Is(err, database.ErrUniqueViolation) {
			logger.Warn(logger.Fields{"vector_id": rec.ID, "error": err.Error()}, "HNSW cache insert failed")
		}
	}
	return nil
}

// Delete removes a vector. Deleting a missing vector is not an error.
func (r *VectorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM face_vectors WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	if r.hnsw != nil {
		_ = r.hnsw.Delete(ctx, id) // never fails for a known dimension
	}
	return nil
}

// SearchNearest returns up to k vectors ordered by descending cosine similarity.
func (r *VectorRepository) SearchNearest(
	ctx context.Context, query []float32, k int,
) ([]database.SimilarityMatch, error) {
	if len(query) != database.FaceEmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", database.ErrDimensionMismatch, len(query), database.FaceEmbeddingDim)
	}
	if k <= 0 {
		return nil, nil
	}

	if r.hnsw != nil {
		if err := r.syncHNSW(ctx); err != nil {
			return nil, err
		}
		matches, err := r.hnsw.SearchNearest(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("search HNSW cache: %w", err)
		}
		return matches, nil
	}

	// Use transaction to set ef_search for better recall (matching in-memory HNSW config).
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, 1 - (embedding <=> $1::vector) AS score
		FROM face_vectors
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query similar vectors: %w", err)
	}
	defer rows.Close()

	matches := make([]database.SimilarityMatch, 0, k)
	for rows.Next() {
		var m database.SimilarityMatch
		if err := rows.Scan(&m.VectorID, &m.Name, &m.Score); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return matches, nil
}

// loadAll returns every stored record including its embedding.
func (r *VectorRepository) loadAll(ctx context.Context) ([]database.VectorRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, embedding, name, created_at FROM face_vectors`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var records []database.VectorRecord
	for rows.Next() {
		var (
			rec database.VectorRecord
			vec pgvector.Vector
		)
		if err := rows.Scan(&rec.ID, &vec, &rec.Name, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		rec.Embedding = vec.Slice()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return records, nil
}

// ListVectors returns all records without embeddings, oldest first.
func (r *VectorRepository) ListVectors(ctx context.Context) ([]database.VectorRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM face_vectors ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var records []database.VectorRecord
	for rows.Next() {
		var rec database.VectorRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return records, nil
}

// Count returns the number of stored vectors.
func (r *VectorRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM face_vectors").Scan(&count); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}

// EnableHNSW builds the in-memory HNSW cache. When indexPath is set a
// previously saved index is loaded from it, but only kept if it holds exactly
// the vectors of the table; otherwise the cache is rebuilt from PostgreSQL.
func (r *VectorRepository) EnableHNSW(ctx context.Context, indexPath string) error {
	idx := database.NewHNSWIndex(database.FaceEmbeddingDim)
	if indexPath != "" {
		if err := idx.Load(indexPath); err != nil {
			logger.Warn(logger.Fields{"path": indexPath, "error": err.Error()}, "ignoring unreadable HNSW index file")
			idx = database.NewHNSWIndex(database.FaceEmbeddingDim)
			idx.SetPath(indexPath)
		}
	}

	stored, err := r.ListVectors(ctx)
	if err != nil {
		return err
	}
	cached := idx.IDs()
	fresh := len(cached) == len(stored)
	for _, rec := range stored {
		if _, ok := cached[rec.ID]; !ok {
			fresh = false
			break
		}
	}

	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if !fresh {
		if err := r.rebuildLocked(ctx, idx); err != nil {
			return err
		}
	}
	r.hnsw = idx
	return nil
}

// syncHNSW rebuilds the cache when the table changed behind its back, for
// example through another process sharing the database.
func (r *VectorRepository) syncHNSW(ctx context.Context) error {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	var (
		count  int
		newest sql.NullTime
	)
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*), MAX(created_at) FROM face_vectors").Scan(&count, &newest)
	if err != nil {
		return fmt.Errorf("read vector fingerprint: %w", err)
	}

	cachedCount, cachedNewest := r.hnsw.Fingerprint()
	if cachedCount == count && (count == 0 || cachedNewest.Equal(newest.Time)) {
		return nil
	}
	logger.Info(logger.Fields{"cached": cachedCount, "stored": count}, "HNSW cache is stale, rebuilding")
	return r.rebuildLocked(ctx, r.hnsw)
}

func (r *VectorRepository) rebuildLocked(ctx context.Context, idx *database.HNSWIndex) error {
	start := time.Now()
	records, err := r.loadAll(ctx)
	if err != nil {
		return err
	}
	if err := idx.Replace(records); err != nil {
		return fmt.Errorf("rebuild HNSW cache: %w", err)
	}
	logger.Debug(logger.Fields{"vectors": len(records), "duration": time.Since(start).String()}, "HNSW cache rebuilt")
	return nil
}

// SaveHNSWIndex persists the HNSW cache if it is enabled and has a path.
func (r *VectorRepository) SaveHNSWIndex() error {
	if r.hnsw == nil {
		return nil
	}
	if err := r.hnsw.Save(); err != nil {
		return fmt.Errorf("save HNSW index: %w", err)
	}
	return nil
}

// HNSWCount returns the number of cached vectors, 0 when the cache is off.
func (r *VectorRepository) HNSWCount() int {
	if r.hnsw == nil {
		return 0
	}
	n, _ := r.hnsw.Count(context.Background())
	return n
}
