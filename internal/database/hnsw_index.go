package database

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/google/uuid"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	VectorCount int       `json:"vector_count"`
	Dimension   int       `json:"dimension"`
	BuildTime   time.Time `json:"build_time"`
	Version     int       `json:"version"` // For future compatibility
}

const hnswMetadataVersion = 1

// ErrDimensionMismatch is returned when a vector's length differs from the
// index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// HNSWIndex is an in-memory VectorIndex backed by an HNSW graph with
// optional persistence to disk. Deleted vectors are dropped from the record
// map immediately and from the graph on the next compaction.
//
// The index is a cache: the face_vectors table stays the source of truth and
// a persisted index is only trusted after it has been checked against it.
type HNSWIndex struct {
	graph   *hnsw.Graph[string]
	records map[string]*VectorRecord
	nodes   int // graph nodes, including deleted ones
	dim     int
	mu      sync.RWMutex
	path    string // Path to save/load index
}

var _ VectorIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates a new empty index for vectors of length dim.
func NewHNSWIndex(dim int) *HNSWIndex {
	return &HNSWIndex{
		records: make(map[string]*VectorRecord),
		dim:     dim,
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Insert adds a vector to the index.
func (h *HNSWIndex) Insert(_ context.Context, rec VectorRecord) error {
	if len(rec.Embedding) != h.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Embedding), h.dim)
	}
	key := rec.ID.String()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.records[key]; ok {
		return fmt.Errorf("vector %s: %w", key, ErrUniqueViolation)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Embedding = append([]float32(nil), rec.Embedding...)

	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(key, rec.Embedding))
	h.nodes++
	h.records[key] = &rec
	return nil
}

// Delete removes a vector. Missing vectors are ignored.
func (h *HNSWIndex) Delete(_ context.Context, id uuid.UUID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := id.String()
	if _, ok := h.records[key]; !ok {
		return nil
	}
	delete(h.records, key)

	if h.nodes > 0 && float64(h.nodes-len(h.records)) >= HNSWCompactRatio*float64(h.nodes) {
		h.compactLocked()
	}
	return nil
}

// compactLocked rebuilds the graph from the live records.
func (h *HNSWIndex) compactLocked() {
	if len(h.records) == 0 {
		h.graph = nil
		h.nodes = 0
		return
	}
	g := newGraph()
	for key, rec := range h.records {
		g.Add(hnsw.MakeNode(key, rec.Embedding))
	}
	h.graph = g
	h.nodes = len(h.records)
}

// SearchNearest finds the k most similar live vectors.
func (h *HNSWIndex) SearchNearest(_ context.Context, query []float32, k int) ([]SimilarityMatch, error) {
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), h.dim)
	}
	if k <= 0 {
		return []SimilarityMatch{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil || len(h.records) == 0 {
		return []SimilarityMatch{}, nil
	}

	want := min(k, len(h.records))
	neighbors := h.graph.Search(query, k*HNSWSearchMultiplier)

	matches := make([]SimilarityMatch, 0, want)
	for _, n := range neighbors {
		rec, ok := h.records[n.Key]
		if !ok {
			continue
		}
		matches = append(matches, SimilarityMatch{
			VectorID: rec.ID,
			Score:    CosineSimilarity(query, rec.Embedding),
			Name:     rec.Name,
		})
	}
	if len(matches) < want {
		// Too many deleted neighbors: fall back to an exact scan.
		matches = h.scanLocked(query)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (h *HNSWIndex) scanLocked(query []float32) []SimilarityMatch {
	matches := make([]SimilarityMatch, 0, len(h.records))
	for _, rec := range h.records {
		matches = append(matches, SimilarityMatch{
			VectorID: rec.ID,
			Score:    CosineSimilarity(query, rec.Embedding),
			Name:     rec.Name,
		})
	}
	return matches
}

// ListVectors returns all live records without embeddings, oldest first.
func (h *HNSWIndex) ListVectors(_ context.Context) ([]VectorRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]VectorRecord, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, VectorRecord{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Count returns the number of live vectors.
func (h *HNSWIndex) Count(_ context.Context) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records), nil
}

// Replace swaps the whole content of the index for records and rebuilds the
// graph.
func (h *HNSWIndex) Replace(records []VectorRecord) error {
	next := make(map[string]*VectorRecord, len(records))
	for i := range records {
		rec := records[i]
		if len(rec.Embedding) != h.dim {
			return fmt.Errorf("vector %s: %w", rec.ID, ErrDimensionMismatch)
		}
		rec.Embedding = append([]float32(nil), rec.Embedding...)
		next[rec.ID.String()] = &rec
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = next
	h.compactLocked()
	return nil
}

// Fingerprint returns the number of live vectors and the newest CreatedAt.
// Two indexes over the same table agree on it unless one of them missed a
// write.
func (h *HNSWIndex) Fingerprint() (int, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var newest time.Time
	for _, rec := range h.records {
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}
	return len(h.records), newest
}

// IDs returns the set of live vector IDs.
func (h *HNSWIndex) IDs() map[uuid.UUID]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[uuid.UUID]struct{}, len(h.records))
	for _, rec := range h.records {
		out[rec.ID] = struct{}{}
	}
	return out
}

// SetPath sets the path used by Save.
func (h *HNSWIndex) SetPath(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.path = path
}

// Save persists the index to its path. The graph goes to path, the records
// to path.vectors and the metadata to path.meta.
func (h *HNSWIndex) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.path == "" {
		return nil // No path set
	}

	if len(h.records) == 0 {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(h.path)
		_ = os.Remove(h.path + ".vectors")
		_ = os.Remove(h.path + ".meta")
		return nil
	}

	// Persist only live vectors.
	if h.nodes != len(h.records) {
		h.compactLocked()
	}

	var graph bytes.Buffer
	if err := h.graph.Export(&graph); err != nil {
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}

	records := make([]VectorRecord, 0, len(h.records))
	for _, rec := range h.records {
		records = append(records, *rec)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("failed to encode vectors: %w", err)
	}

	metaData, err := json.Marshal(HNSWIndexMetadata{
		VectorCount: len(records),
		Dimension:   h.dim,
		BuildTime:   time.Now(),
		Version:     hnswMetadataVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// The metadata goes last: Load only trusts the graph when it matches.
	if err := writeFileAtomic(h.path, graph.Bytes()); err != nil {
		return fmt.Errorf("failed to write HNSW index file: %w", err)
	}
	if err := writeFileAtomic(h.path+".vectors", buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write vectors file: %w", err)
	}
	if err := writeFileAtomic(h.path+".meta", metaData); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file next to path and renames
// it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err //nolint:wrapcheck // wrapped by caller
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err //nolint:wrapcheck // wrapped by caller
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err //nolint:wrapcheck // wrapped by caller
	}
	if err := tmp.Close(); err != nil {
		return err //nolint:wrapcheck // wrapped by caller
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err //nolint:wrapcheck // wrapped by caller
	}
	return os.Rename(tmpName, path) //nolint:wrapcheck // wrapped by caller
}

// Load restores the index from path. A missing file leaves the index empty.
// The graph is rebuilt from the records when the cached graph is stale.
func (h *HNSWIndex) Load(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.path = path

	data, err := os.ReadFile(path + ".vectors") //nolint:gosec // path is from trusted config
	if os.IsNotExist(err) {
		return nil // Nothing saved yet
	}
	if err != nil {
		return fmt.Errorf("failed to read vectors file: %w", err)
	}

	var records []VectorRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return fmt.Errorf("failed to decode vectors: %w", err)
	}

	h.records = make(map[string]*VectorRecord, len(records))
	for i := range records {
		if len(records[i].Embedding) != h.dim {
			return fmt.Errorf("vector %s: %w", records[i].ID, ErrDimensionMismatch)
		}
		h.records[records[i].ID.String()] = &records[i]
	}

	meta, metaErr := LoadHNSWMetadata(path)
	if metaErr == nil && meta.VectorCount == len(records) && meta.Dimension == h.dim {
		saved, err := hnsw.LoadSavedGraph[string](path)
		if err == nil && graphCovers(saved.Graph, h.records) {
			h.graph = saved.Graph
			h.graph.Distance = hnsw.CosineDistance
			h.nodes = len(records)
			return nil
		}
	}

	h.compactLocked()
	return nil
}

// graphCovers reports whether g holds exactly the keys of records.
func graphCovers(g *hnsw.Graph[string], records map[string]*VectorRecord) bool {
	if g.Len() != len(records) {
		return false
	}
	for key := range records {
		if _, ok := g.Lookup(key); !ok {
			return false
		}
	}
	return true
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}
