package database

// FaceEmbeddingDim is the fixed dimension of identity embeddings.
const FaceEmbeddingDim = 512

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after dropping deleted vectors.
	HNSWSearchMultiplier = 3

	// HNSWCompactRatio triggers a graph rebuild once this fraction of the
	// nodes are deleted.
	HNSWCompactRatio = 0.25
)
