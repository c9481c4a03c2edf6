package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUniqueViolation is wrapped by writers when a unique constraint rejects
// an insert.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Person is an enrolled identity. VectorID links it to exactly one vector in
// the vector index.
type Person struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	VectorID  uuid.UUID `json:"vector_id"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorRecord is an entry of the vector index. Embedding may be empty when
// records are listed.
type VectorRecord struct {
	ID        uuid.UUID
	Embedding []float32
	Name      string // payload copy of the owner's name, informational only
	CreatedAt time.Time
}

// SimilarityMatch is a search hit. Score is cosine similarity.
type SimilarityMatch struct {
	VectorID uuid.UUID `json:"vector_id"`
	Score    float64   `json:"score"`
	Name     string    `json:"name,omitempty"`
}
