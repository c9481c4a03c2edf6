package database

import (
	"context"

	"github.com/google/uuid"
)

// PersonReader provides read-only access to enrolled persons
type PersonReader interface {
	// GetPerson retrieves a person by ID, returns nil if not found
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// GetPersonByName retrieves a person by exact name, returns nil if not found
	GetPersonByName(ctx context.Context, name string) (*Person, error)
	// GetPersonByVectorID retrieves the owner of a vector, returns nil if not found
	GetPersonByVectorID(ctx context.Context, vectorID uuid.UUID) (*Person, error)
	// ListPersons returns all persons ordered by ID
	ListPersons(ctx context.Context) ([]Person, error)
	// CountPersons returns the total number of persons
	CountPersons(ctx context.Context) (int, error)
}

// PersonWriter provides write access to persons
type PersonWriter interface {
	PersonReader

	// CreatePerson inserts a person and fills in ID and CreatedAt.
	// Returns an error wrapping ErrUniqueViolation if the name or vector ID is taken.
	CreatePerson(ctx context.Context, p *Person) error
	// DeletePerson removes a person. Returns false if the person did not exist.
	DeletePerson(ctx context.Context, id int64) (bool, error)
}

// VectorIndex is the similarity index holding one vector per person.
type VectorIndex interface {
	// Insert stores a vector under rec.ID
	Insert(ctx context.Context, rec VectorRecord) error
	// Delete removes a vector. Deleting a missing vector is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
	// SearchNearest returns up to k vectors ordered by descending similarity
	SearchNearest(ctx context.Context, query []float32, k int) ([]SimilarityMatch, error)
	// ListVectors returns all records without embeddings
	ListVectors(ctx context.Context) ([]VectorRecord, error)
	// Count returns the number of stored vectors
	Count(ctx context.Context) (int, error)
}
