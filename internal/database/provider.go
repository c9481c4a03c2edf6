package database

import (
	"context"
	"fmt"
)

var (
	postgresPersonWriter func() PersonWriter
	postgresVectorIndex  func() VectorIndex
	postgresInitialized  bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(persons func() PersonWriter, vectors func() VectorIndex) {
	postgresPersonWriter = persons
	postgresVectorIndex = vectors
	postgresInitialized = true
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

// GetPersonReader returns a PersonReader from the PostgreSQL backend
func GetPersonReader(ctx context.Context) (PersonReader, error) {
	return GetPersonWriter(ctx)
}

// GetPersonWriter returns a PersonWriter from the PostgreSQL backend
func GetPersonWriter(_ context.Context) (PersonWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresPersonWriter == nil {
		return nil, fmt.Errorf("PostgreSQL person writer not registered")
	}
	return postgresPersonWriter(), nil
}

// GetVectorIndex returns the pgvector-backed VectorIndex
func GetVectorIndex(_ context.Context) (VectorIndex, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresVectorIndex == nil {
		return nil, fmt.Errorf("PostgreSQL vector index not registered")
	}
	return postgresVectorIndex(), nil
}
