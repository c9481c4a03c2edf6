// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/database"
)

// MockPersonRepository is a mock implementation of database.PersonWriter
type MockPersonRepository struct {
	mu      sync.RWMutex
	persons map[int64]*database.Person
	nextID  int64

	// Error injection
	GetError    error
	ListError   error
	CountError  error
	CreateError error
	DeleteError error

	// Call counts
	CreateCalls int
	DeleteCalls int
}

// NewMockPersonRepository creates a new mock person repository
func NewMockPersonRepository() *MockPersonRepository {
	return &MockPersonRepository{
		persons: make(map[int64]*database.Person),
		nextID:  1,
	}
}

// AddPerson stores a person directly, bypassing uniqueness checks
func (m *MockPersonRepository) AddPerson(p database.Person) database.Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		p.ID = m.nextID
	}
	if p.ID >= m.nextID {
		m.nextID = p.ID + 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.persons[p.ID] = &p
	return p
}

func (m *MockPersonRepository) find(match func(*database.Person) bool) *database.Person {
	for _, p := range m.persons {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

// GetPerson retrieves a person by ID
func (m *MockPersonRepository) GetPerson(_ context.Context, id int64) (*database.Person, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(func(p *database.Person) bool { return p.ID == id }), nil
}

// GetPersonByName retrieves a person by exact name
func (m *MockPersonRepository) GetPersonByName(_ context.Context, name string) (*database.Person, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(func(p *database.Person) bool { return p.Name == name }), nil
}

// GetPersonByVectorID retrieves the owner of a vector
func (m *MockPersonRepository) GetPersonByVectorID(_ context.Context, vectorID uuid.UUID) (*database.Person, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.find(func(p *database.Person) bool { return p.VectorID == vectorID }), nil
}

// ListPersons returns all persons ordered by ID
func (m *MockPersonRepository) ListPersons(_ context.Context) ([]database.Person, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]database.Person, 0, len(m.persons))
	for _, p := range m.persons {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CountPersons returns the number of persons
func (m *MockPersonRepository) CountPersons(_ context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.persons), nil
}

// CreatePerson inserts a person, enforcing unique name and vector ID
func (m *MockPersonRepository) CreatePerson(_ context.Context, p *database.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCalls++
	if m.CreateError != nil {
		return m.CreateError
	}
	for _, existing := range m.persons {
		if existing.Name == p.Name || existing.VectorID == p.VectorID {
			return fmt.Errorf("insert person %q: %w", p.Name, database.ErrUniqueViolation)
		}
	}
	p.ID = m.nextID
	m.nextID++
	p.CreatedAt = time.Now()
	cp := *p
	m.persons[p.ID] = &cp
	return nil
}

// DeletePerson removes a person
func (m *MockPersonRepository) DeletePerson(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteError != nil {
		return false, m.DeleteError
	}
	if _, ok := m.persons[id]; !ok {
		return false, nil
	}
	delete(m.persons, id)
	return true, nil
}

// MockVectorIndex is a mock implementation of database.VectorIndex using exact cosine search
type MockVectorIndex struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*database.VectorRecord

	// Error injection
	InsertError error
	DeleteError error
	SearchError error
	ListError   error
	CountError  error

	// Call counts
	InsertCalls int
	DeleteCalls int
	SearchCalls int
}

// NewMockVectorIndex creates a new mock vector index
func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{
		records: make(map[uuid.UUID]*database.VectorRecord),
	}
}

// AddVector stores a record directly
func (m *MockVectorIndex) AddVector(rec database.VectorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.records[rec.ID] = &rec
}

// Has reports whether a vector is stored
func (m *MockVectorIndex) Has(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// Insert stores a vector
func (m *MockVectorIndex) Insert(_ context.Context, rec database.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertError != nil {
		return m.InsertError
	}
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("insert vector %s: %w", rec.ID, database.ErrUniqueViolation)
	}
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.records[rec.ID] = &rec
	return nil
}

// Delete removes a vector
func (m *MockVectorIndex) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteError != nil {
		return m.DeleteError
	}
	delete(m.records, id)
	return nil
}

// SearchNearest scores every stored vector and returns the best k
func (m *MockVectorIndex) SearchNearest(_ context.Context, query []float32, k int) ([]database.SimilarityMatch, error) {
	m.mu.Lock()
	m.SearchCalls++
	m.mu.Unlock()
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]database.SimilarityMatch, 0, len(m.records))
	for _, rec := range m.records {
		matches = append(matches, database.SimilarityMatch{
			VectorID: rec.ID,
			Score:    database.CosineSimilarity(query, rec.Embedding),
			Name:     rec.Name,
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:max(k, 0)]
	}
	return matches, nil
}

// ListVectors returns all records without embeddings, oldest first
func (m *MockVectorIndex) ListVectors(_ context.Context) ([]database.VectorRecord, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]database.VectorRecord, 0, len(m.records))
	for _, rec := range m.records {
		result = append(result, database.VectorRecord{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Count returns the number of stored vectors
func (m *MockVectorIndex) Count(_ context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}
