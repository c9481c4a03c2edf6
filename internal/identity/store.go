// Package identity keeps the person table and the vector index in step.
//
// The vector index is written first on enroll and mutated first on delete, so
// a partial failure leaves at worst a vector with no owning row. Such orphans
// are found by Orphans and removed by Reconcile.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/logger"
)

// DefaultSimilarityThreshold is the search threshold used when callers have
// no preference.
const DefaultSimilarityThreshold = 0.35

// DefaultOrphanGrace protects vectors of enrolls that are still in flight.
const DefaultOrphanGrace = 5 * time.Minute

// Options tune a Store.
type Options struct {
	// Dimension is the expected vector length. Zero accepts any length.
	Dimension int
	// DuplicateFaceThreshold rejects enrolls whose vector matches an
	// enrolled one at or above this score. Zero disables the check.
	DuplicateFaceThreshold float64
	// OrphanGrace is the minimum age of an unowned vector before it counts
	// as an orphan.
	OrphanGrace time.Duration
	// Now is the clock used for orphan ages. Defaults to time.Now.
	Now func() time.Time
}

// Match is a search hit resolved to its person.
type Match struct {
	Person database.Person `json:"person"`
	Score  float64         `json:"similarity"`
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	DryRun   bool              `json:"dry_run"`
	Orphans  []uuid.UUID       `json:"orphans"`
	Removed  int               `json:"removed"`
	Dangling []database.Person `json:"dangling"` // rows whose vector is missing
}

// Store composes a person repository with a vector index.
type Store struct {
	persons database.PersonWriter
	vectors database.VectorIndex
	opts    Options
}

// NewStore creates a store over the given backends.
func NewStore(persons database.PersonWriter, vectors database.VectorIndex, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OrphanGrace < 0 {
		opts.OrphanGrace = 0
	}
	return &Store{persons: persons, vectors: vectors, opts: opts}
}

func (s *Store) validateVector(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	if s.opts.Dimension > 0 && len(v) != s.opts.Dimension {
		return fmt.Errorf("%w: vector has %d dimensions, want %d", ErrInvalidInput, len(v), s.opts.Dimension)
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: vector contains non-finite values", ErrInvalidInput)
		}
	}
	return nil
}

// CheckName reports whether name can be enrolled: ErrInvalidInput when it is
// blank, ErrConflict when a person already has it. Enroll repeats the check.
func (s *Store) CheckName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	existing, err := s.persons.GetPersonByName(ctx, name)
	if err != nil {
		return fmt.Errorf("look up person %q: %w", name, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: %q", ErrConflict, name)
	}
	return nil
}

// Enroll registers name with the given face vector.
//
// The vector is inserted first, then the person row. If the row insert fails
// the error is returned and a compensating vector delete is attempted; a
// vector that survives it is left for Reconcile.
func (s *Store) Enroll(ctx context.Context, name string, vector []float32) (*database.Person, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if err := s.validateVector(vector); err != nil {
		return nil, err
	}
	if err := s.CheckName(ctx, name); err != nil {
		return nil, err
	}

	if s.opts.DuplicateFaceThreshold > 0 {
		if err := s.checkDuplicateFace(ctx, vector); err != nil {
			return nil, err
		}
	}

	rec := database.VectorRecord{
		ID:        uuid.New(),
		Embedding: vector,
		Name:      name,
		CreatedAt: s.opts.Now(),
	}
	if err := s.vectors.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert vector: %w", err)
	}

	person := &database.Person{Name: name, VectorID: rec.ID}
	if err := s.persons.CreatePerson(ctx, person); err != nil {
		s.compensate(rec.ID, name, err)
		if errors.Is(err, database.ErrUniqueViolation) {
			return nil, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		return nil, fmt.Errorf("insert person %q: %w", name, err)
	}

	logger.Info(logger.Fields{
		"person_id": person.ID,
		"name":      person.Name,
		"vector_id": person.VectorID,
	}, "person enrolled")
	return person, nil
}

// compensate removes the vector of a failed enroll. It runs detached from the
// caller's context so a cancelled request still cleans up.
func (s *Store) compensate(vectorID uuid.UUID, name string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := logger.Fields{"vector_id": vectorID, "name": name, "cause": cause.Error()}
	if err := s.vectors.Delete(ctx, vectorID); err != nil {
		fields["error"] = err.Error()
		logger.Warn(fields, "enroll left an orphaned vector")
		return
	}
	logger.Debug(fields, "removed vector of failed enroll")
}

func (s *Store) checkDuplicateFace(ctx context.Context, vector []float32) error {
	matches, err := s.vectors.SearchNearest(ctx, vector, 1)
	if err != nil {
		return fmt.Errorf("search vectors: %w", err)
	}
	if len(matches) == 0 || matches[0].Score < s.opts.DuplicateFaceThreshold {
		return nil
	}
	owner, err := s.persons.GetPersonByVectorID(ctx, matches[0].VectorID)
	if err != nil {
		return fmt.Errorf("look up vector owner: %w", err)
	}
	if owner == nil {
		// An unowned vector is an orphan, not an enrolled face.
		return nil
	}
	return fmt.Errorf("%w: matches %q with similarity %.3f", ErrDuplicateFace, owner.Name, matches[0].Score)
}

// Search returns the enrolled person most similar to vector, provided the
// similarity is at least threshold.
func (s *Store) Search(ctx context.Context, vector []float32, threshold float64) (*Match, error) {
	if err := s.validateVector(vector); err != nil {
		return nil, err
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v outside [0, 1]", ErrInvalidInput, threshold)
	}

	matches, err := s.vectors.SearchNearest(ctx, vector, 1)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	if len(matches) == 0 || matches[0].Score < threshold {
		return nil, ErrNotFound
	}

	best := matches[0]
	person, err := s.persons.GetPersonByVectorID(ctx, best.VectorID)
	if err != nil {
		return nil, fmt.Errorf("look up vector owner: %w", err)
	}
	if person == nil {
		logger.Error(logger.Fields{
			"vector_id": best.VectorID,
			"score":     best.Score,
		}, "search hit a vector with no person row")
		return nil, fmt.Errorf("%w: vector %s has no owner", ErrInconsistency, best.VectorID)
	}

	return &Match{Person: *person, Score: best.Score}, nil
}

// Delete removes a person and its vector. The vector goes first; if that
// fails the person row is kept and ErrDeletionFailed is returned.
func (s *Store) Delete(ctx context.Context, personID int64) error {
	person, err := s.persons.GetPerson(ctx, personID)
	if err != nil {
		return fmt.Errorf("look up person %d: %w", personID, err)
	}
	if person == nil {
		return fmt.Errorf("%w: id %d", ErrNotFound, personID)
	}

	if err := s.vectors.Delete(ctx, person.VectorID); err != nil {
		logger.Error(logger.Fields{
			"person_id": person.ID,
			"vector_id": person.VectorID,
			"error":     err.Error(),
		}, "vector delete failed, person row kept")
		return fmt.Errorf("%w: delete vector %s: %w", ErrDeletionFailed, person.VectorID, err)
	}

	deleted, err := s.persons.DeletePerson(ctx, person.ID)
	if err != nil {
		logger.Error(logger.Fields{
			"person_id": person.ID,
			"vector_id": person.VectorID,
			"error":     err.Error(),
		}, "person row outlived its vector")
		return fmt.Errorf("delete person %d: %w", person.ID, err)
	}
	if !deleted {
		// Removed concurrently between lookup and delete.
		return fmt.Errorf("%w: id %d", ErrNotFound, personID)
	}

	logger.Info(logger.Fields{
		"person_id": person.ID,
		"name":      person.Name,
		"vector_id": person.VectorID,
	}, "person deleted")
	return nil
}

// Get returns a person by ID.
func (s *Store) Get(ctx context.Context, personID int64) (*database.Person, error) {
	person, err := s.persons.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("look up person %d: %w", personID, err)
	}
	if person == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, personID)
	}
	return person, nil
}

// List returns all persons ordered by ID.
func (s *Store) List(ctx context.Context) ([]database.Person, error) {
	persons, err := s.persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	return persons, nil
}

// Orphans returns vectors older than the grace period that no person owns.
func (s *Store) Orphans(ctx context.Context) ([]database.VectorRecord, error) {
	orphans, _, err := s.scan(ctx)
	return orphans, err
}

// scan compares both stores. Vectors are listed after persons so an enroll
// completing in between shows up as an owned vector or as one inside the
// grace period.
func (s *Store) scan(ctx context.Context) ([]database.VectorRecord, []database.Person, error) {
	persons, err := s.persons.ListPersons(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list persons: %w", err)
	}
	records, err := s.vectors.ListVectors(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list vectors: %w", err)
	}

	owned := make(map[uuid.UUID]bool, len(persons))
	for _, p := range persons {
		owned[p.VectorID] = true
	}
	stored := make(map[uuid.UUID]bool, len(records))

	cutoff := s.opts.Now().Add(-s.opts.OrphanGrace)
	var orphans []database.VectorRecord
	for _, rec := range records {
		stored[rec.ID] = true
		if owned[rec.ID] || rec.CreatedAt.After(cutoff) {
			continue
		}
		orphans = append(orphans, rec)
	}

	var dangling []database.Person
	for _, p := range persons {
		if !stored[p.VectorID] {
			dangling = append(dangling, p)
		}
	}
	return orphans, dangling, nil
}

// Reconcile removes orphaned vectors. With dryRun set it only reports them.
// Person rows whose vector is missing are reported, never modified.
func (s *Store) Reconcile(ctx context.Context, dryRun bool) (*ReconcileReport, error) {
	orphans, dangling, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{DryRun: dryRun, Orphans: []uuid.UUID{}, Dangling: dangling}
	if report.Dangling == nil {
		report.Dangling = []database.Person{}
	}
	for _, rec := range orphans {
		report.Orphans = append(report.Orphans, rec.ID)
	}
	for _, p := range dangling {
		logger.Warn(logger.Fields{"person_id": p.ID, "vector_id": p.VectorID}, "person row has no vector")
	}
	if dryRun {
		return report, nil
	}

	var errs []error
	for _, rec := range orphans {
		if err := s.vectors.Delete(ctx, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete orphan %s: %w", rec.ID, err))
			continue
		}
		report.Removed++
		logger.Info(logger.Fields{"vector_id": rec.ID, "name": rec.Name}, "removed orphaned vector")
	}
	return report, errors.Join(errs...)
}
