package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PersonRepository provides PostgreSQL-backed person storage.
type PersonRepository struct {
	pool *Pool
}

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

const personColumns = `id, name, vector_id, created_at`

func scanPerson(row interface{ Scan(...any) error }) (*database.Person, error) {
	var p database.Person
	if err := row.Scan(&p.ID, &p.Name, &p.VectorID, &p.CreatedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with query context
	}
	return &p, nil
}

func (r *PersonRepository) getOne(ctx context.Context, what, query string, arg any) (*database.Person, error) {
	p, err := scanPerson(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person by %s: %w", what, err)
	}
	return p, nil
}

// GetPerson retrieves a person by ID, returns nil if not found.
func (r *PersonRepository) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	return r.getOne(ctx, "id", `SELECT `+personColumns+` FROM persons WHERE id = $1`, id)
}

// GetPersonByName retrieves a person by exact name, returns nil if not found.
func (r *PersonRepository) GetPersonByName(ctx context.Context, name string) (*database.Person, error) {
	return r.getOne(ctx, "name", `SELECT `+personColumns+` FROM persons WHERE name = $1`, name)
}

// GetPersonByVectorID retrieves the owner of a vector, returns nil if not found.
func (r *PersonRepository) GetPersonByVectorID(ctx context.Context, vectorID uuid.UUID) (*database.Person, error) {
	return r.getOne(ctx, "vector id", `SELECT `+personColumns+` FROM persons WHERE vector_id = $1`, vectorID)
}

// ListPersons returns all persons ordered by ID.
func (r *PersonRepository) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+personColumns+` FROM persons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query persons: %w", err)
	}
	defer rows.Close()

	var persons []database.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

// CountPersons returns the total number of persons.
func (r *PersonRepository) CountPersons(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM persons").Scan(&count); err != nil {
		return 0, fmt.Errorf("count persons: %w", err)
	}
	return count, nil
}

// CreatePerson inserts a person and fills in ID and CreatedAt.
func (r *PersonRepository) CreatePerson(ctx context.Context, p *database.Person) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO persons (name, vector_id) VALUES ($1, $2) RETURNING id, created_at`,
		p.Name, p.VectorID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert person %q: %w", p.Name, database.ErrUniqueViolation)
		}
		return fmt.Errorf("insert person %q: %w", p.Name, err)
	}
	return nil
}

// DeletePerson removes a person. Returns false if the person did not exist.
func (r *PersonRepository) DeletePerson(ctx context.Context, id int64) (bool, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM persons WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("delete person %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
