//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/identity"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cfg := &config.DatabaseConfig{
		URL:          dbURL,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	// Run migrations
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

// axisVector returns a unit vector of FaceEmbeddingDim mostly along axis.
func axisVector(axis int, tilt float32) []float32 {
	v := make([]float32, database.FaceEmbeddingDim)
	v[axis] = 1
	v[axis+1] = tilt
	n := float32(math.Sqrt(float64(1 + tilt*tilt)))
	v[axis] /= n
	v[axis+1] /= n
	return v
}

func TestPersonRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewPersonRepository(pool)
	alice := &database.Person{Name: "alice", VectorID: uuid.New()}

	t.Run("CreateAndGet", func(t *testing.T) {
		if err := repo.CreatePerson(ctx, alice); err != nil {
			t.Fatalf("Failed to create person: %v", err)
		}
		if alice.ID == 0 || alice.CreatedAt.IsZero() {
			t.Errorf("Expected ID and CreatedAt to be filled, got %+v", alice)
		}

		got, err := repo.GetPersonByName(ctx, "alice")
		if err != nil {
			t.Fatalf("Failed to get person: %v", err)
		}
		if got == nil || got.ID != alice.ID || got.VectorID != alice.VectorID {
			t.Errorf("Expected %+v, got %+v", alice, got)
		}

		byVector, err := repo.GetPersonByVectorID(ctx, alice.VectorID)
		if err != nil || byVector == nil || byVector.Name != "alice" {
			t.Errorf("GetPersonByVectorID() = %+v, %v", byVector, err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		got, err := repo.GetPerson(ctx, 999999)
		if err != nil {
			t.Fatalf("Failed to get person: %v", err)
		}
		if got != nil {
			t.Errorf("Expected nil, got %+v", got)
		}
	})

	t.Run("UniqueName", func(t *testing.T) {
		err := repo.CreatePerson(ctx, &database.Person{Name: "alice", VectorID: uuid.New()})
		if !errors.Is(err, database.ErrUniqueViolation) {
			t.Errorf("Expected ErrUniqueViolation, got %v", err)
		}
	})

	t.Run("UniqueVectorID", func(t *testing.T) {
		err := repo.CreatePerson(ctx, &database.Person{Name: "bob", VectorID: alice.VectorID})
		if !errors.Is(err, database.ErrUniqueViolation) {
			t.Errorf("Expected ErrUniqueViolation, got %v", err)
		}
	})

	t.Run("ListAndCount", func(t *testing.T) {
		if err := repo.CreatePerson(ctx, &database.Person{Name: "bob", VectorID: uuid.New()}); err != nil {
			t.Fatal(err)
		}
		persons, err := repo.ListPersons(ctx)
		if err != nil {
			t.Fatalf("Failed to list persons: %v", err)
		}
		if len(persons) != 2 || persons[0].Name != "alice" || persons[1].Name != "bob" {
			t.Errorf("Expected [alice bob], got %+v", persons)
		}
		count, err := repo.CountPersons(ctx)
		if err != nil || count != 2 {
			t.Errorf("CountPersons() = %d, %v, want 2", count, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		deleted, err := repo.DeletePerson(ctx, alice.ID)
		if err != nil || !deleted {
			t.Fatalf("DeletePerson() = %v, %v, want true", deleted, err)
		}
		deleted, err = repo.DeletePerson(ctx, alice.ID)
		if err != nil || deleted {
			t.Errorf("second DeletePerson() = %v, %v, want false", deleted, err)
		}
	})
}

func TestVectorRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewVectorRepository(pool)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		err := repo.Insert(ctx, database.VectorRecord{ID: ids[i], Embedding: axisVector(i*10, 0.1), Name: fmt.Sprintf("p%d", i)})
		if err != nil {
			t.Fatalf("Failed to insert vector: %v", err)
		}
	}

	t.Run("Errors", func(t *testing.T) {
		err := repo.Insert(ctx, database.VectorRecord{ID: ids[0], Embedding: axisVector(0, 0)})
		if !errors.Is(err, database.ErrUniqueViolation) {
			t.Errorf("Expected ErrUniqueViolation, got %v", err)
		}
		err = repo.Insert(ctx, database.VectorRecord{ID: uuid.New(), Embedding: []float32{1}})
		if !errors.Is(err, database.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch, got %v", err)
		}
	})

	t.Run("SearchNearest", func(t *testing.T) {
		matches, err := repo.SearchNearest(ctx, axisVector(20, 0.1), 3)
		if err != nil {
			t.Fatalf("Failed to search: %v", err)
		}
		if len(matches) != 3 {
			t.Fatalf("Expected 3 matches, got %d", len(matches))
		}
		if matches[0].VectorID != ids[2] || matches[0].Name != "p2" {
			t.Errorf("Expected best match %s, got %+v", ids[2], matches[0])
		}
		if math.Abs(matches[0].Score-1) > 1e-4 {
			t.Errorf("Expected score 1, got %v", matches[0].Score)
		}
		for i := 1; i < len(matches); i++ {
			if matches[i].Score > matches[i-1].Score {
				t.Error("Scores not sorted")
			}
		}
	})

	t.Run("LoadAllAndList", func(t *testing.T) {
		all, err := repo.loadAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 5 {
			t.Fatalf("Expected 5 records, got %d", len(all))
		}
		for _, rec := range all {
			if len(rec.Embedding) != database.FaceEmbeddingDim {
				t.Errorf("Expected %d dimensions, got %d", database.FaceEmbeddingDim, len(rec.Embedding))
			}
		}
		list, err := repo.ListVectors(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 5 {
			t.Errorf("Expected 5 records, got %d", len(list))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, ids[2]); err != nil {
			t.Fatalf("Failed to delete: %v", err)
		}
		if err := repo.Delete(ctx, ids[2]); err != nil {
			t.Errorf("Deleting a missing vector should succeed, got %v", err)
		}
		count, err := repo.Count(ctx)
		if err != nil || count != 4 {
			t.Errorf("Count() = %d, %v, want 4", count, err)
		}
		matches, err := repo.SearchNearest(ctx, axisVector(20, 0.1), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) == 1 && matches[0].VectorID == ids[2] {
			t.Error("Deleted vector returned by search")
		}
	})
}

func TestVectorRepositoryHNSWCache(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	indexPath := filepath.Join(t.TempDir(), "faces.hnsw")

	newStore := func(t *testing.T) (*identity.Store, *VectorRepository) {
		t.Helper()
		repo := NewVectorRepository(pool)
		if err := repo.EnableHNSW(ctx, indexPath); err != nil {
			t.Fatalf("EnableHNSW() error = %v", err)
		}
		store := identity.NewStore(NewPersonRepository(pool), repo, identity.Options{Dimension: database.FaceEmbeddingDim})
		return store, repo
	}

	assertConsistent := func(t *testing.T, store *identity.Store, name string, query []float32) {
		t.Helper()
		report, err := store.Reconcile(ctx, true)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if len(report.Dangling) != 0 || len(report.Orphans) != 0 {
			t.Errorf("Reconcile() = %+v, want no dangling rows and no orphans", report)
		}
		match, err := store.Search(ctx, query, identity.DefaultSimilarityThreshold)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if match.Person.Name != name {
			t.Errorf("Search() found %q, want %q", match.Person.Name, name)
		}
	}

	// A killed process never saves its cache.
	t.Run("EnrollWithoutSave", func(t *testing.T) {
		store, _ := newStore(t)
		if _, err := store.Enroll(ctx, "alice", axisVector(1, 0)); err != nil {
			t.Fatalf("Enroll() error = %v", err)
		}

		reloaded, repo := newStore(t)
		if repo.HNSWCount() != 1 {
			t.Errorf("HNSWCount() = %d, want 1", repo.HNSWCount())
		}
		assertConsistent(t, reloaded, "alice", axisVector(1, 0))
	})

	t.Run("OtherProcessEnrolls", func(t *testing.T) {
		_, stale := newStore(t)
		writer, _ := newStore(t)
		if _, err := writer.Enroll(ctx, "bob", axisVector(2, 0)); err != nil {
			t.Fatalf("Enroll() error = %v", err)
		}

		matches, err := stale.SearchNearest(ctx, axisVector(2, 0), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(matches) != 1 || matches[0].Name != "bob" {
			t.Errorf("SearchNearest() on an older cache = %+v, want bob", matches)
		}
	})

	// The file on disk lacks bob and holds a vector the table never had.
	t.Run("StaleIndexFile", func(t *testing.T) {
		idx := database.NewHNSWIndex(database.FaceEmbeddingDim)
		idx.SetPath(indexPath)
		if err := idx.Insert(ctx, database.VectorRecord{ID: uuid.New(), Embedding: axisVector(3, 0), Name: "ghost"}); err != nil {
			t.Fatal(err)
		}
		if err := idx.Save(); err != nil {
			t.Fatal(err)
		}

		reloaded, repo := newStore(t)
		if repo.HNSWCount() != 2 {
			t.Errorf("HNSWCount() = %d, want 2", repo.HNSWCount())
		}
		assertConsistent(t, reloaded, "bob", axisVector(2, 0))
		if _, err := reloaded.Search(ctx, axisVector(3, 0), identity.DefaultSimilarityThreshold); !errors.Is(err, identity.ErrNotFound) {
			t.Errorf("Search() for a vector only in the file error = %v, want ErrNotFound", err)
		}
	})

	t.Run("SaveThenDelete", func(t *testing.T) {
		store, repo := newStore(t)
		if err := repo.SaveHNSWIndex(); err != nil {
			t.Fatalf("SaveHNSWIndex() error = %v", err)
		}

		persons, err := store.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range persons {
			if p.Name == "alice" {
				if err := store.Delete(ctx, p.ID); err != nil {
					t.Fatalf("Delete() error = %v", err)
				}
			}
		}
		if repo.HNSWCount() != 1 {
			t.Errorf("HNSWCount() after delete = %d, want 1", repo.HNSWCount())
		}

		// The saved file still holds alice.
		reloaded, repo := newStore(t)
		if repo.HNSWCount() != 1 {
			t.Errorf("HNSWCount() after reload = %d, want 1", repo.HNSWCount())
		}
		if _, err := reloaded.Search(ctx, axisVector(1, 0), identity.DefaultSimilarityThreshold); !errors.Is(err, identity.ErrNotFound) {
			t.Errorf("Search() for deleted person error = %v, want ErrNotFound", err)
		}
	})
}

func TestInitializeRegistersBackend(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	SetGlobalPool(pool)
	defer SetGlobalPool(nil)

	if !database.IsInitialized() {
		t.Fatal("Expected backend to be registered")
	}
	if _, err := database.GetPersonWriter(context.Background()); err != nil {
		t.Errorf("GetPersonWriter() error = %v", err)
	}
	if _, err := database.GetVectorIndex(context.Background()); err != nil {
		t.Errorf("GetVectorIndex() error = %v", err)
	}
}

func TestMigrations(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()

	// Check migrations were applied
	applied, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to get applied migrations: %v", err)
	}

	expectedMigrations := []string{
		"001_create_persons.sql",
		"002_create_face_vectors.sql",
	}

	if len(applied) != len(expectedMigrations) {
		t.Errorf("Expected %d migrations, got %d", len(expectedMigrations), len(applied))
	}

	for i, expected := range expectedMigrations {
		if i < len(applied) && applied[i] != expected {
			t.Errorf("Migration %d: expected '%s', got '%s'", i, expected, applied[i])
		}
	}

	// Migrating again is a no-op.
	if err := pool.Migrate(ctx); err != nil {
		t.Errorf("Second Migrate() error = %v", err)
	}
}
