package artifacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/validation"
)

// SQLiteStore persists artifacts across sessions. Data and metadata are
// stored as JSON.
type SQLiteStore struct {
	db *sql.DB
}

var _ provider.ArtifactProvider = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the artifact database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "artifacts.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		name TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, name string, data any, description string, metadata map[string]any) (*provider.Artifact, error) {
	if err := validation.ValidateIdentifier(name); err != nil {
		return nil, fmt.Errorf("invalid artifact name: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("artifact data is not serializable: %w", err)
	}
	var metaJSON []byte
	if metadata != nil {
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return nil, fmt.Errorf("artifact metadata is not serializable: %w", err)
		}
	}

	now := time.Now().UTC()
	createdAt := now
	if existing, err := s.Get(ctx, name); err == nil {
		createdAt = existing.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (name, data, description, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			description = excluded.description,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		name, string(dataJSON), description, nullable(metaJSON),
		createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	return &provider.Artifact{
		Name:        name,
		Data:        data,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}, nil
}

func nullable(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (any, error) {
	art, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return art.Data, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*provider.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, data, description, metadata, created_at, updated_at
		FROM artifacts WHERE name = ?`, name)
	art, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", provider.ErrArtifactNotFound, name)
	}
	return art, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]provider.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, data, description, metadata, created_at, updated_at
		FROM artifacts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []provider.Artifact
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *art)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*provider.Artifact, error) {
	var art provider.Artifact
	var dataJSON, createdAt, updatedAt string
	var metaJSON sql.NullString
	if err := row.Scan(&art.Name, &dataJSON, &art.Description, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &art.Data); err != nil {
		return nil, fmt.Errorf("unmarshal data for %s: %w", art.Name, err)
	}
	if metaJSON.Valid {
		if err := json.Unmarshal([]byte(metaJSON.String), &art.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", art.Name, err)
		}
	}
	var err error
	if art.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if art.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &art, nil
}
