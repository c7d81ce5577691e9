package skills

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
)

// SQLiteStore persists skills in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the skill database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "skills.db")
	// Enable WAL mode and busy timeout for better concurrent access
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
	CREATE TABLE IF NOT EXISTS skills (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		source TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, skill *provider.Skill) error {
	params, err := json.Marshal(skill.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (name, description, source, parameters, created_at, created_by, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			source = excluded.source,
			parameters = excluded.parameters,
			created_by = excluded.created_by,
			origin = excluded.origin`,
		skill.Name, skill.Description, skill.Source, string(params),
		skill.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		skill.Metadata.CreatedBy, skill.Metadata.Origin)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*provider.Skill, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, description, source, parameters, created_at, created_by, origin
		FROM skills WHERE name = ?`, name)
	skill, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, provider.ErrSkillNotFound
	}
	return skill, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]provider.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, source, parameters, created_at, created_by, origin
		FROM skills ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []provider.Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *skill)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (*provider.Skill, error) {
	var skill provider.Skill
	var params, createdAt string
	if err := row.Scan(&skill.Name, &skill.Description, &skill.Source, &params,
		&createdAt, &skill.Metadata.CreatedBy, &skill.Metadata.Origin); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &skill.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters for %s: %w", skill.Name, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", skill.Name, err)
	}
	skill.Metadata.CreatedAt = ts
	return &skill, nil
}
