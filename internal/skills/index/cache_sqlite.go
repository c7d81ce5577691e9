package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache persists skill vectors across restarts so a process restart
// does not force a full re-embed of the library.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (or creates) the vector cache under dataDir.
func NewSQLiteCache(dataDir string) (*SQLiteCache, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "vectors.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cache := &SQLiteCache{db: db}
	if err := cache.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return cache, nil
}

func (c *SQLiteCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skill_vectors (
		name TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		desc_vec BLOB NOT NULL,
		code_vec BLOB,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) Get(ctx context.Context, name string) (*Entry, bool, error) {
	var hash string
	var descBlob []byte
	var codeBlob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT content_hash, desc_vec, code_vec FROM skill_vectors WHERE name = ?`, name).
		Scan(&hash, &descBlob, &codeBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entry := &Entry{Hash: hash, DescVec: decodeVec(descBlob)}
	if len(codeBlob) > 0 {
		entry.CodeVec = decodeVec(codeBlob)
	}
	return entry, true, nil
}

func (c *SQLiteCache) Put(ctx context.Context, name string, entry *Entry) error {
	var codeBlob []byte
	if entry.CodeVec != nil {
		codeBlob = encodeVec(entry.CodeVec)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO skill_vectors (name, content_hash, desc_vec, code_vec, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content_hash = excluded.content_hash,
			desc_vec = excluded.desc_vec,
			code_vec = excluded.code_vec,
			updated_at = excluded.updated_at`,
		name, entry.Hash, encodeVec(entry.DescVec), codeBlob,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (c *SQLiteCache) Delete(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM skill_vectors WHERE name = ?`, name)
	return err
}

func (c *SQLiteCache) Keep(ctx context.Context, names []string) error {
	if len(names) == 0 {
		_, err := c.db.ExecContext(ctx, `DELETE FROM skill_vectors`)
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM skill_vectors WHERE name NOT IN (`+placeholders+`)`, args...)
	return err
}

// PruneOlderThan drops vectors not refreshed within maxAge.
func (c *SQLiteCache) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := c.db.ExecContext(ctx, `DELETE FROM skill_vectors WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vectors are stored as little-endian float32 blobs.
func encodeVec(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVec(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}
