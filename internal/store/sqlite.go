// Package store provides the SQLite implementation of the Store interface.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/tsunagu/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// DSN parameters apply to every pooled connection; PRAGMA statements
	// would only reach the connection that happened to execute them.
	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS concepts (
		identity TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		aliases TEXT,
		tags TEXT,
		body TEXT NOT NULL,
		subject TEXT,
		file_path TEXT,
		status TEXT NOT NULL DEFAULT 'unlinked',
		tracked_fingerprint TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS concept_aliases (
		alias TEXT NOT NULL,
		identity TEXT NOT NULL,
		PRIMARY KEY (alias, identity),
		FOREIGN KEY (identity) REFERENCES concepts(identity) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_aliases_alias ON concept_aliases(alias);

	CREATE TABLE IF NOT EXISTS embeddings (
		identity TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		model TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (identity) REFERENCES concepts(identity) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS edges (
		a TEXT NOT NULL,
		b TEXT NOT NULL,
		provenance TEXT NOT NULL,
		score REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (a, b),
		CHECK (a < b),
		FOREIGN KEY (a) REFERENCES concepts(identity) ON DELETE CASCADE,
		FOREIGN KEY (b) REFERENCES concepts(identity) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_b ON edges(b);
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertConcept inserts or replaces a concept by identity. See Store for the
// conflict semantics.
func (s *SQLiteStore) UpsertConcept(ctx context.Context, c *models.Concept) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Identity must not be another concept's alias.
	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT identity FROM concept_aliases WHERE alias = ? AND identity != ?`,
		c.Identity, c.Identity,
	).Scan(&owner)
	if err == nil {
		return false, fmt.Errorf("identity %q is an alias of %q: %w", c.Identity, owner, models.ErrConflict)
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	// None of the aliases may be another concept's identity.
	for _, alias := range c.Aliases {
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT identity FROM concepts WHERE identity = ? AND identity != ?`,
			alias, c.Identity,
		).Scan(&existing)
		if err == nil {
			return false, fmt.Errorf("alias %q collides with concept %q: %w", alias, existing, models.ErrConflict)
		}
		if err != sql.ErrNoRows {
			return false, err
		}
	}

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM concepts WHERE identity = ?`, c.Identity,
	).Scan(&exists); err != nil {
		return false, err
	}
	created := exists == 0

	aliasesJSON, err := json.Marshal(c.Aliases)
	if err != nil {
		return false, fmt.Errorf("failed to marshal aliases: %w", err)
	}
	tagsJSON, err := json.Marshal(c.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal tags: %w", err)
	}

	now := time.Now()
	c.UpdatedAt = now
	if created {
		c.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO concepts (identity, title, aliases, tags, body, subject, file_path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Identity, c.Title, string(aliasesJSON), string(tagsJSON), c.Body, c.Subject, c.FilePath, c.CreatedAt, c.UpdatedAt,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE concepts SET title = ?, aliases = ?, tags = ?, body = ?, subject = ?, file_path = ?, updated_at = ?
			 WHERE identity = ?`,
			c.Title, string(aliasesJSON), string(tagsJSON), c.Body, c.Subject, c.FilePath, c.UpdatedAt, c.Identity,
		)
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM concept_aliases WHERE identity = ?`, c.Identity); err != nil {
		return false, err
	}
	for _, alias := range c.Aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO concept_aliases (alias, identity) VALUES (?, ?)`,
			alias, c.Identity,
		); err != nil {
			return false, err
		}
	}

	return created, tx.Commit()
}

// GetConcept returns a concept by identity.
func (s *SQLiteStore) GetConcept(ctx context.Context, identity string) (*models.Concept, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, title, aliases, tags, body, subject, file_path, created_at, updated_at
		 FROM concepts WHERE identity = ?`, identity,
	)
	c, err := scanConcept(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("concept %q: %w", identity, models.ErrNotFound)
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConcept(row rowScanner) (*models.Concept, error) {
	var c models.Concept
	var aliasesJSON, tagsJSON sql.NullString
	if err := row.Scan(&c.Identity, &c.Title, &aliasesJSON, &tagsJSON, &c.Body, &c.Subject, &c.FilePath, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if aliasesJSON.Valid && aliasesJSON.String != "" {
		if err := json.Unmarshal([]byte(aliasesJSON.String), &c.Aliases); err != nil {
			return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	return &c, nil
}

// ForEachConcept streams all concepts in insertion (rowid) order.
func (s *SQLiteStore) ForEachConcept(ctx context.Context, fn func(*models.Concept) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, title, aliases, tags, body, subject, file_path, created_at, updated_at
		 FROM concepts ORDER BY rowid`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DeleteConcept removes a concept; aliases, embedding, and edges cascade.
func (s *SQLiteStore) DeleteConcept(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM concepts WHERE identity = ?`, identity)
	return err
}

// CountConcepts returns the number of concepts in the store.
func (s *SQLiteStore) CountConcepts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM concepts`).Scan(&n)
	return n, err
}

// GetLinkState returns the relationship status and tracked fingerprint for a concept.
func (s *SQLiteStore) GetLinkState(ctx context.Context, identity string) (models.LinkStatus, string, error) {
	var status string
	var fingerprint sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, tracked_fingerprint FROM concepts WHERE identity = ?`, identity,
	).Scan(&status, &fingerprint)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("concept %q: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return "", "", err
	}
	return models.LinkStatus(status), fingerprint.String, nil
}

// GetEmbedding returns the cached embedding record for a concept.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, identity string) (*models.EmbeddingRecord, error) {
	var rec models.EmbeddingRecord
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, fingerprint, model, vector, created_at FROM embeddings WHERE identity = ?`,
		identity,
	).Scan(&rec.Identity, &rec.Fingerprint, &rec.Model, &blob, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("embedding for %q: %w", identity, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Vector = bytesToFloat32Slice(blob)
	return &rec, nil
}

// PutEmbedding stores an embedding record, overwriting any stale one for the identity.
func (s *SQLiteStore) PutEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error {
	rec.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (identity, fingerprint, model, vector, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET fingerprint = excluded.fingerprint,
		   model = excluded.model, vector = excluded.vector, created_at = excluded.created_at`,
		rec.Identity, rec.Fingerprint, rec.Model, float32SliceToBytes(rec.Vector), rec.CreatedAt,
	)
	return err
}

// AllEmbeddings returns every cached embedding record, for index rebuilds.
func (s *SQLiteStore) AllEmbeddings(ctx context.Context) ([]*models.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, fingerprint, model, vector, created_at FROM embeddings ORDER BY identity`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.EmbeddingRecord
	for rows.Next() {
		var rec models.EmbeddingRecord
		var blob []byte
		if err := rows.Scan(&rec.Identity, &rec.Fingerprint, &rec.Model, &blob, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Vector = bytesToFloat32Slice(blob)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PutEdge stores an undirected edge. Self-loops are rejected.
func (s *SQLiteStore) PutEdge(ctx context.Context, edge models.LinkEdge) error {
	if edge.A == edge.B {
		return fmt.Errorf("self-loop edge for %q: %w", edge.A, models.ErrConflict)
	}
	return putEdgeExec(ctx, s.db, edge)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putEdgeExec(ctx context.Context, db execer, edge models.LinkEdge) error {
	a, b := edge.A, edge.B
	if b < a {
		a, b = b, a
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO edges (a, b, provenance, score, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(a, b) DO UPDATE SET provenance = excluded.provenance,
		   score = excluded.score, created_at = excluded.created_at`,
		a, b, string(edge.Provenance), edge.Score, edge.CreatedAt,
	)
	return err
}

// EdgesFor returns every edge with identity as either endpoint.
func (s *SQLiteStore) EdgesFor(ctx context.Context, identity string) ([]models.LinkEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a, b, provenance, score, created_at FROM edges WHERE a = ? OR b = ? ORDER BY a, b`,
		identity, identity,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.LinkEdge
	for rows.Next() {
		var e models.LinkEdge
		var prov string
		if err := rows.Scan(&e.A, &e.B, &prov, &e.Score, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Provenance = models.Provenance(prov)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CountEdges returns the number of edges in the store.
func (s *SQLiteStore) CountEdges(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n)
	return n, err
}

// CommitSynthesis applies one concept's synthesis result in a single transaction.
func (s *SQLiteStore) CommitSynthesis(ctx context.Context, identity string, status models.LinkStatus, fingerprint string, added, removed []models.LinkEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range removed {
		a, b := e.A, e.B
		if b < a {
			a, b = b, a
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE a = ? AND b = ?`, a, b); err != nil {
			return err
		}
	}
	for _, e := range added {
		if e.A == e.B {
			return fmt.Errorf("self-loop edge for %q: %w", e.A, models.ErrConflict)
		}
		if err := putEdgeExec(ctx, tx, e); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE concepts SET status = ?, tracked_fingerprint = ? WHERE identity = ?`,
		string(status), fingerprint, identity,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
