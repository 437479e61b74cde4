package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	repo_id    TEXT NOT NULL,
	object_id  TEXT NOT NULL,
	body       BLOB NOT NULL,
	PRIMARY KEY (collection, repo_id, object_id)
) WITHOUT ROWID;
`

// getManyChunk keeps IN lists below SQLite's bound-variable limit.
const getManyChunk = 500

// SQLite is a Driver backed by a single SQLite table. The composite primary
// key enforces (collection, repo_id, object_id) uniqueness; bodies are stored
// zstd-compressed since tree documents of large repositories compress well.
type SQLite struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force and
	// serializes writers the same way SQLite would anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &SQLite{db: db, enc: enc, dec: dec}, nil
}

func (s *SQLite) compress(body []byte) []byte {
	return s.enc.EncodeAll(body, make([]byte, 0, len(body)/2))
}

func (s *SQLite) decompress(raw []byte) ([]byte, error) {
	body, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress document: %w", err)
	}
	return body, nil
}

func isConstraintErr(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
		// Extended result codes are not enabled on every connection.
		if se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLite) Insert(ctx context.Context, coll string, key Key, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, repo_id, object_id, body) VALUES (?, ?, ?, ?)`,
		coll, key.RepoID, key.ObjectID, s.compress(body))
	if err != nil {
		if isConstraintErr(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert %s %s: %w", coll, key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, coll string, key Key) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND repo_id = ? AND object_id = ?`,
		coll, key.RepoID, key.ObjectID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s %s: %w", coll, key, err)
	}
	return s.decompress(raw)
}

func (s *SQLite) GetMany(ctx context.Context, coll string, repoID string, objectIDs []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(objectIDs))
	for start := 0; start < len(objectIDs); start += getManyChunk {
		end := min(start+getManyChunk, len(objectIDs))
		chunk := objectIDs[start:end]
		args := make([]any, 0, len(chunk)+2)
		args = append(args, coll, repoID)
		for _, id := range chunk {
			args = append(args, id)
		}
		query := `SELECT object_id, body FROM documents WHERE collection = ? AND repo_id = ? AND object_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
		if err := s.collect(ctx, query, args, out); err != nil {
			return nil, fmt.Errorf("get many %s: %w", coll, err)
		}
	}
	return out, nil
}

func (s *SQLite) collect(ctx context.Context, query string, args []any, out map[string][]byte) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		body, err := s.decompress(raw)
		if err != nil {
			return err
		}
		out[id] = body
	}
	return rows.Err()
}

func (s *SQLite) PutMany(ctx context.Context, coll string, docs map[Key][]byte) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put many %s: begin: %w", coll, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (collection, repo_id, object_id, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, repo_id, object_id) DO UPDATE SET body = excluded.body`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("put many %s: prepare: %w", coll, err)
	}
	defer stmt.Close()
	for key, body := range docs {
		if _, err := stmt.ExecContext(ctx, coll, key.RepoID, key.ObjectID, s.compress(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("put many %s %s: %w", coll, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put many %s: commit: %w", coll, err)
	}
	return nil
}

func (s *SQLite) Update(ctx context.Context, coll string, key Key, fn func([]byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s %s: begin: %w", coll, key, err)
	}
	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND repo_id = ? AND object_id = ?`,
		coll, key.RepoID, key.ObjectID).Scan(&raw)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update %s %s: read: %w", coll, key, err)
	}
	body, err := s.decompress(raw)
	if err != nil {
		tx.Rollback()
		return err
	}
	updated, err := fn(body)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET body = ? WHERE collection = ? AND repo_id = ? AND object_id = ?`,
		s.compress(updated), coll, key.RepoID, key.ObjectID); err != nil {
		tx.Rollback()
		return fmt.Errorf("update %s %s: write: %w", coll, key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %s %s: commit: %w", coll, key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, coll string, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND repo_id = ? AND object_id = ?`,
		coll, key.RepoID, key.ObjectID)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", coll, key, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
