// Package sqlite provides a SQLite-backed storage repository using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/nopwd/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	namespace   TEXT    NOT NULL,
	record_type TEXT    NOT NULL,
	record_id   TEXT    NOT NULL,
	ver         INTEGER NOT NULL,
	scheme      TEXT    NOT NULL,
	nonce       BLOB    NOT NULL,
	ciphertext  BLOB    NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (namespace, record_type, record_id)
)`

// Store implements storage.Repository on a single SQLite table.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and ensures the
// schema exists. The special path ":memory:" yields a private in-memory
// database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, record_type, record_id) DO UPDATE SET
		   ver = excluded.ver,
		   scheme = excluded.scheme,
		   nonce = excluded.nonce,
		   ciphertext = excluded.ciphertext,
		   version = excluded.version`,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, nonNil(envelope.Nonce), nonNil(envelope.Ciphertext), int64(envelope.Version),
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ver, scheme, nonce, ciphertext, version
		 FROM records
		 WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID,
	)

	var env storage.Envelope
	var version int64
	if err := row.Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missing(ctx, namespace, recordType, recordID)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	env.Version = uint64(version)
	return &env, nil
}

// missing distinguishes an absent namespace from an absent record.
func (s *Store) missing(ctx context.Context, namespace, recordType, recordID string) error {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE namespace = ?`, namespace).Scan(&n)
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE namespace = ? AND record_type = ? AND record_id = ?`,
		namespace, recordType, recordID,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return s.missing(ctx, namespace, recordType, recordID)
	}
	return nil
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM records WHERE namespace = ? AND record_type = ? ORDER BY record_id`,
		namespace, recordType,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return ids, nil
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (namespace, record_type, record_id) DO NOTHING`,
			namespace, recordType, recordID,
			envelope.Ver, envelope.Scheme, nonNil(envelope.Nonce), nonNil(envelope.Ciphertext), int64(envelope.Version),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE records
			 SET ver = ?, scheme = ?, nonce = ?, ciphertext = ?, version = ?
			 WHERE namespace = ? AND record_type = ? AND record_id = ? AND version = ?`,
			envelope.Ver, envelope.Scheme, nonNil(envelope.Nonce), nonNil(envelope.Ciphertext), int64(envelope.Version),
			namespace, recordType, recordID, int64(expectedVersion),
		)
	}
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	if n == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

// nonNil keeps NOT NULL blob columns satisfied for empty slices.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
