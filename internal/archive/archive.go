// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package archive manages the canonical SQLAR content store inside a
// capsule. Implements: prd001-archive (R1-R4).
//
// Every page body lives here as an uncompressed SQLAR row; the
// accelerator tables elsewhere in the capsule can always be rebuilt
// from this package's contents.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// DBTX is the subset of database/sql operations the store needs. Both
// *sql.DB and *sql.Tx satisfy it, so callers choose the transaction
// boundary.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes SQLAR entries.
type Store struct {
	db DBTX
}

// New returns a Store bound to db.
func New(db DBTX) *Store {
	return &Store{db: db}
}

// Put inserts a new archive entry and returns the sha256 hex digest of
// data (R1.1, R1.2). Writing the same name with identical bytes is a
// no-op; writing the same name with different bytes returns
// types.ErrConflict, because archived content is append-only and may
// only be replaced through Supersede.
func (s *Store) Put(ctx context.Context, name string, data []byte, mode int64, mtime int64) (string, error) {
	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])

	existing, err := s.Hash(ctx, name)
	switch {
	case err == nil:
		if existing == shaHex {
			return shaHex, nil
		}
		return "", fmt.Errorf("archive entry %s already exists with different content: %w", name, types.ErrConflict)
	case err != types.ErrNotFound:
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sqlar (name, mode, mtime, sz, data) VALUES (?, ?, ?, ?, ?)`,
		name, mode, mtime, len(data), data,
	)
	if err != nil {
		return "", fmt.Errorf("inserting archive entry %s: %w", name, err)
	}
	return shaHex, nil
}

// Supersede replaces the content of an existing entry and returns the
// new sha256 hex digest (R1.3). The entry must already exist.
func (s *Store) Supersede(ctx context.Context, name string, data []byte, mode int64, mtime int64) (string, error) {
	if _, err := s.Hash(ctx, name); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sqlar SET mode = ?, mtime = ?, sz = ?, data = ? WHERE name = ?`,
		mode, mtime, len(data), data, name,
	)
	if err != nil {
		return "", fmt.Errorf("updating archive entry %s: %w", name, err)
	}
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the raw bytes of an entry, or types.ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sqlar WHERE name = ?`, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive entry %s: %w", name, err)
	}
	return data, nil
}

// Entry returns the full archive row for name, or types.ErrNotFound.
func (s *Store) Entry(ctx context.Context, name string) (types.ArchiveEntry, error) {
	var e types.ArchiveEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT name, mode, mtime, sz, data FROM sqlar WHERE name = ?`, name,
	).Scan(&e.Path, &e.Mode, &e.MTime, &e.Size, &e.Data)
	if err == sql.ErrNoRows {
		return types.ArchiveEntry{}, types.ErrNotFound
	}
	if err != nil {
		return types.ArchiveEntry{}, fmt.Errorf("reading archive entry %s: %w", name, err)
	}
	return e, nil
}

// Hash returns the sha256 hex digest of an entry's bytes without
// materializing callers' copies of the data elsewhere.
func (s *Store) Hash(ctx context.Context, name string) (string, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sqlar WHERE name = ?`, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return "", types.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hashing archive entry %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// List returns the names of all entries whose name starts with prefix,
// sorted ascending. An empty prefix lists the whole archive (R1.4). The
// prefix is matched literally; LIKE wildcards in it are escaped.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlar WHERE name LIKE ? || '%' ESCAPE '\' ORDER BY name`,
		escapeLike(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("listing archive entries: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning archive name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archive entries: %w", err)
	}
	return names, nil
}

// escapeLike escapes the LIKE wildcards and the escape character itself
// so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
