// Package sqlitekv implements external.KVStore over a single sqlite3
// database, for single-device nodes that want durable storage without a
// database server.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Store is a partition-scoped view over one shared sqlite handle. Partition
// returns a child view; all views share the connection and the table.
type Store struct {
	db        *sql.DB
	partition string
}

// Open opens (and if necessary creates) the database at path.
func Open(path string) (*Store, error) {
	// WAL + busy timeout, keep it simple and provider-neutral.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	db.SetMaxOpenConns(1) // sqlite best practice for simple services

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pdn_kv (
	partition TEXT NOT NULL,
	k TEXT NOT NULL,
	v BLOB NOT NULL,
	PRIMARY KEY (partition, k)
	);`); err != nil {
		db.Close()
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return &Store{db: db, partition: ""}, nil
}

// Close releases the underlying handle. Only the root store should close.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM pdn_kv WHERE partition = ? AND k = ?`, s.partition, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdn_kv (partition, k, v) VALUES (?, ?, ?)
		 ON CONFLICT(partition, k) DO UPDATE SET v = excluded.v`,
		s.partition, key, value)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pdn_kv WHERE partition = ? AND k = ?`, s.partition, key)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pdn_kv WHERE partition = ?`, s.partition)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM pdn_kv WHERE partition = ? ORDER BY k`, s.partition)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) Values(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v FROM pdn_kv WHERE partition = ? ORDER BY k`, s.partition)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Partition(name string) external.KVStore {
	child := s.partition + "/" + name
	return &Store{db: s.db, partition: child}
}
