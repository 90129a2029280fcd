// Package pgkv implements external.KVStore over PostgreSQL, for nodes whose
// operator already runs a database server. The schema is a single
// partitioned key/value table; all record semantics stay in the store
// layer above.
package pgkv

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Store is a partition-scoped view over one shared connection pool.
type Store struct {
	db        *sql.DB
	partition string
}

// Open connects with a lib/pq DSN and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS pdn_kv (
	partition TEXT NOT NULL,
	k TEXT NOT NULL,
	v BYTEA NOT NULL,
	PRIMARY KEY (partition, k)
	)`); err != nil {
		db.Close()
		return nil, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return &Store{db: db, partition: ""}, nil
}

// Close releases the pool. Only the root store should close.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT v FROM pdn_kv WHERE partition = $1 AND k = $2`, s.partition, key).Scan(&v)
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
		`INSERT INTO pdn_kv (partition, k, v) VALUES ($1, $2, $3)
		 ON CONFLICT (partition, k) DO UPDATE SET v = EXCLUDED.v`,
		s.partition, key, value)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pdn_kv WHERE partition = $1 AND k = $2`, s.partition, key)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pdn_kv WHERE partition = $1`, s.partition)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM pdn_kv WHERE partition = $1 ORDER BY k`, s.partition)
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
		`SELECT v FROM pdn_kv WHERE partition = $1 ORDER BY k`, s.partition)
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
	return &Store{db: s.db, partition: s.partition + "/" + name}
}
