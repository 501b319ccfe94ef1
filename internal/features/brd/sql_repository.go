package brd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// sqlQueries is the statement set for one database/sql driver.
type sqlQueries struct {
	get    string
	insert string
	merge  string
	delete string
}

// Postgres:
//
//	CREATE TABLE brds (
//	    id         text PRIMARY KEY,
//	    fields     jsonb NOT NULL DEFAULT '{}',
//	    updated_at timestamptz NOT NULL DEFAULT now(),
//	    deleted_at timestamptz
//	);
//
// MySQL (the DSN needs parseTime=true):
//
//	CREATE TABLE brds (
//	    id         varchar(64) PRIMARY KEY,
//	    fields     json NOT NULL,
//	    updated_at datetime(6) NOT NULL,
//	    deleted_at datetime(6) NULL
//	);
var dialects = map[string]sqlQueries{
	"postgres": {
		get:    `SELECT fields, updated_at FROM brds WHERE id = $1 AND deleted_at IS NULL`,
		insert: `INSERT INTO brds (id, fields, updated_at) VALUES ($1, $2, $3)`,
		merge:  `UPDATE brds SET fields = fields || $1::jsonb, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		delete: `UPDATE brds SET deleted_at = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
	},
	"mysql": {
		get:    `SELECT fields, updated_at FROM brds WHERE id = ? AND deleted_at IS NULL`,
		insert: `INSERT INTO brds (id, fields, updated_at) VALUES (?, ?, ?)`,
		merge:  `UPDATE brds SET fields = JSON_MERGE_PATCH(fields, ?), updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		delete: `UPDATE brds SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
	},
}

// SQLStore keeps BRDs in a relational table with a JSON field bag.
type SQLStore struct {
	db      *sql.DB
	queries sqlQueries
}

// NewSQLStore builds a store for driver ("postgres" or "mysql"); unknown
// drivers use the Postgres statements.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	q, ok := dialects[driver]
	if !ok {
		q = dialects["postgres"]
	}
	return &SQLStore{db: db, queries: q}
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	var raw []byte
	rec := &Record{ID: id}

	err := s.db.QueryRowContext(ctx, s.queries.get, id).Scan(&raw, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return nil, err
	}
	if rec.Fields == nil {
		rec.Fields = map[string]interface{}{}
	}
	return rec, nil
}

func (s *SQLStore) Create(ctx context.Context, fields map[string]interface{}) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, s.queries.insert, id, raw, time.Now().UTC()); err != nil {
		return "", err
	}
	return id, nil
}

// Update merges fields into the stored JSON document.
func (s *SQLStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.queries.merge, raw, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.queries.delete, now, now, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
