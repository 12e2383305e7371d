// Package pgstore keeps documents as JSONB rows in Postgres. Optimistic
// concurrency uses a per-document version column and the change feed is an
// append-only table written in the same SQL transaction as the documents.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"

	"github.com/eskrenkovic/tql"
	"go.uber.org/zap"
)

const NotifyChannel = "document_changes"

var _ docstore.Store = (*Store)(nil)

type documentRow struct {
	Collection string    `db:"collection"`
	ID         string    `db:"id"`
	Data       []byte    `db:"data"`
	Version    int64     `db:"version"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) document() docstore.Document {
	return docstore.Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       json.RawMessage(r.Data),
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

type changeRow struct {
	Seq        int64     `db:"seq"`
	Collection string    `db:"collection"`
	DocumentID string    `db:"document_id"`
	Kind       string    `db:"kind"`
	Before     []byte    `db:"before"`
	After      []byte    `db:"after"`
	Attempts   int       `db:"attempts"`
	CreatedAt  time.Time `db:"created_at"`
}

type Store struct {
	db     *sql.DB
	logger *zap.Logger
	wake   chan struct{}
	stop   func()
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   func() {},
	}
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	const query = `
		SELECT
			collection, id, data, version, created_at, updated_at
		FROM
			documents
		WHERE
			collection = $1 AND id = $2;`

	row, err := tql.QueryFirst[documentRow](ctx, s.db, query, collection, id)
	switch {
	case err != nil && errors.Is(err, sql.ErrNoRows):
		return docstore.Document{}, fmt.Errorf("%s: %w", docstore.Key(collection, id), docstore.ErrNotFound)
	case err != nil:
		return docstore.Document{}, err
	}

	return row.document(), nil
}

func (s *Store) Find(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT
			collection, id, data, version, created_at, updated_at
		FROM
			documents
		WHERE
			collection = $1`)

	args := []any{q.Collection}
	for _, f := range q.Where {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&b, " AND data->>CAST($%d AS text) = $%d", len(args)-1, len(args))
	}
	b.WriteString(`
		ORDER BY
			created_at, id;`)

	rows, err := tql.Query[documentRow](ctx, s.db, b.String(), args...)
	if err != nil {
		return nil, err
	}

	return core.Map(rows, documentRow.document), nil
}

func (s *Store) Begin(context.Context) (docstore.Tx, error) {
	return &tx{store: s, reads: make(map[string]readEntry)}, nil
}

func (s *Store) Pending(ctx context.Context, limit int) ([]docstore.Change, error) {
	const query = `
		SELECT
			seq, collection, document_id, kind, before, after, attempts, created_at
		FROM
			document_changes
		WHERE
			acked_at IS NULL
		ORDER BY
			seq
		LIMIT $1;`

	rows, err := tql.Query[changeRow](ctx, s.db, query, limit)
	if err != nil {
		return nil, err
	}

	return core.Map(rows, func(r changeRow) docstore.Change {
		return docstore.Change{
			Seq:        r.Seq,
			Collection: r.Collection,
			DocumentID: r.DocumentID,
			Kind:       docstore.ChangeKind(r.Kind),
			Before:     json.RawMessage(r.Before),
			After:      json.RawMessage(r.After),
			Attempts:   r.Attempts,
			CreatedAt:  r.CreatedAt.UTC(),
		}
	}), nil
}

func (s *Store) Ack(ctx context.Context, seq int64) error {
	const stmt = `
		UPDATE
			document_changes
		SET
			acked_at = now()
		WHERE
			seq = $1;`

	_, err := tql.Exec(ctx, s.db, stmt, seq)
	return err
}

func (s *Store) Nack(ctx context.Context, seq int64) (int, error) {
	const stmt = `
		UPDATE
			document_changes
		SET
			attempts = attempts + 1
		WHERE
			seq = $1
		RETURNING
			attempts;`

	return tql.QueryFirst[int](ctx, s.db, stmt, seq)
}

func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(context.Context) error {
	s.stop()
	return s.db.Close()
}

type readEntry struct {
	collection string
	id         string
	version    int64
	data       json.RawMessage
}

type write struct {
	collection string
	id         string
	data       json.RawMessage
	create     bool
}

type tx struct {
	store  *Store
	reads  map[string]readEntry
	writes []write
}

func (t *tx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := t.store.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return doc, err
	}

	key := docstore.Key(collection, id)
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = readEntry{collection: collection, id: id, version: doc.Version, data: doc.Data}
	}

	return doc, err
}

func (t *tx) Create(collection, id string, v any) error {
	data, err := docstore.Encode(v)
	if err != nil {
		return err
	}

	t.writes = append(t.writes, write{collection: collection, id: id, data: data, create: true})
	return nil
}

func (t *tx) Update(collection, id string, v any) error {
	if _, read := t.reads[docstore.Key(collection, id)]; !read {
		return fmt.Errorf("update %s: document was not read in this transaction", docstore.Key(collection, id))
	}

	data, err := docstore.Encode(v)
	if err != nil {
		return err
	}

	t.writes = append(t.writes, write{collection: collection, id: id, data: data})
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}

	return inTx(ctx, t.store.db, sql.LevelReadCommitted, func(ctx context.Context, sqlTx *sql.Tx) error {
		if err := t.validateReads(ctx, sqlTx); err != nil {
			return err
		}

		for _, w := range t.writes {
			if err := t.apply(ctx, sqlTx, w); err != nil {
				return err
			}
		}

		const notifyStmt = `SELECT pg_notify($1, '');`
		_, err := tql.Exec(ctx, sqlTx, notifyStmt, NotifyChannel)
		return err
	})
}

// validateReads locks every document read by the transaction, in key order
// to avoid deadlocks, and checks none of them moved since it was read.
func (t *tx) validateReads(ctx context.Context, sqlTx *sql.Tx) error {
	keys := make([]string, 0, len(t.reads))
	for key := range t.reads {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	const query = `
		SELECT
			version
		FROM
			documents
		WHERE
			collection = $1 AND id = $2
		FOR UPDATE;`

	for _, key := range keys {
		read := t.reads[key]

		version, err := tql.QueryFirst[int64](ctx, sqlTx, query, read.collection, read.id)
		switch {
		case err != nil && errors.Is(err, sql.ErrNoRows):
			version = 0
		case err != nil:
			return err
		}

		if version != read.version {
			return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
		}
	}

	return nil
}

func (t *tx) apply(ctx context.Context, sqlTx *sql.Tx, w write) error {
	key := docstore.Key(w.collection, w.id)

	var (
		result sql.Result
		err    error
		before any
		kind   = docstore.ChangeCreated
	)

	if w.create {
		const stmt = `
			INSERT INTO
				documents (collection, id, data, version)
			VALUES
				($1, $2, $3, 1)
			ON CONFLICT (collection, id) DO NOTHING;`

		result, err = tql.Exec(ctx, sqlTx, stmt, w.collection, w.id, string(w.data))
	} else {
		read := t.reads[key]
		kind = docstore.ChangeUpdated
		before = string(read.data)

		const stmt = `
			UPDATE
				documents
			SET
				data = $1,
				version = version + 1,
				updated_at = now()
			WHERE
				collection = $2 AND id = $3 AND version = $4;`

		result, err = tql.Exec(ctx, sqlTx, stmt, string(w.data), w.collection, w.id, read.version)
	}
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
	}

	const changeStmt = `
		INSERT INTO
			document_changes (collection, document_id, kind, before, after)
		VALUES
			($1, $2, $3, $4, $5);`

	_, err = tql.Exec(ctx, sqlTx, changeStmt, w.collection, w.id, string(kind), before, string(w.data))
	return err
}

func (t *tx) Rollback(context.Context) error {
	t.writes = nil
	return nil
}
