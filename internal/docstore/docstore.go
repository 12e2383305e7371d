// Package docstore is a small transactional document store abstraction.
//
// Documents are JSON values addressed by (collection, id). Writes go through
// optimistic transactions: reads record the version they observed and the commit
// fails with ErrConflict when any of them moved. Every committed write is also
// appended to an ordered change feed that the Dispatcher delivers to handlers.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrConflict      = errors.New("document modified concurrently")
)

type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	// Version is 0 for documents that do not exist and starts at 1 on create.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d Document) DataTo(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
)

// Change is one committed write. Seq increases in commit order for any single
// document. Changes to different documents may become visible out of Seq
// order, so a lower Seq can turn up after a higher one was acknowledged.
type Change struct {
	Seq        int64
	Collection string
	DocumentID string
	Kind       ChangeKind
	Before     json.RawMessage
	After      json.RawMessage
	Attempts   int
	CreatedAt  time.Time
}

func (c Change) BeforeTo(v any) error {
	if len(c.Before) == 0 {
		return fmt.Errorf("change %d has no previous value", c.Seq)
	}
	return json.Unmarshal(c.Before, v)
}

func (c Change) AfterTo(v any) error {
	return json.Unmarshal(c.After, v)
}

// Filter matches documents whose top level string field equals Value.
type Filter struct {
	Field string
	Value string
}

type Query struct {
	Collection string
	Where      []Filter
}

func Where(collection string, filters ...Filter) Query {
	return Query{Collection: collection, Where: filters}
}

func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

type Reader interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Find returns matching documents in creation order.
	Find(ctx context.Context, q Query) ([]Document, error)
}

// Tx buffers writes until Commit. Update requires the document
// to have been read through the same transaction.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Create(collection, id string, v any) error
	Update(collection, id string, v any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Feed interface {
	// Pending returns unacknowledged changes in Seq order.
	Pending(ctx context.Context, limit int) ([]Change, error)
	Ack(ctx context.Context, seq int64) error
	// Nack records a failed delivery and returns the attempts made so far.
	Nack(ctx context.Context, seq int64) (int, error)
	// Wake signals that new changes may be pending. May return nil
	// for backends that rely on polling only.
	Wake() <-chan struct{}
}

type Store interface {
	Reader
	Feed
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Pinger is implemented by backends that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// Key is the canonical "collection/id" form used by backends for bookkeeping.
func Key(collection, id string) string {
	return collection + "/" + id
}
