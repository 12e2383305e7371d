// Package memstore keeps documents in process memory. It backs unit tests and
// the "memory" store driver used for local development.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
)

var _ docstore.Store = (*Store)(nil)

type Store struct {
	mu        sync.Mutex
	documents map[string]docstore.Document
	changes   []docstore.Change
	acked     map[int64]bool
	seq       int64
	createSeq map[string]int64
	wake      chan struct{}
	now       func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		documents: make(map[string]docstore.Document),
		acked:     make(map[int64]bool),
		createSeq: make(map[string]int64),
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) Get(_ context.Context, collection, id string) (docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, found := s.documents[docstore.Key(collection, id)]
	if !found {
		return docstore.Document{}, fmt.Errorf("%s: %w", docstore.Key(collection, id), docstore.ErrNotFound)
	}

	return copyDocument(doc), nil
}

func (s *Store) Find(_ context.Context, q docstore.Query) ([]docstore.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ordered struct {
		doc docstore.Document
		seq int64
	}

	var hits []ordered
	for key, doc := range s.documents {
		if doc.Collection != q.Collection {
			continue
		}

		ok, err := matches(doc, q.Where)
		if err != nil {
			return nil, err
		}

		if ok {
			hits = append(hits, ordered{doc: copyDocument(doc), seq: s.createSeq[key]})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })

	results := make([]docstore.Document, 0, len(hits))
	for _, m := range hits {
		results = append(results, m.doc)
	}

	return results, nil
}

func matches(doc docstore.Document, filters []docstore.Filter) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc.Data, &fields); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", doc.Collection, doc.ID, err)
	}

	for _, f := range filters {
		raw, found := fields[f.Field]
		if !found {
			return false, nil
		}

		var value string
		if err := json.Unmarshal(raw, &value); err != nil || value != f.Value {
			return false, nil
		}
	}

	return true, nil
}

func (s *Store) Begin(context.Context) (docstore.Tx, error) {
	return &tx{store: s, reads: make(map[string]int64)}, nil
}

func (s *Store) Pending(_ context.Context, limit int) ([]docstore.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []docstore.Change
	for _, c := range s.changes {
		if s.acked[c.Seq] {
			continue
		}

		pending = append(pending, c)
		if limit > 0 && len(pending) == limit {
			break
		}
	}

	return pending, nil
}

func (s *Store) Ack(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acked[seq] = true
	return nil
}

func (s *Store) Nack(_ context.Context, seq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.changes {
		if s.changes[i].Seq == seq {
			s.changes[i].Attempts++
			return s.changes[i].Attempts, nil
		}
	}

	return 0, fmt.Errorf("change %d: %w", seq, docstore.ErrNotFound)
}

func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

func (s *Store) Close(context.Context) error {
	return nil
}

// Changes returns every change recorded so far, acknowledged or not.
func (s *Store) Changes() []docstore.Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]docstore.Change(nil), s.changes...)
}

type write struct {
	collection string
	id         string
	data       json.RawMessage
	create     bool
}

type tx struct {
	store  *Store
	reads  map[string]int64
	writes []write
	done   bool
}

func (t *tx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := t.store.Get(ctx, collection, id)
	key := docstore.Key(collection, id)

	if _, seen := t.reads[key]; !seen {
		t.reads[key] = doc.Version
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

func (t *tx) Commit(context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range t.reads {
		if s.documents[key].Version != version {
			return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
		}
	}

	for _, w := range t.writes {
		_, exists := s.documents[docstore.Key(w.collection, w.id)]
		if w.create && exists {
			return fmt.Errorf("%s: %w", docstore.Key(w.collection, w.id), docstore.ErrConflict)
		}
		if !w.create && !exists {
			return fmt.Errorf("%s: %w", docstore.Key(w.collection, w.id), docstore.ErrNotFound)
		}
	}

	now := s.now()
	for _, w := range t.writes {
		key := docstore.Key(w.collection, w.id)
		previous := s.documents[key]

		doc := docstore.Document{
			Collection: w.collection,
			ID:         w.id,
			Data:       append(json.RawMessage(nil), w.data...),
			Version:    previous.Version + 1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		s.seq++
		change := docstore.Change{
			Seq:        s.seq,
			Collection: w.collection,
			DocumentID: w.id,
			Kind:       docstore.ChangeCreated,
			After:      doc.Data,
			CreatedAt:  now,
		}

		if w.create {
			s.createSeq[key] = s.seq
		} else {
			doc.CreatedAt = previous.CreatedAt
			change.Kind = docstore.ChangeUpdated
			change.Before = previous.Data
		}

		s.documents[key] = doc
		s.changes = append(s.changes, change)
	}

	if len(t.writes) > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}

	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.done = true
	return nil
}

func copyDocument(doc docstore.Document) docstore.Document {
	doc.Data = append(json.RawMessage(nil), doc.Data...)
	return doc
}
