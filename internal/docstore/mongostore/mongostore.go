// Package mongostore keeps documents in MongoDB. Commits run inside a
// multi-document transaction, so the server must be a replica set.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver"
	"go.uber.org/zap"
)

const (
	documentsCollection = "documents"
	changesCollection   = "document_changes"
	countersCollection  = "counters"

	changeCounterID = "document_changes"
)

var _ docstore.Store = (*Store)(nil)

type documentRecord struct {
	Key        string    `bson:"_id"`
	Collection string    `bson:"collection"`
	ID         string    `bson:"docId"`
	Data       bson.D    `bson:"data"`
	Version    int64     `bson:"version"`
	CreateSeq  int64     `bson:"createSeq"`
	CreatedAt  time.Time `bson:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt"`
}

type changeRecord struct {
	Seq        int64     `bson:"_id"`
	Collection string    `bson:"collection"`
	DocumentID string    `bson:"documentId"`
	Kind       string    `bson:"kind"`
	Before     string    `bson:"before,omitempty"`
	After      string    `bson:"after"`
	Attempts   int       `bson:"attempts"`
	Acked      bool      `bson:"acked"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type Store struct {
	client    *mongo.Client
	documents *mongo.Collection
	changes   *mongo.Collection
	counters  *mongo.Collection
	logger    *zap.Logger
}

// Connect dials uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return New(client, database, logger), nil
}

func New(client *mongo.Client, database string, logger *zap.Logger) *Store {
	db := client.Database(database)
	return &Store{
		client:    client,
		documents: db.Collection(documentsCollection),
		changes:   db.Collection(changesCollection),
		counters:  db.Collection(countersCollection),
		logger:    logger,
	}
}

// EnsureIndexes creates the indexes used by Find and Pending.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	documentIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "createSeq", Value: 1}},
			Options: options.Index().SetName("idx_documents_collection_seq"),
		},
		{
			Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "data.matchId", Value: 1}},
			Options: options.Index().SetName("idx_documents_match"),
		},
		{
			Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "data.userId", Value: 1}},
			Options: options.Index().SetName("idx_documents_user"),
		},
	}
	if _, err := s.documents.Indexes().CreateMany(ctx, documentIndexes); err != nil {
		return err
	}

	changeIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "acked", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_changes_pending"),
		},
	}
	_, err := s.changes.Indexes().CreateMany(ctx, changeIndexes)
	return err
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	var rec documentRecord
	err := s.documents.FindOne(ctx, bson.M{"_id": docstore.Key(collection, id)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Document{}, fmt.Errorf("%s: %w", docstore.Key(collection, id), docstore.ErrNotFound)
	}
	if err != nil {
		return docstore.Document{}, err
	}

	return rec.document()
}

func (s *Store) Find(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	filter := bson.D{{Key: "collection", Value: q.Collection}}
	for _, f := range q.Where {
		filter = append(filter, bson.E{Key: "data." + f.Field, Value: f.Value})
	}

	opts := options.Find().SetSort(bson.D{{Key: "createSeq", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := s.documents.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []documentRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}

	docs := make([]docstore.Document, 0, len(records))
	for _, rec := range records {
		doc, err := rec.document()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func (s *Store) Begin(context.Context) (docstore.Tx, error) {
	return &tx{store: s, reads: make(map[string]int64)}, nil
}

func (s *Store) Pending(ctx context.Context, limit int) ([]docstore.Change, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.changes.Find(ctx, bson.M{"acked": false}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []changeRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}

	changes := make([]docstore.Change, 0, len(records))
	for _, rec := range records {
		change := docstore.Change{
			Seq:        rec.Seq,
			Collection: rec.Collection,
			DocumentID: rec.DocumentID,
			Kind:       docstore.ChangeKind(rec.Kind),
			After:      json.RawMessage(rec.After),
			Attempts:   rec.Attempts,
			CreatedAt:  rec.CreatedAt.UTC(),
		}
		if rec.Before != "" {
			change.Before = json.RawMessage(rec.Before)
		}
		changes = append(changes, change)
	}

	return changes, nil
}

func (s *Store) Ack(ctx context.Context, seq int64) error {
	_, err := s.changes.UpdateOne(ctx,
		bson.M{"_id": seq},
		bson.M{"$set": bson.M{"acked": true, "ackedAt": time.Now().UTC()}},
	)
	return err
}

func (s *Store) Nack(ctx context.Context, seq int64) (int, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var rec changeRecord
	err := s.changes.FindOneAndUpdate(ctx,
		bson.M{"_id": seq},
		bson.M{"$inc": bson.M{"attempts": 1}},
		opts,
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("change %d: %w", seq, docstore.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	return rec.Attempts, nil
}

// Wake returns nil; the dispatcher polls this backend.
func (s *Store) Wake() <-chan struct{} {
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": changeCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)

	return counter.Seq, err
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
}

func (t *tx) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := t.store.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return doc, err
	}

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

func (t *tx) Commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}

	session, err := t.store.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if err := t.validateReads(sc); err != nil {
			return nil, err
		}

		for _, w := range t.writes {
			if err := t.apply(sc, w); err != nil {
				return nil, err
			}
		}

		return nil, nil
	})

	return mapCommitError(err)
}

// validateReads touches every document read but not written so a concurrent
// writer aborts one of the two transactions, then checks versions.
func (t *tx) validateReads(ctx context.Context) error {
	written := make(map[string]bool, len(t.writes))
	for _, w := range t.writes {
		written[docstore.Key(w.collection, w.id)] = true
	}

	for key, version := range t.reads {
		if version == 0 {
			n, err := t.store.documents.CountDocuments(ctx, bson.M{"_id": key})
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
			}
			continue
		}

		if written[key] {
			continue
		}

		res, err := t.store.documents.UpdateOne(ctx,
			bson.M{"_id": key, "version": version},
			bson.M{"$set": bson.M{"lock": primitive.NewObjectID()}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
		}
	}

	return nil
}

func (t *tx) apply(ctx context.Context, w write) error {
	key := docstore.Key(w.collection, w.id)

	data, err := toBSON(w.data)
	if err != nil {
		return err
	}

	seq, err := t.store.nextSeq(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	change := changeRecord{
		Seq:        seq,
		Collection: w.collection,
		DocumentID: w.id,
		Kind:       string(docstore.ChangeCreated),
		After:      string(w.data),
		CreatedAt:  now,
	}

	if w.create {
		rec := documentRecord{
			Key:        key,
			Collection: w.collection,
			ID:         w.id,
			Data:       data,
			Version:    1,
			CreateSeq:  seq,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if _, err := t.store.documents.InsertOne(ctx, rec); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
			}
			return err
		}
	} else {
		var previous documentRecord
		err := t.store.documents.FindOneAndUpdate(ctx,
			bson.M{"_id": key, "version": t.reads[key]},
			bson.M{
				"$set": bson.M{"data": data, "updatedAt": now},
				"$inc": bson.M{"version": int64(1)},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.Before),
		).Decode(&previous)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", key, docstore.ErrConflict)
		}
		if err != nil {
			return err
		}

		before, err := toJSON(previous.Data)
		if err != nil {
			return err
		}

		change.Kind = string(docstore.ChangeUpdated)
		change.Before = string(before)
	}

	_, err = t.store.changes.InsertOne(ctx, change)
	return err
}

func (t *tx) Rollback(context.Context) error {
	t.writes = nil
	return nil
}

func mapCommitError(err error) error {
	if err == nil || errors.Is(err, docstore.ErrConflict) {
		return err
	}

	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%v: %w", err, docstore.ErrConflict)
	}

	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel(driver.TransientTransactionError) {
		return fmt.Errorf("%v: %w", err, docstore.ErrConflict)
	}

	return err
}

func (r documentRecord) document() (docstore.Document, error) {
	data, err := toJSON(r.Data)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", r.Key, err)
	}

	return docstore.Document{
		Collection: r.Collection,
		ID:         r.ID,
		Data:       data,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}, nil
}

// toBSON converts a JSON object into a BSON document so its fields can be
// filtered on server side.
func toBSON(data json.RawMessage) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, fmt.Errorf("convert document to bson: %w", err)
	}
	return d, nil
}

func toJSON(d bson.D) (json.RawMessage, error) {
	if d == nil {
		d = bson.D{}
	}

	data, err := bson.MarshalExtJSON(d, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert document to json: %w", err)
	}
	return data, nil
}
