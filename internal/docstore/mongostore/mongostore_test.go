//go:build integration

package mongostore_test

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/mongostore"
	"github.com/eskrenkovic/matchpoint/internal/test"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var store *mongostore.Store

type note struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	fixture := test.NewMongoFixture()
	if err := fixture.Start(ctx); err != nil {
		log.Fatal(err)
	}

	database := "matchpoint_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var err error
	store, err = mongostore.Connect(ctx, fixture.URL(), database, zap.NewNop())
	if err != nil {
		log.Fatal(err)
	}

	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatal(err)
	}

	code := m.Run()

	_ = store.Close(ctx)
	if err := fixture.Stop(ctx); err != nil {
		log.Fatal(err)
	}

	os.Exit(code)
}

func create(t *testing.T, collection, id string, n note) {
	t.Helper()
	require.NoError(t, docstore.RunTransaction(context.Background(), store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, id, n)
	}))
}

func Test_Commit_Creates_Document_With_First_Version(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()

	// Act
	create(t, collection, id, note{Owner: "a", Text: "hello"})

	// Assert
	doc, err := store.Get(ctx, collection, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Version)

	var n note
	require.NoError(t, doc.DataTo(&n))
	require.Equal(t, "hello", n.Text)
}

func Test_Get_Returns_ErrNotFound_When_Document_Missing(t *testing.T) {
	// Act
	_, err := store.Get(context.Background(), "notes", uuid.NewString())

	// Assert
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func Test_Commit_Returns_ErrConflict_When_Creating_Existing_Document(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()
	create(t, collection, id, note{Text: "first"})

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Create(collection, id, note{Text: "second"}))

	// Act
	err = tx.Commit(ctx)

	// Assert
	require.ErrorIs(t, err, docstore.ErrConflict)

	doc, err := store.Get(ctx, collection, id)
	require.NoError(t, err)

	var n note
	require.NoError(t, doc.DataTo(&n))
	require.Equal(t, "first", n.Text)
}

func Test_Commit_Returns_ErrConflict_When_Missing_Document_Was_Created_Meanwhile(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Get(ctx, collection, id)
	require.ErrorIs(t, err, docstore.ErrNotFound)

	create(t, collection, id, note{Text: "winner"})

	// Act
	require.NoError(t, tx.Create(collection, id, note{Text: "loser"}))
	err = tx.Commit(ctx)

	// Assert
	require.ErrorIs(t, err, docstore.ErrConflict)
}

func Test_Commit_Returns_ErrConflict_When_Read_Document_Changed(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()
	create(t, collection, id, note{Owner: "a", Text: "v1"})

	stale, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = stale.Get(ctx, collection, id)
	require.NoError(t, err)

	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, collection, id); err != nil {
			return err
		}
		return tx.Update(collection, id, note{Owner: "a", Text: "v2"})
	}))

	// Act
	require.NoError(t, stale.Update(collection, id, note{Owner: "a", Text: "stale"}))
	err = stale.Commit(ctx)

	// Assert
	require.ErrorIs(t, err, docstore.ErrConflict)

	doc, err := store.Get(ctx, collection, id)
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Version)
}

func Test_Commit_Returns_ErrConflict_When_Document_Only_Read_Changed(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	readID := uuid.NewString()
	create(t, collection, readID, note{Text: "v1"})

	stale, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = stale.Get(ctx, collection, readID)
	require.NoError(t, err)

	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, collection, readID); err != nil {
			return err
		}
		return tx.Update(collection, readID, note{Text: "v2"})
	}))

	// Act
	writtenID := uuid.NewString()
	require.NoError(t, stale.Create(collection, writtenID, note{Text: "derived from v1"}))
	err = stale.Commit(ctx)

	// Assert
	require.ErrorIs(t, err, docstore.ErrConflict)

	_, err = store.Get(ctx, collection, writtenID)
	require.ErrorIs(t, err, docstore.ErrNotFound)
}

func Test_RunTransaction_Serializes_Concurrent_Updates(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "counters_" + uuid.NewString()
	id := uuid.NewString()

	type counter struct {
		Value int `json:"value"`
	}

	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, id, counter{})
	}))

	// Act
	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
				doc, err := tx.Get(ctx, collection, id)
				if err != nil {
					return err
				}

				var c counter
				if err := doc.DataTo(&c); err != nil {
					return err
				}
				c.Value++

				return tx.Update(collection, id, c)
			}, docstore.WithMaxAttempts(20))
		}()
	}
	wg.Wait()
	close(errs)

	// Assert
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := store.Get(ctx, collection, id)
	require.NoError(t, err)

	var c counter
	require.NoError(t, doc.DataTo(&c))
	require.Equal(t, workers, c.Value)
	require.Equal(t, int64(workers+1), doc.Version)
}

func Test_Find_Filters_By_Field_In_Creation_Order(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	owner := uuid.NewString()

	create(t, collection, uuid.NewString(), note{Owner: owner, Text: "first"})
	create(t, collection, uuid.NewString(), note{Owner: owner, Text: "second"})
	create(t, collection, uuid.NewString(), note{Owner: "someone else", Text: "other"})

	// Act
	docs, err := store.Find(ctx, docstore.Where(collection, docstore.Eq("owner", owner)))

	// Assert
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var first, second note
	require.NoError(t, docs[0].DataTo(&first))
	require.NoError(t, docs[1].DataTo(&second))
	require.Equal(t, "first", first.Text)
	require.Equal(t, "second", second.Text)
}

func Test_Dispatcher_Delivers_Committed_Changes(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()

	var (
		mu      sync.Mutex
		created []string
		updated []string
	)

	d := docstore.NewDispatcher(store, zap.NewNop())
	d.OnCreate(collection, func(_ context.Context, c docstore.Change) error {
		mu.Lock()
		defer mu.Unlock()
		created = append(created, c.DocumentID)
		return nil
	})
	d.OnUpdate(collection, func(_ context.Context, c docstore.Change) error {
		var before, after note
		if err := c.BeforeTo(&before); err != nil {
			return err
		}
		if err := c.AfterTo(&after); err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		updated = append(updated, before.Text+"->"+after.Text)
		return nil
	})

	create(t, collection, id, note{Text: "v1"})
	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		if _, err := tx.Get(ctx, collection, id); err != nil {
			return err
		}
		return tx.Update(collection, id, note{Text: "v2"})
	}))

	// Act
	_, err := d.Drain(ctx)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{id}, created)
	require.Equal(t, []string{"v1->v2"}, updated)

	pending, err := store.Pending(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func Test_Nack_Counts_Delivery_Attempts(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	create(t, collection, uuid.NewString(), note{Text: "v1"})

	pending, err := store.Pending(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	seq := pending[len(pending)-1].Seq

	// Act
	_, err = store.Nack(ctx, seq)
	require.NoError(t, err)
	attempts, err := store.Nack(ctx, seq)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.NoError(t, store.Ack(ctx, seq))
}
