//go:build integration

package pgstore_test

import (
	"context"
	"database/sql"
	"log"
	"os"
	"path"
	"sync"
	"testing"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/pgstore"
	"github.com/eskrenkovic/matchpoint/internal/test"

	"github.com/eskrenkovic/migrate-go"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	store *pgstore.Store
	db    *sql.DB
)

type note struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	fixture := test.NewPostgresFixture()
	if err := fixture.Start(ctx); err != nil {
		log.Fatal(err)
	}

	var err error
	db, err = sql.Open("postgres", fixture.DatabaseURL())
	if err != nil {
		log.Fatal(err)
	}

	if err := migrate.Run(ctx, db, path.Join("..", "..", "..", "db", "migrations")); err != nil {
		log.Fatal(err)
	}

	store = pgstore.New(db, zap.NewNop())
	if err := store.Listen(ctx, fixture.DatabaseURL()); err != nil {
		log.Fatal(err)
	}

	code := m.Run()

	_ = store.Close(ctx)
	if err := fixture.Stop(ctx); err != nil {
		log.Fatal(err)
	}

	os.Exit(code)
}

func Test_Commit_Creates_Document_With_First_Version(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()

	// Act
	err := docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, id, note{Owner: "a", Text: "hello"})
	})

	// Assert
	require.NoError(t, err)

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

func Test_Commit_Returns_ErrConflict_When_Read_Document_Changed(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	id := uuid.NewString()

	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, id, note{Owner: "a", Text: "v1"})
	}))

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
}

func Test_Find_Filters_By_Field_In_Creation_Order(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()
	owner := uuid.NewString()

	for _, text := range []string{"first", "second"} {
		text := text
		require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
			return tx.Create(collection, uuid.NewString(), note{Owner: owner, Text: text})
		}))
	}
	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, uuid.NewString(), note{Owner: "someone else", Text: "other"})
	}))

	// Act
	docs, err := store.Find(ctx, docstore.Where(collection, docstore.Eq("owner", owner)))

	// Assert
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var first note
	require.NoError(t, docs[0].DataTo(&first))
	require.Equal(t, "first", first.Text)
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

	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, id, note{Text: "v1"})
	}))
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

func Test_Dispatcher_Delivers_Change_Committed_After_Higher_Seq_Was_Acked(t *testing.T) {
	// Arrange
	ctx := context.Background()
	collection := "notes_" + uuid.NewString()

	var seen []string
	d := docstore.NewDispatcher(store, zap.NewNop())
	d.OnCreate(collection, func(_ context.Context, c docstore.Change) error {
		seen = append(seen, c.DocumentID)
		return nil
	})

	_, err := d.Drain(ctx)
	require.NoError(t, err)

	slow, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = slow.Rollback() }()

	const insertChange = `
		INSERT INTO
			document_changes (collection, document_id, kind, after)
		VALUES
			($1, $2, 'created', '{}')
		RETURNING
			seq;`

	var slowSeq int64
	require.NoError(t, slow.QueryRowContext(ctx, insertChange, collection, "slow").Scan(&slowSeq))

	fastID := uuid.NewString()
	require.NoError(t, docstore.RunTransaction(ctx, store, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Create(collection, fastID, note{Text: "fast"})
	}))

	_, err = d.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{fastID}, seen)

	// Act
	require.NoError(t, slow.Commit())
	_, err = d.Drain(ctx)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{fastID, "slow"}, seen)

	pending, err := store.Pending(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, pending)
}
