package queries_test

import (
	"context"
	"testing"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/memstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/notifications/domain"
	"github.com/eskrenkovic/matchpoint/internal/modules/notifications/queries"

	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store docstore.Store, notifications ...domain.Notification) {
	t.Helper()

	for _, n := range notifications {
		n := n
		require.NoError(t, docstore.RunTransaction(context.Background(), store, func(ctx context.Context, tx docstore.Tx) error {
			return tx.Create(domain.Collection, n.ID, n)
		}))
	}
}

func Test_ListNotificationsQuery_Returns_Recipient_Notifications_Newest_First(t *testing.T) {
	// Arrange
	store := memstore.New()
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	seed(t, store,
		domain.Notification{ID: "1", UserID: "a", Message: "older", CreatedAt: base},
		domain.Notification{ID: "2", UserID: "b", Message: "someone else", CreatedAt: base.Add(time.Minute)},
		domain.Notification{ID: "3", UserID: "a", Message: "newer", CreatedAt: base.Add(time.Hour)},
	)

	// Act
	result, err := queries.NewListNotificationsQueryHandler(store).Handle(
		context.Background(),
		queries.ListNotificationsQuery{RecipientID: "a"},
	)

	// Assert
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, "newer", result[0].Message)
	require.Equal(t, "older", result[1].Message)
}

func Test_ListNotificationsQuery_Filters_Read_When_UnreadOnly(t *testing.T) {
	// Arrange
	store := memstore.New()
	base := time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)

	seed(t, store,
		domain.Notification{ID: "1", UserID: "a", Message: "seen", Read: true, CreatedAt: base},
		domain.Notification{ID: "2", UserID: "a", Message: "fresh", CreatedAt: base},
	)

	// Act
	result, err := queries.NewListNotificationsQueryHandler(store).Handle(
		context.Background(),
		queries.ListNotificationsQuery{RecipientID: "a", UnreadOnly: true},
	)

	// Assert
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, "fresh", result[0].Message)
}
