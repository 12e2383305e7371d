package queries_test

import (
	"context"
	"testing"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/memstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/commands"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/queries"

	"github.com/stretchr/testify/require"
)

func clock() time.Time { return time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC) }

func propose(t *testing.T, store docstore.Store, matchID, start string, participants ...string) string {
	t.Helper()

	response, err := commands.NewProposeEventCommandHandler(store, clock).Handle(
		context.Background(),
		commands.ProposeEventCommand{
			MatchID:      matchID,
			Participants: participants,
			ProposerID:   participants[0],
			Start:        start,
			DurationMins: 60,
		},
	)
	require.NoError(t, err)
	return response.EventID
}

func Test_GetMatchEventsQuery_Returns_Caller_Events_By_Start(t *testing.T) {
	// Arrange
	store := memstore.New()
	late := propose(t, store, "m1", "2025-09-12T18:00:00Z", "a", "b")
	early := propose(t, store, "m1", "2025-09-10T18:00:00Z", "a", "b")
	propose(t, store, "m1", "2025-09-11T18:00:00Z", "c", "d")
	propose(t, store, "m2", "2025-09-09T18:00:00Z", "a", "b")

	// Act
	events, err := queries.NewGetMatchEventsQueryHandler(store).Handle(
		context.Background(),
		queries.GetMatchEventsQuery{MatchID: "m1", CallerID: "b"},
	)

	// Assert
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, early, events[0].ID)
	require.Equal(t, late, events[1].ID)
}

func Test_GetEventQuery_Returns_Event_To_Participant(t *testing.T) {
	// Arrange
	store := memstore.New()
	eventID := propose(t, store, "m1", "2025-09-10T18:00:00Z", "a", "b")

	// Act
	event, err := queries.NewGetEventQueryHandler(store).Handle(
		context.Background(),
		queries.GetEventQuery{EventID: eventID, CallerID: "b"},
	)

	// Assert
	require.NoError(t, err)
	require.Equal(t, eventID, event.ID)
	require.Equal(t, "m1", event.MatchID)
}

func Test_GetEventQuery_Returns_Forbidden_To_Outsider(t *testing.T) {
	// Arrange
	store := memstore.New()
	eventID := propose(t, store, "m1", "2025-09-10T18:00:00Z", "a", "b")

	// Act
	_, err := queries.NewGetEventQueryHandler(store).Handle(
		context.Background(),
		queries.GetEventQuery{EventID: eventID, CallerID: "stranger"},
	)

	// Assert
	require.ErrorIs(t, err, core.ErrForbidden)
}

func Test_GetEventQuery_Returns_NotFound_When_Missing(t *testing.T) {
	// Act
	_, err := queries.NewGetEventQueryHandler(memstore.New()).Handle(
		context.Background(),
		queries.GetEventQuery{EventID: "missing", CallerID: "a"},
	)

	// Assert
	require.ErrorIs(t, err, core.ErrNotFound)
}
