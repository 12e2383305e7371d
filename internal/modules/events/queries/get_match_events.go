package queries

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/eskrenkovic/mediator-go"
	"github.com/go-chi/chi"
)

type GetMatchEventsQuery struct {
	MatchID  string
	CallerID string
}

func (q GetMatchEventsQuery) Validate() error {
	if strings.TrimSpace(q.MatchID) == "" {
		return core.ValidationError{ValidationErrors: []error{fmt.Errorf("invalid MatchID - '%s'", q.MatchID)}}
	}

	return nil
}

func HandleGetMatchEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response, err := mediator.Send[GetMatchEventsQuery, []domain.Event](
		ctx,
		GetMatchEventsQuery{MatchID: chi.URLParam(r, "matchId"), CallerID: core.Session(ctx).UserID},
	)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type GetMatchEventsQueryHandler struct {
	store docstore.Reader
}

func NewGetMatchEventsQueryHandler(store docstore.Reader) *GetMatchEventsQueryHandler {
	return &GetMatchEventsQueryHandler{store}
}

// Handle lists the match's events visible to the caller, earliest start first.
func (h *GetMatchEventsQueryHandler) Handle(ctx context.Context, request GetMatchEventsQuery) ([]domain.Event, error) {
	docs, err := h.store.Find(ctx, docstore.Where(domain.Collection, docstore.Eq("matchId", request.MatchID)))
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(docs))
	for _, doc := range docs {
		var event domain.Event
		if err := doc.DataTo(&event); err != nil {
			return nil, err
		}

		if event.HasParticipant(request.CallerID) {
			events = append(events, event)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	return events, nil
}
