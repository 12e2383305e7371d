package queries

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/eskrenkovic/mediator-go"
	"github.com/go-chi/chi"
)

type GetEventQuery struct {
	EventID  string
	CallerID string
}

func (q GetEventQuery) Validate() error {
	if strings.TrimSpace(q.EventID) == "" {
		return core.ValidationError{ValidationErrors: []error{fmt.Errorf("invalid EventID - '%s'", q.EventID)}}
	}

	return nil
}

func HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response, err := mediator.Send[GetEventQuery, domain.Event](
		ctx,
		GetEventQuery{EventID: chi.URLParam(r, "id"), CallerID: core.Session(ctx).UserID},
	)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type GetEventQueryHandler struct {
	store docstore.Reader
}

func NewGetEventQueryHandler(store docstore.Reader) *GetEventQueryHandler {
	return &GetEventQueryHandler{store}
}

func (h *GetEventQueryHandler) Handle(ctx context.Context, request GetEventQuery) (domain.Event, error) {
	doc, err := h.store.Get(ctx, domain.Collection, request.EventID)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Event{}, core.ToCommandError(fmt.Errorf("event '%s': %w", request.EventID, core.ErrNotFound))
	}
	if err != nil {
		return domain.Event{}, err
	}

	var event domain.Event
	if err := doc.DataTo(&event); err != nil {
		return domain.Event{}, err
	}

	if !event.HasParticipant(request.CallerID) {
		return domain.Event{}, core.ToCommandError(
			fmt.Errorf("user '%s' is not a participant of event '%s': %w", request.CallerID, event.ID, core.ErrForbidden),
		)
	}

	return event, nil
}
