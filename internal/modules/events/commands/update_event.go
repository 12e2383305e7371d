package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/eskrenkovic/mediator-go"
	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type Action string

const (
	ActionAccept  Action = "ACCEPT"
	ActionDecline Action = "DECLINE"
	ActionCancel  Action = "CANCEL"
)

var actionStatus = map[Action]domain.Status{
	ActionAccept:  domain.StatusAccepted,
	ActionDecline: domain.StatusDeclined,
	ActionCancel:  domain.StatusCancelled,
}

type UpdateEventCommand struct {
	EventID string `json:"eventId"`
	Action  Action `json:"action"`
	ActorID string `json:"-"`
}

func (c UpdateEventCommand) Validate() error {
	var v core.Validations

	v.Check(strings.TrimSpace(c.EventID) != "", "invalid EventID - '%s'", c.EventID)
	_, known := actionStatus[c.Action]
	v.Check(known, "invalid Action - '%s': expected ACCEPT, DECLINE or CANCEL", c.Action)
	v.Check(c.ActorID != "", "missing actor")

	return v.Err()
}

func HandleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	command, err := core.RequestBody[UpdateEventCommand](r)
	if err != nil {
		core.WriteBadRequest(w, r, err)
		return
	}

	command.EventID = chi.URLParam(r, "id")
	command.ActorID = core.Session(ctx).UserID

	response, err := mediator.Send[UpdateEventCommand, domain.Event](ctx, command)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type UpdateEventCommandHandler struct {
	store  docstore.Store
	now    func() time.Time
	txOpts []docstore.TxOption
}

func NewUpdateEventCommandHandler(
	store docstore.Store,
	now func() time.Time,
	txOpts ...docstore.TxOption,
) *UpdateEventCommandHandler {
	return &UpdateEventCommandHandler{store: store, now: now, txOpts: txOpts}
}

// Handle applies the action inside an optimistic transaction. A concurrent
// writer makes the commit fail and the transition is evaluated again against
// the status that won.
func (h *UpdateEventCommandHandler) Handle(
	ctx context.Context,
	request UpdateEventCommand,
) (domain.Event, error) {
	to := actionStatus[request.Action]

	var updated domain.Event
	err := docstore.RunTransaction(ctx, h.store, func(ctx context.Context, tx docstore.Tx) error {
		doc, err := tx.Get(ctx, domain.Collection, request.EventID)
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("event '%s': %w", request.EventID, core.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var event domain.Event
		if err := doc.DataTo(&event); err != nil {
			return err
		}

		if err := event.Respond(to, request.ActorID, h.now()); err != nil {
			return err
		}

		updated = event
		return tx.Update(domain.Collection, event.ID, event)
	}, h.txOpts...)
	if err != nil {
		return domain.Event{}, core.ToCommandError(err)
	}

	core.LogInfo(
		ctx,
		"event status changed",
		zap.String("event_id", updated.ID),
		zap.String("status", string(updated.Status)),
	)

	return updated, nil
}
