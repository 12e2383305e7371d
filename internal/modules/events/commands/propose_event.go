package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/eskrenkovic/mediator-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ProposeEventCommand struct {
	MatchID      string   `json:"matchId"`
	Participants []string `json:"participants"`
	ProposerID   string   `json:"proposerId"`
	Start        string   `json:"start"`
	DurationMins int      `json:"durationMins"`
	CourtID      *string  `json:"courtId,omitempty"`
	CourtName    *string  `json:"courtName,omitempty"`
	Note         *string  `json:"note,omitempty"`

	IdempotencyKey string `json:"-"`
}

func (c ProposeEventCommand) proposal() domain.Proposal {
	return domain.Proposal{
		MatchID:      c.MatchID,
		Participants: c.Participants,
		ProposerID:   c.ProposerID,
		Start:        c.Start,
		DurationMins: c.DurationMins,
		CourtID:      c.CourtID,
		CourtName:    c.CourtName,
		Note:         c.Note,
	}
}

func (c ProposeEventCommand) Validate() error {
	_, err := c.proposal().Validate()
	return err
}

type ProposeEventResponse struct {
	EventID string `json:"eventId"`
}

func HandleProposeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	command, err := core.RequestBody[ProposeEventCommand](r)
	if err != nil {
		core.WriteBadRequest(w, r, err)
		return
	}

	// The caller always proposes as themselves.
	command.ProposerID = core.Session(ctx).UserID
	command.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)

	response, err := mediator.Send[ProposeEventCommand, ProposeEventResponse](ctx, command)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	location := fmt.Sprintf("/match-events/%s", response.EventID)
	core.WriteCreated(w, r, location, response)
}

type ProposeEventCommandHandler struct {
	store  docstore.Store
	now    func() time.Time
	txOpts []docstore.TxOption
}

func NewProposeEventCommandHandler(
	store docstore.Store,
	now func() time.Time,
	txOpts ...docstore.TxOption,
) *ProposeEventCommandHandler {
	return &ProposeEventCommandHandler{store: store, now: now, txOpts: txOpts}
}

func (h *ProposeEventCommandHandler) Handle(
	ctx context.Context,
	request ProposeEventCommand,
) (ProposeEventResponse, error) {
	var response ProposeEventResponse

	err := docstore.RunTransaction(ctx, h.store, func(ctx context.Context, tx docstore.Tx) error {
		var keyID, fingerprint string
		if request.IdempotencyKey != "" {
			keyID = domain.IdempotencyKeyID(request.ProposerID, request.IdempotencyKey)

			var err error
			fingerprint, err = request.proposal().Fingerprint()
			if err != nil {
				return err
			}

			doc, err := tx.Get(ctx, domain.IdempotencyCollection, keyID)
			switch {
			case err == nil:
				var record domain.IdempotencyRecord
				if err := doc.DataTo(&record); err != nil {
					return err
				}

				if !record.Matches(fingerprint) {
					return fmt.Errorf("key '%s' produced event '%s': %w", request.IdempotencyKey, record.EventID, core.ErrIdempotencyKeyReuse)
				}

				response.EventID = record.EventID
				return nil
			case !errors.Is(err, docstore.ErrNotFound):
				return err
			}
		}

		now := h.now()

		event, err := domain.Propose(uuid.NewString(), request.proposal(), now)
		if err != nil {
			return err
		}

		if err := tx.Create(domain.Collection, event.ID, event); err != nil {
			return err
		}

		if keyID != "" {
			record := domain.IdempotencyRecord{
				UserID:    request.ProposerID,
				Key:       request.IdempotencyKey,
				EventID:   event.ID,
				Request:   fingerprint,
				CreatedAt: now.UTC(),
			}
			if err := tx.Create(domain.IdempotencyCollection, keyID, record); err != nil {
				return err
			}
		}

		response.EventID = event.ID
		return nil
	}, h.txOpts...)
	if err != nil {
		return ProposeEventResponse{}, core.ToCommandError(err)
	}

	core.LogInfo(ctx, "event proposed", zap.String("event_id", response.EventID))

	return response, nil
}
