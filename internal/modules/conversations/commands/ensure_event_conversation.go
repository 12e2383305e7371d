package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/conversations/domain"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	eventsdomain "github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/eskrenkovic/mediator-go"
	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

type EnsureEventConversationCommand struct {
	EventID      string   `json:"eventId"`
	Participants []string `json:"participants"`
	Title        string   `json:"title,omitempty"`
	CallerID     string   `json:"-"`
}

func (c EnsureEventConversationCommand) Validate() error {
	var v core.Validations

	v.Check(strings.TrimSpace(c.EventID) != "", "invalid EventID - '%s'", c.EventID)
	v.Check(len(c.Participants) > 0, "participants must not be empty")
	for _, p := range c.Participants {
		v.Check(strings.TrimSpace(p) != "", "participant ids must not be empty")
	}

	return v.Err()
}

type EnsureEventConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

func HandleEnsureEventConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	command, err := core.RequestBody[EnsureEventConversationCommand](r)
	if err != nil {
		core.WriteBadRequest(w, r, err)
		return
	}

	command.EventID = chi.URLParam(r, "id")
	command.CallerID = core.Session(ctx).UserID

	response, err := mediator.Send[EnsureEventConversationCommand, EnsureEventConversationResponse](ctx, command)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type EnsureEventConversationCommandHandler struct {
	store  docstore.Store
	now    func() time.Time
	txOpts []docstore.TxOption
}

func NewEnsureEventConversationCommandHandler(
	store docstore.Store,
	now func() time.Time,
	txOpts ...docstore.TxOption,
) *EnsureEventConversationCommandHandler {
	return &EnsureEventConversationCommandHandler{store: store, now: now, txOpts: txOpts}
}

// Handle creates the event's conversation or merges into the existing one.
// Two callers racing to create it both end up merged into a single document:
// the losing commit conflicts and its retry takes the merge path.
func (h *EnsureEventConversationCommandHandler) Handle(
	ctx context.Context,
	request EnsureEventConversationCommand,
) (EnsureEventConversationResponse, error) {
	if err := h.authorize(ctx, request); err != nil {
		return EnsureEventConversationResponse{}, core.ToCommandError(err)
	}

	conversationID := domain.IDForEvent(request.EventID)

	err := docstore.RunTransaction(ctx, h.store, func(ctx context.Context, tx docstore.Tx) error {
		now := h.now()

		doc, err := tx.Get(ctx, domain.Collection, conversationID)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			conversation := domain.NewForEvent(request.EventID, now)
			conversation.Merge(request.Participants, request.Title, request.CallerID, now)
			return tx.Create(domain.Collection, conversationID, conversation)
		case err != nil:
			return err
		}

		var conversation domain.Conversation
		if err := doc.DataTo(&conversation); err != nil {
			return err
		}

		conversation.Merge(request.Participants, request.Title, request.CallerID, now)
		return tx.Update(domain.Collection, conversationID, conversation)
	}, h.txOpts...)
	if err != nil {
		return EnsureEventConversationResponse{}, core.ToCommandError(err)
	}

	core.LogInfo(ctx, "event conversation ensured", zap.String("conversation_id", conversationID))

	return EnsureEventConversationResponse{ConversationID: conversationID}, nil
}

// authorize requires the event to exist and, for authenticated callers,
// the caller to take part in it.
func (h *EnsureEventConversationCommandHandler) authorize(
	ctx context.Context,
	request EnsureEventConversationCommand,
) error {
	doc, err := h.store.Get(ctx, eventsdomain.Collection, request.EventID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("event '%s': %w", request.EventID, core.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var event eventsdomain.Event
	if err := doc.DataTo(&event); err != nil {
		return err
	}

	if request.CallerID != "" && !event.HasParticipant(request.CallerID) {
		return fmt.Errorf("user '%s' is not a participant of event '%s': %w", request.CallerID, event.ID, core.ErrForbidden)
	}

	return nil
}
