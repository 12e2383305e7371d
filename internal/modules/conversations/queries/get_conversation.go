package queries

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/conversations/domain"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"

	"github.com/eskrenkovic/mediator-go"
	"github.com/go-chi/chi"
)

type GetConversationQuery struct {
	ConversationID string
	CallerID       string
}

func (q GetConversationQuery) Validate() error {
	if strings.TrimSpace(q.ConversationID) == "" {
		return core.ValidationError{ValidationErrors: []error{fmt.Errorf("invalid ConversationID - '%s'", q.ConversationID)}}
	}

	return nil
}

func HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response, err := mediator.Send[GetConversationQuery, domain.Conversation](
		ctx,
		GetConversationQuery{ConversationID: chi.URLParam(r, "id"), CallerID: core.Session(ctx).UserID},
	)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type GetConversationQueryHandler struct {
	store docstore.Reader
}

func NewGetConversationQueryHandler(store docstore.Reader) *GetConversationQueryHandler {
	return &GetConversationQueryHandler{store}
}

func (h *GetConversationQueryHandler) Handle(
	ctx context.Context,
	request GetConversationQuery,
) (domain.Conversation, error) {
	doc, err := h.store.Get(ctx, domain.Collection, request.ConversationID)
	if errors.Is(err, docstore.ErrNotFound) {
		return domain.Conversation{}, core.ToCommandError(
			fmt.Errorf("conversation '%s': %w", request.ConversationID, core.ErrNotFound),
		)
	}
	if err != nil {
		return domain.Conversation{}, err
	}

	var conversation domain.Conversation
	if err := doc.DataTo(&conversation); err != nil {
		return domain.Conversation{}, err
	}

	if !conversation.HasParticipant(request.CallerID) {
		return domain.Conversation{}, core.ToCommandError(
			fmt.Errorf("user '%s' is not in conversation '%s': %w", request.CallerID, conversation.ID, core.ErrForbidden),
		)
	}

	return conversation, nil
}
