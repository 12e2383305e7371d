package queries

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	"github.com/eskrenkovic/matchpoint/internal/modules/notifications/domain"

	"github.com/eskrenkovic/mediator-go"
)

type ListNotificationsQuery struct {
	RecipientID string
	UnreadOnly  bool
}

func (q ListNotificationsQuery) Validate() error {
	if q.RecipientID == "" {
		return core.ValidationError{ValidationErrors: []error{fmt.Errorf("missing recipient")}}
	}

	return nil
}

func HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query := ListNotificationsQuery{RecipientID: core.Session(ctx).UserID}

	if unread := r.URL.Query().Get("unread"); unread != "" {
		unreadOnly, err := strconv.ParseBool(unread)
		if err != nil {
			core.WriteBadRequest(w, r, fmt.Errorf("invalid format for query param 'unread'"))
			return
		}
		query.UnreadOnly = unreadOnly
	}

	response, err := mediator.Send[ListNotificationsQuery, []domain.Notification](ctx, query)
	if err != nil {
		core.WriteCommandError(w, r, err)
		return
	}

	core.WriteOK(w, r, response)
}

type ListNotificationsQueryHandler struct {
	store docstore.Reader
}

func NewListNotificationsQueryHandler(store docstore.Reader) *ListNotificationsQueryHandler {
	return &ListNotificationsQueryHandler{store}
}

// Handle returns the recipient's notifications, newest first.
func (h *ListNotificationsQueryHandler) Handle(
	ctx context.Context,
	request ListNotificationsQuery,
) ([]domain.Notification, error) {
	docs, err := h.store.Find(ctx, docstore.Where(domain.Collection, docstore.Eq("userId", request.RecipientID)))
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		var n domain.Notification
		if err := docs[i].DataTo(&n); err != nil {
			return nil, err
		}

		if request.UnreadOnly && n.Read {
			continue
		}
		notifications = append(notifications, n)
	}

	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})

	return notifications, nil
}
