package domain

import (
	"fmt"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	eventsdomain "github.com/eskrenkovic/matchpoint/internal/modules/events/domain"

	"github.com/google/uuid"
)

const Collection = "notifications"

type Type string

const (
	TypeEventProposed Type = "event_proposed"
	TypeEventState    Type = "event_state"
)

var notificationNamespace = uuid.MustParse("5d0c9a52-2f0e-4a57-9b0a-8f1f4c6a2e93")

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Type      Type      `json:"type"`
	EventID   string    `json:"eventId"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// ID derives the notification id from the change that caused it, so
// delivering the same change twice addresses the same documents.
func ID(changeSeq int64, eventID, recipientID string) string {
	name := fmt.Sprintf("%d/%s/%s", changeSeq, eventID, recipientID)
	return uuid.NewSHA1(notificationNamespace, []byte(name)).String()
}

func ProposalMessage(start time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return "New time proposed: " + start.In(loc).Format("Mon, Jan 2 at 3:04 PM MST")
}

func StateMessage(status eventsdomain.Status) string {
	switch status {
	case eventsdomain.StatusAccepted:
		return "Time accepted ✅"
	case eventsdomain.StatusDeclined:
		return "Time declined ❌"
	case eventsdomain.StatusCancelled:
		return "Time cancelled"
	default:
		return fmt.Sprintf("Event %s", status)
	}
}

// ForProposal notifies every participant except the proposer.
func ForProposal(event eventsdomain.Event, changeSeq int64, loc *time.Location, now time.Time) []Notification {
	message := ProposalMessage(event.Start, loc)

	recipients := core.Filter(core.Distinct(event.Participants), func(p string) bool {
		return p != event.ProposerID
	})

	return core.Map(recipients, func(recipient string) Notification {
		return newNotification(changeSeq, event.ID, recipient, message, TypeEventProposed, now)
	})
}

// ForStateChange notifies every current participant, the actor included.
// It returns nil when the status did not change.
func ForStateChange(before, after eventsdomain.Event, changeSeq int64, now time.Time) []Notification {
	if before.Status == after.Status {
		return nil
	}

	message := StateMessage(after.Status)

	return core.Map(core.Distinct(after.Participants), func(recipient string) Notification {
		return newNotification(changeSeq, after.ID, recipient, message, TypeEventState, now)
	})
}

func newNotification(changeSeq int64, eventID, recipient, message string, t Type, now time.Time) Notification {
	return Notification{
		ID:        ID(changeSeq, eventID, recipient),
		UserID:    recipient,
		Message:   message,
		Type:      t,
		EventID:   eventID,
		CreatedAt: now.UTC(),
	}
}
