package domain

import (
	"strings"
	"time"
)

const (
	Collection = "conversations"

	DefaultTitle = "Match chat"

	ContextTypeEvent = "event"
)

type Context struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
	Title   string `json:"title"`
}

type Conversation struct {
	ID           string               `json:"id"`
	Participants map[string]bool      `json:"participants"`
	Context      Context              `json:"context"`
	LastReadAt   map[string]time.Time `json:"lastReadAt"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// IDForEvent is the conversation id linked to an event.
func IDForEvent(eventID string) string {
	return "event_" + eventID
}

func NewForEvent(eventID string, now time.Time) Conversation {
	now = now.UTC()
	return Conversation{
		ID:           IDForEvent(eventID),
		Participants: map[string]bool{},
		Context:      Context{Type: ContextTypeEvent, EventID: eventID, Title: DefaultTitle},
		LastReadAt:   map[string]time.Time{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Merge adds participants and the caller, refreshes the title when a
// non-empty one is supplied and marks the conversation read for the caller.
// Participants are never removed.
func (c *Conversation) Merge(participants []string, title, callerID string, now time.Time) {
	now = now.UTC()

	if c.Participants == nil {
		c.Participants = map[string]bool{}
	}
	if c.LastReadAt == nil {
		c.LastReadAt = map[string]time.Time{}
	}

	for _, p := range participants {
		c.Participants[p] = true
	}
	if callerID != "" {
		c.Participants[callerID] = true
		c.LastReadAt[callerID] = now
	}

	if title = strings.TrimSpace(title); title != "" {
		c.Context.Title = title
	}
	if c.Context.Title == "" {
		c.Context.Title = DefaultTitle
	}

	c.UpdatedAt = now
}

func (c Conversation) HasParticipant(userID string) bool {
	return c.Participants[userID]
}
