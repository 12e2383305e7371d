package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/modules/core"
)

const Collection = "match_events"

// MaxDurationMins bounds a single proposed slot to one day.
const MaxDurationMins = 24 * 60

type Status string

const (
	StatusProposed  Status = "proposed"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusProposed: {StatusAccepted, StatusDeclined, StatusCancelled},
	StatusAccepted: {StatusCancelled},
}

// CanTransition reports whether an event in status from may move to to.
// Re-entering the current status is not a transition.
func CanTransition(from, to Status) bool {
	return core.Contains(transitions[from], to)
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

type Event struct {
	ID           string     `json:"id"`
	MatchID      string     `json:"matchId"`
	Participants []string   `json:"participants"`
	ProposerID   string     `json:"proposerId"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	DurationMins int        `json:"durationMins"`
	CourtID      *string    `json:"courtId,omitempty"`
	CourtName    *string    `json:"courtName,omitempty"`
	Note         *string    `json:"note,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	AcceptedAt   *time.Time `json:"acceptedAt,omitempty"`
	AcceptedBy   *string    `json:"acceptedBy,omitempty"`
	UpdatedBy    *string    `json:"updatedBy,omitempty"`
}

func (e Event) HasParticipant(userID string) bool {
	return core.Contains(e.Participants, userID)
}

type Proposal struct {
	MatchID      string
	Participants []string
	ProposerID   string
	Start        string
	DurationMins int
	CourtID      *string
	CourtName    *string
	Note         *string
}

// Validate checks the proposal and returns its parsed start time.
func (p Proposal) Validate() (time.Time, error) {
	var v core.Validations

	v.Check(strings.TrimSpace(p.MatchID) != "", "invalid MatchID - '%s'", p.MatchID)
	v.Check(len(p.Participants) > 0, "participants must not be empty")
	v.Check(strings.TrimSpace(p.ProposerID) != "", "invalid ProposerID - '%s'", p.ProposerID)
	if p.ProposerID != "" && len(p.Participants) > 0 {
		v.Check(core.Contains(p.Participants, p.ProposerID), "proposer '%s' is not a participant", p.ProposerID)
	}
	for _, participant := range p.Participants {
		v.Check(strings.TrimSpace(participant) != "", "participant ids must not be empty")
	}
	v.Check(
		p.DurationMins > 0 && p.DurationMins <= MaxDurationMins,
		"invalid DurationMins - %d: expected 1 to %d", p.DurationMins, MaxDurationMins,
	)

	start, err := time.Parse(time.RFC3339, p.Start)
	if err != nil {
		v.Add(fmt.Errorf("invalid Start - '%s': expected RFC 3339", p.Start))
	} else if p.DurationMins > 0 {
		end := start.Add(time.Duration(p.DurationMins) * time.Minute)
		v.Check(end.After(start), "end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	return start.UTC(), v.Err()
}

// Propose builds a new event in the proposed status.
func Propose(id string, p Proposal, now time.Time) (Event, error) {
	start, err := p.Validate()
	if err != nil {
		return Event{}, err
	}

	now = now.UTC()
	return Event{
		ID:           id,
		MatchID:      p.MatchID,
		Participants: core.Distinct(p.Participants),
		ProposerID:   p.ProposerID,
		Start:        start,
		End:          start.Add(time.Duration(p.DurationMins) * time.Minute),
		DurationMins: p.DurationMins,
		CourtID:      p.CourtID,
		CourtName:    p.CourtName,
		Note:         p.Note,
		Status:       StatusProposed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Respond moves the event to status to on behalf of actorID.
func (e *Event) Respond(to Status, actorID string, now time.Time) error {
	if !e.HasParticipant(actorID) {
		return fmt.Errorf("user '%s' is not a participant of event '%s': %w", actorID, e.ID, core.ErrForbidden)
	}

	if !CanTransition(e.Status, to) {
		return fmt.Errorf("event '%s' cannot move from %s to %s: %w", e.ID, e.Status, to, core.ErrInvalidTransition)
	}

	now = now.UTC()
	if to == StatusAccepted && e.AcceptedAt == nil {
		e.AcceptedAt = &now
		e.AcceptedBy = &actorID
	}

	e.Status = to
	e.UpdatedAt = now
	e.UpdatedBy = &actorID

	return nil
}
