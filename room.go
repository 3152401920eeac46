package main

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	errNotJoined = errors.New("participant is not in this room")
)

// participant is a named identity within a room, distinct from any particular
// connection. It persists, even while offline, until the room itself goes away.
type participant struct {
	id       string
	name     string
	online   bool
	vote     string
	hasVoted bool
}

// room holds the state of one voting session. It carries no lock of its own;
// the owning hub serializes all access.
type room struct {
	id            string
	participants  []*participant // insertion order, which governs display order
	votesRevealed bool
	creatorID     string // first successful joiner owns the room
}

func newRoom(id string) *room {
	return &room{id: id}
}

// findByName matches display names case-insensitively.
func (r *room) findByName(name string) *participant {
	for _, p := range r.participants {
		if strings.EqualFold(p.name, name) {
			return p
		}
	}
	return nil
}

func (r *room) findByID(id string) *participant {
	for _, p := range r.participants {
		if p.id == id {
			return p
		}
	}
	return nil
}

// addParticipant creates a fresh identity under name and appends it.
func (r *room) addParticipant(name string) *participant {
	p := &participant{
		id:     uuid.NewString(),
		name:   name,
		online: true,
	}
	r.participants = append(r.participants, p)
	if r.creatorID == "" {
		r.creatorID = p.id
	}
	return p
}

// recordVote sets or overwrites a participant's vote. Overwriting is allowed
// before and after reveal; after reveal it simply updates the visible value.
func (r *room) recordVote(participantID, vote string) error {
	p := r.findByID(participantID)
	if p == nil {
		return errNotJoined
	}
	p.vote = vote
	p.hasVoted = true
	return nil
}

// reset clears the current round.
func (r *room) reset() {
	for _, p := range r.participants {
		p.vote = ""
		p.hasVoted = false
	}
	r.votesRevealed = false
}

// reveal is idempotent; calling it again only triggers another broadcast.
func (r *room) reveal() {
	r.votesRevealed = true
}

type participantView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	IsOnline bool    `json:"isOnline"`
	Vote     *string `json:"vote,omitempty"`
	HasVoted bool    `json:"hasVoted"`
}

type clientState struct {
	RoomID        string            `json:"roomId"`
	Participants  []participantView `json:"participants"`
	VotesRevealed bool              `json:"votesRevealed"`
	CurrentVotes  map[string]string `json:"currentVotes"`
	IsCreator     bool              `json:"isCreator"`
}

// snapshotFor builds the state visible to one viewer. Before reveal, every
// other participant's vote is omitted entirely, so clients can tell "hidden"
// apart from "not voted". currentVotes is derived here from the participant
// fields rather than kept as a second copy of the same fact.
func (r *room) snapshotFor(viewerID string) clientState {
	st := clientState{
		RoomID:        r.id,
		Participants:  make([]participantView, 0, len(r.participants)),
		VotesRevealed: r.votesRevealed,
		CurrentVotes:  make(map[string]string),
		IsCreator:     viewerID != "" && viewerID == r.creatorID,
	}

	for _, p := range r.participants {
		view := participantView{
			ID:       p.id,
			Name:     p.name,
			IsOnline: p.online,
			HasVoted: p.hasVoted,
		}
		if p.hasVoted && (r.votesRevealed || p.id == viewerID) {
			vote := p.vote
			view.Vote = &vote
			st.CurrentVotes[p.id] = p.vote
		}
		st.Participants = append(st.Participants, view)
	}

	return st
}
