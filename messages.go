package main

import "encoding/json"

// Inbound frames arrive as a tagged envelope; the payload is decoded per
// message type and anything that fails to decode is dropped by the dispatcher.
type envelope struct {
	Type    string          `json:"type"`    // "join", "vote", "reset", "reveal"
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Name   string `json:"name"`             // display name, trimmed server-side
	RoomID string `json:"roomId,omitempty"` // absent: the server picks a fresh room
}

type votePayload struct {
	Vote string `json:"vote"` // any non-empty string; the deck lives client-side
}

// stateMessage carries a per-viewer snapshot of the room.
type stateMessage struct {
	Type    string      `json:"type"` // "state"
	Payload clientState `json:"payload"`
}

// nameTakenMessage is sent only to a connection whose join collided with a
// name actively held by another live connection.
type nameTakenMessage struct {
	Type string `json:"type"` // "name_taken"
}

type errorMessage struct {
	Type    string       `json:"type"` // "error"
	Payload errorPayload `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}
