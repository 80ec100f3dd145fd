// Package wire defines the frames exchanged between the sync provider and
// the relay. Frames are JSON text messages over the websocket.
package wire

import (
	"encoding/json"
	"fmt"

	"collabpad/crdt"
)

// Frame types.
const (
	// Hello is the first client frame: peer id plus initial presence.
	Hello = "hello"
	// Welcome answers Hello with the assigned connection id and the
	// presence states already in the room.
	Welcome = "welcome"
	// Op carries one replicated document op in either direction.
	Op = "op"
	// Synced is sent by the relay once the op backlog has been replayed.
	Synced = "synced"
	// Presence announces a connection's presence state.
	Presence = "presence"
	// PresenceGone announces a departed connection.
	PresenceGone = "presence_gone"
	// Claim asks the relay to arbitrate the one-time document
	// initialization; ClaimResult answers it.
	Claim       = "claim"
	ClaimResult = "claim_result"
)

// PresenceState is the per-connection awareness payload.
type PresenceState struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
	Cursor int    `json:"cursor"`
}

// Frame is the wire envelope. Only the fields relevant to Type are set.
type Frame struct {
	Type     string                `json:"type"`
	Doc      string                `json:"doc,omitempty"`
	Peer     string                `json:"peer,omitempty"`
	Conn     int                   `json:"conn,omitempty"`
	Op       *crdt.Op              `json:"op,omitempty"`
	Presence *PresenceState        `json:"presence,omitempty"`
	States   map[int]PresenceState `json:"states,omitempty"`
	Won      bool                  `json:"won,omitempty"`
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
