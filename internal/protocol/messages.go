package protocol

import (
	"bytes"
	"encoding/json"
)

// Client -> server message kinds.
const (
	TypeJoin         = "join"
	TypeRequestState = "request_state"
	TypeSyncState    = "syncState"
	TypeChat         = "chat"
)

// Server -> client message kinds. SyncState is shared with the inbound side.
const (
	TypeRole = "role"
)

type ClientMessage struct {
	Type     string          `json:"type"`
	Room     json.RawMessage `json:"room,omitempty"`
	DeviceID json.RawMessage `json:"deviceId,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Text     string          `json:"text,omitempty"`
	Time     string          `json:"time,omitempty"`
}

type ServerMessage struct {
	Type  string          `json:"type"` // "role" | "syncState" | "chat"
	Index *int            `json:"index,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
	From  string          `json:"from,omitempty"`
	Text  string          `json:"text,omitempty"`
	Time  string          `json:"time,omitempty"`
}

func Role(index int) ServerMessage {
	return ServerMessage{Type: TypeRole, Index: &index}
}

func SyncState(state json.RawMessage) ServerMessage {
	return ServerMessage{Type: TypeSyncState, State: state}
}

func Chat(from, text, time string) ServerMessage {
	return ServerMessage{Type: TypeChat, From: from, Text: text, Time: time}
}

// AsString coerces a raw JSON value to a string the way the join handler
// wants it: JSON strings decode, anything else keeps its literal text, and
// absent values become "".
func AsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// IsObject reports whether raw parses as a JSON object. Used to gate
// syncState payloads; arrays, scalars and garbage all fail.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(trimmed, &m) == nil
}
