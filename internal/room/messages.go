package room

import "encoding/json"

type Msg interface{ isRoomMsg() }

type Join struct{ Session *Session }

func (Join) isRoomMsg() {}

type Leave struct{ Session *Session }

func (Leave) isRoomMsg() {}

// SyncState carries a player's full game-state payload. The payload shape is
// validated at the connection boundary; the room only checks the sender's role.
type SyncState struct {
	Session *Session
	State   json.RawMessage
}

func (SyncState) isRoomMsg() {}

type RequestState struct{ Session *Session }

func (RequestState) isRoomMsg() {}

type Chat struct {
	Session *Session
	Text    string
	Time    string
}

func (Chat) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// GetView reflects internal state without data races; test-only.
type GetView struct {
	Reply chan View
}

func (GetView) isRoomMsg() {}

// leaseExpired is posted by a slot's lease timer. Fires with a stale
// generation are dropped by the loop.
type leaseExpired struct {
	slot int
	gen  int
}

func (leaseExpired) isRoomMsg() {}

type View struct {
	SlotDevices [2]string // device ids of the current occupants, "" when empty
	SlotIDs     [2]string // session ids of the current occupants
	Tokens      [2]string
	Spectators  int
	Queue       []string
	HasSnapshot bool
	Occupancy   int
}
