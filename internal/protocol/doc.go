package protocol

// Client -> Server
// join:
//   room: string (defaults to "room1" when absent/empty)
//   deviceId: string (may be empty; identifies the device across reconnects)
//
// request_state: {}
//
// syncState (players only):
//   state: object // opaque game state, relayed as-is
//
// chat:
//   text: string
//   time: string // optional; server fills in its clock time when absent

// Server -> Client
// role:
//   index: number // 0 or 1 for the player seats, >=2 for spectators
//
// syncState:
//   state: object // last full snapshot seen from a player
//
// chat:
//   from: string // "Player 1" | "Player 2" | "Spectator N"
//   text: string
//   time: string
