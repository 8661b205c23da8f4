package room

// RoleUnassigned is a session's role before its join resolves. Roles 0 and 1
// are the player seats; 2 and up label spectators in join order.
const RoleUnassigned = -1

// Session is one connected client. Role is only written from inside the room
// loop of the room the session joined, so readers on the connection side must
// not inspect it concurrently.
type Session struct {
	ID       string
	DeviceID string
	Role     int
	Outbox   chan []byte // pre-serialized frames; the socket writer drains this
}
