package room

import "fmt"

// promoteNext pops queued device ids oldest-first until one still has a live
// spectating session, removes that session from the spectator set and returns
// it. Ids whose sessions disconnected are discarded along the way; the queue
// is never pruned anywhere else.
func (rm *Room) promoteNext() *Session {
	for len(rm.queue) > 0 {
		id := rm.queue[0]
		rm.queue = rm.queue[1:]
		for s := range rm.spectators {
			if s.DeviceID == id {
				delete(rm.spectators, s)
				return s
			}
		}
	}
	return nil
}

func chatLabel(role int) string {
	switch role {
	case 0:
		return "Player 1"
	case 1:
		return "Player 2"
	default:
		return fmt.Sprintf("Spectator %d", role-1)
	}
}
