package room

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/shimatoshi/duel-relay-backend/internal/protocol"
)

// Room serializes all mutations of one game room on a single goroutine.
// Slots, leases, spectators and the snapshot are only touched from the loop.
type Room struct {
	id         string
	inbox      chan Msg
	slots      [2]*Session
	leases     [2]slotLease
	spectators map[*Session]struct{}
	queue      []string // device ids waiting for a seat, oldest first
	snapshot   json.RawMessage
	lastUpdate time.Time

	lease       time.Duration
	onOccupancy func(roomID string, occupancy int)

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a room's loop. onOccupancy is called from the loop after every
// join and leave with the new member count; the registry uses it to arm and
// disarm delayed deletion. It runs on the room goroutine, so it must only
// post, never wait on this room.
func New(parent context.Context, id string, lease time.Duration, onOccupancy func(string, int), log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)

	rm := &Room{
		id:          id,
		inbox:       make(chan Msg, 64),
		spectators:  make(map[*Session]struct{}),
		lease:       lease,
		onOccupancy: onOccupancy,
		log:         log.With(zap.String("room", id)),
		ctx:         ctx,
		cancel:      cancel,
	}

	go rm.loop()
	return rm
}

func (rm *Room) ID() string { return rm.id }

// Post delivers a message to the room loop, or drops it if the room has shut
// down. Connection handlers use this so a leave racing a room deletion can
// never block.
func (rm *Room) Post(m Msg) {
	select {
	case rm.inbox <- m:
	case <-rm.ctx.Done():
	}
}

func (rm *Room) loop() {
	for {
		select {
		case <-rm.ctx.Done():
			rm.shutdown()
			return

		case m := <-rm.inbox:
			switch msg := m.(type) {
			case Join:
				rm.handleJoin(msg.Session)

			case Leave:
				rm.handleLeave(msg.Session)

			case SyncState:
				if msg.Session.Role != 0 && msg.Session.Role != 1 {
					break
				}
				rm.snapshot = msg.State
				rm.lastUpdate = time.Now()
				rm.broadcast(protocol.SyncState(rm.snapshot))

			case RequestState:
				if rm.snapshot != nil {
					rm.send(msg.Session, protocol.SyncState(rm.snapshot))
				}

			case Chat:
				t := msg.Time
				if t == "" {
					t = time.Now().Format("15:04")
				}
				rm.broadcast(protocol.Chat(chatLabel(msg.Session.Role), msg.Text, t))

			case leaseExpired:
				rm.handleLeaseExpired(msg.slot, msg.gen)

			case GetView:
				msg.Reply <- rm.view()

			case Shutdown:
				rm.shutdown()
				return
			}
		}
	}
}

// handleJoin resolves the joiner's role: token reclaim first, then a fresh
// seat, otherwise spectator. First match wins, slot 0 before slot 1.
func (rm *Room) handleJoin(s *Session) {
	defer rm.notifyOccupancy()
	now := time.Now()

	for r := range rm.slots {
		if rm.slots[r] == nil && rm.leases[r].reclaimable(s.DeviceID, now) {
			rm.seat(s, r)
			rm.log.Info("seat reclaimed", zap.Int("slot", r), zap.String("device", s.DeviceID))
			return
		}
	}

	for r := range rm.slots {
		if rm.slots[r] == nil && rm.leases[r].open(now) {
			rm.seat(s, r)
			rm.log.Info("seat assigned", zap.Int("slot", r), zap.String("device", s.DeviceID))
			return
		}
	}

	rm.spectators[s] = struct{}{}
	if s.DeviceID != "" && !slices.Contains(rm.queue, s.DeviceID) {
		rm.queue = append(rm.queue, s.DeviceID)
	}
	s.Role = 2 + len(rm.spectators) - 1
	rm.send(s, protocol.Role(s.Role))
	if rm.snapshot != nil {
		rm.send(s, protocol.SyncState(rm.snapshot))
	}
	rm.log.Debug("spectator joined", zap.Int("role", s.Role), zap.String("device", s.DeviceID))
}

// seat installs a session into a slot, records its device id as the slot's
// token, cancels any pending lease and acks the role plus current snapshot.
func (rm *Room) seat(s *Session, r int) {
	l := &rm.leases[r]
	l.stopTimer()
	l.status = leaseHeld
	l.token = s.DeviceID
	l.expiresAt = time.Time{}

	rm.slots[r] = s
	s.Role = r

	rm.send(s, protocol.Role(r))
	if rm.snapshot != nil {
		rm.send(s, protocol.SyncState(rm.snapshot))
	}
}

func (rm *Room) handleLeave(s *Session) {
	if s.Role == 0 || s.Role == 1 {
		// Only the current occupant vacates the seat; a stale session that
		// was already displaced must not restart the lease.
		if rm.slots[s.Role] == s {
			rm.startLease(s.Role)
		}
	} else {
		// Queue entries are left behind and skipped lazily at promotion.
		delete(rm.spectators, s)
	}

	rm.notifyOccupancy()
}

func (rm *Room) notifyOccupancy() {
	if rm.onOccupancy != nil {
		rm.onOccupancy(rm.id, rm.occupancy())
	}
}

// startLease vacates a slot and arms the reclaim window for its last occupant.
func (rm *Room) startLease(r int) {
	l := &rm.leases[r]
	rm.slots[r] = nil
	l.stopTimer()
	l.status = leaseArmed
	l.expiresAt = time.Now().Add(rm.lease)

	gen := l.gen
	l.timer = time.AfterFunc(rm.lease, func() {
		select {
		case rm.inbox <- leaseExpired{slot: r, gen: gen}:
		case <-rm.ctx.Done():
		}
	})
	rm.log.Info("lease started", zap.Int("slot", r), zap.String("device", l.token),
		zap.Duration("window", rm.lease))
}

// handleLeaseExpired ends a reclaim window: promote the next live spectator
// into the seat, or discard the slot's reclaim rights entirely.
func (rm *Room) handleLeaseExpired(slot, gen int) {
	l := &rm.leases[slot]
	if gen != l.gen || rm.slots[slot] != nil {
		return // superseded; the seat was reclaimed or re-armed meanwhile
	}
	l.timer = nil

	if s := rm.promoteNext(); s != nil {
		rm.seat(s, slot)
		rm.log.Info("spectator promoted", zap.Int("slot", slot), zap.String("device", s.DeviceID))
		return
	}

	l.status = leaseUnset
	l.token = ""
	l.expiresAt = time.Time{}
	rm.log.Info("lease expired unclaimed", zap.Int("slot", slot))
}

func (rm *Room) occupancy() int {
	n := len(rm.spectators)
	for _, s := range rm.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// broadcast serializes once and delivers best-effort to every current member.
func (rm *Room) broadcast(msg protocol.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range rm.slots {
		if s != nil {
			deliver(s, payload)
		}
	}
	for s := range rm.spectators {
		deliver(s, payload)
	}
}

func (rm *Room) send(s *Session, msg protocol.ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	deliver(s, payload)
}

// deliver never blocks the room loop; a full outbox loses this frame for
// that one client and nobody else.
func deliver(s *Session, payload []byte) {
	select {
	case s.Outbox <- payload:
	default:
	}
}

func (rm *Room) view() View {
	v := View{
		Tokens:      [2]string{rm.leases[0].token, rm.leases[1].token},
		Spectators:  len(rm.spectators),
		Queue:       slices.Clone(rm.queue),
		HasSnapshot: rm.snapshot != nil,
		Occupancy:   rm.occupancy(),
	}
	for r, s := range rm.slots {
		if s != nil {
			v.SlotDevices[r] = s.DeviceID
			v.SlotIDs[r] = s.ID
		}
	}
	return v
}

func (rm *Room) shutdown() {
	for r := range rm.leases {
		rm.leases[r].stopTimer()
	}
	for _, s := range rm.slots {
		if s != nil {
			close(s.Outbox)
		}
	}
	for s := range rm.spectators {
		close(s.Outbox)
		delete(rm.spectators, s)
	}
	rm.slots = [2]*Session{}
	rm.cancel()
}
