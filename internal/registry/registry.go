package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shimatoshi/duel-relay-backend/internal/room"
)

// DeleteDelay is how long a room may sit with zero occupants before it is
// removed.
const DeleteDelay = 15 * time.Minute

type Msg interface{ isRegistryMsg() }

// Ensure returns the room for an id, creating it lazily. Any pending delete
// for that id is cancelled, so routing every join through Ensure keeps an
// occupied room alive.
type Ensure struct {
	ID    string
	Reply chan *room.Room
}

func (Ensure) isRegistryMsg() {}

type Get struct {
	ID    string
	Reply chan *room.Room
}

func (Get) isRegistryMsg() {}

// ScheduleDelete arms (or re-arms) the deletion timer for an empty room.
type ScheduleDelete struct{ ID string }

func (ScheduleDelete) isRegistryMsg() {}

type CancelDelete struct{ ID string }

func (CancelDelete) isRegistryMsg() {}

type Shutdown struct{}

func (Shutdown) isRegistryMsg() {}

type deleteExpired struct {
	id  string
	gen int
}

func (deleteExpired) isRegistryMsg() {}

type deleteTimer struct {
	timer *time.Timer
	gen   int
}

// Registry owns the room table. All access goes through its loop; rooms
// themselves run independently.
type Registry struct {
	inbox  chan Msg
	rooms  map[string]*room.Room
	timers map[string]deleteTimer
	gen    int

	lease time.Duration
	delay time.Duration

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, lease, delay time.Duration, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	reg := &Registry{
		inbox:  make(chan Msg, 64),
		rooms:  make(map[string]*room.Room),
		timers: make(map[string]deleteTimer),
		lease:  lease,
		delay:  delay,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go reg.loop()
	return reg
}

func (reg *Registry) Post(m Msg) {
	select {
	case reg.inbox <- m:
	case <-reg.ctx.Done():
	}
}

// Room is the request/reply convenience around Ensure.
func (reg *Registry) Room(id string) *room.Room {
	reply := make(chan *room.Room, 1)
	reg.Post(Ensure{ID: id, Reply: reply})
	select {
	case rm := <-reply:
		return rm
	case <-reg.ctx.Done():
		return nil
	}
}

// Lookup returns the room for an id without creating one; nil if absent.
func (reg *Registry) Lookup(id string) *room.Room {
	reply := make(chan *room.Room, 1)
	reg.Post(Get{ID: id, Reply: reply})
	select {
	case rm := <-reply:
		return rm
	case <-reg.ctx.Done():
		return nil
	}
}

func (reg *Registry) loop() {
	for {
		select {
		case <-reg.ctx.Done():
			reg.shutdown()
			return

		case m := <-reg.inbox:
			switch msg := m.(type) {
			case Ensure:
				reg.cancelDelete(msg.ID)
				rm := reg.rooms[msg.ID]
				if rm == nil {
					rm = room.New(reg.ctx, msg.ID, reg.lease, reg.roomOccupancy, reg.log)
					reg.rooms[msg.ID] = rm
					reg.log.Info("room created", zap.String("room", msg.ID))
				}
				msg.Reply <- rm

			case Get:
				msg.Reply <- reg.rooms[msg.ID] // may be nil

			case ScheduleDelete:
				if reg.rooms[msg.ID] == nil {
					break
				}
				reg.cancelDelete(msg.ID)
				reg.gen++
				gen := reg.gen
				t := time.AfterFunc(reg.delay, func() {
					reg.Post(deleteExpired{id: msg.ID, gen: gen})
				})
				reg.timers[msg.ID] = deleteTimer{timer: t, gen: gen}
				reg.log.Debug("room delete scheduled", zap.String("room", msg.ID),
					zap.Duration("delay", reg.delay))

			case CancelDelete:
				reg.cancelDelete(msg.ID)

			case deleteExpired:
				dt, ok := reg.timers[msg.id]
				if !ok || dt.gen != msg.gen {
					break // superseded by a join or a newer schedule
				}
				delete(reg.timers, msg.id)
				if rm := reg.rooms[msg.id]; rm != nil {
					delete(reg.rooms, msg.id)
					rm.Post(room.Shutdown{})
					reg.log.Info("room deleted", zap.String("room", msg.id))
				}

			case Shutdown:
				reg.shutdown()
				return
			}
		}
	}
}

// roomOccupancy is handed to each room; it runs on the room loop, so it only
// posts. Reporting every transition (not just zero) means a delete scheduled
// by a final leave is disarmed even when the next join races it.
func (reg *Registry) roomOccupancy(id string, occupancy int) {
	if occupancy == 0 {
		reg.Post(ScheduleDelete{ID: id})
	} else {
		reg.Post(CancelDelete{ID: id})
	}
}

func (reg *Registry) cancelDelete(id string) {
	if dt, ok := reg.timers[id]; ok {
		dt.timer.Stop()
		delete(reg.timers, id)
	}
}

func (reg *Registry) shutdown() {
	for id, dt := range reg.timers {
		dt.timer.Stop()
		delete(reg.timers, id)
	}
	for id, rm := range reg.rooms {
		rm.Post(room.Shutdown{})
		delete(reg.rooms, id)
	}
	reg.cancel()
}
