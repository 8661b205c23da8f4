package room

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shimatoshi/duel-relay-backend/internal/protocol"
)

func newTestRoom(t *testing.T, lease time.Duration) (*Room, chan string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	emptied := make(chan string, 4)
	rm := New(ctx, "r1", lease, func(id string, occupancy int) {
		if occupancy == 0 {
			emptied <- id
		}
	}, zap.NewNop())
	return rm, emptied
}

var sessSeq int

func newSession(device string) *Session {
	sessSeq++
	return &Session{
		ID:       fmt.Sprintf("s%d", sessSeq),
		DeviceID: device,
		Role:     RoleUnassigned,
		Outbox:   make(chan []byte, 8),
	}
}

// recvMsg receives one frame with a timeout so tests never hang.
func recvMsg(t *testing.T, s *Session, within time.Duration) protocol.ServerMessage {
	t.Helper()
	select {
	case payload, ok := <-s.Outbox:
		require.True(t, ok, "outbox closed unexpectedly")
		var m protocol.ServerMessage
		require.NoError(t, json.Unmarshal(payload, &m))
		return m
	case <-time.After(within):
		t.Fatal("timed out waiting for frame")
		return protocol.ServerMessage{}
	}
}

func recvNoMsg(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	select {
	case payload, ok := <-s.Outbox:
		if !ok {
			return // closed is fine; no further frames possible
		}
		t.Fatalf("expected no frame within %v, got %s", within, payload)
	case <-time.After(within):
	}
}

// joinAsRole posts a join and asserts the role ack carries the wanted index.
func joinAsRole(t *testing.T, rm *Room, s *Session, want int) {
	t.Helper()
	rm.Post(Join{Session: s})
	m := recvMsg(t, s, time.Second)
	require.Equal(t, protocol.TypeRole, m.Type)
	require.NotNil(t, m.Index)
	require.Equal(t, want, *m.Index)
}

func roomView(t *testing.T, rm *Room) View {
	t.Helper()
	reply := make(chan View, 1)
	rm.Post(GetView{Reply: reply})
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for view")
		return View{}
	}
}

func TestRoom_SeatsFillInOrderThenSpectate(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d2 := newSession("d2")
	d3 := newSession("d3")
	d4 := newSession("d4")

	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)
	joinAsRole(t, rm, d3, 2)
	joinAsRole(t, rm, d4, 3)

	v := roomView(t, rm)
	require.Equal(t, [2]string{"d1", "d2"}, v.SlotDevices)
	require.Equal(t, [2]string{"d1", "d2"}, v.Tokens)
	require.Equal(t, 2, v.Spectators)
	require.Equal(t, []string{"d3", "d4"}, v.Queue)
	require.Equal(t, 4, v.Occupancy)
}

func TestRoom_ReclaimWithinLease_GetsSeatAndSnapshot(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	joinAsRole(t, rm, d1, 0)
	rm.Post(SyncState{Session: d1, State: json.RawMessage(`{"turn":3}`)})
	_ = recvMsg(t, d1, time.Second) // own broadcast

	rm.Post(Leave{Session: d1})

	back := newSession("d1")
	joinAsRole(t, rm, back, 0)

	snap := recvMsg(t, back, time.Second)
	require.Equal(t, protocol.TypeSyncState, snap.Type)
	require.JSONEq(t, `{"turn":3}`, string(snap.State))

	v := roomView(t, rm)
	require.Equal(t, "d1", v.SlotDevices[0])
	require.Equal(t, "d1", v.Tokens[0])
}

func TestRoom_LeaseProtectsSeatFromForeignDevice(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d2 := newSession("d2")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)

	rm.Post(Leave{Session: d1})

	// Slot 0 is leased to d1, slot 1 is taken, so d3 can only spectate.
	d3 := newSession("d3")
	joinAsRole(t, rm, d3, 2)

	back := newSession("d1")
	joinAsRole(t, rm, back, 0)

	v := roomView(t, rm)
	require.Equal(t, "d1", v.SlotDevices[0])
	require.Equal(t, 1, v.Spectators)
}

func TestRoom_LeaseExpiry_NoSpectators_OpensSeat(t *testing.T) {
	rm, _ := newTestRoom(t, 40*time.Millisecond)

	d1 := newSession("d1")
	joinAsRole(t, rm, d1, 0)
	rm.Post(Leave{Session: d1})

	require.Eventually(t, func() bool {
		return roomView(t, rm).Tokens[0] == ""
	}, time.Second, 10*time.Millisecond, "token should clear once the lease expires")

	newcomer := newSession("d9")
	joinAsRole(t, rm, newcomer, 0)
	require.Equal(t, "d9", roomView(t, rm).Tokens[0])
}

func TestRoom_ReclaimCancelsExpiry_StaleFireIsNoop(t *testing.T) {
	rm, _ := newTestRoom(t, 40*time.Millisecond)

	d1 := newSession("d1")
	joinAsRole(t, rm, d1, 0)
	rm.Post(Leave{Session: d1})

	back := newSession("d1")
	joinAsRole(t, rm, back, 0)

	// Well past the original window: the cancelled timer must not unseat.
	time.Sleep(120 * time.Millisecond)
	v := roomView(t, rm)
	require.Equal(t, "d1", v.SlotDevices[0])
	require.Equal(t, "d1", v.Tokens[0])
	recvNoMsg(t, back, 50*time.Millisecond)
}

func TestRoom_PromotionOrder_SkipsDeadSpectators(t *testing.T) {
	rm, _ := newTestRoom(t, 40*time.Millisecond)

	d1 := newSession("d1")
	d2 := newSession("d2")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)

	specA := newSession("a")
	specB := newSession("b")
	joinAsRole(t, rm, specA, 2)
	joinAsRole(t, rm, specB, 3)

	// A disconnects; its queue entry stays behind for the lazy skip.
	rm.Post(Leave{Session: specA})
	rm.Post(Leave{Session: d1})

	m := recvMsg(t, specB, time.Second)
	require.Equal(t, protocol.TypeRole, m.Type)
	require.Equal(t, 0, *m.Index)

	v := roomView(t, rm)
	require.Equal(t, "b", v.SlotDevices[0])
	require.Equal(t, "b", v.Tokens[0])
	require.Equal(t, 0, v.Spectators)
	require.Empty(t, v.Queue)
}

func TestRoom_SpectatorQueue_NoDuplicateDeviceIDs(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	joinAsRole(t, rm, newSession("d1"), 0)
	joinAsRole(t, rm, newSession("d2"), 1)
	joinAsRole(t, rm, newSession("d3"), 2)
	joinAsRole(t, rm, newSession("d3"), 3)
	joinAsRole(t, rm, newSession(""), 4) // empty device ids never queue

	v := roomView(t, rm)
	require.Equal(t, []string{"d3"}, v.Queue)
	require.Equal(t, 3, v.Spectators)
}

func TestRoom_SyncState_BroadcastsAndStores(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d2 := newSession("d2")
	d3 := newSession("d3")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)
	joinAsRole(t, rm, d3, 2)

	rm.Post(SyncState{Session: d1, State: json.RawMessage(`{"board":[1,2]}`)})

	for _, s := range []*Session{d1, d2, d3} {
		m := recvMsg(t, s, time.Second)
		require.Equal(t, protocol.TypeSyncState, m.Type)
		require.JSONEq(t, `{"board":[1,2]}`, string(m.State))
	}

	rm.Post(RequestState{Session: d3})
	m := recvMsg(t, d3, time.Second)
	require.Equal(t, protocol.TypeSyncState, m.Type)
	require.JSONEq(t, `{"board":[1,2]}`, string(m.State))
}

func TestRoom_SyncState_IgnoredFromSpectator(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d3 := newSession("d3")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, newSession("d2"), 1)
	joinAsRole(t, rm, d3, 2)

	rm.Post(SyncState{Session: d3, State: json.RawMessage(`{"cheat":true}`)})

	recvNoMsg(t, d1, 100*time.Millisecond)
	require.False(t, roomView(t, rm).HasSnapshot)
}

func TestRoom_RequestState_NoSnapshotIsNoop(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	joinAsRole(t, rm, d1, 0)
	rm.Post(RequestState{Session: d1})
	recvNoMsg(t, d1, 100*time.Millisecond)
}

func TestRoom_Chat_LabelsByRole(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d2 := newSession("d2")
	d3 := newSession("d3")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)
	joinAsRole(t, rm, d3, 2)

	rm.Post(Chat{Session: d2, Text: "glhf", Time: "12:00"})
	m := recvMsg(t, d1, time.Second)
	require.Equal(t, protocol.TypeChat, m.Type)
	require.Equal(t, "Player 2", m.From)
	require.Equal(t, "glhf", m.Text)
	require.Equal(t, "12:00", m.Time)
	_ = recvMsg(t, d2, time.Second) // chat echoes to the sender too
	_ = recvMsg(t, d3, time.Second)

	// Spectator label carries its ordinal; missing time gets the server clock.
	rm.Post(Chat{Session: d3, Text: "hi"})
	m = recvMsg(t, d1, time.Second)
	require.Equal(t, "Spectator 1", m.From)
	require.NotEmpty(t, m.Time)
}

func TestRoom_EmptyRoomSignalsOnEmptyOnce(t *testing.T) {
	rm, emptied := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	d3 := newSession("d3")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d3, 2)

	rm.Post(Leave{Session: d3})
	select {
	case id := <-emptied:
		t.Fatalf("room signalled empty while a player remains: %s", id)
	case <-time.After(50 * time.Millisecond):
	}

	rm.Post(Leave{Session: d1})
	select {
	case id := <-emptied:
		require.Equal(t, "r1", id)
	case <-time.After(time.Second):
		t.Fatal("expected empty signal")
	}
}

// Full reconnection scenario: reclaim beats promotion inside the window, and
// the queued spectator is promoted once the second disconnect expires.
func TestRoom_ReconnectScenario(t *testing.T) {
	rm, _ := newTestRoom(t, 60*time.Millisecond)

	d1 := newSession("d1")
	d2 := newSession("d2")
	d3 := newSession("d3")
	joinAsRole(t, rm, d1, 0)
	joinAsRole(t, rm, d2, 1)
	joinAsRole(t, rm, d3, 2)

	rm.Post(Leave{Session: d1})

	back := newSession("d1")
	joinAsRole(t, rm, back, 0)
	require.Equal(t, 1, roomView(t, rm).Spectators) // no promotion happened

	rm.Post(Leave{Session: back})

	m := recvMsg(t, d3, time.Second)
	require.Equal(t, protocol.TypeRole, m.Type)
	require.Equal(t, 0, *m.Index)

	v := roomView(t, rm)
	require.Equal(t, "d3", v.SlotDevices[0])
	require.Equal(t, "d2", v.SlotDevices[1])
	require.Equal(t, 0, v.Spectators)
}

func TestRoom_StaleLeaveFromDisplacedSession_DoesNotRestartLease(t *testing.T) {
	rm, _ := newTestRoom(t, time.Minute)

	d1 := newSession("d1")
	joinAsRole(t, rm, d1, 0)
	rm.Post(Leave{Session: d1})

	back := newSession("d1")
	joinAsRole(t, rm, back, 0)

	// A duplicate leave from the old session must not evict the new one.
	rm.Post(Leave{Session: d1})
	v := roomView(t, rm)
	require.Equal(t, back.ID, v.SlotIDs[0])
	require.Equal(t, "d1", v.SlotDevices[0])
}
