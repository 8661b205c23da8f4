package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shimatoshi/duel-relay-backend/internal/protocol"
	"github.com/shimatoshi/duel-relay-backend/internal/registry"
	"github.com/shimatoshi/duel-relay-backend/internal/room"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 3 * time.Second
	outboxSize   = 16

	defaultRoom = "room1"
)

// Handler upgrades the connection and relays frames between the socket and
// the session's room. The first frame must be a join; everything before it
// except a join is dropped.
func Handler(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Warn("ws accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		var (
			rm   *room.Room
			sess *room.Session
		)

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()

		for {
			// The read deadline doubles as the liveness check: a connection
			// that goes quiet takes the same path as a clean close.
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				break
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				continue // malformed frames are dropped silently
			}

			if sess == nil {
				if cm.Type != protocol.TypeJoin {
					continue
				}
				roomID := protocol.AsString(cm.Room)
				if roomID == "" {
					roomID = defaultRoom
				}
				rm = reg.Room(roomID)
				if rm == nil {
					break // registry shut down
				}
				sess = &room.Session{
					ID:       uuid.NewString(),
					DeviceID: protocol.AsString(cm.DeviceID),
					Role:     room.RoleUnassigned,
					Outbox:   make(chan []byte, outboxSize),
				}
				go writeLoop(writeCtx, conn, sess.Outbox)
				rm.Post(room.Join{Session: sess})
				continue
			}

			switch cm.Type {
			case protocol.TypeRequestState:
				rm.Post(room.RequestState{Session: sess})

			case protocol.TypeSyncState:
				if !protocol.IsObject(cm.State) {
					continue
				}
				rm.Post(room.SyncState{Session: sess, State: cm.State})

			case protocol.TypeChat:
				rm.Post(room.Chat{Session: sess, Text: cm.Text, Time: cm.Time})

			default:
				// Unknown kinds and repeat joins are ignored.
			}
		}

		if rm != nil && sess != nil {
			rm.Post(room.Leave{Session: sess})
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-out:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, payload)
			cancel()
		}
	}
}
