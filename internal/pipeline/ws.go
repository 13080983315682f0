package pipeline

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"codetutor/internal/auth"
)

// closeAuthFailed is the non-standard close code spec §6 mandates for a
// handshake authentication failure.
const closeAuthFailed = 4001

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer, not here.
}

// safeConn serialises writes: the read loop and any goroutine emitting
// events for the same turn never write concurrently in practice, but
// gorilla's Conn is not safe for concurrent writers in general.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) Send(ev OutgoingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteMessage(websocket.TextMessage, data)
}

// Handler upgrades /ws/chat connections, authenticates the access token
// carried in the query string, and runs turns strictly sequentially for
// the lifetime of the connection (spec §5).
func Handler(authenticator *auth.Authenticator, orchestrator *Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := authenticator.AuthenticateWebSocket(r)
		if err != nil {
			raw, upErr := upgrader.Upgrade(w, r, nil)
			if upErr != nil {
				return
			}
			_ = raw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeAuthFailed, "authentication failed"),
				time.Now().Add(time.Second))
			raw.Close()
			return
		}

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		conn := &safeConn{Conn: raw}
		defer conn.Close()

		ctx := auth.WithUser(r.Context(), user)
		connection, err := orchestrator.NewConnection(ctx, *user)
		if err != nil {
			log.Error().Err(err).Int64("user_id", user.ID).Msg("failed to load student state")
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var frame IncomingFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				_ = conn.Send(errorEvent("malformed frame"))
				continue
			}

			if err := connection.HandleTurn(ctx, frame, conn); err != nil {
				log.Error().Err(err).Str("session_id", frame.SessionID).Msg("turn failed with a store or send error, closing connection")
				_ = conn.Send(errorEvent("internal error"))
				return
			}
		}
	}
}
