package http

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/huddle/internal/core/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins before exposing this outside dev setups
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is the relay-side gateway for one connected participant.
// Implements port.ClientGateway.
type WSClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *WSClient) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades a participant connection and pumps its envelopes into the
// room service until the transport ends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Upgrading websocket")
		return
	}

	client := &WSClient{conn: conn}

	l := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	l.Info().Msg("Participant transport connected")

	defer func() {
		l.Info().Msg("Participant transport closed")
		h.Rooms.Disconnected(client)
		conn.Close()
	}()

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close")
			}
			return
		}

		if client.id == "" {
			client.id = env.ClientID
		}
		h.Rooms.HandleEnvelope(env, client)
	}
}
