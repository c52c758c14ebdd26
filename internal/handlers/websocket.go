package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/middleware"
	"github.com/mossy-p/callagent/internal/models"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	sendBuffer    = 256
	intentTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one WebSocket viewer of the call state
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{}
}

// StreamCall streams call state snapshots over a WebSocket and accepts
// answer, decline, hangup and dismiss intents from the client.
func StreamCall(machine CallMachine) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: c.GetString(middleware.UserIDKey),
			Conn:   conn,
			Send:   make(chan []byte, sendBuffer),
			done:   make(chan struct{}),
		}
		log.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("call stream opened")

		states, unsubscribe := machine.Subscribe()
		go client.writePump()
		go client.forwardStates(states)
		go client.readPump(machine, unsubscribe)
	}
}

func (c *Client) forwardStates(states <-chan call.State) {
	for {
		select {
		case s := <-states:
			c.sendMessage(models.StreamMessage{Type: models.StreamState, State: s})
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump(machine CallMachine, unsubscribe func()) {
	defer func() {
		unsubscribe()
		close(c.done)
		c.Conn.Close()
		log.Debug().Str("client_id", c.ID).Msg("call stream closed")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.ID).Msg("websocket error")
			}
			break
		}

		var msg models.StreamMessage
		if err := codec.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client_id", c.ID).Msg("failed to parse message")
			c.sendMessage(models.StreamMessage{Type: models.StreamError, Error: "invalid message"})
			continue
		}

		var intent func(context.Context) error
		switch msg.Type {
		case models.StreamAnswer:
			intent = machine.AnswerCall
		case models.StreamDecline:
			intent = machine.DeclineCall
		case models.StreamHangUp:
			intent = func(ctx context.Context) error { return machine.HangUp(ctx, false) }
		case models.StreamDismiss:
			intent = machine.DismissError
		default:
			c.sendMessage(models.StreamMessage{Type: models.StreamError, Error: "unknown message type: " + string(msg.Type)})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), intentTimeout)
		err = intent(ctx)
		cancel()
		if err != nil {
			c.sendMessage(models.StreamMessage{Type: models.StreamError, Error: err.Error()})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) sendMessage(msg models.StreamMessage) {
	data, err := codec.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Warn().Str("client_id", c.ID).Msg("failed to send message, buffer full")
	}
}
