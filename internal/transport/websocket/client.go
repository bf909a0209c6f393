package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/handlers"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// client is one upgraded connection bound to a registered player.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	id     game.PlayerID
	outbox *orchestrator.Mailbox
	logger *zap.Logger
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	id := game.PlayerID(uuid.NewString())
	return &client{
		srv:    srv,
		conn:   conn,
		id:     id,
		outbox: orchestrator.NewMailbox(string(id), outboxSize),
		logger: srv.logger.With(
			zap.String("player", string(id)),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
}

// run registers the player, then reads frames until the peer goes away, asks
// to quit or ctx is cancelled.
//
// Postcondition: The player is disconnected and the connection is closed.
func (c *client) run(ctx context.Context) {
	token, err := c.srv.backend.Connect(c.id, c.outbox)
	if err != nil {
		c.logger.Warn("registering player", zap.Error(err))
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.TextMessage, handlers.Error(err.Error()))
		_ = c.conn.Close()
		return
	}
	c.logger.Info("player connected")

	written := make(chan struct{})
	go c.writePump(written)

	defer func() {
		if err := c.srv.backend.Disconnect(c.id); err != nil && !errors.Is(err, orchestrator.ErrNotRegistered) {
			c.logger.Warn("disconnecting player", zap.Error(err))
		}
		_ = c.outbox.Close()
		<-written
		c.logger.Info("player disconnected")
	}()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := c.outbox.Send(handlers.Welcome(c.id, token)); err != nil {
		return
	}
	c.readPump(ctx)
}

func (c *client) readPump(ctx context.Context) {
	pongWait := c.srv.cfg.PingInterval * 10 / 9
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && ctx.Err() == nil {
				c.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			c.reply(handlers.Error("binary frames are not supported"))
			continue
		}

		cmd, err := handlers.ParseFrame(data)
		if err != nil {
			c.reply(handlers.Error(err.Error()))
			continue
		}
		res := c.srv.dispatcher.Dispatch(ctx, c.id, cmd)
		if res.Reply != nil {
			c.reply(res.Reply)
		}
		if res.Quit {
			return
		}
	}
}

func (c *client) reply(payload []byte) {
	if err := c.outbox.Send(payload); err != nil {
		c.logger.Warn("queueing reply", zap.Error(err))
	}
}

// writePump writes queued payloads and keeps the connection alive with
// pings. It sends a close frame once the outbox is closed.
func (c *client) writePump(done chan<- struct{}) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(done)
	}()

	messages := c.outbox.Messages()
	for {
		select {
		case payload, ok := <-messages:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("writing payload", zap.Error(err))
				c.discard(messages)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.discard(messages)
				return
			}
		}
	}
}

// discard closes the dead connection and drops payloads until the outbox is closed.
func (c *client) discard(messages <-chan []byte) {
	_ = c.conn.Close()
	for range messages {
	}
}
