package telnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/handlers"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// outboxSize bounds the payloads queued for a slow client before sends fail.
const outboxSize = 256

// Handler registers each Telnet client as a player and runs its command loop.
// Every line is one command (see handlers.Commands); every payload the client
// receives is one JSON line.
type Handler struct {
	backend    handlers.Backend
	dispatcher *handlers.Dispatcher
	logger     *zap.Logger
}

// NewHandler creates a Handler.
//
// Precondition: backend and logger must be non-nil.
func NewHandler(backend handlers.Backend, logger *zap.Logger, opts ...handlers.Option) *Handler {
	return &Handler{
		backend:    backend,
		dispatcher: handlers.NewDispatcher(backend, logger, opts...),
		logger:     logger,
	}
}

// HandleSession registers the client under a fresh player id, greets it with
// its token and reads commands until the client quits, disconnects or ctx is
// cancelled.
//
// Postcondition: The player is disconnected from the backend and every queued
// payload has been written (or dropped on a dead connection).
func (h *Handler) HandleSession(ctx context.Context, conn *Conn) error {
	id := game.PlayerID(uuid.NewString())
	outbox := orchestrator.NewMailbox(string(id), outboxSize)

	token, err := h.backend.Connect(id, outbox)
	if err != nil {
		_ = conn.WriteLine(string(handlers.Error(err.Error())))
		return fmt.Errorf("registering player: %w", err)
	}

	logger := h.logger.With(
		zap.String("player", string(id)),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)
	logger.Info("player connected")

	written := make(chan struct{})
	go h.drain(conn, outbox, written, logger)

	defer func() {
		if err := h.backend.Disconnect(id); err != nil && !errors.Is(err, orchestrator.ErrNotRegistered) {
			logger.Warn("disconnecting player", zap.Error(err))
		}
		_ = outbox.Close()
		<-written
		logger.Info("player disconnected")
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := outbox.Send(handlers.Welcome(id, token)); err != nil {
		return err
	}

	for {
		line, err := conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}

		res := h.dispatcher.DispatchLine(ctx, id, line)
		if res.Reply != nil {
			if err := outbox.Send(res.Reply); err != nil {
				logger.Warn("queueing reply", zap.Error(err))
			}
		}
		if res.Quit {
			return nil
		}
	}
}

// drain writes queued payloads until the outbox is closed. After the first
// write error the connection is closed and the rest is discarded.
func (h *Handler) drain(conn *Conn, outbox *orchestrator.Mailbox, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)
	broken := false
	for payload := range outbox.Messages() {
		if broken {
			continue
		}
		if err := conn.WriteLine(string(payload)); err != nil {
			logger.Debug("writing payload", zap.Error(err))
			broken = true
			_ = conn.Close()
		}
	}
}
