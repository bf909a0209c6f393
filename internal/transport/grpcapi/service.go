package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/handlers"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// outboxSize bounds the payloads queued for a slow stream.
const outboxSize = 256

// Authenticator verifies a player's token. *orchestrator.Manager satisfies it.
type Authenticator interface {
	Authenticate(id game.PlayerID, token string) error
}

// Backend is the orchestrator surface the service drives.
type Backend interface {
	handlers.Backend
	Authenticator
}

// Service implements ArenaServer on top of the orchestrator.
type Service struct {
	backend    Backend
	dispatcher *handlers.Dispatcher
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a Service.
//
// Precondition: backend and logger must be non-nil.
func NewService(backend Backend, logger *zap.Logger, opts ...handlers.Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		backend:    backend,
		dispatcher: handlers.NewDispatcher(backend, logger, opts...),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close ends every open Session stream.
func (s *Service) Close() {
	s.cancel()
}

type recvResult struct {
	msg *structpb.Struct
	err error
}

// Session registers the caller and runs its command loop until the client
// half-closes, sends quit, the stream fails or the service is closed.
//
// Postcondition: The player is disconnected and no Send happens after return.
func (s *Service) Session(stream SessionStream) error {
	id := game.PlayerID(uuid.NewString())
	outbox := orchestrator.NewMailbox(string(id), outboxSize)

	token, err := s.backend.Connect(id, outbox)
	if err != nil {
		if errors.Is(err, orchestrator.ErrServerStopping) {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Errorf(codes.Internal, "registering player: %v", err)
	}
	logger := s.logger.With(zap.String("player", string(id)))
	logger.Info("player connected")

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	written := make(chan error, 1)
	go func() {
		written <- forward(stream, outbox)
	}()

	defer func() {
		if err := s.backend.Disconnect(id); err != nil && !errors.Is(err, orchestrator.ErrNotRegistered) {
			logger.Warn("disconnecting player", zap.Error(err))
		}
		_ = outbox.Close()
		if err := <-written; err != nil {
			logger.Debug("forwarding payloads", zap.Error(err))
		}
		logger.Info("player disconnected")
	}()

	if err := outbox.Send(handlers.Welcome(id, token)); err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	frames := make(chan recvResult)
	go func() {
		for {
			msg, err := stream.Recv()
			select {
			case frames <- recvResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var in recvResult
		select {
		case in = <-frames:
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return status.Error(codes.Unavailable, orchestrator.ErrServerStopping.Error())
			}
			return nil
		}
		if errors.Is(in.err, io.EOF) {
			return nil
		}
		if in.err != nil {
			return in.err
		}

		res := s.dispatch(ctx, id, in.msg)
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

// forward sends queued payloads on stream until the outbox is closed. After
// a send error the rest is discarded.
func forward(stream SessionStream, outbox *orchestrator.Mailbox) error {
	var sendErr error
	for payload := range outbox.Messages() {
		if sendErr != nil {
			continue
		}
		sendErr = stream.Send(wrapperspb.String(string(payload)))
	}
	return sendErr
}

func (s *Service) dispatch(ctx context.Context, id game.PlayerID, msg *structpb.Struct) handlers.Result {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return handlers.Result{Reply: handlers.Error(err.Error())}
	}
	cmd, err := handlers.ParseFrame(data)
	if err != nil {
		return handlers.Result{Reply: handlers.Error(err.Error())}
	}
	return s.dispatcher.Dispatch(ctx, id, cmd)
}

// Command authenticates the caller from the x-arena-player and x-arena-token
// metadata and runs one command frame. Quit is only valid on a Session stream.
//
// Postcondition: Returns the JSON reply ("" when the command has none);
// Unauthenticated for missing or wrong credentials.
func (s *Service) Command(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	id, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cmd, err := handlers.ParseFrame(data)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if cmd.Name == handlers.CmdQuit {
		return nil, status.Error(codes.InvalidArgument, "quit is only valid on a session stream")
	}
	res := s.dispatcher.Dispatch(ctx, id, cmd)
	return wrapperspb.String(string(res.Reply)), nil
}

func (s *Service) authenticate(ctx context.Context) (game.PlayerID, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	player := first(md.Get(PlayerMetadataKey))
	token := first(md.Get(TokenMetadataKey))
	if player == "" || token == "" {
		return "", status.Error(codes.Unauthenticated, "player and token metadata are required")
	}
	id := game.PlayerID(player)
	if err := s.backend.Authenticate(id, token); err != nil {
		return "", status.Error(codes.Unauthenticated, err.Error())
	}
	return id, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Queues lists the queue catalog.
func (s *Service) Queues(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	data, err := json.Marshal(map[string]any{"queues": handlers.Queues(s.backend)})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
