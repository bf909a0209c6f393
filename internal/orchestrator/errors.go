package orchestrator

import "errors"

// Caller-recoverable errors returned at the API boundary. Match with errors.Is;
// returned errors may wrap these with extra context.
var (
	// ErrServerStopping is returned once shutdown has begun.
	ErrServerStopping = errors.New("server is stopping")
	// ErrAlreadyRegistered is returned by Connect for a known identity.
	ErrAlreadyRegistered = errors.New("client already registered")
	// ErrNotRegistered is returned for an unknown identity.
	ErrNotRegistered = errors.New("client not registered")
	// ErrInvalidQueue is returned for a queue name missing from the catalog.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrInGame is returned by JoinQueue while the player is in a session.
	ErrInGame = errors.New("player must finish the current game first")
	// ErrNotInGame is returned by SendEvent when the player has no live session.
	ErrNotInGame = errors.New("player is not in a game")
	// ErrInvalidEvent is returned for an event name the game does not accept.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrNotInQueue is returned by LeaveQueue when the player waits in no queue.
	ErrNotInQueue = errors.New("player is not in a queue")
	// ErrInvalidToken is returned by Authenticate on a token mismatch.
	ErrInvalidToken = errors.New("invalid token")
)
