// Package handlers turns client commands into orchestrator calls. It is shared
// by every line- or frame-oriented transport.
package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// Command names.
const (
	CmdJoin   = "join"
	CmdLeave  = "leave"
	CmdEvent  = "event"
	CmdQueues = "queues"
	CmdHelp   = "help"
	CmdQuit   = "quit"
)

// Orchestrator is the part of the session orchestrator that client commands drive.
type Orchestrator interface {
	JoinQueue(id game.PlayerID, queue string) error
	LeaveQueue(id game.PlayerID) error
	SendEvent(ctx context.Context, id game.PlayerID, ev game.Event) error
	QueueLength(name string) int
	Catalog() *game.Catalog
}

// Backend is everything a transport needs: the command surface plus the
// player registry. *orchestrator.Manager satisfies it.
type Backend interface {
	Orchestrator
	Connect(id game.PlayerID, conn orchestrator.Conn) (string, error)
	Disconnect(id game.PlayerID) error
}

// Welcome is the first payload a transport sends a newly registered player.
func Welcome(id game.PlayerID, token string) []byte {
	return mustJSON(map[string]string{"cmd": "welcome", "player": string(id), "token": token})
}

// Error is a standalone {"error": ...} payload.
func Error(msg string) []byte {
	return mustJSON(map[string]string{"error": msg})
}

// Command is one parsed client command.
type Command struct {
	Name string
	Args []string
}

// Parse splits line into a lower-cased command name and its arguments.
//
// Postcondition: ok is false for a blank line.
func Parse(line string) (cmd Command, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}, true
}

// Result is the outcome of one command.
type Result struct {
	// Reply is a JSON payload for the client; nil when there is nothing to say.
	Reply []byte
	// Quit asks the transport to close the connection.
	Quit bool
}

type handlerFunc func(ctx context.Context, d *Dispatcher, id game.PlayerID, args []string) Result

// handlerMap is the single source of truth for command dispatch.
var handlerMap = map[string]handlerFunc{
	CmdJoin:   handleJoin,
	CmdLeave:  handleLeave,
	CmdEvent:  handleEvent,
	CmdQueues: handleQueues,
	CmdQuit:   handleQuit,

	CmdHistory: handleHistory,
	CmdWins:    handleWins,
	CmdMatch:   handleMatch,
}

// handleHelp reads handlerMap through Commands, so it is registered in init
// to avoid an initialization cycle.
func init() {
	handlerMap[CmdHelp] = handleHelp
}

var usage = map[string]string{
	CmdJoin:   "join <queue>",
	CmdLeave:  "leave",
	CmdEvent:  "event <name> [args...]",
	CmdQueues: "queues",
	CmdHelp:   "help",
	CmdQuit:   "quit",

	CmdHistory: "history [player] [limit]",
	CmdWins:    "wins [player]",
	CmdMatch:   "match <id>",
}

// Commands lists every dispatchable command name, sorted.
func Commands() []string {
	names := make([]string, 0, len(handlerMap))
	for name := range handlerMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatcher executes commands for connected players.
type Dispatcher struct {
	orch    Orchestrator
	history History
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: orch and logger must be non-nil.
func NewDispatcher(orch Orchestrator, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{orch: orch, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchLine parses and executes one line of client input.
func (d *Dispatcher) DispatchLine(ctx context.Context, id game.PlayerID, line string) Result {
	cmd, ok := Parse(line)
	if !ok {
		return Result{}
	}
	return d.Dispatch(ctx, id, cmd)
}

// Dispatch executes cmd on behalf of id.
//
// Postcondition: Unknown commands and orchestrator errors produce an
// {"error": ...} reply; the connection stays open unless Quit is set.
func (d *Dispatcher) Dispatch(ctx context.Context, id game.PlayerID, cmd Command) Result {
	h, ok := handlerMap[cmd.Name]
	if !ok {
		return errorReply("unknown command " + quote(cmd.Name) + " (try help)")
	}
	d.logger.Debug("command",
		zap.String("player", string(id)),
		zap.String("command", cmd.Name),
		zap.Strings("args", cmd.Args),
	)
	return h(ctx, d, id, cmd.Args)
}

func handleJoin(_ context.Context, d *Dispatcher, id game.PlayerID, args []string) Result {
	if len(args) != 1 {
		return usageReply(CmdJoin)
	}
	if err := d.orch.JoinQueue(id, args[0]); err != nil {
		return errorReply(err.Error())
	}
	return okReply(map[string]any{"joined": args[0]})
}

func handleLeave(_ context.Context, d *Dispatcher, id game.PlayerID, args []string) Result {
	if len(args) != 0 {
		return usageReply(CmdLeave)
	}
	if err := d.orch.LeaveQueue(id); err != nil {
		return errorReply(err.Error())
	}
	return okReply(map[string]any{"left": true})
}

func handleEvent(ctx context.Context, d *Dispatcher, id game.PlayerID, args []string) Result {
	if len(args) == 0 {
		return usageReply(CmdEvent)
	}
	ev := game.Event{Name: args[0], Args: args[1:]}
	if err := d.orch.SendEvent(ctx, id, ev); err != nil {
		return errorReply(err.Error())
	}
	return Result{}
}

// QueueSummary describes one catalog entry for clients.
type QueueSummary struct {
	Name           string `json:"name"`
	BatchSize      int    `json:"batch_size"`
	TicksPerSecond int    `json:"ticks_per_second"`
	Waiting        int    `json:"waiting"`
}

// Queues summarizes the catalog with current queue lengths.
func Queues(orch Orchestrator) []QueueSummary {
	catalog := orch.Catalog()
	names := catalog.Names()
	out := make([]QueueSummary, 0, len(names))
	for _, name := range names {
		qt, ok := catalog.Get(name)
		if !ok {
			continue
		}
		out = append(out, QueueSummary{
			Name:           name,
			BatchSize:      qt.BatchSize,
			TicksPerSecond: qt.TicksPerSecond,
			Waiting:        orch.QueueLength(name),
		})
	}
	return out
}

func handleQueues(_ context.Context, d *Dispatcher, _ game.PlayerID, _ []string) Result {
	return okReply(map[string]any{"queues": Queues(d.orch)})
}

func handleHelp(context.Context, *Dispatcher, game.PlayerID, []string) Result {
	lines := make([]string, 0, len(usage))
	for _, name := range Commands() {
		lines = append(lines, usage[name])
	}
	return okReply(map[string]any{"commands": lines})
}

func handleQuit(context.Context, *Dispatcher, game.PlayerID, []string) Result {
	return Result{Reply: mustJSON(map[string]any{"bye": true}), Quit: true}
}

func usageReply(cmd string) Result {
	return errorReply("usage: " + usage[cmd])
}

func errorReply(msg string) Result {
	return Result{Reply: Error(msg)}
}

func okReply(body map[string]any) Result {
	return Result{Reply: mustJSON(body)}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// mustJSON encodes values built from strings, ints and bools only.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
