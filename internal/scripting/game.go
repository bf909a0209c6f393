package scripting

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// Hook names a script may define. advance and is_over are required.
const (
	HookInit        = "init"
	HookAdvance     = "advance"
	HookIsOver      = "is_over"
	HookWinner      = "winner"
	HookEliminate   = "eliminate"
	HookEvents      = "events"
	HookHandleEvent = "handle_event"
	HookStartup     = "startup"
)

// ErrRejected wraps the message a handle_event hook returns to refuse an event.
var ErrRejected = errors.New("event rejected")

// Game is a game.Game whose rules live in a Lua script. Each Game owns its own
// VM. A Lua runtime error or an exhausted instruction budget breaks the game:
// the failing call reports it where it can, and the next Advance returns it so
// the session faults.
type Game struct {
	L      *lua.LState
	id     game.SessionID
	limit  int
	logger *zap.Logger
	broken error
}

// NewGame runs proto in a fresh sandbox and calls its init hook with the
// session id, the player list and params.
//
// Precondition: proto was compiled by Library.Compile; logger must be non-nil.
// Postcondition: Returns a running Game, or an error if the script fails to
// load, lacks a required hook, or init fails.
func NewGame(proto *lua.FunctionProto, id game.SessionID, players []game.PlayerID, params map[string]any, limit int, logger *zap.Logger) (*Game, error) {
	L := NewSandboxedState()
	RegisterModules(L, id, logger)

	g := &Game{L: L, id: id, limit: limit, logger: logger}
	err := WithInstructionLimit(L, limit, func() error {
		L.Push(L.NewFunctionFromProto(proto))
		return L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("loading script: %w", err)
	}
	for _, hook := range []string{HookAdvance, HookIsOver} {
		if !g.has(hook) {
			L.Close()
			return nil, fmt.Errorf("script does not define %s()", hook)
		}
	}
	if g.has(HookInit) {
		if _, err := g.call(HookInit, 0, lua.LNumber(id), fromGo(L, players), fromGo(L, params)); err != nil {
			L.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *Game) has(hook string) bool {
	return g.L.GetGlobal(hook).Type() == lua.LTFunction
}

// call invokes hook under the instruction budget and returns exactly nret values.
func (g *Game) call(hook string, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	fn := g.L.GetGlobal(hook)
	err := WithInstructionLimit(g.L, g.limit, func() error {
		return g.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("lua %s(): %w", hook, err)
	}
	rets := make([]lua.LValue, nret)
	for i := range nret {
		rets[i] = g.L.Get(i - nret)
	}
	g.L.Pop(nret)
	return rets, nil
}

// callOptional calls hook if it is defined and records a failure as breaking
// the game.
func (g *Game) callOptional(hook string, nret int, args ...lua.LValue) ([]lua.LValue, bool) {
	if g.broken != nil || !g.has(hook) {
		return nil, false
	}
	rets, err := g.call(hook, nret, args...)
	if err != nil {
		g.fail(err)
		return nil, false
	}
	return rets, true
}

func (g *Game) fail(err error) {
	if g.broken == nil {
		g.broken = err
		g.logger.Warn("lua game broken",
			zap.Uint64("session_id", uint64(g.id)),
			zap.Error(err),
		)
	}
}

// Advance calls advance(), which may return nil (nothing happened) or a table
// {changed = bool, winner = string|nil, fields = table}.
func (g *Game) Advance() (game.Status, error) {
	if g.broken != nil {
		return game.Status{}, g.broken
	}
	rets, err := g.call(HookAdvance, 1)
	if err != nil {
		g.fail(err)
		return game.Status{}, err
	}
	if rets[0] == lua.LNil {
		return game.Status{}, nil
	}
	t, ok := rets[0].(*lua.LTable)
	if !ok {
		err := fmt.Errorf("lua advance(): expected table or nil, got %s", rets[0].Type())
		g.fail(err)
		return game.Status{}, err
	}

	st := game.Status{Changed: lua.LVAsBool(t.RawGetString("changed"))}
	if w, ok := t.RawGetString("winner").(lua.LString); ok {
		winner := game.PlayerID(w)
		st.Winner = &winner
	}
	fields, err := toGoMap(t.RawGetString("fields"))
	if err != nil {
		err = fmt.Errorf("lua advance() fields: %w", err)
		g.fail(err)
		return game.Status{}, err
	}
	st.Fields = fields
	return st, nil
}

// IsOver calls is_over(). A broken game is not over; its next Advance faults.
func (g *Game) IsOver() bool {
	if g.broken != nil {
		return false
	}
	rets, err := g.call(HookIsOver, 1)
	if err != nil {
		g.fail(err)
		return false
	}
	return lua.LVAsBool(rets[0])
}

// Winner calls winner(), which returns a player id or nil.
func (g *Game) Winner() (game.PlayerID, bool) {
	rets, ok := g.callOptional(HookWinner, 1)
	if !ok {
		return "", false
	}
	w, ok := rets[0].(lua.LString)
	if !ok || w == "" {
		return "", false
	}
	return game.PlayerID(w), true
}

// Eliminate calls eliminate(player).
func (g *Game) Eliminate(player game.PlayerID) {
	g.callOptional(HookEliminate, 0, lua.LString(player))
}

// ValidEvents calls events(), which returns an array of event names. A script
// without the hook accepts no events.
func (g *Game) ValidEvents() []string {
	rets, ok := g.callOptional(HookEvents, 1)
	if !ok {
		return nil
	}
	names, err := toStrings(rets[0])
	if err != nil {
		g.fail(fmt.Errorf("lua events(): %w", err))
		return nil
	}
	return names
}

// HandleEvent calls handle_event(player, name, args). The hook returns nil to
// accept the event or a message to reject it; a rejection leaves the game
// running.
func (g *Game) HandleEvent(player game.PlayerID, ev game.Event) error {
	if g.broken != nil {
		return g.broken
	}
	if !g.has(HookHandleEvent) {
		return fmt.Errorf("%w: script does not handle events", ErrRejected)
	}
	rets, err := g.call(HookHandleEvent, 1, lua.LString(player), lua.LString(ev.Name), fromGo(g.L, ev.Args))
	if err != nil {
		g.fail(err)
		return err
	}
	if msg, ok := rets[0].(lua.LString); ok {
		return fmt.Errorf("%w: %s", ErrRejected, string(msg))
	}
	return nil
}

// StartupStatus calls startup(), which returns a table of fields.
func (g *Game) StartupStatus() map[string]any {
	out := map[string]any{"session_id": uint64(g.id)}
	rets, ok := g.callOptional(HookStartup, 1)
	if !ok {
		return out
	}
	fields, err := toGoMap(rets[0])
	if err != nil {
		g.fail(fmt.Errorf("lua startup(): %w", err))
		return out
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Close releases the VM. The orchestrator calls it once the session ends.
func (g *Game) Close() error {
	g.L.Close()
	return nil
}
