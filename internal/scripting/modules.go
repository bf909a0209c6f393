package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// RegisterModules registers the engine table into L:
//
//	engine.session_id            the running session's id
//	engine.log.{debug,info,warn,error}(msg)
//
// Precondition: L must be from NewSandboxedState; logger must be non-nil.
// Postcondition: engine global is defined in L.
func RegisterModules(L *lua.LState, id game.SessionID, logger *zap.Logger) {
	engine := L.NewTable()
	engine.RawSetString("session_id", lua.LNumber(id))

	logger = logger.With(zap.Uint64("session_id", uint64(id)))
	log := L.NewTable()
	for name, fn := range map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	} {
		log.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}))
	}
	engine.RawSetString("log", log)

	L.SetGlobal("engine", engine)
}
