package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// KindName is the queue catalog "game" value served by Library.Kind.
const KindName = "lua"

// Library compiles game scripts once and builds a fresh sandboxed Game per
// session from the cached bytecode. It is safe for concurrent use.
type Library struct {
	root      string
	instLimit int
	logger    *zap.Logger

	mu     sync.RWMutex
	protos map[string]*lua.FunctionProto
}

// NewLibrary creates a Library resolving relative script paths against root.
//
// Precondition: logger must be non-nil.
// Postcondition: instLimit <= 0 uses DefaultInstructionLimit.
func NewLibrary(root string, instLimit int, logger *zap.Logger) *Library {
	if logger == nil {
		panic("scripting.NewLibrary: logger must not be nil")
	}
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	return &Library{
		root:      root,
		instLimit: instLimit,
		logger:    logger,
		protos:    make(map[string]*lua.FunctionProto),
	}
}

// Compile parses and compiles the script at path, caching the result.
//
// Postcondition: Returns the compiled chunk or an error naming the file.
func (l *Library) Compile(path string) (*lua.FunctionProto, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.root, path)
	}

	l.mu.RLock()
	proto, ok := l.protos[path]
	l.mu.RUnlock()
	if ok {
		return proto, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: opening %q: %w", path, err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("scripting: parsing %q: %w", path, err)
	}
	proto, err = lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("scripting: compiling %q: %w", path, err)
	}

	l.mu.Lock()
	l.protos[path] = proto
	l.mu.Unlock()
	l.logger.Info("compiled game script", zap.String("path", path))
	return proto, nil
}

// Kind is a game.Kind for queue definitions with game "lua". The definition
// must name a script; params may set "instruction_limit" per hook call.
func (l *Library) Kind(def game.QueueDef) (game.Constructor, error) {
	if def.Script == "" {
		return nil, fmt.Errorf("queue %q: lua games require a script", def.Name)
	}
	proto, err := l.Compile(def.Script)
	if err != nil {
		return nil, err
	}
	limit, err := game.IntParam(def.Params, "instruction_limit", l.instLimit)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w", def.Name, err)
	}
	return func(id game.SessionID, players []game.PlayerID, params map[string]any) (game.Game, error) {
		g, err := NewGame(proto, id, players, params, limit, l.logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}, nil
}
