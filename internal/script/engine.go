// Package script embeds a Lua procedure dispatch surface backing the
// play_script RPC/binary method. Scripts see a `kt` table of TimedDB
// operations; a single mutex-guarded *lua.State serves every call.
package script

import (
	"fmt"
	"os"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/timeddb"
)

// Error is a typed, Is()-comparable error describing where a script
// failed.
type Error struct {
	Type       string // "syntax", "runtime", "api"
	Message    string
	Source     string
	Underlying error
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("script %s error (%s): %s", e.Type, e.Source, e.Message)
	}
	return fmt.Sprintf("script %s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Engine is the per-server script VM backing play_script. Exactly one
// Lua state is kept, guarded by stateMutex the way LuaEngine guards its
// own state against concurrent worker goroutines.
type Engine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	db         *timeddb.TimedDB
	path       string // source file, for ReloadFile on a reload signal
}

// NewEngine creates a script engine bound to db and immediately resets
// its Lua state, registering the kt.* global table.
func NewEngine(db *timeddb.TimedDB, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{db: db, logger: logger}
	e.Reset()
	return e
}

func (e *Engine) doWithState(fn func(L *lua.State) interface{}) interface{} {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	return fn(e.state)
}

// Reset discards and recreates the Lua state, re-registering the kt
// table, mirroring LuaEngine.Reset/resetInternal.
func (e *Engine) Reset() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
	}
	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerKTTable()
}

// Close releases the Lua state.
func (e *Engine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}

// SafeWrapGoFunction wraps fn so a Go panic inside it is recovered,
// logged, and returned to the script as the two values (nil, message)
// instead of crashing the worker goroutine running the script.
func (e *Engine) SafeWrapGoFunction(name string, fn func(L *lua.State) int) func(L *lua.State) int {
	return func(L *lua.State) (ret int) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithField("function", name).WithField("panic", r).
					Error("script function panicked in Go")
				L.PushNil()
				L.PushString(fmt.Sprintf("%s panicked in Go: %v", name, r))
				ret = 2
			}
		}()
		return fn(L)
	}
}

// LoadFile reads and compiles path as the server's standing script;
// the reload signal re-reads this same path.
func (e *Engine) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &Error{Type: "api", Message: err.Error(), Source: path, Underlying: err}
	}
	e.path = path
	return e.load(string(content), path)
}

// ReloadFile re-reads the previously loaded script file, used by the
// server's reload-signal handler.
func (e *Engine) ReloadFile() error {
	if e.path == "" {
		return &Error{Type: "api", Message: "no script file previously loaded"}
	}
	e.Reset()
	return e.LoadFile(e.path)
}

func (e *Engine) load(body, source string) error {
	var loadErr error
	e.doWithState(func(L *lua.State) interface{} {
		if status := L.LoadString(body); status != 0 {
			msg := "compile failed"
			if L.IsString(-1) {
				msg = L.ToString(-1)
			}
			L.Pop(1)
			loadErr = &Error{Type: "syntax", Message: msg, Source: source}
			return nil
		}
		// Execute the chunk once so top-level function definitions
		// become globals, then discard whatever it pushed.
		if err := L.Call(0, 0); err != nil {
			loadErr = &Error{Type: "runtime", Message: err.Error(), Source: source, Underlying: err}
		}
		return nil
	})
	return loadErr
}
