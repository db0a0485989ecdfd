package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM running scripted systems.
// Single-goroutine access only: every scripted system is registered with
// thread affinity, so calls are serialized on the ticking goroutine.
type Engine struct {
	vm      *lua.LState
	log     *zap.Logger
	scripts []*Script
}

// Script is one loaded script file. A file returns a table:
//
//	return {
//	  name = "spin",        -- optional, defaults to the file name
//	  order = 210,          -- optional explicit order key
//	  update = function(props, dt) ... return true end,
//	}
//
// update receives the entity's props as a table of numbers and the tick
// delta in seconds. Returning false destroys the entity.
type Script struct {
	Name     string
	Path     string
	Order    int
	HasOrder bool
	update   *lua.LFunction
}

// NewEngine creates a Lua engine and loads every .lua file in dir.
func NewEngine(dir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(dir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in a directory in name order.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		s, err := e.load(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		if slices.ContainsFunc(e.scripts, func(o *Script) bool { return o.Name == s.Name }) {
			return fmt.Errorf("load %s: duplicate script name %q", path, s.Name)
		}
		e.scripts = append(e.scripts, s)
		e.log.Debug("loaded lua script", zap.String("file", path), zap.String("name", s.Name))
	}
	return nil
}

func (e *Engine) load(path string) (*Script, error) {
	fn, err := e.vm.LoadFile(path)
	if err != nil {
		return nil, err
	}
	e.vm.Push(fn)
	if err := e.vm.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	ret := e.vm.Get(-1)
	e.vm.Pop(1)

	t, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script returned %s, want table", ret.Type())
	}
	update, ok := t.RawGetString("update").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script has no update function")
	}
	s := &Script{
		Name:   strings.TrimSuffix(filepath.Base(path), ".lua"),
		Path:   path,
		update: update,
	}
	if name := lStr(t, "name"); name != "" {
		s.Name = name
	}
	if n, ok := t.RawGetString("order").(lua.LNumber); ok {
		s.Order, s.HasOrder = int(n), true
	}
	return s, nil
}

// Scripts returns the loaded scripts in load order.
func (e *Engine) Scripts() []*Script { return e.scripts }

// Update calls s.update for one entity's props and writes every numeric
// field of the returned table back into props.Values. keep is false when
// the script asked for the entity to be destroyed.
func (e *Engine) Update(s *Script, props *ScriptProps, dt time.Duration) (keep bool, err error) {
	t := e.vm.NewTable()
	for k, v := range props.Values {
		t.RawSetString(k, lua.LNumber(v))
	}

	if err := e.vm.CallByParam(lua.P{
		Fn:      s.update,
		NRet:    1,
		Protect: true,
	}, t, lua.LNumber(dt.Seconds())); err != nil {
		return true, fmt.Errorf("script %s: %w", s.Name, err)
	}
	result := e.vm.Get(-1)
	e.vm.Pop(1)

	if props.Values == nil {
		props.Values = make(map[string]float64)
	}
	t.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if n, ok := v.(lua.LNumber); ok {
			props.Values[string(key)] = float64(n)
		}
	})
	return result != lua.LFalse, nil
}

// lStr reads a string field from a Lua table.
func lStr(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
