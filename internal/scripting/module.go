package scripting

import (
	"maps"

	"go.uber.org/zap"

	"github.com/tickforge/engine/internal/core/ecs"
)

// ScriptProps binds an entity to a script by name and carries the numeric
// state the script reads and writes.
type ScriptProps struct {
	Script string
	Values map[string]float64
}

// combineProps merges a second same-tick add: incoming values win, and an
// empty incoming script name keeps the existing binding.
func combineProps(existing, incoming *ScriptProps) {
	if incoming.Script != "" {
		existing.Script = incoming.Script
	}
	if existing.Values == nil {
		existing.Values = make(map[string]float64, len(incoming.Values))
	}
	maps.Copy(existing.Values, incoming.Values)
}

// Register is the module init for scripting. The module context must be the
// *Engine whose scripts become systems, one per script.
func Register(b *ecs.ModuleBuilder) {
	eng := b.Context().(*Engine)
	ecs.RegisterComp(b, ecs.CompConfig[ScriptProps]{Combinator: combineProps})
	view := b.RegisterView("scripting.props", func(vb *ecs.ViewBuilder) {
		ecs.WriteAccess[ScriptProps](vb)
	})
	for _, s := range eng.Scripts() {
		sys := b.RegisterSystem("script."+s.Name, eng.routine(s, view), view)
		b.Flags(sys, ecs.SystemThreadAffinity)
		if s.HasOrder {
			b.Order(sys, s.Order)
		}
	}
}

func (e *Engine) routine(s *Script, view ecs.ViewID) ecs.SystemRoutine {
	return func(ctx *ecs.SysCtx) {
		dt := ctx.TickInfo().Delta
		w := ctx.View(view).Itr()
		for w.Walk() {
			props := ecs.Write[ScriptProps](w)
			if props.Script != s.Name {
				continue
			}
			keep, err := e.Update(s, props, dt)
			if err != nil {
				e.log.Error("lua script error",
					zap.String("script", s.Name),
					zap.Stringer("entity", w.Entity()),
					zap.Error(err),
				)
				continue
			}
			if !keep {
				ctx.DestroyEntityAsync(w.Entity())
			}
		}
	}
}
