package data

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/tickforge/engine/internal/core/ecs"
)

// ScheduleEntry overrides the registration-time scheduling of one system.
// Unset fields keep what the module registered.
type ScheduleEntry struct {
	System         string `yaml:"system"`
	Order          *int   `yaml:"order"`
	Parallel       int    `yaml:"parallel"`
	ThreadAffinity *bool  `yaml:"thread_affinity"`
	Exclusive      *bool  `yaml:"exclusive"`
	Note           string `yaml:"note"`
}

// ScheduleTable is the parsed schedule manifest, keyed by system name.
type ScheduleTable struct {
	entries map[string]*ScheduleEntry
	names   []string // file order
}

// LoadScheduleTable loads a schedule manifest such as schedule.yaml.
func LoadScheduleTable(path string) (*ScheduleTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule manifest: %w", err)
	}
	return ParseScheduleTable(raw)
}

func ParseScheduleTable(raw []byte) (*ScheduleTable, error) {
	var entries []ScheduleEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse schedule manifest: %w", err)
	}
	t := &ScheduleTable{
		entries: make(map[string]*ScheduleEntry, len(entries)),
	}
	var errs error
	for i := range entries {
		e := &entries[i]
		switch {
		case e.System == "":
			errs = multierr.Append(errs, fmt.Errorf("entry %d: missing system name", i))
			continue
		case e.Parallel < 0:
			errs = multierr.Append(errs, fmt.Errorf("entry %d (%s): negative parallel count", i, e.System))
			continue
		}
		if _, dup := t.entries[e.System]; dup {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: system %q listed twice", i, e.System))
			continue
		}
		t.entries[e.System] = e
		t.names = append(t.names, e.System)
	}
	if errs != nil {
		return nil, fmt.Errorf("parse schedule manifest: %w", errs)
	}
	return t, nil
}

// Get returns the entry for a system name, or nil if none.
func (t *ScheduleTable) Get(system string) *ScheduleEntry {
	return t.entries[system]
}

func (t *ScheduleTable) Count() int {
	return len(t.entries)
}

// Apply writes the overrides into def, which must not be sealed yet. Every
// entry naming an unknown system is reported; the known ones are still
// applied.
func (t *ScheduleTable) Apply(def *ecs.Def) error {
	var errs error
	for _, name := range t.names {
		e := t.entries[name]
		sys, ok := def.SystemByName(name)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("schedule manifest: unknown system %q", name))
			continue
		}
		if e.Order != nil {
			def.UpdateOrder(sys, *e.Order)
		}
		if e.Parallel > 0 {
			def.UpdateParallel(sys, e.Parallel)
		}
		flags := def.System(sys).Flags
		flags = setFlag(flags, ecs.SystemThreadAffinity, e.ThreadAffinity)
		flags = setFlag(flags, ecs.SystemExclusive, e.Exclusive)
		def.UpdateFlags(sys, flags)
	}
	return errs
}

func setFlag(flags, bit ecs.SystemFlags, v *bool) ecs.SystemFlags {
	switch {
	case v == nil:
		return flags
	case *v:
		return flags | bit
	default:
		return flags &^ bit
	}
}
