package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tickforge/engine/internal/config"
	"github.com/tickforge/engine/internal/core/ecs"
	coresys "github.com/tickforge/engine/internal/core/system"
	"github.com/tickforge/engine/internal/data"
	"github.com/tickforge/engine/internal/persist"
	"github.com/tickforge/engine/internal/scripting"
	"github.com/tickforge/engine/internal/sim"
)

func main() {
	// Thread-affinity systems run on the ticking goroutine, which is this one.
	runtime.LockOSThread()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner() {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m             tickforge  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      ECS runtime core · wave scheduler    \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
}

func printSection(title string) {
	lineLen := max(46-len(title)-1, 3)
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := max(42-len(label)-len(numStr), 3)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ──────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/tickforge.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if stop := startProfile(cfg.Profile); stop != nil {
		defer stop()
	}

	printBanner()

	// 3. Register modules
	printSection("Modules")
	def := ecs.NewDef()
	def.RegisterModule("sim", sim.Register, &sim.Config{
		Population: cfg.Sim.Entities,
		Lifetime:   cfg.Sim.Lifetime,
		Parallel:   cfg.Sim.Parallel,
		Speed:      10,
		Seed:       uint64(time.Now().UnixNano()),
		Log:        log.Named("sim"),
	})
	printOK("sim")

	if cfg.Scripting.Enabled {
		lua, err := scripting.NewEngine(cfg.Scripting.Dir, log.Named("lua"))
		if err != nil {
			return fmt.Errorf("scripting: %w", err)
		}
		defer lua.Close()
		def.RegisterModule("scripting", scripting.Register, lua)
		printStat("Lua scripts", len(lua.Scripts()))
	}

	if cfg.Schedule.Manifest != "" {
		table, err := data.LoadScheduleTable(cfg.Schedule.Manifest)
		if err != nil {
			return fmt.Errorf("schedule manifest: %w", err)
		}
		if err := table.Apply(def); err != nil {
			return fmt.Errorf("schedule manifest: %w", err)
		}
		printStat("Schedule overrides", table.Count())
	}
	printStat("Components", def.CompCount())
	printStat("Views", def.ViewCount())
	printStat("Systems", def.SystemCount())
	fmt.Println()

	// 4. World and runner
	world := ecs.NewWorld(def,
		ecs.WithLogger(log.Named("ecs")),
		ecs.WithAccessValidation(cfg.Runner.ValidateAccess),
	)
	defer world.Close()

	runner := coresys.NewRunner(world,
		coresys.WithWorkers(cfg.Runner.Workers),
		coresys.WithLogger(log.Named("runner")),
	)
	printSection("Schedule")
	for _, w := range runner.Plan() {
		printReady(fmt.Sprintf("wave %d: %s", w.Index, strings.Join(w.Systems, ", ")))
	}
	fmt.Println()

	// 5. Optional tick journal
	var journal *persist.Journal
	retain := func(uint64) {}
	if cfg.Journal.Enabled {
		printSection("Journal")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(ctx, cfg.Journal, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		if err := persist.RunMigrations(ctx, db.Pool, log); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("Migrations applied")

		repo := persist.NewJournalRepo(db)
		last, err := repo.LastTick(ctx)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		// Tick numbers restart with the process; with retention on, rows of
		// earlier runs are pruned before they mix with this one.
		if cfg.Journal.RetainTicks > 0 && last > 0 {
			n, err := repo.Prune(ctx, last+1)
			if err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			printStat("Journal rows pruned", int(n))
		}
		fmt.Println()

		journal = persist.NewJournal(repo, cfg.Journal.BatchSize, log.Named("journal"))
		journal.Subscribe(runner.Bus())
		defer flushJournal(journal, log)
		retain = func(tick uint64) {
			if cfg.Journal.RetainTicks == 0 || tick <= cfg.Journal.RetainTicks {
				return
			}
			pruneJournal(repo, tick-cfg.Journal.RetainTicks, log)
		}
	}

	// 6. Tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Runner.TickRate)
	defer ticker.Stop()

	printSection("Running")
	printReady(fmt.Sprintf("tick rate %s, %d workers", cfg.Runner.TickRate, runner.Workers()))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			if world.IsBusy() {
				log.Warn("previous tick still running, skipping")
				continue
			}
			runner.Tick(cfg.Runner.TickRate)
			if journal != nil && journal.Ready() {
				flushJournal(journal, log)
				retain(runner.TickCount())
			}
			if cfg.Runner.MaxTicks > 0 && runner.TickCount() >= cfg.Runner.MaxTicks {
				log.Info("tick limit reached", zap.Uint64("ticks", runner.TickCount()))
				logStats(runner, log)
				return nil
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			logStats(runner, log)
			return nil
		}
	}
}

func flushJournal(j *persist.Journal, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Flush(ctx); err != nil {
		level := zap.WarnLevel
		if errors.Is(err, context.DeadlineExceeded) {
			level = zap.ErrorLevel
		}
		log.Check(level, "journal flush failed").Write(zap.Int("pending", j.Pending()), zap.Error(err))
	}
}

func pruneJournal(repo *persist.JournalRepo, before uint64, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := repo.Prune(ctx, before)
	if err != nil {
		log.Warn("journal prune failed", zap.Uint64("before", before), zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("journal pruned", zap.Uint64("before", before), zap.Int64("rows", n))
	}
}

func logStats(r *coresys.Runner, log *zap.Logger) {
	for _, s := range r.Stats() {
		log.Info("system stats",
			zap.String("system", s.Name),
			zap.Int("wave", s.Wave),
			zap.Uint64("calls", s.Calls),
			zap.Duration("avg", s.Avg),
			zap.Duration("max", s.Max),
		)
	}
}

func startProfile(cfg config.ProfileConfig) func() {
	var mode func(*profile.Profile)
	switch cfg.Mode {
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfileAllocs
	case "trace":
		mode = profile.TraceProfile
	default:
		return nil
	}
	p := profile.Start(mode, profile.ProfilePath(cfg.Dir), profile.NoShutdownHook, profile.Quiet)
	return p.Stop
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
