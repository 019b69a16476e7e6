package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskagent/pkg/agent"
	"taskagent/pkg/config"
	"taskagent/pkg/eventlog"
	"taskagent/pkg/pipeline"
	"taskagent/pkg/queue"
	"taskagent/pkg/scheduler"
	"taskagent/pkg/store"
	"taskagent/pkg/tracker"
	"taskagent/pkg/worktree"
)

// newRunCmd creates the "taskagent run" subcommand: the daemon itself, in
// the foreground. Backgrounding is the service manager's job.
func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the taskagent daemon in the foreground",
		Long:  "Runs the scheduler and ticket intake loops until SIGINT/SIGTERM.\nWrites a PID file so stop and status can find the process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if configPath == "" {
				configPath = paths.ConfigPath
			}
			cfg, err := config.Load(configPath, paths.Home)
			if err != nil {
				return err
			}
			return runDaemon(cmd, paths, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration file (default $TASKAGENT_HOME/config.toml)")
	return cmd
}

// runDaemon wires the full daemon and blocks until shutdown.
func runDaemon(cmd *cobra.Command, paths *Paths, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(paths.Home, 0o750); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	dbPath := cfg.Store.Path
	if v := os.Getenv("TASKAGENT_DB_PATH"); v != "" {
		dbPath = v
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	events := eventlog.NewWriter(st.DB())
	queues := queue.NewManager(st, queue.Options{
		TicketMaxRetries:    cfg.Retry.TicketMax,
		ExecutionMaxRetries: cfg.Retry.ExecutionMax,
	})

	src, watchDir, err := buildSource(cfg)
	if err != nil {
		return err
	}

	processor := pipeline.New(queues.Tickets(), tracker.Handlers(src), events)
	worktrees := worktree.NewManager(cfg.Worktree.RepoRoot, cfg.Worktree.Root, &worktree.ExecCommandRunner{})
	spawner := &agent.ClaudeSpawner{Command: cfg.Agent.Command, ExtraArgs: cfg.Agent.ExtraArgs}
	worker := scheduler.NewWorker(queues.Tickets(), queues.Executions(), worktrees,
		spawner, events, cfg.Daemon.AgentTimeout.Std())

	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.Daemon.TickInterval.Std(),
		BatchSize:    cfg.Daemon.BatchSize,
		MaxAgents:    cfg.Daemon.MaxAgents,
	}, queues, processor, worker, worktrees, events)

	ingestor := tracker.NewIngestor(src, queues.Tickets(), events, tracker.IngestorConfig{
		WatchDir: watchDir,
		Wake:     sched.Wake(),
	})

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = RemovePIDFile(paths.PIDPath) }()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskagent %s running (PID %d, db %s, agents %d)\n",
			version, os.Getpid(), dbPath, cfg.Daemon.MaxAgents)
	}
	events.Infof(ctx, "daemon", "", "daemon started (PID %d)", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return ingestor.Run(gctx) })

	err = g.Wait()
	events.Infof(cmd.Context(), "daemon", "", "daemon stopped")
	if err != nil && ctx.Err() != nil {
		// Signal-driven shutdown is a clean exit.
		return nil
	}
	return err
}

// buildSource constructs the configured tracker source. The returned watch
// directory is non-empty only for the file source.
func buildSource(cfg *config.Config) (tracker.Source, string, error) {
	switch cfg.Tracker.Source {
	case config.SourceCLI:
		return tracker.NewCLISource(cfg.Tracker.Command, &tracker.ExecCommandRunner{}), "", nil
	case config.SourceFile:
		if err := os.MkdirAll(cfg.Tracker.IntakeDir, 0o750); err != nil {
			return nil, "", fmt.Errorf("create intake dir: %w", err)
		}
		return tracker.NewFileSource(cfg.Tracker.IntakeDir), cfg.Tracker.IntakeDir, nil
	default:
		return nil, "", fmt.Errorf("unknown tracker source %q", cfg.Tracker.Source)
	}
}
