package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/daemon"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
	"github.com/waggleworks/waggle/sharedctx"
	"github.com/waggleworks/waggle/ui"
)

var (
	version = "0.1.0"

	sessionFlag string
	daemonFlag  bool

	sinceFlag   time.Duration
	limitFlag   int
	authorFlag  string
	keyFlag     string
	freshFlag   bool
	detachFlag  bool
	stopFlag    bool

	rootCmd = &cobra.Command{
		Use:   "waggle [role]",
		Short: "Waggle - crash recovery and shared context for cooperating worker sessions",
		Long: "Waggle coordinates a handful of worker processes on one host: each runs a\n" +
			"session that heartbeats, checkpoints its state, and merges concurrent edits\n" +
			"to a shared key/value context. Dead siblings are detected and restored from\n" +
			"their last valid checkpoint.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(daemonFlag)
			defer log.Close()

			cfg := config.LoadConfig()
			session.NotificationsEnabled = cfg.NotificationsEnabled

			if daemonFlag {
				err := daemon.RunDaemon(cfg)
				if err != nil {
					log.ErrorLog.Printf("daemon exited with error: %v", err)
				}
				return err
			}

			role := "worker"
			if len(args) > 0 {
				role = args[0]
			}

			coord, err := session.NewCoordinator(session.CoordinatorOptions{
				SessionID: sessionFlag,
				Role:      role,
				Config:    cfg,
			})
			if err != nil {
				return err
			}
			if err := coord.Start(); err != nil {
				return err
			}
			fmt.Printf("session %s registered as %q, ctrl-c to end\n", coord.SessionID(), coord.Role())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("received %v, shutting down\n", sig)

			if err := coord.Stop(); err != nil {
				if errors.Is(err, errors.ErrForcedTermination) {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
					return nil
				}
				return err
			}
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show every session's liveness classification and the shared context",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			cfg := config.LoadConfig()
			baseDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}

			sessions, err := session.NewStorage(config.SessionsDir(baseDir))
			if err != nil {
				return err
			}
			checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention)
			detector := recovery.NewDetector(sessions, checkpoints, cfg, baseDir)

			dets, err := detector.DetectAll()
			if err != nil {
				return err
			}
			fmt.Println(ui.RenderSessions(dets, cfg.StaleAfter()))

			if active, err := sessions.ActiveSessions(); err == nil {
				fmt.Printf("%d of %d sessions active\n\n", len(active), len(dets))
			}

			backend, err := session.OpenBackend(cfg, baseDir)
			if err != nil {
				return err
			}
			store := sharedctx.NewStore(backend, sharedctx.StoreOptions{
				SessionID: "status-cli",
				Shards:    cfg.ShardCount,
			})
			defer store.Close()

			snap, err := store.Snapshot()
			if err != nil {
				return err
			}
			fmt.Println(ui.RenderSnapshot(snap))

			if running, pid := daemon.IsRunning(baseDir); running {
				fmt.Printf("recovery daemon running, pid %d\n", pid)
			} else {
				fmt.Println("recovery daemon not running (start with `waggle daemon`)")
			}
			return nil
		},
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Print the ordered context mutation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			cfg := config.LoadConfig()
			baseDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			journal, err := eventlog.New(config.ContextDir(baseDir), cfg.MaxEvents)
			if err != nil {
				return err
			}

			var since int64
			if sinceFlag > 0 {
				since = time.Now().Add(-sinceFlag).UnixNano()
			}
			events, err := journal.ReadSince(since)
			if err != nil {
				return err
			}

			printed := 0
			start := 0
			if limitFlag > 0 {
				// Count matches first so the limit keeps the newest ones.
				matches := 0
				for _, e := range events {
					if eventMatches(e) {
						matches++
					}
				}
				if matches > limitFlag {
					start = matches - limitFlag
				}
			}
			skip := start
			for _, e := range events {
				if !eventMatches(e) {
					continue
				}
				if skip > 0 {
					skip--
					continue
				}
				fmt.Println(ui.RenderEvent(e))
				printed++
			}
			if printed == 0 {
				fmt.Println("no matching events")
			}
			return nil
		},
	}

	recoverCmd = &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Restore a dead session from its newest valid checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			sessionID := args[0]
			cfg := config.LoadConfig()
			baseDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}

			sessions, err := session.NewStorage(config.SessionsDir(baseDir))
			if err != nil {
				return err
			}
			journal, err := eventlog.New(config.ContextDir(baseDir), cfg.MaxEvents)
			if err != nil {
				return err
			}
			checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention)
			detector := recovery.NewDetector(sessions, checkpoints, cfg, baseDir)
			manager := recovery.NewManager(baseDir, detector, sessions, checkpoints, journal, cfg)

			recovered, err := manager.Recover(sessionID)
			switch {
			case err == nil:
				fmt.Printf("recovered session %s (%s) from checkpoint seq %d\n",
					recovered.SessionID, recovered.State, recovered.Checkpoint.Seq)
				if n := len(recovered.Record.CorruptSeqs); n > 0 {
					fmt.Printf("skipped %d corrupt checkpoints: %v\n", n, recovered.Record.CorruptSeqs)
				}
				return nil

			case errors.Is(err, errors.ErrNoValidCheckpoint):
				if !freshFlag {
					fmt.Fprintf(os.Stderr, "%v\n", err)
					fmt.Fprintln(os.Stderr, "no checkpoint survives validation; rerun with --fresh to discard the session and start over")
					return err
				}
				if err := checkpoints.Delete(sessionID); err != nil {
					return fmt.Errorf("failed to discard checkpoints for session %s: %w", sessionID, err)
				}
				if err := sessions.Delete(sessionID); err != nil && !errors.Is(err, errors.ErrSessionNotFound) {
					return err
				}
				fmt.Printf("session %s discarded; the id is free for a fresh start\n", sessionID)
				return nil

			case errors.Is(err, errors.ErrResourceBlocked):
				fmt.Fprintf(os.Stderr, "recovery deferred: %v\n", err)
				fmt.Fprintln(os.Stderr, "retry once host disk/memory recovers, or leave it to the daemon")
				return err

			default:
				return err
			}
		},
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the background recovery sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stopFlag {
				log.Initialize(false)
				defer log.Close()
				if err := daemon.StopDaemon(); err != nil {
					return err
				}
				fmt.Println("daemon stopped")
				return nil
			}
			if detachFlag {
				log.Initialize(false)
				defer log.Close()
				if err := daemon.LaunchDaemon(); err != nil {
					return err
				}
				fmt.Println("daemon launched in the background")
				return nil
			}

			log.Initialize(true)
			defer log.Close()
			cfg := config.LoadConfig()
			err := daemon.RunDaemon(cfg)
			if err != nil {
				log.ErrorLog.Printf("daemon exited with error: %v", err)
			}
			return err
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete all sessions, checkpoints, and shared context",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			if err := daemon.StopDaemon(); err != nil {
				return err
			}
			fmt.Println("daemon has been stopped")

			baseDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			for _, dir := range []string{
				config.SessionsDir(baseDir),
				config.CheckpointsDir(baseDir),
				config.ContextDir(baseDir),
			} {
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("failed to remove %s: %w", dir, err)
				}
			}
			fmt.Println("coordination state has been reset successfully")
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config and state paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configYaml, _ := yaml.Marshal(cfg)

			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configYaml)
			fmt.Printf("State dir: %s\n", configDir)
			fmt.Printf("Log file: %s\n", log.Path())
			if running, pid := daemon.IsRunning(configDir); running {
				fmt.Printf("Daemon: running, pid %d\n", pid)
			} else {
				fmt.Println("Daemon: not running")
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of waggle",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(ui.Banner)
			fmt.Printf("\nwaggle version %s\n", version)
		},
	}
)

// eventMatches applies the --session and --key filters.
func eventMatches(e sharedctx.ContextEvent) bool {
	if authorFlag != "" && e.SessionID != authorFlag {
		return false
	}
	if keyFlag != "" && e.Key != keyFlag {
		return false
	}
	return true
}

func init() {
	rootCmd.Flags().StringVarP(&sessionFlag, "session", "s", "",
		"Session id to register under (default: a generated uuid)")
	rootCmd.Flags().BoolVar(&daemonFlag, "daemon", false,
		"Run the recovery sweeper instead of a worker session.")

	// Hide the daemonFlag as it's only for internal use
	if err := rootCmd.Flags().MarkHidden("daemon"); err != nil {
		panic(err)
	}

	eventsCmd.Flags().DurationVar(&sinceFlag, "since", 0,
		"Only events newer than this age (e.g. 10m, 2h). Zero means all history.")
	eventsCmd.Flags().IntVar(&limitFlag, "limit", 0,
		"Print at most this many of the newest matching events. Zero means no limit.")
	eventsCmd.Flags().StringVar(&authorFlag, "session", "",
		"Only events authored by this session id.")
	eventsCmd.Flags().StringVar(&keyFlag, "key", "",
		"Only events touching this context key.")

	recoverCmd.Flags().BoolVar(&freshFlag, "fresh", false,
		"If no checkpoint validates, discard the session so its id can start fresh.")

	daemonCmd.Flags().BoolVar(&detachFlag, "detach", false,
		"Launch the daemon detached from this terminal.")
	daemonCmd.Flags().BoolVar(&stopFlag, "stop", false,
		"Stop the running daemon.")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
