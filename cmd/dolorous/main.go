// Command dolorous is the supervisor daemon's single binary entrypoint: a
// cobra root command that loads the YAML config (spec §6), wires the Stream
// Hub, Supervisor, Exit Watcher, Task Scheduler and Control Socket Server
// together, and runs until SIGTERM/SIGINT.
//
// Grounded on the teacher's cmd/provisr/main.go cobra root/persistent-flag/
// PersistentPreRun-metrics-server shape, reduced from a multi-subcommand
// process-registry CLI down to a single daemon command plus the two
// supplementary subcommands (backup run, status) SPEC_FULL §3 adds.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/dolorous/internal/backup"
	"github.com/loykin/dolorous/internal/config"
	"github.com/loykin/dolorous/internal/ctlsocket"
	"github.com/loykin/dolorous/internal/env"
	"github.com/loykin/dolorous/internal/exitwatch"
	"github.com/loykin/dolorous/internal/hub"
	"github.com/loykin/dolorous/internal/logger"
	"github.com/loykin/dolorous/internal/metrics"
	"github.com/loykin/dolorous/internal/scheduler"
	"github.com/loykin/dolorous/internal/supervisor"
)

const defaultConfigPath = "/etc/dolorous/config.yml"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "dolorous",
		Short:         "Process supervisor: one child, local stream control socket, cron-scheduled maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (env DOLOROUS_CONFIG, default "+defaultConfigPath+")")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor daemon (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(resolveConfigPath(configPath))
		},
	}

	backupCmd := &cobra.Command{Use: "backup", Short: "Backup engine operations"}
	backupRunCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one configured backup immediately and print the archive path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackupOnce(resolveConfigPath(configPath), args[0])
		},
	}
	backupCmd.AddCommand(backupRunCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running daemon's control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(resolveConfigPath(configPath))
		},
	}

	root.AddCommand(runCmd, backupCmd, statusCmd)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveConfigPath applies spec §6's precedence: explicit flag, then
// DOLOROUS_CONFIG, then the container default.
func resolveConfigPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if v := os.Getenv("DOLOROUS_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

// runDaemon loads cfg and drives every component until a shutdown signal is
// observed and the Supervisor has reached Stopped (spec §5 "Shutdown").
func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("dolorous: %w", err)
	}
	logger.Setup(cfg.LogFilter)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("dolorous: register metrics: %w", err)
	}

	supCfg, err := cfg.SupervisorConfig()
	if err != nil {
		return fmt.Errorf("dolorous: %w", err)
	}
	supCfg.Env = env.New().Merge(cfg.Process.Env)

	h := hub.New(supCfg.CacheSize)
	if cfg.Process.Log.Dir != "" {
		logCfg := logger.Config{
			Dir:        cfg.Process.Log.Dir,
			MaxSizeMB:  cfg.Process.Log.MaxSizeMB,
			MaxBackups: cfg.Process.Log.MaxBackups,
			MaxAgeDays: cfg.Process.Log.MaxAgeDays,
			Compress:   cfg.Process.Log.Compress,
		}
		stdoutW, stderrW, err := logCfg.Writers()
		if err != nil {
			return fmt.Errorf("dolorous: process log mirror: %w", err)
		}
		h.SetMirror(hub.Mirror{Stdout: stdoutW, Stderr: stderrW})
	}
	sup := supervisor.New(supCfg, h)

	backups := cfg.BackupSpecs()
	taskCfgs, err := cfg.SchedulerTasks()
	if err != nil {
		return fmt.Errorf("dolorous: %w", err)
	}
	sched := scheduler.New(taskCfgs, scheduler.Deps{Supervisor: sup, Hub: h, Backups: backups})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { sup.Run(groupCtx); return nil })
	group.Go(func() error {
		exitwatch.Run(groupCtx, func(r exitwatch.Report) {
			sup.ReportExit(supervisor.ExitReport{Pid: r.Pid, ExitCode: r.ExitCode})
		})
		return nil
	})
	group.Go(func() error { sched.Run(groupCtx); return nil })

	var ctlSrv *ctlsocket.Server
	if cfg.Socket != "" {
		ctlSrv, err = ctlsocket.Listen(cfg.Socket, h)
		if err != nil {
			return fmt.Errorf("dolorous: bind control socket: %w", err)
		}
		group.Go(func() error {
			if err := ctlSrv.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("control socket server stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		group.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for child to stop")
	waitForStopped(sup, supCfg.Stop.TermTimeout+supCfg.Stop.KillTimeout+5*time.Second)

	if ctlSrv != nil {
		_ = ctlSrv.Close()
	}
	slog.Info("dolorous exiting")
	return nil
}

// waitForStopped polls sup.Status until it reports Stopped or timeout
// elapses, matching spec §8 property 3's bounded-time guarantee.
func waitForStopped(sup *supervisor.Supervisor, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if sup.Status().State == "stopped" {
			return
		}
		<-ticker.C
	}
	slog.Warn("timed out waiting for supervisor to reach stopped", "timeout", timeout)
}

// runBackupOnce loads cfg and invokes the backup engine for name directly,
// without starting the daemon (SPEC_FULL §3 "backup run <name>").
func runBackupOnce(configPath, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("dolorous: %w", err)
	}
	logger.Setup(cfg.LogFilter)

	specs := cfg.BackupSpecs()
	spec, ok := specs[name]
	if !ok {
		return fmt.Errorf("dolorous: undefined backup %q", name)
	}
	path, err := backup.Run(spec)
	if err != nil {
		return fmt.Errorf("dolorous: backup %q: %w", name, err)
	}
	fmt.Println(path)
	return nil
}

// runStatus probes the configured control socket the way a client would:
// dialing it and reading whatever prelude it sends is the only
// introspection surface spec §4.4 defines (there is no status query
// protocol beyond the history-then-bridge stream).
func runStatus(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("dolorous: %w", err)
	}
	if cfg.Socket == "" {
		return errors.New("dolorous: no socket configured")
	}

	conn, err := net.DialTimeout("unix", cfg.Socket, 2*time.Second)
	if err != nil {
		return fmt.Errorf("dolorous: control socket unreachable: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	if n > 0 && string(buf[:n]) == "Uninitialized" {
		fmt.Println("uninitialized: no child has started yet")
		return nil
	}
	fmt.Println("running")
	return nil
}
