// Package daemon runs the unattended recovery sweeper: a single background
// process per state directory that classifies every registered session on a
// fixed interval and recovers the ones that died.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
)

const (
	pidFileName  = "daemon.pid"
	lockFileName = "daemon.lock"

	// stopWait is how long StopDaemon gives the process after SIGTERM
	// before killing it.
	stopWait = 2 * time.Second
)

func pidFilePath(baseDir string) string {
	return filepath.Join(baseDir, pidFileName)
}

// RunDaemon runs the sweeper in the foreground until SIGINT or SIGTERM.
// The --daemon child and `waggle daemon` both land here.
func RunDaemon(cfg *config.Config) error {
	baseDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	session.NotificationsEnabled = cfg.NotificationsEnabled

	sweeper, err := NewSweeper(baseDir, cfg)
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.InfoLog.Printf("daemon received %v, shutting down", sig)
	return sweeper.Stop()
}

// LaunchDaemon re-execs the current binary with the hidden --daemon flag,
// detached from the caller's terminal and process group.
func LaunchDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.Command(exe, "--daemon")
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch daemon: %w", err)
	}
	return cmd.Process.Release()
}

// IsRunning reports whether a daemon holds a live pid file under baseDir.
// The flock in Sweeper.Start is the authoritative single-instance guard;
// this is for status output and cleanup, and it removes stale pid files.
func IsRunning(baseDir string) (bool, int) {
	data, err := os.ReadFile(pidFilePath(baseDir))
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false, 0
	}
	if !recovery.ProcessAlive(pid) {
		_ = os.Remove(pidFilePath(baseDir))
		return false, 0
	}
	return true, pid
}

// StopDaemon terminates the running daemon, if any. SIGTERM first so the
// sweeper can finish its cycle and release the lock, SIGKILL after stopWait.
func StopDaemon() error {
	baseDir, err := config.GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}
	running, pid := IsRunning(baseDir)
	if !running {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find daemon process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// No SIGTERM delivery on this platform; fall through to Kill.
		return killDaemon(proc, pid, baseDir)
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !recovery.ProcessAlive(pid) {
			_ = os.Remove(pidFilePath(baseDir))
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return killDaemon(proc, pid, baseDir)
}

func killDaemon(proc *os.Process, pid int, baseDir string) error {
	if err := proc.Kill(); err != nil && recovery.ProcessAlive(pid) {
		return fmt.Errorf("failed to kill daemon process %d: %w", pid, err)
	}
	_ = os.Remove(pidFilePath(baseDir))
	return nil
}
