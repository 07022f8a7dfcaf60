package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
)

// maxProbeConcurrency bounds the per-sweep classification fan-out. Each
// probe touches the checkpoint directory, so unbounded fan-out would turn
// a large roster into a disk storm.
const maxProbeConcurrency = 4

// Sweeper periodically classifies every session on disk and recovers the
// dead ones. One sweeper runs per state directory, enforced by a file lock.
type Sweeper struct {
	cfg      *config.Config
	baseDir  string
	sessions *session.Storage
	detector *recovery.Detector
	manager  *recovery.Manager
	lock     *flock.Flock

	// alerted tracks sessions whose unrecoverable failure already reached
	// the desktop, so every later sweep doesn't re-notify.
	alerted   map[string]struct{}
	sweepNote *log.Every

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper wires a sweeper over the state directory. It shares the
// session, checkpoint, and event log layout with the coordinators it
// watches.
func NewSweeper(baseDir string, cfg *config.Config) (*Sweeper, error) {
	sessions, err := session.NewStorage(config.SessionsDir(baseDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	journal, err := eventlog.New(config.ContextDir(baseDir), cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention)
	detector := recovery.NewDetector(sessions, checkpoints, cfg, baseDir)

	return &Sweeper{
		cfg:       cfg,
		baseDir:   baseDir,
		sessions:  sessions,
		detector:  detector,
		manager:   recovery.NewManager(baseDir, detector, sessions, checkpoints, journal, cfg),
		lock:      flock.New(filepath.Join(baseDir, lockFileName)),
		alerted:   make(map[string]struct{}),
		sweepNote: log.NewEvery(time.Minute),
		done:      make(chan struct{}),
	}, nil
}

// Start acquires the single-instance lock, writes the pid file, and begins
// sweeping. The first sweep runs immediately.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sweeper already started")
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}

	if err := os.WriteFile(pidFilePath(s.baseDir), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		_ = s.lock.Unlock()
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	go s.loop()

	log.InfoLog.Printf("daemon sweeper started, pid %d, poll interval %v", os.Getpid(), s.cfg.DaemonPoll())
	return nil
}

// Stop halts the sweep loop, removes the pid file, and releases the lock.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return fmt.Errorf("sweeper not started")
	}
	s.started = false
	s.cancel()
	<-s.done

	if err := os.Remove(pidFilePath(s.baseDir)); err != nil && !os.IsNotExist(err) {
		log.WarningLog.Printf("failed to remove daemon pid file: %v", err)
	}
	if err := s.lock.Unlock(); err != nil {
		log.ErrorLog.Printf("failed to release daemon lock: %v", err)
	}
	log.InfoLog.Printf("daemon sweeper stopped")
	return nil
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.DaemonPoll())
	defer ticker.Stop()

	s.sweep(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.ctx)
		}
	}
}

// sweep classifies every session concurrently, then acts on the verdicts
// in session-id order so logs and recovery attempts are deterministic.
func (s *Sweeper) sweep(ctx context.Context) {
	records, err := s.sessions.List()
	if err != nil {
		log.ErrorLog.Printf("sweep failed to list sessions: %v", err)
		return
	}
	if s.sweepNote.ShouldLog() {
		log.InfoLog.Printf("sweeping %d sessions", len(records))
	}

	var (
		detMu      sync.Mutex
		detections []*recovery.Detection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProbeConcurrency)
	for _, record := range records {
		record := record
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			det := s.detector.Classify(record)
			detMu.Lock()
			detections = append(detections, det)
			detMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].SessionID < detections[j].SessionID
	})
	for _, det := range detections {
		if ctx.Err() != nil {
			return
		}
		s.handle(det)
	}
}

// handle recovers one dead session and routes the outcome to the log and,
// for the cases an operator must act on, the desktop.
func (s *Sweeper) handle(det *recovery.Detection) {
	if !det.NeedsRecovery {
		return
	}
	log.InfoLog.Printf("sweep found session %s %s: %s", det.SessionID, det.State, det.Reason)

	recovered, err := s.manager.Recover(det.SessionID)
	switch {
	case err == nil:
		delete(s.alerted, det.SessionID)
		session.Notify("waggle: session recovered",
			fmt.Sprintf("%s restored from checkpoint %d", recovered.SessionID, recovered.Checkpoint.Seq))

	case errors.Is(err, errors.ErrResourceBlocked):
		attempts := s.manager.DeferredAttempts(det.SessionID)
		log.WarningLog.Printf("recovery of session %s deferred (attempt %d): %v", det.SessionID, attempts, err)
		if attempts == s.cfg.ResourceEscalateAfter {
			session.Notify("waggle: recovery blocked",
				fmt.Sprintf("%s deferred %d times by low host resources", det.SessionID, attempts))
		}

	case errors.Is(err, errors.ErrNoValidCheckpoint):
		log.ErrorLog.Printf("cannot recover session %s: %v", det.SessionID, err)
		if _, seen := s.alerted[det.SessionID]; !seen {
			s.alerted[det.SessionID] = struct{}{}
			session.Notify("waggle: recovery failed",
				fmt.Sprintf("%s has no valid checkpoint to restore", det.SessionID))
		}

	default:
		log.ErrorLog.Printf("failed to recover session %s: %v", det.SessionID, err)
	}
}
