package session

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/waggleworks/waggle/log"
)

// watchDebounce coalesces the burst of filesystem events one atomic
// snapshot replacement produces into a single wake.
const watchDebounce = 50 * time.Millisecond

// contextWatcher wakes the sync loop as soon as another session's write
// lands in the shared context directory. The sync interval stays in place
// as the polling fallback, so losing the watcher only costs latency.
type contextWatcher struct {
	watcher *fsnotify.Watcher
	wake    func()
	stopCh  chan struct{}
	done    chan struct{}
}

func newContextWatcher(dir string, wake func()) (*contextWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &contextWatcher{
		watcher: watcher,
		wake:    wake,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *contextWatcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(0)
	<-debounce.C

	pending := false
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Snapshot replacement surfaces as create+rename; appends to
			// the event log surface as writes.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			debounce.Reset(watchDebounce)
		case <-debounce.C:
			if pending {
				pending = false
				w.wake()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WarningLog.Printf("context watcher: %v", err)
		}
	}
}

func (w *contextWatcher) stop() {
	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.done
}
