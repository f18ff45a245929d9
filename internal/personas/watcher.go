package personas

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/bus"
)

// debounceDelay lets an external editor finish writing before the reload.
const debounceDelay = 100 * time.Millisecond

// Watcher reloads the persona library when the backing file changes outside
// the process, and announces each reload on the message bus.
type Watcher struct {
	store  *Store
	events *bus.Bus
	logger *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher starts watching the store's library file. The watch covers the
// parent directory as well, so atomic rename-replace writes are seen.
func NewWatcher(store *Store, events *bus.Bus, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create library watcher: %w", err)
	}
	dir := filepath.Dir(store.Path())
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		store:   store,
		events:  events,
		logger:  logger,
		watcher: fw,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	base := filepath.Base(w.store.Path())
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors and atomic replaces fire several events
			// for one logical change.
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("library watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	n, err := w.store.Reload()
	if err != nil {
		w.logger.Error("persona library reload failed", zap.Error(err))
		return
	}
	w.logger.Info("persona library reloaded", zap.Int("personas", n))
	if w.events != nil {
		w.events.Publish(bus.Message{
			Type:   bus.KnowledgeReloaded,
			Detail: strconv.Itoa(n),
		})
	}
}

// Close stops the watcher and waits for the run loop to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
