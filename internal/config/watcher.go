package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher calls a handler when one file changes. It watches the
// parent directory so editors that replace the file by rename are seen.
type FileWatcher struct {
	path     string
	debounce time.Duration
	handler  func(path string) error
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *zap.Logger
}

// WatchFile starts watching path. Bursts of events within debounce are
// coalesced into one handler call.
func WatchFile(path string, debounce time.Duration, handler func(path string) error, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &FileWatcher{
		path:     abs,
		debounce: debounce,
		handler:  handler,
		watcher:  w,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go fw.watchLoop()
	return fw, nil
}

func (fw *FileWatcher) watchLoop() {
	defer close(fw.done)
	defer func() {
		if r := recover(); r != nil {
			fw.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-fw.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				timer.Reset(fw.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := fw.handler(fw.path); err != nil {
				fw.logger.Error("Reload failed", zap.String("file", fw.path), zap.Error(err))
			} else {
				fw.logger.Info("File reloaded", zap.String("file", fw.path))
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// Stop stops watching and waits for the loop to exit.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		<-fw.done
		err = fw.watcher.Close()
	})
	return err
}
