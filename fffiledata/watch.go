package fffiledata

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

const (
	retryDuration = time.Second

	// DefaultDebounce is how long Watch waits after a file event for further events, so that an
	// editor's write-rename-chmod sequence produces one reload.
	DefaultDebounce = 100 * time.Millisecond
)

type fileWatcher struct {
	watcher  *fsnotify.Watcher
	loggers  ldlog.Loggers
	reload   func()
	paths    []string
	absPaths map[string]bool
	debounce time.Duration
}

// Watch calls reload once the files are being watched, and again whenever one of them is
// modified, created, or replaced, until ctx is done. It returns an error only if the watcher
// cannot be created; paths that cannot be watched yet, such as files that do not exist, are
// retried every second.
//
// reload is called on the watcher's goroutine and never concurrently with itself.
func Watch(ctx context.Context, paths []string, loggers ldlog.Loggers, reload func()) error {
	return watch(ctx, paths, loggers, reload, DefaultDebounce)
}

func watch(ctx context.Context, paths []string, loggers ldlog.Loggers, reload func(), debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("unable to create file watcher: %w", err)
	}
	absPaths := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("unable to determine absolute path for %q: %w", p, err)
		}
		absPaths = append(absPaths, abs)
	}
	loggers.SetPrefix("SeedFileWatcher:")
	fw := &fileWatcher{
		watcher:  watcher,
		loggers:  loggers,
		reload:   reload,
		paths:    absPaths,
		absPaths: make(map[string]bool),
		debounce: debounce,
	}
	go fw.run(ctx)
	return nil
}

func (fw *fileWatcher) run(ctx context.Context) {
	retryCh := make(chan struct{}, 1)
	scheduleRetry := func() {
		time.AfterFunc(retryDuration, func() {
			select {
			case retryCh <- struct{}{}:
			default:
			}
		})
	}
	for {
		if err := fw.setupWatches(); err != nil {
			fw.loggers.Warn(err)
			scheduleRetry()
		}

		// Reloading after the watches are set up, rather than only on events, means a change made
		// while they were being set up is not missed.
		fw.reload()

		if quit := fw.waitForEvents(ctx, retryCh); quit {
			return
		}
	}
}

func (fw *fileWatcher) setupWatches() error {
	for _, p := range fw.paths {
		dirPath := filepath.Dir(p)
		realDirPath, err := filepath.EvalSymlinks(dirPath)
		if err != nil {
			return fmt.Errorf("unable to evaluate symlinks for %q: %w", dirPath, err)
		}

		realPath := filepath.Join(realDirPath, filepath.Base(p))
		fw.absPaths[realPath] = true
		// The directory is watched too, so that a file that is replaced or created is noticed.
		if err = fw.watcher.Add(realDirPath); err != nil {
			return fmt.Errorf("unable to watch path %q: %w", realDirPath, err)
		}
		if err = fw.watcher.Add(realPath); err != nil {
			return fmt.Errorf("unable to watch path %q: %w", realPath, err)
		}
	}
	return nil
}

func (fw *fileWatcher) waitForEvents(ctx context.Context, retryCh <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			if err := fw.watcher.Close(); err != nil {
				fw.loggers.Warnf("Error closing file watcher: %s", err)
			}
			return true
		case event := <-fw.watcher.Events:
			if !fw.absPaths[event.Name] {
				break
			}
			fw.loggers.Debugf("Got %s event for %s", event.Op, event.Name)
			fw.consumeExtraEvents(ctx)
			return false
		case err := <-fw.watcher.Errors:
			fw.loggers.Errorf("File watcher error: %s", err)
		case <-retryCh:
			consumeExtraRetries(retryCh)
			return false
		}
	}
}

// consumeExtraEvents drains events until none has arrived for the debounce interval.
func (fw *fileWatcher) consumeExtraEvents(ctx context.Context) {
	timer := time.NewTimer(fw.debounce)
	defer timer.Stop()
	for {
		select {
		case <-fw.watcher.Events:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(fw.debounce)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func consumeExtraRetries(retryCh <-chan struct{}) {
	for {
		select {
		case <-retryCh:
		default:
			return
		}
	}
}
