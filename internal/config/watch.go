package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialsWatcher monitors the credential file and invokes the supplied
// callback whenever its contents change. Stop must be called to release
// filesystem resources.
type CredentialsWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *CredentialsWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchCredentials wires fsnotify around the directory holding path so atomic
// replacements (write to temp, rename over) are observed as well as in-place
// writes. onChange receives the new file contents; it is not called for the
// initial contents or for events that leave the bytes unchanged.
func WatchCredentials(ctx context.Context, path string, onChange func([]byte), onError func(error)) (*CredentialsWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch credentials requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no credentials file configured for watching")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve credentials file: %w", err)
	}
	target = filepath.Clean(target)
	current, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("config: read credentials file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch credentials: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	watch := &CredentialsWatcher{cancel: cancel, done: done}

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch credentials close: %w", err))
			}
		}()

		reload := func() {
			data, err := os.ReadFile(target)
			if err != nil {
				// A rename-over may leave the path briefly missing; the Create
				// that follows schedules another reload.
				report(fmt.Errorf("config: reload credentials: %w", err))
				return
			}
			if len(data) == 0 || bytes.Equal(data, current) {
				return
			}
			current = data
			onChange(bytes.Clone(data))
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	return watch, nil
}
