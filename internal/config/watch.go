package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"famsched/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file after it changes until ctx ends. It watches the
// parent directory so editors that replace the file are seen too. A broken
// watcher is recreated with jittered backoff. Watch returns nil on cancel.
func (m *Manager) Watch(ctx context.Context) error {
	log := m.log.With(logx.String("path", m.path))
	wait := rewatchMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, log)
		if ctx.Err() != nil {
			break
		}
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("in", wait))
		t := time.NewTimer(wait + rand.N(wait/2+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(2*wait, rewatchMax)
	}
	return nil
}

var errWatcherClosed = errors.New("watcher closed")

func (m *Manager) watchOnce(ctx context.Context, log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	log.Debug("config watcher started")

	name := filepath.Clean(m.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Clean(ev.Name) == name && ev.Op&relevantOps != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch error", logx.Err(err))
				continue
			}
			// Events were lost; the file may have changed.
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			switch ok, err := m.Reload(ctx); {
			case err != nil:
				log.Warn("config reload failed", logx.Err(err))
			case ok:
				log.Info("config change published")
			default:
				log.Debug("config file touched without changes")
			}
		}
	}
}
