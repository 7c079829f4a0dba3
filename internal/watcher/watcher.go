// Package watcher observes the spell directory for spell-file changes and
// emits add/update/remove events. Events are consumed by the gateway on the
// same serializer as client requests, so a catalog mutation can never race a
// spawn in progress.
package watcher

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Watcher emits spell-file change events for one directory.
type Watcher struct {
	dir    string
	fs     *fsnotify.Watcher
	events chan contracts.WatchEvent
}

// New creates a watcher for the given spell directory.
func New(dir string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{
		dir:    dir,
		fs:     fs,
		events: make(chan contracts.WatchEvent, 16),
	}, nil
}

// Events returns the channel of spell-file change events.
func (w *Watcher) Events() <-chan contracts.WatchEvent {
	return w.events
}

// Run translates fsnotify events until ctx is cancelled. Non-spell files are
// ignored. Create arrives as add and Write as update. Remove and Rename are
// classified by whether the file still exists: present means update (an
// editor's atomic save), gone means remove.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			close(w.events)
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				close(w.events)
				return
			}
			name := catalog.SpellNameFromPath(ev.Name)
			if name == "" {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				w.emit(ctx, contracts.WatchEvent{Type: contracts.WatchAdd, Name: name, Path: ev.Name})
			case ev.Op.Has(fsnotify.Write):
				w.emit(ctx, contracts.WatchEvent{Type: contracts.WatchUpdate, Name: name, Path: ev.Name})
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				// A rename may be an editor's atomic save; only treat it as a
				// removal when the file is really gone.
				if _, err := os.Stat(ev.Name); err == nil {
					w.emit(ctx, contracts.WatchEvent{Type: contracts.WatchUpdate, Name: name, Path: ev.Name})
				} else {
					w.emit(ctx, contracts.WatchEvent{Type: contracts.WatchRemove, Name: name, Path: ev.Name})
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				close(w.events)
				return
			}
			log.Warn().Err(err).Str("dir", w.dir).Msg("Spell watcher error")
		}
	}
}

func (w *Watcher) emit(ctx context.Context, ev contracts.WatchEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
