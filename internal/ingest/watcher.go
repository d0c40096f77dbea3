package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Operation is what happened to a watched file.
type Operation int

const (
	FileChanged Operation = iota // created or written
	FileRemoved                  // removed or renamed away
)

// FileEvent is a debounced change to an ingestible file.
type FileEvent struct {
	Path      string
	Operation Operation
}

// Watcher reports changes to ingestible files under a directory tree.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher. Bursts of events for one path within
// debounce collapse into a single event carrying the last operation.
func NewWatcher(debounce time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: w, debounce: debounce}, nil
}

// Watch starts monitoring dir and its subdirectories. The channel closes when
// ctx is done or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan FileEvent, error) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan FileEvent, 100)
	go w.loop(ctx, events)
	return events, nil
}

func (w *Watcher) loop(ctx context.Context, events chan<- FileEvent) {
	defer close(events)

	pending := map[string]Operation{}
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && isDir(event.Name) {
				if err := w.watcher.Add(event.Name); err != nil {
					slog.Warn("watch subdirectory failed", "path", event.Name, "error", err)
				}
				continue
			}
			if !Supported(event.Name) {
				continue
			}

			var op Operation
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				op = FileChanged
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				op = FileRemoved
			default:
				continue
			}
			pending[filepath.Clean(event.Name)] = op
			if flush == nil {
				flush = time.After(w.debounce)
			}

		case <-flush:
			flush = nil
			for path, op := range pending {
				select {
				case events <- FileEvent{Path: path, Operation: op}:
				case <-ctx.Done():
					return
				}
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run applies events to the pipeline until ctx is done or events closes.
// Failures are logged and do not stop the loop.
func (p *Pipeline) Run(ctx context.Context, events <-chan FileEvent) {
	for ev := range events {
		switch ev.Operation {
		case FileChanged:
			if _, err := p.IngestFile(ctx, ev.Path); err != nil {
				slog.Error("re-ingest failed", "path", ev.Path, "error", err)
			}
		case FileRemoved:
			if err := p.RemoveFile(ctx, ev.Path); err != nil {
				slog.Error("remove failed", "path", ev.Path, "error", err)
			}
		}
	}
}
