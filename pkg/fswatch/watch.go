// Package fswatch reports changes to the files under a local directory tree.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	goSync "sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/sftpwatch/pkg/errors"
	"github.com/sidkik/sftpwatch/pkg/sync"
)

var fs = afero.NewOsFs()

// Watcher delivers a sync.ChangeEvent for every change under its root.
type Watcher struct {
	root    string
	skip    func(string) bool
	watcher *fsnotify.Watcher
	events  chan sync.ChangeEvent

	stop      chan struct{}
	done      chan struct{}
	closeOnce goSync.Once
}

// Watch starts watching `root` and all of its subdirectories. Directories
// for which `skip` returns true aren't watched, and changes to paths for
// which it returns true aren't reported.
func Watch(root string, skip func(string) bool) (*Watcher, error) {
	if skip == nil {
		skip = func(string) bool { return false }
	}

	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.NewFriendlyError("%s is not a directory", root)
	}

	dirs, _, err := walk(root, skip)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", dir))
		}
	}

	w := &Watcher{
		root:    root,
		skip:    skip,
		watcher: watcher,
		events:  make(chan sync.ChangeEvent, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel that changes are delivered on. It's closed
// once the Watcher is closed.
func (w *Watcher) Events() <-chan sync.ChangeEvent {
	return w.events
}

// Close stops watching. A closed Watcher can't be restarted.
func (w *Watcher) Close() (err error) {
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case <-w.stop:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.skip(event.Name) {
				continue
			}

			for _, change := range convert(event) {
				if !w.send(change) {
					return
				}
			}

			if event.Has(fsnotify.Create) {
				if !w.addNewDir(event.Name) {
					return
				}
			}
		}
	}
}

// addNewDir starts watching a directory that was created after the Watcher
// started. Files may have been written into it before the watch was in
// place, so they're reported as created.
func (w *Watcher) addNewDir(path string) bool {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return true
	}

	dirs, _, err := walk(path, w.skip)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to list new directory")
	}

	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("Failed to watch new directory")
		}
	}

	// List the files only once the watches are in place, so that nothing
	// written in between is missed.
	_, files, err := walk(path, w.skip)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to list new directory")
	}

	for _, file := range files {
		if !w.send(sync.ChangeEvent{Path: file, Kind: sync.Created}) {
			return false
		}
	}
	return true
}

func (w *Watcher) send(event sync.ChangeEvent) bool {
	select {
	case w.events <- event:
		return true
	case <-w.stop:
		return false
	}
}

// convert returns the changes described by an fsnotify event, one per
// operation. Permission changes are ignored since only contents are
// mirrored.
func convert(event fsnotify.Event) (changes []sync.ChangeEvent) {
	ops := []struct {
		op   fsnotify.Op
		kind sync.EventKind
	}{
		{fsnotify.Create, sync.Created},
		{fsnotify.Write, sync.Modified},
		{fsnotify.Remove, sync.Removed},
		{fsnotify.Rename, sync.RenamedFrom},
	}

	for _, op := range ops {
		if event.Has(op.op) {
			changes = append(changes, sync.ChangeEvent{Path: event.Name, Kind: op.kind})
		}
	}
	return changes
}

// walk returns the directories and files under `root`, including `root`
// itself. Because fsnotify doesn't watch directories recursively, each
// directory has to be added to the watcher individually.
func walk(root string, skip func(string) bool) (dirs, files []string, err error) {
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			// The path may have been removed while we were walking.
			if os.IsNotExist(err) {
				return nil
			}
			return errors.WithContext(err, "walk error")
		}

		if path != root && skip(path) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			dirs = append(dirs, path)
		} else {
			files = append(files, path)
		}
		return nil
	})
	return dirs, files, err
}
