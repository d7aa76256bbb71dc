package bootinfo

import (
	"github.com/fsnotify/fsnotify"
)

// Watcher delivers a notification whenever a memory map file is
// rewritten, so a hosted kernel can rebuild its view of memory during
// development without restarting.
type Watcher struct {
	w       *fsnotify.Watcher
	path    string
	reloads chan string
	errs    chan error
}

// Watch starts watching the map file at path.
func Watch(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	mw := &Watcher{w: w, path: path, reloads: make(chan string, 16), errs: make(chan error, 1)}
	go mw.loop()
	return mw, nil
}

func (mw *Watcher) loop() {
	for {
		select {
		case ev, ok := <-mw.w.Events:
			if !ok {
				close(mw.reloads)
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				mw.reloads <- ev.Name
			}
		case err, ok := <-mw.w.Errors:
			if !ok {
				close(mw.reloads)
				return
			}
			select {
			case mw.errs <- err:
			default:
			}
		}
	}
}

// Reloads returns the channel of rewrite notifications, carrying the
// path of the changed file.
func (mw *Watcher) Reloads() <-chan string { return mw.reloads }

// Errors returns the watcher's error channel.
func (mw *Watcher) Errors() <-chan error { return mw.errs }

// Close stops watching.
func (mw *Watcher) Close() error { return mw.w.Close() }
