package deploy

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchBuildOutput reports changes to the deployed binary after launch, so
// the session can tell the user the binary on the device is stale. Change
// notifications are debounced; the channel closes when stop is closed.
func WatchBuildOutput(path string, stop <-chan struct{}) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors and linkers replace files rather than
	// writing them in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	changes := make(chan string, 1)

	go func() {
		defer watcher.Close()
		defer close(changes)

		var debounceTimer *time.Timer
		debounceDelay := 200 * time.Millisecond
		fire := make(chan struct{}, 1)

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})

			case <-fire:
				select {
				case changes <- path:
				default:
					// A pending notification already covers this change.
				}

			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}

			case <-stop:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()

	return changes, nil
}
