// Package devnode waits for device nodes, such as a board's serial port, to
// appear after the board is reset or flashed.
package devnode

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Wait blocks until path exists or ctx is done. The parent directory must
// exist.
func Wait(ctx context.Context, path string) error {
	if exists(path) {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("devnode: watch %s: %w", path, err)
	}
	defer func() {
		_ = w.Close()
	}()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("devnode: watch %s: %w", dir, err)
	}
	// The node may have appeared before the watch was in place.
	if exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("devnode: waiting for %s: %w", path, ctx.Err())
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("devnode: watcher for %s closed", path)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && filepath.Clean(ev.Name) == filepath.Clean(path) && exists(path) {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("devnode: watcher for %s closed", path)
			}
			return fmt.Errorf("devnode: watching %s: %w", path, err)
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
