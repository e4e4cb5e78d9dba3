package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dm/config")

// WatchToken watches the configured token file and calls fn with the fresh
// token whenever the file changes. Returns immediately (no-op) when the
// config uses an inline token. The watcher stops when ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that
// rename-based rotation (write temp file, rename over) is seen.
func (c *Config) WatchToken(ctx context.Context, fn func(token string)) error {
	if c.Auth.TokenFile == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.Auth.TokenFile)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	target := filepath.Clean(c.Auth.TokenFile)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				tok, err := c.SessionToken()
				if err != nil {
					log.Warnf("token file changed but unreadable: %v", err)
					continue
				}
				log.Infof("session token reloaded from %s", target)
				fn(tok)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("token watcher: %v", err)
			}
		}
	}()
	return nil
}
