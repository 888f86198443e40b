package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TokenFile validates against a shared token stored in a file, reloading it
// when the file changes so tokens can be rotated without a restart.
type TokenFile struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token []byte
}

// NewTokenFile loads the token from path and watches it for changes. Call
// Close to stop the watcher.
func NewTokenFile(path string, log *slog.Logger) (*TokenFile, error) {
	if log == nil {
		log = slog.Default()
	}
	tf := &TokenFile{path: path, log: log}
	if err := tf.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("token file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	tf.watcher = w
	go tf.watch()
	return tf, nil
}

func (tf *TokenFile) reload() error {
	raw, err := os.ReadFile(tf.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(raw))
	tf.mu.Lock()
	tf.token = []byte(tok)
	tf.mu.Unlock()
	return nil
}

func (tf *TokenFile) watch() {
	for {
		select {
		case ev, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				if err := tf.reload(); err != nil {
					tf.log.Warn("auth.token_file.reload_fail",
						slog.String("path", tf.path),
						slog.String("error", err.Error()),
					)
					continue
				}
				tf.log.Info("auth.token_file.reloaded", slog.String("path", tf.path))
			}
		case err, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
			tf.log.Warn("auth.token_file.watch_error", slog.String("error", err.Error()))
		}
	}
}

// Close stops the file watcher.
func (tf *TokenFile) Close() error {
	if tf.watcher != nil {
		return tf.watcher.Close()
	}
	return nil
}

func (tf *TokenFile) CheckAuthentication(_ context.Context, token string) (*UserInfo, error) {
	tf.mu.RLock()
	want := tf.token
	tf.mu.RUnlock()
	if len(want) == 0 || subtle.ConstantTimeCompare(want, []byte(token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &UserInfo{}, nil
}

var _ Authenticator = (*TokenFile)(nil)
