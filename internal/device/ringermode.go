// Package device exposes host state the call session consults, such as the
// ringer mode.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// RingerMode is the device's ringer setting.
type RingerMode int

const (
	RingerNormal RingerMode = iota
	RingerVibrate
	RingerSilent
)

// String returns the string representation of the mode.
func (m RingerMode) String() string {
	switch m {
	case RingerVibrate:
		return "vibrate"
	case RingerSilent:
		return "silent"
	default:
		return "normal"
	}
}

// ParseRingerMode parses a mode name. Unknown names are an error.
func ParseRingerMode(s string) (RingerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return RingerNormal, nil
	case "vibrate":
		return RingerVibrate, nil
	case "silent":
		return RingerSilent, nil
	default:
		return RingerNormal, fmt.Errorf("unknown ringer mode %q", s)
	}
}

// FileRingerMode reads the ringer mode from a file and reloads it when the
// file changes. A missing file means normal.
type FileRingerMode struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	mode RingerMode
}

// NewFileRingerMode loads the mode from path.
func NewFileRingerMode(path string, logger *slog.Logger) (*FileRingerMode, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRingerMode{
		path:   filepath.Clean(path),
		logger: logger.With("subsystem", "ringer-mode"),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Mode returns the current mode.
func (r *FileRingerMode) Mode() RingerMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Silent reports whether the ringer is silenced.
func (r *FileRingerMode) Silent() bool {
	return r.Mode() == RingerSilent
}

// Set writes mode to the file and applies it immediately.
func (r *FileRingerMode) Set(mode RingerMode) error {
	if err := os.WriteFile(r.path, []byte(mode.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing ringer mode: %w", err)
	}
	r.apply(mode)
	return nil
}

func (r *FileRingerMode) reload() error {
	b, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.apply(RingerNormal)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading ringer mode: %w", err)
	}
	mode, err := ParseRingerMode(string(b))
	if err != nil {
		return err
	}
	r.apply(mode)
	return nil
}

func (r *FileRingerMode) apply(mode RingerMode) {
	r.mu.Lock()
	prev := r.mode
	r.mode = mode
	r.mu.Unlock()
	if prev != mode {
		r.logger.Info("ringer mode changed", "from", prev, "to", mode)
	}
}

// Watch reloads the mode whenever the file changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// picked up.
func (r *FileRingerMode) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(r.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Warn("ringer mode reload failed, keeping previous mode", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("ringer mode watcher error", "error", err)
		}
	}
}
