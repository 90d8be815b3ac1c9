package policy

import (
	"context"
	"fmt"
	"github.com/Borislavv/go-ash-tiers/config"
	"github.com/fsnotify/fsnotify"
	"path/filepath"
	"time"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the table from the YAML config file at path whenever it changes,
// until ctx is done. The directory is watched so editors replacing the file by
// rename are seen as well.
func (t *Table) Watch(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if err = fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = fsw.Close() }()

		name := filepath.Clean(path)
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				debounce = time.After(reloadDebounce)
			case <-debounce:
				debounce = nil
				t.reload(ctx, path)
			case werr, ok := <-fsw.Errors:
				if !ok {
					return
				}
				t.logger.Warn().Err(werr).Msg("policy watcher error")
			}
		}
	}()

	t.logger.Info().Str("path", path).Msg("policy watcher is running")
	return nil
}

func (t *Table) reload(ctx context.Context, path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.logger.Error().Err(err).Str("path", path).Msg("policy reload failed, keeping current table")
		return
	}
	if err = t.Replace(ctx, cfg.Policies); err != nil {
		t.logger.Error().Err(err).Msg("policy reload rejected")
		return
	}
	t.logger.Info().Str("path", path).Int("categories", len(cfg.Policies)).Msg("policies reloaded")
}
