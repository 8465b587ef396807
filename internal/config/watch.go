package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch follows external edits of the config file until ctx is done. An edit
// whose content differs from both the live document and the last write is
// handed to apply as a patch; a nil apply merges it with Update.
func (s *Store) Watch(ctx context.Context, apply func(patch map[string]any)) error {
	if apply == nil {
		apply = func(patch map[string]any) { s.Update(patch) }
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file by rename.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if patch, ok := s.reloadExternal(); ok {
				apply(patch)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("Config watch error")
		}
	}
}

func (s *Store) reloadExternal() (map[string]any, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Msg("Failed to read edited config")
		}
		return nil, false
	}
	patch, err := ParsePatch(data)
	if err != nil {
		// Editors often write partial files; the next event carries the rest.
		s.log.Debug().Err(err).Msg("Ignoring unparsable config edit")
		return nil, false
	}

	fp := fingerprint(patch)
	s.mu.RLock()
	own := fp == s.lastWritten || fp == fingerprint(s.doc)
	s.mu.RUnlock()
	if own {
		return nil, false
	}

	s.log.Info().Str("path", s.path).Msg("Config edited externally, merging")
	return patch, true
}
