package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileName is the document's name inside the config directory.
const FileName = "config.json"

// Store is the authoritative in-memory document. Every mutation goes through
// Update so that WebSocket, REST and internal callers share one merge path.
// Persistence trails mutations by the debounce window.
type Store struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger

	saveMu sync.Mutex

	mu          sync.RWMutex
	doc         map[string]any
	timer       *time.Timer
	pending     bool
	lastWritten [32]byte
	writes      int

	write func(path string, data []byte) error

	// OnWrite is called after every successful write, for metrics.
	OnWrite func()
}

// NewStore creates a store for <dir>/config.json holding the defaults.
func NewStore(dir string, debounce time.Duration, log zerolog.Logger) *Store {
	return &Store{
		path:     filepath.Join(dir, FileName),
		debounce: debounce,
		log:      log,
		doc:      Defaults(),
		write:    writeFileAtomic,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file if it exists and merges it over the defaults. On a
// read or parse error the defaults stay in effect and the error is returned.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("No config file, using defaults")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	saved, err := ParsePatch(data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}

	doc := loadMerge(Defaults(), saved)

	s.mu.Lock()
	s.doc = doc
	s.lastWritten = fingerprint(doc)
	s.mu.Unlock()

	s.log.Info().Str("path", s.path).Int("keys", len(doc)).Msg("Config loaded")
	return nil
}

// loadMerge overlays saved on defaults. Top-level keys are taken from the
// file, then the known sub-documents are deep-merged so keys added since the
// file was written keep their defaults.
func loadMerge(defaults, saved map[string]any) map[string]any {
	doc := Clone(defaults)
	for k, v := range saved {
		doc[k] = cloneValue(v)
	}
	for _, key := range nestedDocuments {
		def, _ := defaults[key].(map[string]any)
		sub, ok := saved[key].(map[string]any)
		if !ok {
			doc[key] = Clone(def)
			continue
		}
		doc[key] = DeepMerge(def, sub)
	}
	if _, ok := doc["windowBounds"].(map[string]any); !ok {
		doc["windowBounds"] = defaultWindowBounds()
	}
	return doc
}

// Snapshot returns a deep copy of the current document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.doc)
}

// Update deep-merges patch into the document, schedules a save and returns
// the resulting document.
func (s *Store) Update(patch map[string]any) map[string]any {
	_, doc := s.Change(patch)
	return doc
}

// Change is Update that also returns the document it replaced. Both copies
// come from the same critical section.
func (s *Store) Change(patch map[string]any) (prev, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = Clone(s.doc)
	s.doc = DeepMerge(s.doc, patch)
	s.scheduleLocked()
	return prev, Clone(s.doc)
}

// Toggle flips the boolean at the top-level key, treating a missing or
// non-boolean value as false, and returns the new value.
func (s *Store) Toggle(key string) (prev, doc map[string]any, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = Clone(s.doc)
	cur, _ := s.doc[key].(bool)
	value = !cur
	s.doc = DeepMerge(s.doc, map[string]any{key: value})
	s.scheduleLocked()
	return prev, Clone(s.doc), value
}

// UpdateJSON is Update for a raw JSON object.
func (s *Store) UpdateJSON(raw []byte) (map[string]any, error) {
	patch, err := ParsePatch(raw)
	if err != nil {
		return nil, err
	}
	return s.Update(patch), nil
}

// Get returns the value at a dotted key path such as "tts", "enabled".
func (s *Store) Get(path ...string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneValue(lookup(s.doc, path))
}

// Bool returns the boolean at path, false if absent or not a boolean.
func (s *Store) Bool(path ...string) bool {
	b, _ := s.Get(path...).(bool)
	return b
}

// String returns the string at path, empty if absent or not a string.
func (s *Store) String(path ...string) string {
	str, _ := s.Get(path...).(string)
	return str
}

// Decode converts the sub-document at key (the whole document when key is
// empty) into v.
func (s *Store) Decode(key string, v any) error {
	var src any
	if key == "" {
		src = s.Snapshot()
	} else {
		src = s.Get(key)
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func lookup(doc map[string]any, path []string) any {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func (s *Store) scheduleLocked() {
	s.pending = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil {
			s.log.Error().Err(err).Msg("Failed to save config")
		}
	})
}

// Flush writes the document now if a save is pending and the content differs
// from the last write.
func (s *Store) Flush() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	fp := fingerprint(s.doc)
	if fp == s.lastWritten {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode config: %w", err)
	}
	// Claim the fingerprint before the rename so the watcher never sees our
	// own file as an external edit.
	before := s.lastWritten
	s.lastWritten = fp
	s.mu.Unlock()

	if err := s.write(s.path, data); err != nil {
		s.mu.Lock()
		if s.lastWritten == fp {
			s.lastWritten = before
		}
		s.pending = true
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.writes++
	s.mu.Unlock()

	if s.OnWrite != nil {
		s.OnWrite()
	}
	s.log.Debug().Str("path", s.path).Msg("Config saved")
	return nil
}

// Close stops the debounce timer and flushes any pending save.
func (s *Store) Close() error {
	return s.Flush()
}

// Writes reports how many times the file has been written.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// fingerprint hashes the whole document. encoding/json sorts map keys, so
// equal documents hash equally.
func fingerprint(doc map[string]any) [32]byte {
	raw, err := json.Marshal(doc)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(raw)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
