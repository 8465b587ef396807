package tts

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Model is one weights file on disk.
type Model struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Models lists the selectable weights by kind.
type Models struct {
	GPT    []Model `json:"gpt"`
	SoVITS []Model `json:"sovits"`
}

// DefaultScanTTL bounds how often the weights directories are re-read.
const DefaultScanTTL = time.Minute

var (
	gptDirs    = []string{"GPT_weights", "GPT_weights_v2", "GPT_weights_v3"}
	sovitsDirs = []string{"SoVITS_weights", "SoVITS_weights_v2", "SoVITS_weights_v3"}
)

// Scanner lists weights under a GPT-SoVITS install and caches the result.
type Scanner struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	root    string
	cached  *Models
	scanned time.Time
}

// NewScanner creates a scanner with the given cache lifetime.
func NewScanner(ttl time.Duration) *Scanner {
	if ttl <= 0 {
		ttl = DefaultScanTTL
	}
	return &Scanner{ttl: ttl, now: time.Now}
}

// Scan returns the models under root, from cache when fresh. force skips
// the cache.
func (s *Scanner) Scan(root string, force bool) Models {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.cached != nil && s.root == root && s.now().Sub(s.scanned) < s.ttl {
		return *s.cached
	}

	m := scanRoot(root)
	s.cached = &m
	s.root = root
	s.scanned = s.now()
	return m
}

// Invalidate drops the cached scan.
func (s *Scanner) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func scanRoot(root string) Models {
	m := Models{GPT: []Model{}, SoVITS: []Model{}}
	for _, d := range gptDirs {
		m.GPT = append(m.GPT, listDir(filepath.Join(root, d), ".ckpt")...)
	}
	for _, d := range sovitsDirs {
		m.SoVITS = append(m.SoVITS, listDir(filepath.Join(root, d), ".pth")...)
	}
	pretrained := filepath.Join(root, "pretrained_models")
	m.GPT = append(m.GPT, listDir(pretrained, ".ckpt")...)
	m.SoVITS = append(m.SoVITS, listDir(pretrained, ".pth")...)
	return m
}

// listDir returns visible regular files with the extension, sorted by name.
// A missing directory is simply empty.
func listDir(dir, ext string) []Model {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Model
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		out = append(out, Model{Name: name, Path: filepath.Join(dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
