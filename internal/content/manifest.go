// Package content manages per-slug asset manifests on disk. Every
// read-modify-write on a slug's manifest serialises through a per-slug
// lock, and writes go through a temp file plus rename so a crash never
// leaves a half-written manifest.
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Asset is one uploaded file recorded in a slug's manifest.
type Asset struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	MimeType   string    `json:"mimeType,omitempty"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Manifest is the asset listing for one slug.
type Manifest struct {
	Slug      string    `json:"slug"`
	Assets    []Asset   `json:"assets"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeFunc observes manifest writes, keyed by slug.
type ChangeFunc func(slug string)

// ManifestStore reads and writes manifest.json files under a content root.
type ManifestStore struct {
	root     string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	onChange ChangeFunc
	logger   *slog.Logger
}

// NewManifestStore creates a store rooted at dir.
func NewManifestStore(root string, logger *slog.Logger) *ManifestStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ManifestStore{
		root:   root,
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// SetOnChange installs the write observer. The callback runs outside the
// slug lock.
func (s *ManifestStore) SetOnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *ManifestStore) slugLock(slug string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[slug]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[slug] = lock
	}
	return lock
}

func (s *ManifestStore) manifestPath(slug string) string {
	return filepath.Join(s.root, slug, "manifest.json")
}

// Load reads a slug's manifest. A missing file yields an empty manifest,
// not an error.
func (s *ManifestStore) Load(slug string) (*Manifest, error) {
	lock := s.slugLock(slug)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(slug)
}

func (s *ManifestStore) loadLocked(slug string) (*Manifest, error) {
	raw, err := os.ReadFile(s.manifestPath(slug))
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{Slug: slug, Assets: []Asset{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", slug, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", slug, err)
	}
	if m.Slug == "" {
		m.Slug = slug
	}
	return &m, nil
}

// AddAsset records (or replaces, by name) an asset in the slug's manifest.
func (s *ManifestStore) AddAsset(slug string, asset Asset) (*Manifest, error) {
	if asset.UploadedAt.IsZero() {
		asset.UploadedAt = time.Now().UTC()
	}
	return s.update(slug, func(m *Manifest) {
		for i, existing := range m.Assets {
			if existing.Name == asset.Name {
				m.Assets[i] = asset
				return
			}
		}
		m.Assets = append(m.Assets, asset)
	})
}

// RemoveAsset removes an asset by name. Removing an unknown name leaves
// the manifest unchanged.
func (s *ManifestStore) RemoveAsset(slug, name string) (*Manifest, error) {
	return s.update(slug, func(m *Manifest) {
		for i, existing := range m.Assets {
			if existing.Name == name {
				m.Assets = append(m.Assets[:i], m.Assets[i+1:]...)
				return
			}
		}
	})
}

func (s *ManifestStore) update(slug string, mutate func(*Manifest)) (*Manifest, error) {
	lock := s.slugLock(slug)
	lock.Lock()
	m, err := s.loadLocked(slug)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	mutate(m)
	m.UpdatedAt = time.Now().UTC()
	if err := s.saveLocked(slug, m); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	s.mu.Lock()
	onChange := s.onChange
	s.mu.Unlock()
	if onChange != nil {
		onChange(slug)
	}
	return m, nil
}

// saveLocked writes the manifest through a temp file in the same directory
// and renames it into place.
func (s *ManifestStore) saveLocked(slug string, m *Manifest) error {
	path := s.manifestPath(slug)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create slug dir: %w", err)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "manifest-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
