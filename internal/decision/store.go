// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrProfileNotFound = errors.New("quality profile not found")

// ProfileStore hands out quality profiles by id. Returned profiles are copies
// and may be modified by the caller.
type ProfileStore interface {
	Get(ctx context.Context, id string) (*QualityProfile, error)
	List(ctx context.Context) ([]*QualityProfile, error)
}

type profileSet struct {
	mu       sync.RWMutex
	profiles map[string]*QualityProfile
	order    []string
}

func (s *profileSet) replace(profiles []*QualityProfile) error {
	byID := make(map[string]*QualityProfile, len(profiles)+1)
	order := make([]string, 0, len(profiles)+1)
	for _, p := range profiles {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		byID[p.ID] = p
		order = append(order, p.ID)
	}
	if _, ok := byID[DefaultProfileID]; !ok {
		def := DefaultProfile()
		byID[def.ID] = def
		order = append([]string{def.ID}, order...)
	}

	s.mu.Lock()
	s.profiles = byID
	s.order = order
	s.mu.Unlock()
	return nil
}

func (s *profileSet) Get(_ context.Context, id string) (*QualityProfile, error) {
	if id == "" {
		id = DefaultProfileID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return p.clone(), nil
}

func (s *profileSet) List(context.Context) ([]*QualityProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*QualityProfile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.profiles[id].clone())
	}
	return out, nil
}

func (p *QualityProfile) clone() *QualityProfile {
	c := *p
	c.Tiers = append([]TierName(nil), p.Tiers...)
	c.FormatRules = append([]FormatRule(nil), p.FormatRules...)
	if p.MinFormatScore != nil {
		v := *p.MinFormatScore
		c.MinFormatScore = &v
	}
	return &c
}

// MemoryProfileStore serves a fixed set of profiles plus the default one.
type MemoryProfileStore struct {
	profileSet
}

func NewMemoryProfileStore(profiles ...*QualityProfile) (*MemoryProfileStore, error) {
	s := &MemoryProfileStore{}
	if err := s.replace(profiles); err != nil {
		return nil, err
	}
	return s, nil
}

type profileFile struct {
	Profiles []*QualityProfile `yaml:"profiles"`
}

// FileProfileStore loads profiles from a YAML file. A missing file yields only
// the default profile.
type FileProfileStore struct {
	profileSet
	path string
}

func NewFileProfileStore(path string) (*FileProfileStore, error) {
	s := &FileProfileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileProfileStore) Path() string {
	return s.path
}

// Reload re-reads the file. On error the previous profiles stay in place.
func (s *FileProfileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("path", s.path).Msg("no profiles file, using default profile")
			return s.replace(nil)
		}
		return fmt.Errorf("read profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse profiles %s: %w", s.path, err)
	}
	if err := s.replace(file.Profiles); err != nil {
		return fmt.Errorf("profiles %s: %w", s.path, err)
	}

	log.Info().Str("path", s.path).Int("profiles", len(file.Profiles)).Msg("loaded quality profiles")
	return nil
}

// Watch reloads the file whenever it changes until ctx ends.
func (s *FileProfileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profiles watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch profiles directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					log.Error().Err(err).Msg("failed to reload quality profiles")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("profiles watcher error")
			}
		}
	}()
	return nil
}

// WriteProfiles writes profiles to path in the format FileProfileStore reads.
func WriteProfiles(path string, profiles []*QualityProfile) error {
	data, err := yaml.Marshal(profileFile{Profiles: profiles})
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create profiles directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
