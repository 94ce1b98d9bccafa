// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gaplist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists the gap state of stations.
//
// Load returns a zero State, and no error, for a station without any
// persisted state.
type Store interface {
	Load(ctx context.Context, station string) (State, error)
	Save(ctx context.Context, station string, st State) error
	Delete(ctx context.Context, station string) error
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu sync.Mutex
	db map[string]State
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{db: make(map[string]State)}
}

func (s *MemStore) Load(ctx context.Context, station string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.db[station]
	st.Gaps = append([]Gap(nil), st.Gaps...)
	if len(st.Gaps) == 0 {
		st.Gaps = nil
	}
	return st, nil
}

func (s *MemStore) Save(ctx context.Context, station string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Gaps = append([]Gap(nil), st.Gaps...)
	s.db[station] = st
	return nil
}

func (s *MemStore) Delete(ctx context.Context, station string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.db, station)
	return nil
}

// FileStore stores the gap state of each station as a JSON document
// in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store writing under dir.
// The directory is created if needed.
func NewFileStore(dir string) (*FileStore, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("gaplist: could not create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) fname(station string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, station)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Load(ctx context.Context, station string) (State, error) {
	var st State
	raw, err := os.ReadFile(s.fname(station))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("gaplist: could not read gap state of %q: %w", station, err)
	}

	err = json.Unmarshal(raw, &st)
	if err != nil {
		return st, fmt.Errorf("gaplist: could not decode gap state of %q: %w", station, err)
	}
	return st, nil
}

func (s *FileStore) Save(ctx context.Context, station string, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("gaplist: could not encode gap state of %q: %w", station, err)
	}

	f, err := os.CreateTemp(s.dir, ".gaps-*")
	if err != nil {
		return fmt.Errorf("gaplist: could not create gap state file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	_, err = f.Write(raw)
	if err != nil {
		return fmt.Errorf("gaplist: could not write gap state of %q: %w", station, err)
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("gaplist: could not close gap state of %q: %w", station, err)
	}

	err = os.Rename(f.Name(), s.fname(station))
	if err != nil {
		return fmt.Errorf("gaplist: could not commit gap state of %q: %w", station, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, station string) error {
	err := os.Remove(s.fname(station))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("gaplist: could not delete gap state of %q: %w", station, err)
	}
	return nil
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)
