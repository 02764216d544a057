/*
   devc: a lightweight, native Go manager for devcontainers
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package store houses the persistent state store: a flat JSON file
// recording one Container Record per managed workspace/config pair,
// surviving across invocations of whatever wraps internal/devc.
package store

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

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/s-retlaw/devc/internal/devc/errs"
)

// SchemaVersion is the current on-disk schema version written to the
// store file; bump when ContainerRecord gains/loses a field in a way
// that isn't backward compatible.
const SchemaVersion = 1

// Status is a Container Record's position in the lifecycle state
// machine.
type Status string

// Supported values for Status
const (
	StatusAvailable Status = "available"
	StatusConfigured Status = "configured"
	StatusBuilding  Status = "building"
	StatusBuilt     Status = "built"
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Source identifies who originally created a Container Record.
type Source string

// Supported values for Source
const (
	SourceDevc   Source = "devc"
	SourceVSCode Source = "vscode"
	SourceDevpod Source = "devpod"
	SourceOther  Source = "other"
)

// ProviderKind identifies which runtime engine backs a record.
type ProviderKind string

// Supported values for ProviderKind
const (
	ProviderDocker ProviderKind = "docker"
	ProviderPodman ProviderKind = "podman"
)

// ContainerRecord is the persisted unit of state the core owns. A
// record is unique per (WorkspacePath, ConfigPath) pair.
type ContainerRecord struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	ProviderKind       ProviderKind `json:"provider_kind"`
	ConfigPath         string       `json:"config_path"`
	WorkspacePath      string       `json:"workspace_path"`
	ImageID            *string      `json:"image_id,omitempty"`
	RuntimeContainerID *string      `json:"runtime_container_id,omitempty"`
	// ProviderSocketAddr pins the runtime socket ProviderKind resolves
	// to for this record specifically, set whenever a rebuild changes
	// engines (§3.3: provider_kind is mutable only through rebuild).
	// Nil means "use the Manager's configured or auto-detected socket".
	ProviderSocketAddr *string           `json:"provider_socket_addr,omitempty"`
	Status             Status            `json:"status"`
	Source             Source            `json:"source"`
	CreatedAt          time.Time         `json:"created_at"`
	LastUsedAt         time.Time         `json:"last_used_at"`
	ComposeProject     *string           `json:"compose_project,omitempty"`
	ComposeService     *string           `json:"compose_service,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// document is the on-disk shape of the store file.
type document struct {
	Version    int                         `json:"version"`
	Containers map[string]*ContainerRecord `json:"containers"`
}

// Store is a in-memory-cached, file-backed table of Container
// Records. Loaded once at construction, persisted atomically
// (write-to-temp, then rename) after every mutation. Safe for
// concurrent use by multiple goroutines within one process; no
// attempt is made at inter-process locking (§5 of the design: callers
// serialize operations against a single record themselves).
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads (or initializes, if absent) the store file at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Version: SchemaVersion, Containers: make(map[string]*ContainerRecord)}}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("no existing state store file; starting fresh", "path", path)
		return s, nil
	case err != nil:
		return nil, errs.Wrap(errs.KindIOError, fmt.Sprintf("reading state store %s", path), err)
	}

	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, errs.Wrap(errs.KindIOError, fmt.Sprintf("parsing state store %s", path), err)
	}
	if s.doc.Containers == nil {
		s.doc.Containers = make(map[string]*ContainerRecord)
	}
	slog.Debug("loaded state store", "path", path, "records", len(s.doc.Containers))
	return s, nil
}

// NewID generates a fresh, opaque Container Record ID.
func NewID() (string, error) {
	id, err := gonanoid.New(16)
	if err != nil {
		return "", errs.Wrap(errs.KindIOError, "generating a container record ID", err)
	}
	return id, nil
}

// Add inserts a new Container Record and persists the store. Returns
// errs.ErrContainerExists if a record already exists for the same
// (WorkspacePath, ConfigPath) pair (the invariant in §3.3).
func (s *Store) Add(rec *ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.doc.Containers {
		if existing.WorkspacePath == rec.WorkspacePath && existing.ConfigPath == rec.ConfigPath {
			return errs.ErrContainerExists
		}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.LastUsedAt = rec.CreatedAt
	s.doc.Containers[rec.ID] = rec
	return s.persistLocked()
}

// Remove deletes a Container Record by ID and persists the store.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Containers[id]; !ok {
		return errs.ErrContainerNotFound
	}
	delete(s.doc.Containers, id)
	return s.persistLocked()
}

// Get returns a copy of the Container Record with the given ID.
func (s *Store) Get(id string) (ContainerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.doc.Containers[id]
	if !ok {
		return ContainerRecord{}, errs.ErrContainerNotFound
	}
	return *rec, nil
}

// GetMut applies fn to the stored record with the given ID and
// persists the result. fn mutates its argument in place.
func (s *Store) GetMut(id string, fn func(rec *ContainerRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Containers[id]
	if !ok {
		return errs.ErrContainerNotFound
	}
	fn(rec)
	return s.persistLocked()
}

// FindByName returns the Container Record with the given name, if
// any.
func (s *Store) FindByName(name string) (ContainerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.doc.Containers {
		if rec.Name == name {
			return *rec, true
		}
	}
	return ContainerRecord{}, false
}

// FindByWorkspace returns every Container Record rooted at the given
// workspace path.
func (s *Store) FindByWorkspace(path string) []ContainerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ContainerRecord
	for _, rec := range s.doc.Containers {
		if rec.WorkspacePath == path {
			out = append(out, *rec)
		}
	}
	return out
}

// FindByConfigPath returns the Container Record for the given config
// path, if any.
func (s *Store) FindByConfigPath(path string) (ContainerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.doc.Containers {
		if rec.ConfigPath == path {
			return *rec, true
		}
	}
	return ContainerRecord{}, false
}

// List returns a copy of every Container Record in the store.
func (s *Store) List() []ContainerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ContainerRecord, 0, len(s.doc.Containers))
	for _, rec := range s.doc.Containers {
		out = append(out, *rec)
	}
	return out
}

// Touch updates a record's LastUsedAt to now and persists the store.
func (s *Store) Touch(id string) error {
	return s.GetMut(id, func(rec *ContainerRecord) {
		rec.LastUsedAt = time.Now()
	})
}

// persistLocked writes the store document to a temp file in the same
// directory as s.path, then renames it into place, so a crash mid
// write never leaves a corrupt store file behind. Callers must hold
// s.mu.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIOError, "marshaling state store", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".containers-*.json.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIOError, "creating temp state store file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.Wrap(errs.KindIOError, "writing temp state store file", err)
	}
	if err = tmp.Close(); err != nil {
		return errs.Wrap(errs.KindIOError, "closing temp state store file", err)
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		return errs.Wrap(errs.KindIOError, "renaming temp state store file into place", err)
	}

	slog.Debug("persisted state store", "path", s.path, "records", len(s.doc.Containers))
	return nil
}
