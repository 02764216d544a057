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

package store

import (
	"path/filepath"
	"testing"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/stretchr/testify/assert"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "containers.json"))
	assert.Nil(t, err)
	return s
}

func TestAddAndGet(t *testing.T) {
	s := openTest(t)
	rec := &ContainerRecord{ID: "abc", Name: "proj", WorkspacePath: "/ws", ConfigPath: "/ws/devcontainer.json"}
	assert.Nil(t, s.Add(rec))

	got, err := s.Get("abc")
	assert.Nil(t, err)
	assert.Equal(t, "proj", got.Name)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAddDuplicateWorkspaceConfigPairErrors(t *testing.T) {
	s := openTest(t)
	assert.Nil(t, s.Add(&ContainerRecord{ID: "a", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))
	err := s.Add(&ContainerRecord{ID: "b", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"})
	assert.ErrorIs(t, err, errs.ErrContainerExists)
}

func TestRemove(t *testing.T) {
	s := openTest(t)
	assert.Nil(t, s.Add(&ContainerRecord{ID: "a", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))
	assert.Nil(t, s.Remove("a"))

	_, err := s.Get("a")
	assert.ErrorIs(t, err, errs.ErrContainerNotFound)
}

func TestRemoveUnknownErrors(t *testing.T) {
	s := openTest(t)
	assert.ErrorIs(t, s.Remove("nonexistent"), errs.ErrContainerNotFound)
}

func TestGetMutPersists(t *testing.T) {
	s := openTest(t)
	assert.Nil(t, s.Add(&ContainerRecord{ID: "a", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))
	assert.Nil(t, s.GetMut("a", func(r *ContainerRecord) { r.Status = StatusRunning }))

	got, err := s.Get("a")
	assert.Nil(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestFindByNameAndConfigPath(t *testing.T) {
	s := openTest(t)
	assert.Nil(t, s.Add(&ContainerRecord{ID: "a", Name: "proj", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))

	rec, ok := s.FindByName("proj")
	assert.True(t, ok)
	assert.Equal(t, "a", rec.ID)

	rec, ok = s.FindByConfigPath("/ws/d.json")
	assert.True(t, ok)
	assert.Equal(t, "a", rec.ID)

	_, ok = s.FindByName("nonexistent")
	assert.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "containers.json")

	s1, err := Open(path)
	assert.Nil(t, err)
	assert.Nil(t, s1.Add(&ContainerRecord{ID: "a", Name: "proj", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))

	s2, err := Open(path)
	assert.Nil(t, err)
	rec, err := s2.Get("a")
	assert.Nil(t, err)
	assert.Equal(t, "proj", rec.Name)
}

func TestTouchUpdatesLastUsedAt(t *testing.T) {
	s := openTest(t)
	assert.Nil(t, s.Add(&ContainerRecord{ID: "a", WorkspacePath: "/ws", ConfigPath: "/ws/d.json"}))
	rec, _ := s.Get("a")
	created := rec.LastUsedAt

	assert.Nil(t, s.Touch("a"))
	rec, _ = s.Get("a")
	assert.False(t, rec.LastUsedAt.Before(created))
}
