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

package devc

import (
	"testing"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/store"
	"github.com/stretchr/testify/assert"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	assert.Nil(t, err)
	return m
}

func addRecord(t *testing.T, m *Manager, id, name string) {
	t.Helper()
	assert.Nil(t, m.Store.Add(&store.ContainerRecord{
		ID:            id,
		Name:          name,
		WorkspacePath: "/workspace/" + name,
		ConfigPath:    "/workspace/" + name + "/.devcontainer/devcontainer.json",
		Status:        store.StatusAvailable,
		Source:        store.SourceDevc,
	}))
}

func TestResolveByExactID(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abcdef01", "proj-a")
	addRecord(t, m, "abcdef02", "proj-b")

	rec, err := m.Resolve("abcdef01")
	assert.Nil(t, err)
	assert.Equal(t, "proj-a", rec.Name)
}

func TestResolveByExactName(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abcdef01", "proj-a")

	rec, err := m.Resolve("proj-a")
	assert.Nil(t, err)
	assert.Equal(t, "abcdef01", rec.ID)
}

func TestResolveByUnambiguousIDPrefix(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abcdef01", "proj-a")
	addRecord(t, m, "ffffff02", "proj-b")

	rec, err := m.Resolve("abcd")
	assert.Nil(t, err)
	assert.Equal(t, "proj-a", rec.Name)
}

func TestResolveByUnambiguousNamePrefix(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abcdef01", "proj-alpha")
	addRecord(t, m, "ffffff02", "proj-beta")

	rec, err := m.Resolve("proj-al")
	assert.Nil(t, err)
	assert.Equal(t, "abcdef01", rec.ID)
}

func TestResolveAmbiguousPrefixErrors(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")
	addRecord(t, m, "abc222", "proj-b")

	_, err := m.Resolve("abc")
	assert.NotNil(t, err)

	var devcErr *errs.DevcError
	assert.ErrorAs(t, err, &devcErr)
	assert.Equal(t, errs.KindInvalidState, devcErr.Kind)
}

func TestResolveNotFound(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")

	_, err := m.Resolve("nonexistent")
	assert.ErrorIs(t, err, errs.ErrContainerNotFound)
}

func TestResolveExactIDWinsOverAmbiguousPrefix(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc", "proj-a")
	addRecord(t, m, "abc111", "proj-b")

	rec, err := m.Resolve("abc")
	assert.Nil(t, err)
	assert.Equal(t, "proj-a", rec.Name)
}
