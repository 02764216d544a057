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
	"context"
	"testing"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/stretchr/testify/assert"
)

func TestExecRejectsNonRunningRecord(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")

	_, err := m.Exec(context.Background(), "proj-a", "", nil, true, "echo", "hi")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestShellRejectsNonRunningRecord(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")

	err := m.Shell(context.Background(), "proj-a", "")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestRunPostAttachCommandRejectsNonRunningRecord(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")

	err := m.RunPostAttachCommand(context.Background(), "proj-a")
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}
