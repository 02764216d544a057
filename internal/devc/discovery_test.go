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

	"github.com/stretchr/testify/assert"
)

func TestForgetRemovesRecordOnly(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")

	assert.Nil(t, m.Forget("proj-a"))
	assert.Empty(t, m.List())
}

func TestForgetUnknownRecordErrors(t *testing.T) {
	m := newTestManager(t)
	assert.NotNil(t, m.Forget("nonexistent"))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("", "a", "b"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestListReturnsAllRecords(t *testing.T) {
	m := newTestManager(t)
	addRecord(t, m, "abc111", "proj-a")
	addRecord(t, m, "abc222", "proj-b")

	assert.Len(t, m.List(), 2)
}
