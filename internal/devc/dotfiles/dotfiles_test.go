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

package dotfiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoDotfilesConfigured(t *testing.T) {
	m := New(Config{}, Config{})
	assert.False(t, m.IsConfigured())
}

func TestDotfilesFromDefaultConfig(t *testing.T) {
	defaultCfg := Config{Repository: "https://github.com/user/dotfiles"}
	m := New(Config{}, defaultCfg)
	assert.True(t, m.IsConfigured())
	assert.Equal(t, sourceRepository, m.source)
	assert.Equal(t, "https://github.com/user/dotfiles", m.repository)
}

func TestDotfilesConfigTakesPriorityOverDefault(t *testing.T) {
	defaultCfg := Config{Repository: "https://github.com/global/dots"}
	cfg := Config{
		Repository:     "https://github.com/local/dots",
		InstallCommand: "./install.sh",
		TargetPath:     "~/.mydots",
	}

	m := New(cfg, defaultCfg)
	assert.True(t, m.IsConfigured())
	assert.Equal(t, "https://github.com/local/dots", m.repository)
	assert.Equal(t, "~/.mydots", m.targetPath)
	assert.Equal(t, "./install.sh", m.installCommand)
}

func TestDotfilesDefaultTargetPath(t *testing.T) {
	m := New(Config{Repository: "https://github.com/user/dotfiles"}, Config{})
	assert.Equal(t, defaultTargetPath, m.targetPath)
}

func TestExpandHomeRoot(t *testing.T) {
	assert.Equal(t, "/root/foo", expandHome("~/foo", "root"))
	assert.Equal(t, "/root/foo", expandHome("~/foo", ""))
}

func TestExpandHomeUser(t *testing.T) {
	assert.Equal(t, "/home/alice/foo", expandHome("~/foo", "alice"))
}

func TestExpandHomeNoTilde(t *testing.T) {
	assert.Equal(t, "/absolute/path", expandHome("/absolute/path", "user"))
}

func TestExpandHomeTildeSubpath(t *testing.T) {
	assert.Equal(t, "/home/bob/.config/nvim", expandHome("~/.config/nvim", "bob"))
}

func TestShellQuoteEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'plain'", shellQuote("plain"))
}
