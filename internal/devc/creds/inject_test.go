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

package creds

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellEscapeSingleQuotes(t *testing.T) {
	assert.Equal(t, `it'\''s`, shellEscapeSingleQuotes("it's"))
	assert.Equal(t, "plain", shellEscapeSingleQuotes("plain"))
	assert.Equal(t, `'\'''\'''\''`, shellEscapeSingleQuotes("'''"))
}

func TestShellQuoteRoundTripsSingleQuote(t *testing.T) {
	quoted := shellQuote("o'brien")
	assert.Equal(t, `'o'\''brien'`, quoted)
}

func TestWrapWithHomeResolve(t *testing.T) {
	wrapped := wrapWithHomeResolve("echo hi")
	assert.True(t, strings.HasPrefix(wrapped, `HOME="$(getent passwd "$(whoami)" | cut -d: -f6)"; export HOME; `))
	assert.True(t, strings.HasSuffix(wrapped, "echo hi"))
}

func TestSanitizeDockerHelperName(t *testing.T) {
	assert.Equal(t, "desktop", sanitizeDockerHelperName("desktop"))
	assert.Equal(t, "devc", sanitizeDockerHelperName("devc"))
	assert.Equal(t, "", sanitizeDockerHelperName(""))
	assert.Equal(t, "rm-rf", sanitizeDockerHelperName("; rm -rf /"))
}

func TestDirOf(t *testing.T) {
	assert.Equal(t, "/usr/local/bin", dirOf("/usr/local/bin/docker-credential-devc"))
	assert.Equal(t, "/", dirOf("/only-top-level"))
}

func TestDockerCredentialHelperTemplateHasFallbackPlaceholder(t *testing.T) {
	assert.Contains(t, dockerCredentialHelperTemplate, "{{original}}")
	assert.Contains(t, dockerCredentialHelperTemplate, credsTmpfsPath+"/docker-config.json")
}

func TestGitCredentialHelperTemplateHasFallbackPlaceholder(t *testing.T) {
	assert.Contains(t, gitCredentialHelperTemplate, "{{original}}")
	assert.Contains(t, gitCredentialHelperTemplate, credsTmpfsPath+"/git-credentials")
}
