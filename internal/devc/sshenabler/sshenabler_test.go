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

package sshenabler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidUsernameLengthBoundary(t *testing.T) {
	assert.Nil(t, validUsername(strings.Repeat("a", 32)))
	assert.NotNil(t, validUsername(strings.Repeat("a", 33)))
}

func TestValidUsernameValid(t *testing.T) {
	for _, name := range []string{"root", "user", "user123", "user_name", "user-name", "_user"} {
		assert.Nil(t, validUsername(name), name)
	}
}

func TestValidUsernameInvalid(t *testing.T) {
	for _, name := range []string{"", "User", "123user", "user;rm", "user name", "../etc"} {
		assert.NotNil(t, validUsername(name), name)
	}
}

func TestValidateSSHPublicKeyValid(t *testing.T) {
	key := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl test@example.com"
	assert.Nil(t, validateSSHPublicKey(key))
}

func TestValidateSSHPublicKeyRSA(t *testing.T) {
	key := "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABgQC7 test@host"
	assert.Nil(t, validateSSHPublicKey(key))
}

func TestValidateSSHPublicKeyECDSA(t *testing.T) {
	key := "ecdsa-sha2-nistp256 AAAAE2VjZHNhLXNoYTItbmlzdHAyNTY= test@host"
	assert.Nil(t, validateSSHPublicKey(key))
}

func TestValidateSSHPublicKeyInvalidBase64(t *testing.T) {
	key := "ssh-ed25519 !!!not-base64!!! test@host"
	assert.NotNil(t, validateSSHPublicKey(key))
}

func TestValidateSSHPublicKeyNotAKey(t *testing.T) {
	assert.NotNil(t, validateSSHPublicKey("not a key"))
}

func TestValidateSSHPublicKeyShellInjection(t *testing.T) {
	assert.NotNil(t, validateSSHPublicKey("'; rm -rf / #"))
}

func TestValidateSSHPublicKeyMissingData(t *testing.T) {
	assert.NotNil(t, validateSSHPublicKey("ssh-ed25519"))
}

func TestKeyManagerPaths(t *testing.T) {
	km := WithKeyPath("/tmp/test_key")
	assert.Equal(t, "/tmp/test_key", km.KeyPath())
	assert.Equal(t, "/tmp/test_key.pub", km.PubKeyPath())
}

func TestKeyManagerPathsWithExtension(t *testing.T) {
	km := WithKeyPath("/tmp/test.key")
	assert.Equal(t, "/tmp/test.key.pub", km.PubKeyPath())
}

func TestNewKeyManagerRootsUnderSSHSubdir(t *testing.T) {
	km := NewKeyManager("/data")
	assert.Equal(t, filepath.Join("/data", "ssh", "id_ed25519"), km.KeyPath())
}

func TestHomeDirFor(t *testing.T) {
	assert.Equal(t, "/root", homeDirFor("root"))
	assert.Equal(t, "/home/alice", homeDirFor("alice"))
}

func TestEnsureKeysExistGeneratesKeypair(t *testing.T) {
	dir := t.TempDir()
	km := WithKeyPath(filepath.Join(dir, "id_ed25519"))

	assert.Nil(t, km.EnsureKeysExist())

	pub, err := readFile(km.PubKeyPath())
	assert.Nil(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(pub), "ssh-ed25519 "))
	assert.Nil(t, validateSSHPublicKey(pub))

	priv, err := readFile(km.KeyPath())
	assert.Nil(t, err)
	assert.Contains(t, priv, "PRIVATE KEY")
}

func TestEnsureKeysExistIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	km := WithKeyPath(filepath.Join(dir, "id_ed25519"))

	assert.Nil(t, km.EnsureKeysExist())
	first, err := readFile(km.PubKeyPath())
	assert.Nil(t, err)

	assert.Nil(t, km.EnsureKeysExist())
	second, err := readFile(km.PubKeyPath())
	assert.Nil(t, err)

	assert.Equal(t, first, second)
}

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
