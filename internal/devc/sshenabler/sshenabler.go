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

// Package sshenabler provisions a host-generated SSH keypair and
// installs it inside a devcontainer (dropbear + its own host key,
// plus the public key in the target user's authorized_keys), so an
// editor or terminal can open a real pty over SSH into the container
// instead of depending on exec's patchier SIGWINCH propagation.
package sshenabler

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/trill"
	"golang.org/x/crypto/ssh"
)

// KeyManager owns a host-resident ed25519 SSH keypair used to grant
// access into every container devc sets up SSH for.
type KeyManager struct {
	keyPath    string
	pubKeyPath string
}

// NewKeyManager returns a KeyManager rooted at dataDir/ssh/id_ed25519.
func NewKeyManager(dataDir string) *KeyManager {
	return WithKeyPath(filepath.Join(dataDir, "ssh", "id_ed25519"))
}

// WithKeyPath returns a KeyManager using an explicit private key path;
// the public key path is the same path with ".pub" appended.
func WithKeyPath(keyPath string) *KeyManager {
	return &KeyManager{keyPath: keyPath, pubKeyPath: keyPath + ".pub"}
}

func (k *KeyManager) KeyPath() string    { return k.keyPath }
func (k *KeyManager) PubKeyPath() string { return k.pubKeyPath }

// EnsureKeysExist generates an ed25519 keypair at k.keyPath if one
// isn't already there.
func (k *KeyManager) EnsureKeysExist() error {
	if _, err := os.Stat(k.keyPath); err == nil {
		if _, err := os.Stat(k.pubKeyPath); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(k.keyPath), 0o700); err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "creating ssh key directory", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "generating ed25519 keypair", err)
	}

	privPEM, err := ssh.MarshalPrivateKey(priv, "devc-container-access")
	if err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "marshaling private key", err)
	}
	if err := os.WriteFile(k.keyPath, pem.EncodeToMemory(privPEM), 0o600); err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "writing private key", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "deriving public key", err)
	}
	authorizedKey := ssh.MarshalAuthorizedKey(sshPub)
	authorizedKey = append(authorizedKey[:len(authorizedKey)-1], []byte(" devc-container-access\n")...)
	if err := os.WriteFile(k.pubKeyPath, authorizedKey, 0o644); err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "writing public key", err)
	}

	return nil
}

// validUsername rejects any username that doesn't follow the standard
// POSIX account name rules (1-32 characters, starting with a lowercase
// letter or '_', then only lowercase letters, digits, '_' or '-'),
// since the username is spliced unquoted into a setup script.
func validUsername(user string) error {
	if user == "" || len(user) > 32 {
		return errs.New(errs.KindSSHSetupError, fmt.Sprintf("invalid username length: %d", len(user)))
	}
	first := rune(user[0])
	if !(first >= 'a' && first <= 'z') && first != '_' {
		return errs.New(errs.KindSSHSetupError, fmt.Sprintf("invalid username %q: must start with lowercase letter or underscore", user))
	}
	for _, r := range user {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return errs.New(errs.KindSSHSetupError, fmt.Sprintf("invalid username %q: contains invalid characters", user))
		}
	}
	return nil
}

var validSSHKeyPrefixes = []string{
	"ssh-ed25519",
	"ssh-rsa",
	"ecdsa-sha2-nistp256",
	"ecdsa-sha2-nistp384",
	"ecdsa-sha2-nistp521",
	"sk-ssh-ed25519@openssh.com",
	"sk-ecdsa-sha2-nistp256@openssh.com",
}

func validateSSHPublicKey(key string) error {
	key = strings.TrimSpace(key)
	hasPrefix := false
	for _, p := range validSSHKeyPrefixes {
		if strings.HasPrefix(key, p) {
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return errs.New(errs.KindSSHSetupError, "invalid SSH public key format: must start with a valid key type")
	}

	parts := strings.Fields(key)
	if len(parts) < 2 {
		return errs.New(errs.KindSSHSetupError, "invalid SSH public key format: missing key data")
	}
	if _, err := base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return errs.New(errs.KindSSHSetupError, "invalid SSH public key format: key data is not valid base64")
	}
	return nil
}

const installToolsScript = `
set -e
if command -v apt-get >/dev/null 2>&1; then
    apt-get update -qq && apt-get install -y -qq dropbear socat >/dev/null 2>&1
elif command -v dnf >/dev/null 2>&1; then
    dnf install -y -q dropbear socat >/dev/null 2>&1
elif command -v yum >/dev/null 2>&1; then
    yum install -y -q dropbear socat >/dev/null 2>&1
elif command -v apk >/dev/null 2>&1; then
    apk add --quiet dropbear socat >/dev/null 2>&1
elif command -v pacman >/dev/null 2>&1; then
    pacman -Sy --noconfirm --quiet dropbear socat >/dev/null 2>&1
elif command -v zypper >/dev/null 2>&1; then
    zypper -q install -y dropbear socat >/dev/null 2>&1
else
    echo "No supported package manager found" >&2
    exit 1
fi
`

const hostKeyScript = `
set -e
mkdir -p /etc/dropbear
if [ ! -f /etc/dropbear/dropbear_ed25519_host_key ]; then
    dropbearkey -t ed25519 -f /etc/dropbear/dropbear_ed25519_host_key >/dev/null 2>&1
fi
if ! pgrep -x dropbear >/dev/null 2>&1; then
    /usr/sbin/dropbear -s -r /etc/dropbear/dropbear_ed25519_host_key -p 127.0.0.1:2222 2>/dev/null
fi
`

const checkToolsScript = "command -v dropbear >/dev/null 2>&1 && command -v socat >/dev/null 2>&1"
const checkReadyScript = "command -v dropbear >/dev/null 2>&1 && test -f /etc/dropbear/dropbear_ed25519_host_key"

func homeDirFor(user string) string {
	if user == "root" {
		return "/root"
	}
	return "/home/" + user
}

func execScript(ctx context.Context, client *trill.Client, containerID, script string) error {
	_, stderr, err := client.ExecInContainer(ctx, containerID, "root", nil, true, script)
	if err != nil {
		return errs.Wrap(errs.KindSSHSetupError, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// IsSSHReady reports whether dropbear and its host key are already
// set up in containerID.
func IsSSHReady(ctx context.Context, client *trill.Client, containerID string) bool {
	return execScript(ctx, client, containerID, checkReadyScript) == nil
}

// SetupContainer installs dropbear/socat if needed, starts the
// dropbear daemon on 127.0.0.1:2222, and appends k's public key to
// user's authorized_keys (idempotently).
func (k *KeyManager) SetupContainer(ctx context.Context, client *trill.Client, containerID, user string) error {
	if user == "" {
		user = "root"
	}
	if err := validUsername(user); err != nil {
		return err
	}

	pubKeyRaw, err := os.ReadFile(k.pubKeyPath)
	if err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "reading public key", err)
	}
	pubKey := strings.TrimSpace(string(pubKeyRaw))
	if err := validateSSHPublicKey(pubKey); err != nil {
		return err
	}

	if execScript(ctx, client, containerID, checkToolsScript) != nil {
		if err := execScript(ctx, client, containerID, installToolsScript); err != nil {
			return errs.Wrap(errs.KindSSHSetupError, "installing SSH tools", err)
		}
	}

	if err := execScript(ctx, client, containerID, hostKeyScript); err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "setting up dropbear", err)
	}

	home := homeDirFor(user)
	pubKeyB64 := base64.StdEncoding.EncodeToString([]byte(pubKey))
	authKeyScript := fmt.Sprintf(`
set -e
mkdir -p %[1]s/.ssh
chmod 700 %[1]s/.ssh
touch %[1]s/.ssh/authorized_keys
chmod 600 %[1]s/.ssh/authorized_keys
KEY=$(echo '%[2]s' | base64 -d)
if ! grep -qF "$KEY" %[1]s/.ssh/authorized_keys 2>/dev/null; then
    echo "$KEY" >> %[1]s/.ssh/authorized_keys
fi
chown -R %[3]s:%[3]s %[1]s/.ssh 2>/dev/null || true
`, home, pubKeyB64, user)

	if err := execScript(ctx, client, containerID, authKeyScript); err != nil {
		return errs.Wrap(errs.KindSSHSetupError, "setting up authorized_keys", err)
	}

	return nil
}
