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

// Package devc is the library façade over the state store and the
// container runtime: one Manager owns the state store and knows how
// to resolve a container record, drive it through the devcontainer
// lifecycle, and keep the store in sync with what the runtime
// actually reports. cmd/devc's CLI is a thin wrapper driving this
// Manager; anything else that wants devcontainer orchestration as a
// library (an editor integration, a TUI, a test harness) drives it
// the same way.
package devc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/s-retlaw/devc/internal/devc/dotfiles"
	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/store"
	"github.com/s-retlaw/devc/internal/trill"
)

// Manager is the entry point for every operation this package
// exposes. It owns a state store (one JSON file per Manager, see
// internal/store) and knows how to open a trill.Client against the
// configured socket on demand; it does not hold a live client between
// calls, since most operations are one-shot (list, adopt, remove) and
// the ones that aren't (up, start) manage their own client lifetime.
type Manager struct {
	Store *store.Store

	dataDir    string
	socketAddr string
	makeMeRoot bool
	platform   trill.Platform

	credentialsEnabled bool
	sshEnabled         bool
	dotfilesDefault    dotfiles.Config
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithSocket pins the Podman/Docker socket address a Manager connects
// to, instead of letting it auto-detect one per call.
func WithSocket(addr string) Option {
	return func(m *Manager) { m.socketAddr = addr }
}

// WithMakeMeRoot maps the caller's UID to root inside containers
// (Podman-only), matching the CLI's -R flag.
func WithMakeMeRoot(v bool) Option {
	return func(m *Manager) { m.makeMeRoot = v }
}

// WithPlatform pins the target architecture/OS pair used when
// building or pulling images.
func WithPlatform(p trill.Platform) Option {
	return func(m *Manager) { m.platform = p }
}

// WithCredentialForwarding enables best-effort injection of the host's
// Docker registry and Git credentials into every container Up starts,
// matching the CLI's credential-forwarding behavior.
func WithCredentialForwarding(v bool) Option {
	return func(m *Manager) { m.credentialsEnabled = v }
}

// WithSSHAccess enables installing the Manager's host SSH public key
// into every container Up starts, so `ssh` can reach it directly.
func WithSSHAccess(v bool) Option {
	return func(m *Manager) { m.sshEnabled = v }
}

// WithDotfiles sets the tool-wide default dotfiles source used for any
// devcontainer that doesn't name its own.
func WithDotfiles(cfg dotfiles.Config) Option {
	return func(m *Manager) { m.dotfilesDefault = cfg }
}

// NewManager opens (or initializes) the state store rooted at
// dataDir/containers.json and returns a ready-to-use Manager.
func NewManager(dataDir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "creating data directory", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "containers.json"))
	if err != nil {
		return nil, err
	}

	m := &Manager{Store: st, dataDir: dataDir}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// newClient opens a fresh trill.Client against the Manager's
// configured (or auto-detected) socket. Callers are responsible for
// calling Close on the returned client.
func (m *Manager) newClient() (*trill.Client, error) {
	return m.newClientAt("")
}

// newClientFor opens a client against the socket pinned to rec
// (rec.ProviderSocketAddr), falling back to the Manager's configured
// or auto-detected socket when the record doesn't pin one — which is
// the case for every record until a rebuild moves it to a different
// provider/engine (§3.3).
func (m *Manager) newClientFor(rec store.ContainerRecord) (*trill.Client, error) {
	addr := ""
	if rec.ProviderSocketAddr != nil {
		addr = *rec.ProviderSocketAddr
	}
	return m.newClientAt(addr)
}

// newClientAt opens a client against socketOverride if given,
// otherwise against the Manager's configured or auto-detected socket.
func (m *Manager) newClientAt(socketOverride string) (*trill.Client, error) {
	addr := socketOverride
	if addr == "" {
		addr = m.socketAddr
	}
	if addr == "" {
		addr = resolveSocketAddr()
	}
	if addr == "" {
		return nil, errs.New(errs.KindNotConnected, "no Podman/Docker socket address could be determined")
	}

	client, err := trill.NewClient(addr, m.makeMeRoot)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotConnected, fmt.Sprintf("connecting to container runtime at %s", addr), err)
	}
	client.Platform = m.platform
	client.KeepContainer = true
	return client, nil
}

// resolveSocketAddr mirrors the CLI's socket auto-detection (§4.2):
// DOCKER_HOST first, then the usual Podman/Docker rootless/rootful
// socket paths.
func resolveSocketAddr() string {
	if addr, ok := os.LookupEnv("DOCKER_HOST"); ok && addr != "" {
		return addr
	}

	uid := os.Getuid()
	candidates := []string{
		fmt.Sprintf("/run/user/%d/docker.sock", uid),
		fmt.Sprintf("/run/user/%d/podman/podman.sock", uid),
		"/var/run/podman/podman.sock",
		"/var/run/docker.sock",
		"/private/var/run/docker.sock",
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		candidates = append([]string{
			filepath.Join(xdg, "docker.sock"),
			filepath.Join(xdg, "podman", "podman.sock"),
		}, candidates...)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path
		}
	}
	return ""
}

// Resolve finds the single Container Record named or identified by
// nameOrID, per §4.10's resolution order: exact ID, then exact name,
// then an unambiguous ID prefix, then an unambiguous name prefix. An
// ambiguous prefix is an error listing every match.
func (m *Manager) Resolve(nameOrID string) (store.ContainerRecord, error) {
	if rec, err := m.Store.Get(nameOrID); err == nil {
		return rec, nil
	}
	if rec, ok := m.Store.FindByName(nameOrID); ok {
		return rec, nil
	}

	all := m.Store.List()

	var idMatches, nameMatches []store.ContainerRecord
	for _, rec := range all {
		if strings.HasPrefix(rec.ID, nameOrID) {
			idMatches = append(idMatches, rec)
		}
		if strings.HasPrefix(rec.Name, nameOrID) {
			nameMatches = append(nameMatches, rec)
		}
	}

	switch len(idMatches) {
	case 1:
		return idMatches[0], nil
	case 0:
		// fall through to name-prefix matching below
	default:
		return store.ContainerRecord{}, ambiguousErr(nameOrID, idMatches)
	}

	switch len(nameMatches) {
	case 1:
		return nameMatches[0], nil
	case 0:
		return store.ContainerRecord{}, errs.ErrContainerNotFound
	default:
		return store.ContainerRecord{}, ambiguousErr(nameOrID, nameMatches)
	}
}

func ambiguousErr(prefix string, matches []store.ContainerRecord) error {
	names := make([]string, len(matches))
	for i, rec := range matches {
		names[i] = fmt.Sprintf("%s (%s)", rec.Name, rec.ID)
	}
	return errs.New(errs.KindInvalidState, fmt.Sprintf("%q matches more than one container record: %s", prefix, strings.Join(names, ", ")))
}
