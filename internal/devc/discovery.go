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
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/s-retlaw/devc/internal/devc/creds"
	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/store"
	"github.com/s-retlaw/devc/internal/trill"
)

// List returns every Container Record this Manager tracks.
func (m *Manager) List() []store.ContainerRecord {
	return m.Store.List()
}

// Discover lists every devcontainer on the Manager's configured (or
// auto-detected) runtime, whether devc created it or not — mirroring
// DiscoveredContainer from the original implementation's provider
// trait.
func (m *Manager) Discover(ctx context.Context) ([]trill.DiscoveredContainer, error) {
	client, err := m.newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.DiscoverDevcontainers(ctx)
}

// DiscoverAll merges discovery results across every Docker/Podman
// socket this process can find, deduplicated by container ID, newest
// first — the same sweep the CLI's socket auto-detection already does
// one candidate at a time, just without stopping at the first hit.
func (m *Manager) DiscoverAll(ctx context.Context) []trill.DiscoveredContainer {
	var all []trill.DiscoveredContainer
	seen := make(map[string]bool)

	for _, addr := range candidateSocketAddrs() {
		client, err := trill.NewClient(addr, m.makeMeRoot)
		if err != nil {
			continue
		}
		found, err := client.DiscoverDevcontainers(ctx)
		client.Close()
		if err != nil {
			continue
		}
		for _, dc := range found {
			if seen[dc.ID] {
				continue
			}
			seen[dc.ID] = true
			all = append(all, dc)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Created > all[j].Created })
	return all
}

// candidateSocketAddrs lists every Docker/Podman socket path worth
// probing, in the same order resolveSocketAddr checks them, but
// without stopping at the first one found.
func candidateSocketAddrs() []string {
	if addr, ok := os.LookupEnv("DOCKER_HOST"); ok && addr != "" {
		return []string{addr}
	}

	uid := os.Getuid()
	paths := []string{
		fmt.Sprintf("/run/user/%d/docker.sock", uid),
		fmt.Sprintf("/run/user/%d/podman/podman.sock", uid),
		"/var/run/podman/podman.sock",
		"/var/run/docker.sock",
		"/private/var/run/docker.sock",
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		paths = append([]string{
			filepath.Join(xdg, "docker.sock"),
			filepath.Join(xdg, "podman", "podman.sock"),
		}, paths...)
	}

	var found []string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			found = append(found, "unix://"+path)
		}
	}
	return found
}

// ListedContainer is one entry of ListDiscovered's result: a container
// the runtime reported, plus its Container Record if devc already
// tracks it (nil otherwise).
type ListedContainer struct {
	Discovered trill.DiscoveredContainer
	Record     *store.ContainerRecord
}

// ListDiscovered reports every devcontainer on the runtime alongside
// the Container Record tracking it, if any.
func (m *Manager) ListDiscovered(ctx context.Context) ([]ListedContainer, error) {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}

	byRuntimeID := make(map[string]store.ContainerRecord)
	for _, rec := range m.Store.List() {
		if rec.RuntimeContainerID != nil {
			byRuntimeID[*rec.RuntimeContainerID] = rec
		}
	}

	out := make([]ListedContainer, 0, len(discovered))
	for _, dc := range discovered {
		lc := ListedContainer{Discovered: dc}
		if rec, ok := byRuntimeID[dc.ID]; ok {
			recCopy := rec
			lc.Record = &recCopy
		}
		out = append(out, lc)
	}
	return out, nil
}

// Adopt registers an existing, devc-unmanaged container (one created
// by VS Code, devpod, or a bare `docker run`) as a Container Record,
// inferring its workspace from the devcontainer.local_folder label
// when workspacePath isn't given explicitly.
func (m *Manager) Adopt(ctx context.Context, containerID, workspacePath string, source store.Source) (store.ContainerRecord, error) {
	client, err := m.newClient()
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	discovered, err := client.DiscoverDevcontainers(ctx)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	var target *trill.DiscoveredContainer
	for i := range discovered {
		if discovered[i].ID == containerID {
			target = &discovered[i]
			break
		}
	}
	if target == nil {
		return store.ContainerRecord{}, errs.New(errs.KindContainerNotFound, fmt.Sprintf("no devcontainer found on the runtime with ID %s", containerID))
	}

	if workspacePath == "" {
		workspacePath = target.LocalFolder
	}
	if workspacePath == "" {
		workspacePath, err = os.Getwd()
		if err != nil {
			return store.ContainerRecord{}, errs.Wrap(errs.KindIOError, "resolving current directory", err)
		}
	}
	workspacePath, err = filepath.Abs(workspacePath)
	if err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindConfigError, "resolving workspace path", err)
	}

	configPath := target.ConfigFile
	if configPath == "" {
		configPath, err = FindDevcontainerJSON(workspacePath)
		if err != nil {
			configPath = filepath.Join(workspacePath, ".devcontainer", "devcontainer.json")
		}
	}

	name := firstNonEmpty(target.Names...)
	if name == "" {
		name = filepath.Base(workspacePath)
	}

	if _, ok := m.Store.FindByName(name); ok {
		return store.ContainerRecord{}, errs.ErrContainerExists
	}

	id, err := store.NewID()
	if err != nil {
		return store.ContainerRecord{}, err
	}

	status := store.StatusStopped
	if target.State == "running" {
		status = store.StatusRunning
	}

	rec := &store.ContainerRecord{
		ID:                 id,
		Name:               name,
		ProviderKind:       store.ProviderDocker,
		ConfigPath:         configPath,
		WorkspacePath:      workspacePath,
		RuntimeContainerID: &target.ID,
		Status:             status,
		Source:             source,
	}
	if err := m.Store.Add(rec); err != nil {
		return store.ContainerRecord{}, err
	}

	if status == store.StatusRunning {
		if p, err := parseDevcontainer(configPath); err == nil {
			user := ""
			if p.Config.RemoteUser != nil {
				user = *p.Config.RemoteUser
			}
			client.ContainerID = target.ID
			if _, err := creds.SetupCredentials(ctx, client, target.ID, user); err != nil {
				sessionWarn("setting up credential forwarding during adopt", err)
			}
		}
	}

	return *rec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Forget removes a Container Record from the state store without
// touching the runtime container it points at.
func (m *Manager) Forget(nameOrID string) error {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return err
	}
	return m.Store.Remove(rec.ID)
}

// SyncStatus refreshes every tracked Container Record's Status against
// what the runtime actually reports, marking records whose runtime
// container has vanished as Available again (so a later Up recreates
// it instead of erroring against a stale ID).
func (m *Manager) SyncStatus(ctx context.Context) error {
	client, err := m.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	discovered, err := client.DiscoverDevcontainers(ctx)
	if err != nil {
		return err
	}
	states := make(map[string]string, len(discovered))
	for _, dc := range discovered {
		states[dc.ID] = dc.State
	}

	for _, rec := range m.Store.List() {
		if rec.RuntimeContainerID == nil {
			continue
		}
		state, found := states[*rec.RuntimeContainerID]
		err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
			switch {
			case !found:
				r.Status = store.StatusAvailable
				r.RuntimeContainerID = nil
			case state == "running":
				r.Status = store.StatusRunning
			default:
				r.Status = store.StatusStopped
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
