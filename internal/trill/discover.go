/*
   trill: a lightweight wrapper for Podman/Docker REST API calls
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

package trill

import (
	"context"

	mobyclient "github.com/moby/moby/client"
)

// DevcontainerLocalFolderLabel and DevcontainerConfigFileLabel are the
// labels the devcontainers CLI (and VS Code's Dev Containers
// extension) stamp onto every container they create, letting any
// compliant tool discover containers it didn't itself create.
const (
	DevcontainerLocalFolderLabel = "devcontainer.local_folder"
	DevcontainerConfigFileLabel  = "devcontainer.config_file"
)

// DiscoveredContainer is a devcontainer found on the runtime that may
// or may not be tracked in the local state store.
type DiscoveredContainer struct {
	ID            string
	Names         []string
	Image         string
	State         string
	Status        string
	Labels        map[string]string
	LocalFolder   string
	ConfigFile    string
	Created       int64
}

// DiscoverDevcontainers lists every container on the connected runtime
// carrying the devcontainer.local_folder label, regardless of which
// tool created it. Filtering is done client-side against the full
// container list rather than via the runtime's label-filter query
// syntax, which otherwise differs subtly between Docker and Podman.
func (c *Client) DiscoverDevcontainers(ctx context.Context) ([]DiscoveredContainer, error) {
	listResult, err := c.mobyClient.ContainerList(ctx, mobyclient.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}

	discovered := make([]DiscoveredContainer, 0, len(listResult.Containers))
	for _, item := range listResult.Containers {
		localFolder, ok := item.Labels[DevcontainerLocalFolderLabel]
		if !ok {
			continue
		}
		discovered = append(discovered, DiscoveredContainer{
			ID:          item.ID,
			Names:       item.Names,
			Image:       item.Image,
			State:       item.State,
			Status:      item.Status,
			Labels:      item.Labels,
			LocalFolder: localFolder,
			ConfigFile:  item.Labels[DevcontainerConfigFileLabel],
			Created:     item.Created,
		})
	}
	return discovered, nil
}
