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
	"fmt"

	"github.com/moby/go-archive"
	"github.com/moby/moby/api/types/container"
)

// CopyIntoContainer tars srcDir on the host and extracts it at
// dstPath inside the given container, creating dstPath if it doesn't
// already exist. Used to seed dotfiles and other host-resolved
// content that's cheaper to build on the host than to assemble with a
// chain of exec calls.
func (c *Client) CopyIntoContainer(ctx context.Context, containerID string, srcDir string, dstPath string) error {
	reader, err := archive.TarWithOptions(srcDir, &archive.TarOptions{
		IncludeSourceDir: false,
	})
	if err != nil {
		return fmt.Errorf("archiving %s for copy into container: %w", srcDir, err)
	}
	defer reader.Close()

	err = c.mobyClient.CopyToContainer(ctx, containerID, dstPath, reader, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
	if err != nil {
		return fmt.Errorf("copying %s into container %s at %s: %w", srcDir, containerID, dstPath, err)
	}
	return nil
}
