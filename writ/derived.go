/*
   writ: a devcontainer.json parser
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

// Package writ houses a validating parser for devcontainer.json files
package writ

// ImageSourceKind identifies which of the devcontainer spec's three
// mutually exclusive ways of sourcing a container image a config uses.
type ImageSourceKind int

// Supported values for ImageSourceKind
const (
	ImageSourceNone ImageSourceKind = iota
	ImageSourceImage
	ImageSourceDockerfile
	ImageSourceCompose
)

// ImageSource reports which of image/dockerFile/dockerComposeFile the
// config declares. Exactly one is expected to be set on a valid
// devcontainer.json; Parse does not itself enforce that, so callers
// that need the config's build mode should use this instead of
// re-deriving the same switch inline.
func (p *DevcontainerParser) ImageSource() ImageSourceKind {
	switch {
	case p.Config.DockerFile != nil && len(*p.Config.DockerFile) > 0:
		return ImageSourceDockerfile
	case p.Config.DockerComposeFile != nil && len(*p.Config.DockerComposeFile) > 0:
		return ImageSourceCompose
	case p.Config.Image != nil && len(*p.Config.Image) > 0:
		return ImageSourceImage
	default:
		return ImageSourceNone
	}
}

// EffectiveUser returns the username that lifecycle commands and the
// remote editor/IDE server process should run as: RemoteUser if set,
// otherwise ContainerUser, otherwise the empty string (meaning
// whatever user the image itself starts as).
func (p *DevcontainerParser) EffectiveUser() string {
	if p.Config.RemoteUser != nil && len(*p.Config.RemoteUser) > 0 {
		return *p.Config.RemoteUser
	}
	if p.Config.ContainerUser != nil && len(*p.Config.ContainerUser) > 0 {
		return *p.Config.ContainerUser
	}
	return ""
}
