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

// Package trill houses a thin wrapper for communicating with podman
// and Docker via their REST API. It is the Runtime Provider of the
// devc core: every engine-facing call the rest of the module makes
// flows through a *Client.
package trill

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	composetypes "github.com/compose-spec/compose-go/types"
	"github.com/heimdalr/dag"
	mobyclient "github.com/moby/moby/client"
)

// Platform identifies the target architecture/OS pair used when
// building or pulling images.
type Platform struct {
	Architecture string
	OS           string
}

// LifecyclePhase identifies one step of the ordered lifecycle a
// container is driven through. Values are sent over
// Client.DevcontainerLifecycleChan and acknowledged over
// Client.DevcontainerLifecycleResp so that the caller can run the
// phase's user/feature commands before the trill client proceeds.
type LifecyclePhase int

// Supported lifecycle phases, in the order §4.7 of the specification
// drives them. LifecycleFeatureInstall is emitted for the devcontainer
// once its container has started and before onCreate; features are
// installed by running their install.sh inside that container.
const (
	LifecycleInitialize LifecyclePhase = iota
	LifecycleFeatureInstall
	LifecycleOnCreate
	LifecycleUpdate
	LifecyclePostCreate
	LifecyclePostStart
	LifecyclePostAttach
)

// String renders the phase name the way it appears in
// devcontainer.json (camelCase slot name), for logging.
func (l LifecyclePhase) String() string {
	switch l {
	case LifecycleInitialize:
		return "initializeCommand"
	case LifecycleFeatureInstall:
		return "featureInstall"
	case LifecycleOnCreate:
		return "onCreateCommand"
	case LifecycleUpdate:
		return "updateContentCommand"
	case LifecyclePostCreate:
		return "postCreateCommand"
	case LifecyclePostStart:
		return "postStartCommand"
	case LifecyclePostAttach:
		return "postAttachCommand"
	default:
		return "unknown"
	}
}

// ProviderErrorKind classifies why a Runtime Provider call failed, per
// §4.3's failure model.
type ProviderErrorKind string

// Supported ProviderErrorKind values.
const (
	ProviderErrConnection      ProviderErrorKind = "connection"
	ProviderErrContainerMissing ProviderErrorKind = "container-missing"
	ProviderErrImageMissing    ProviderErrorKind = "image-missing"
	ProviderErrBuildFailed     ProviderErrorKind = "build-failed"
	ProviderErrExecFailed      ProviderErrorKind = "exec-failed"
	ProviderErrRuntime         ProviderErrorKind = "runtime"
	ProviderErrUnsupported     ProviderErrorKind = "unsupported"
	ProviderErrTimeout         ProviderErrorKind = "timeout"
	ProviderErrIO              ProviderErrorKind = "io"
)

// ProviderError is the tagged error kind every Runtime Provider
// operation fails with.
type ProviderError struct {
	Kind ProviderErrorKind
	Msg  string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a *ProviderError, used by every trill
// operation that talks to the engine.
func NewProviderError(kind ProviderErrorKind, msg string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Msg: msg, Err: err}
}

// A Client holds metadata and engine-facing state for a single
// devcontainer session. It is the concrete Runtime Provider: its
// image/Dockerfile methods live in images.go, its container lifecycle
// methods in containers.go, and its Compose methods in composer.go.
type Client struct {
	// ContainerID is the engine's ID for the primary devcontainer
	// once created; empty before create. StopDevcontainer does not
	// clear it.
	ContainerID string
	SocketAddr  string
	Platform    Platform

	// MakeMeRoot requests that the rootless (Podman) provider variant
	// map the invoking user to root (keep-id with UID/GID 0) inside the
	// container rather than to the container user's own UID/GID. It
	// only takes effect when updateRemoteUserUID is enabled.
	MakeMeRoot bool

	// KeepContainer, when set, disables AutoRemove on containers this
	// Client creates so they survive a stop and can be resumed later
	// instead of vanishing the moment they exit.
	KeepContainer bool

	// ExtraLabels are merged onto every container this Client creates,
	// on top of the devcontainer.local_folder/config_file labels it
	// always stamps. Callers tracking their own container metadata
	// (e.g. a project/record name) set this before starting a
	// container.
	ExtraLabels map[string]string

	// PrivilegedPortElevator is consulted whenever a forwarded or app
	// port would require binding a privileged host port (<1024); it
	// returns the port actually bound.
	PrivilegedPortElevator func(port uint16) uint16

	// DevcontainerLifecycleChan/Resp coordinate the lifecycle
	// orchestrator (internal/devc) with the trill client: trill
	// emits a LifecyclePhase as soon as it has reached the point where
	// that phase's commands should run, and blocks on Resp for an
	// ok/not-ok acknowledgement before proceeding to the next engine
	// call.
	DevcontainerLifecycleChan chan LifecyclePhase
	DevcontainerLifecycleResp chan bool

	mobyClient *mobyclient.Client

	attachMu   sync.Mutex
	attachResp *mobyclient.HijackedResponse
	isAttached bool

	composerProject *composetypes.Project
	servicesDAG     *dag.DAG
}

// NewClient connects to Podman/Docker via socketAddr (or a discovered
// default when socketAddr is empty) and returns a ready Client.
//
// Returns a non-nil error wrapped as a *ProviderError of kind
// ProviderErrConnection if the engine socket cannot be dialed; it
// never panics.
func NewClient(socketAddr string, makeMeRoot bool) (*Client, error) {
	addr := getSocketAddr(socketAddr)
	mc, err := mobyclient.New(mobyclient.WithHost(addr))
	if err != nil {
		return nil, NewProviderError(ProviderErrConnection, "unable to connect to engine socket", err)
	}

	return &Client{
		SocketAddr:                addr,
		MakeMeRoot:                makeMeRoot,
		mobyClient:                mc,
		DevcontainerLifecycleChan: make(chan LifecyclePhase),
		DevcontainerLifecycleResp: make(chan bool),
	}, nil
}

// Ping reports whether the engine is reachable.
func (c *Client) Ping() error {
	if _, err := c.mobyClient.Ping(context.Background()); err != nil {
		return NewProviderError(ProviderErrConnection, "engine did not respond to ping", err)
	}
	return nil
}

// Close releases the underlying engine connection.
func (c *Client) Close() error {
	if c.mobyClient == nil {
		return nil
	}
	return c.mobyClient.Close()
}

// Attempt to determine a viable socket address for communicating with
// Podman/Docker.
//
// If socketAddr is non-empty, this function just returns it
// immediately. Otherwise, it attempts to look for the DOCKER_HOST
// environment variable; failing that, it builds a path that will
// usually work for a system with Podman installed.
func getSocketAddr(socketAddr string) string {
	if len(socketAddr) > 0 {
		return socketAddr
	}

	if envSocketAddr, ok := os.LookupEnv("DOCKER_HOST"); ok {
		slog.Debug("using socket nominated by DOCKER_HOST", "socket", envSocketAddr)
		return envSocketAddr
	}

	uid := os.Getuid()
	compSocketAddr := fmt.Sprintf("unix:///run/user/%d/podman/podman.sock", uid)
	slog.Debug("falling back to computed socket address", "socket", compSocketAddr)
	return compSocketAddr
}
