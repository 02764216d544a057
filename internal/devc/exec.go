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
	"bytes"
	"context"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/writ"
)

// ExecResult is the captured output of a non-interactive Exec.
type ExecResult struct {
	Stdout bytes.Buffer
	Stderr bytes.Buffer
}

// Exec runs args inside a running Container Record's container as
// user (falling back to the devcontainer's remoteUser when user is
// empty), returning its captured stdout/stderr.
func (m *Manager) Exec(ctx context.Context, nameOrID, user string, env writ.EnvVarMap, runInShell bool, args ...string) (ExecResult, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return ExecResult{}, err
	}
	if rec.RuntimeContainerID == nil {
		return ExecResult{}, errs.ErrInvalidState
	}

	if user == "" {
		if p, err := parseDevcontainer(rec.ConfigPath); err == nil && p.Config.RemoteUser != nil {
			user = *p.Config.RemoteUser
		}
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return ExecResult{}, err
	}
	defer client.Close()

	var envPtr *writ.EnvVarMap
	if len(env) > 0 {
		envPtr = &env
	}

	stdout, stderr, err := client.ExecInContainer(ctx, *rec.RuntimeContainerID, user, envPtr, runInShell, args...)
	if err != nil {
		return ExecResult{Stdout: stdout, Stderr: stderr}, errs.Wrap(errs.KindExecFailed, "running command in container", err)
	}
	return ExecResult{Stdout: stdout, Stderr: stderr}, nil
}

// Shell opens an interactive shell inside a running Container
// Record's container, wiring the host terminal straight through.
// Blocks until the remote shell exits; the caller's stdin/stdout/
// stderr must be a real terminal.
func (m *Manager) Shell(ctx context.Context, nameOrID, user string) error {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return err
	}
	if rec.RuntimeContainerID == nil {
		return errs.ErrInvalidState
	}

	if user == "" {
		if p, err := parseDevcontainer(rec.ConfigPath); err == nil && p.Config.RemoteUser != nil {
			user = *p.Config.RemoteUser
		}
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return err
	}
	defer client.Close()

	shellArgs := []string{"/bin/sh"}
	if err := client.AttachInteractiveExecToContainer(ctx, *rec.RuntimeContainerID, user, shellArgs...); err != nil {
		return errs.Wrap(errs.KindExecFailed, "attaching interactive shell", err)
	}
	return nil
}

// ExecInteractive is like Shell but runs an arbitrary command instead
// of the default shell.
func (m *Manager) ExecInteractive(ctx context.Context, nameOrID, user string, args ...string) error {
	if len(args) == 0 {
		return m.Shell(ctx, nameOrID, user)
	}

	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return err
	}
	if rec.RuntimeContainerID == nil {
		return errs.ErrInvalidState
	}

	if user == "" {
		if p, err := parseDevcontainer(rec.ConfigPath); err == nil && p.Config.RemoteUser != nil {
			user = *p.Config.RemoteUser
		}
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.AttachInteractiveExecToContainer(ctx, *rec.RuntimeContainerID, user, args...); err != nil {
		return errs.Wrap(errs.KindExecFailed, "attaching interactive exec", err)
	}
	return nil
}

// RunPostAttachCommand re-runs a devcontainer's postAttachCommand
// against a running Container Record, the way repeated attaches (VS
// Code reconnects, a second terminal) are expected to each trigger it
// per the devcontainers spec.
func (m *Manager) RunPostAttachCommand(ctx context.Context, nameOrID string) error {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return err
	}
	if rec.RuntimeContainerID == nil {
		return errs.ErrInvalidState
	}

	p, err := parseDevcontainer(rec.ConfigPath)
	if err != nil {
		return err
	}
	if p.Config.PostAttachCommand == nil {
		return nil
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return err
	}
	defer client.Close()
	client.ContainerID = *rec.RuntimeContainerID

	return runLifecycleCommand(ctx, client, p, p.Config.PostAttachCommand, false)
}
