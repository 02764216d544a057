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

// Package dotfiles clones or copies a user's dotfiles into a
// devcontainer, runs whatever install script they ship, and symlinks
// the handful of shell/editor rc files a freshly created container
// otherwise wouldn't have.
package dotfiles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/trill"
)

// sourceKind distinguishes where a Manager's dotfiles come from.
type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceRepository
	sourceLocal
)

// Config describes where to get dotfiles from and how to install
// them, mirroring devcontainer.json's customizations.devc.dotfiles
// block (or the tool-wide default configured outside any one
// workspace).
type Config struct {
	Repository     string
	LocalPath      string
	TargetPath     string
	InstallCommand string
}

// Manager injects one resolved dotfiles configuration into
// containers.
type Manager struct {
	source         sourceKind
	repository     string
	localPath      string
	targetPath     string
	installCommand string
}

// defaultTargetPath is where dotfiles land inside the container absent
// an explicit TargetPath.
const defaultTargetPath = "~/.dotfiles"

// New builds a Manager from a Config, falling back to defaultCfg (the
// tool-wide default) when cfg names neither a repository nor a local
// path.
func New(cfg Config, defaultCfg Config) *Manager {
	if cfg.Repository == "" && cfg.LocalPath == "" {
		return fromConfig(defaultCfg)
	}
	return fromConfig(cfg)
}

func fromConfig(cfg Config) *Manager {
	m := &Manager{targetPath: defaultTargetPath, installCommand: cfg.InstallCommand}
	if cfg.TargetPath != "" {
		m.targetPath = cfg.TargetPath
	}
	switch {
	case cfg.Repository != "":
		m.source = sourceRepository
		m.repository = cfg.Repository
	case cfg.LocalPath != "":
		m.source = sourceLocal
		m.localPath = expandTilde(cfg.LocalPath)
	default:
		m.source = sourceNone
	}
	return m
}

// IsConfigured reports whether any dotfiles source is set.
func (m *Manager) IsConfigured() bool {
	return m.source != sourceNone
}

// shellQuote wraps s in single quotes, escaping embedded single
// quotes, for safe interpolation into a /bin/sh -c command string.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandHome resolves a leading "~" against user's home directory
// (root's home for the empty/"root" user).
func expandHome(path, user string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	home := "/root"
	if user != "" && user != "root" {
		home = "/home/" + user
	}
	return home + rest
}

func expandTilde(path string) string {
	if rest, ok := strings.CutPrefix(path, "~"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + rest
	}
	return path
}

// ProgressFunc receives human-readable progress updates as injection
// proceeds.
type ProgressFunc func(string)

func sendProgress(progress ProgressFunc, msg string) {
	if progress != nil {
		progress(msg)
	}
}

// Inject clones/copies dotfiles into containerID, runs the install
// command (or the first default install script it finds), and
// symlinks the well-known rc files into the target user's home.
// A no-op if the Manager isn't configured.
func (m *Manager) Inject(ctx context.Context, client *trill.Client, containerID, user string, progress ProgressFunc) error {
	if !m.IsConfigured() {
		slog.Debug("no dotfiles configured, skipping injection")
		return nil
	}

	switch m.source {
	case sourceRepository:
		sendProgress(progress, "Cloning dotfiles repository...")
		if err := m.injectFromRepo(ctx, client, containerID, user, progress); err != nil {
			return err
		}
	case sourceLocal:
		sendProgress(progress, "Copying dotfiles...")
		if err := m.injectFromLocal(ctx, client, containerID, m.localPath, user); err != nil {
			return err
		}
	}

	if m.installCommand != "" {
		sendProgress(progress, "Running dotfiles install command...")
		if err := m.runInstallCommand(ctx, client, containerID, m.installCommand, user); err != nil {
			return err
		}
	} else {
		sendProgress(progress, "Running dotfiles install script...")
		if err := m.runDefaultInstall(ctx, client, containerID, user); err != nil {
			return err
		}
	}

	return m.symlinkDotfiles(ctx, client, containerID, user)
}

func execInContainer(ctx context.Context, client *trill.Client, containerID, user, script string) (string, error) {
	stdout, _, err := client.ExecInContainer(ctx, containerID, user, nil, true, script)
	return stdout.String(), err
}

// injectFromRepo tries to clone the dotfiles repository inside the
// container first. If that fails (no git installed, auth issues), it
// falls back to cloning on the host and copying the result in.
func (m *Manager) injectFromRepo(ctx context.Context, client *trill.Client, containerID, user string, progress ProgressFunc) error {
	slog.Info("cloning dotfiles", "repository", m.repository)

	target := expandHome(m.targetPath, user)
	qt := shellQuote(target)
	qu := shellQuote(m.repository)
	cmd := fmt.Sprintf("if [ -d %s ]; then cd %s && git pull; else git clone %s %s; fi", qt, qt, qu, qt)

	if _, err := execInContainer(ctx, client, containerID, user, cmd); err != nil {
		slog.Warn("in-container dotfiles clone failed, falling back to host-side clone", "error", err)
		sendProgress(progress, "Falling back to host-side clone...")
		return m.injectFromRepoHost(ctx, client, containerID, m.repository, user)
	}
	return nil
}

// injectFromRepoHost clones m.repository into a host-side temp
// directory and copies the result into the container, so network
// access or auth the container lacks doesn't block dotfiles entirely.
func (m *Manager) injectFromRepoHost(ctx context.Context, client *trill.Client, containerID, url, user string) error {
	slog.Info("cloning dotfiles on host", "repository", url)

	tmpDir, err := os.MkdirTemp("", "devc-dotfiles-*")
	if err != nil {
		return errs.Wrap(errs.KindDotfilesError, "creating temp directory", err)
	}
	defer os.RemoveAll(tmpDir)

	clonePath := filepath.Join(tmpDir, "dotfiles")
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, clonePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.Wrap(errs.KindDotfilesError, fmt.Sprintf("host-side git clone failed: %s", strings.TrimSpace(string(out))), err)
	}

	return m.injectFromLocal(ctx, client, containerID, clonePath, user)
}

// injectFromLocal copies a local directory's contents into the
// container at the configured target path.
func (m *Manager) injectFromLocal(ctx context.Context, client *trill.Client, containerID, path, user string) error {
	slog.Info("copying dotfiles", "path", path)

	if _, err := os.Stat(path); err != nil {
		return errs.Wrap(errs.KindDotfilesError, fmt.Sprintf("dotfiles directory not found: %s", path), err)
	}

	target := expandHome(m.targetPath, user)
	if _, err := execInContainer(ctx, client, containerID, user, "mkdir -p "+shellQuote(target)); err != nil {
		return errs.Wrap(errs.KindDotfilesError, "creating dotfiles target directory", err)
	}

	if err := client.CopyIntoContainer(ctx, containerID, path, target); err != nil {
		return errs.Wrap(errs.KindDotfilesError, "copying dotfiles into container", err)
	}
	return nil
}

func (m *Manager) runInstallCommand(ctx context.Context, client *trill.Client, containerID, cmd, user string) error {
	slog.Info("running dotfiles install command", "command", cmd)

	target := expandHome(m.targetPath, user)
	fullCmd := fmt.Sprintf("cd %s && %s", shellQuote(target), cmd)
	if _, err := execInContainer(ctx, client, containerID, user, fullCmd); err != nil {
		slog.Warn("dotfiles install command failed", "error", err)
	}
	return nil
}

var defaultInstallScripts = []string{"install.sh", "install", "bootstrap.sh", "bootstrap", "setup.sh"}

func (m *Manager) runDefaultInstall(ctx context.Context, client *trill.Client, containerID, user string) error {
	target := expandHome(m.targetPath, user)

	for _, script := range defaultInstallScripts {
		checkCmd := fmt.Sprintf("test -x %s/%s", shellQuote(target), script)
		if _, err := execInContainer(ctx, client, containerID, user, checkCmd); err != nil {
			continue
		}

		slog.Info("running dotfiles install script", "script", script)
		runCmd := fmt.Sprintf("cd %s && ./%s", shellQuote(target), script)
		if _, err := execInContainer(ctx, client, containerID, user, runCmd); err != nil {
			slog.Warn("dotfiles install script failed", "script", script, "error", err)
		}
		return nil
	}

	slog.Debug("no default install script found in dotfiles")
	return nil
}

var symlinkedDotfiles = []string{
	".bashrc",
	".bash_profile",
	".zshrc",
	".zprofile",
	".gitconfig",
	".vimrc",
	".tmux.conf",
	".inputrc",
}

// symlinkDotfiles links the well-known rc files out of the dotfiles
// checkout into the target user's home, skipping any that are already
// symlinks (so a rerun doesn't fight whatever the install script set
// up itself). Errors for individual files are ignored.
func (m *Manager) symlinkDotfiles(ctx context.Context, client *trill.Client, containerID, user string) error {
	target := expandHome(m.targetPath, user)
	home := expandHome("~", user)

	for _, dotfile := range symlinkedDotfiles {
		src := shellQuote(target + "/" + dotfile)
		dest := shellQuote(home + "/" + dotfile)
		cmd := fmt.Sprintf("if [ -f %s ] && [ ! -L %s ]; then ln -sf %s %s; fi", src, dest, src, dest)
		_, _ = execInContainer(ctx, client, containerID, user, cmd)
	}

	return nil
}
