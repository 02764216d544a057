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

// Package main houses the thin CLI entrypoint that drives the
// internal/devc.Manager façade; the façade, not this package, is the
// contractual surface devc exposes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc"
	"github.com/golang-cz/devslog"
	"github.com/pborman/options"
	"github.com/s-retlaw/devc/internal/devc"
	"github.com/s-retlaw/devc/internal/devc/dotfiles"
	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/store"
	"github.com/s-retlaw/devc/internal/trill"
)

const appName = "devc"
const appVersion = "0.0.13-alpha"

// versionText is the message printed when --version is requested.
var versionText = heredoc.Doc(`
    %s, version %s
    The lightweight, native Go manager for devcontainers
    Copyright (C) 2025  Neil Santos

    License GPLv3+: GNU GPL version 3 or later <http://gnu.org/licenses/gpl.html>

    This is free software; you are free to change and redistribute it.
    There is NO WARRANTY, to the extent permitted by law.
`)

// cliOptions are the flags recognized by every devc subcommand.
type cliOptions struct {
	Help         options.Help `getopt:"-h --help display this help message"`
	DataDir      string       `getopt:"--data-dir=PATH where container records are stored; defaults to XDG_DATA_HOME/devc"`
	Debug        bool         `getopt:"-d --debug enable debug messages (implies -v)"`
	MakeMeRoot   bool         `getopt:"-R --make-me-root map your UID to root in the container (Podman-only)"`
	PlatformArch string       `getopt:"-a --platform-arch target architecture for the container; defaults to amd64"`
	PlatformOS   string       `getopt:"-o --platform-os target operating system for the container; defaults to linux"`
	Socket       string       `getopt:"-s --socket=ADDR URI to the Podman/Docker socket"`
	Credentials  bool         `getopt:"-c --credentials forward host registry/git credentials into the container"`
	SSH          bool         `getopt:"--ssh install the host's SSH public key into the container"`
	DotfilesRepo string       `getopt:"--dotfiles-repo=URL dotfiles repository to inject into every container"`
	Verbose      bool         `getopt:"-v --verbose enable diagnostic messages"`
	Version      bool         `getopt:"--version display version information then exit"`
}

func main() {
	var opts cliOptions
	options.SetDisplayWidth(80)
	options.SetHelpColumn(40)
	options.SetParameters("<up|start|stop|down|rm|rebuild|build|shell|exec|ls|adopt|forget|sync> [args...]")
	options.Register(&opts)
	args := options.Parse()

	if opts.Version {
		fmt.Printf(versionText, appName, appVersion)
		os.Exit(0)
	}

	logLevel := new(slog.LevelVar)
	switch {
	case opts.Debug:
		logLevel.Set(slog.LevelDebug)
	case opts.Verbose:
		logLevel.Set(slog.LevelInfo)
	default:
		logLevel.Set(slog.LevelError)
	}
	slog.SetDefault(slog.New(devslog.NewHandler(os.Stderr, &devslog.Options{
		HandlerOptions:    &slog.HandlerOptions{AddSource: true, Level: logLevel},
		NewLineAfterLog:   false,
		SortKeys:          true,
		StringIndentation: true,
	})))

	if opts.PlatformArch == "" {
		opts.PlatformArch = "amd64"
	}
	if opts.PlatformOS == "" {
		opts.PlatformOS = "linux"
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "fatal: no command given; see --help")
		os.Exit(1)
	}
	command, rest := args[0], args[1:]

	m, err := newManager(opts)
	if err != nil {
		slog.Error("unable to initialize the container manager", "error", err)
		os.Exit(1)
	}

	progress := func(msg string) {
		if logLevel.Level() <= slog.LevelInfo {
			fmt.Println(msg)
		}
	}

	if err := dispatch(context.Background(), m, command, rest, progress); err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

// newManager builds the façade Manager from parsed CLI flags.
func newManager(opts cliOptions) (*devc.Manager, error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	managerOpts := []devc.Option{
		devc.WithPlatform(trill.Platform{Architecture: opts.PlatformArch, OS: opts.PlatformOS}),
		devc.WithMakeMeRoot(opts.MakeMeRoot),
		devc.WithCredentialForwarding(opts.Credentials),
		devc.WithSSHAccess(opts.SSH),
	}
	if opts.Socket != "" {
		managerOpts = append(managerOpts, devc.WithSocket(opts.Socket))
	}
	if opts.DotfilesRepo != "" {
		managerOpts = append(managerOpts, devc.WithDotfiles(dotfiles.Config{Repository: opts.DotfilesRepo}))
	}

	return devc.NewManager(dataDir, managerOpts...)
}

// defaultDataDir mirrors the XDG-aware cache/data directory resolution
// used elsewhere in devc (internal/devc/features.go's cache directory).
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share", appName)
}

// dispatch drives the façade for a single CLI invocation.
func dispatch(ctx context.Context, m *devc.Manager, command string, args []string, progress devc.ProgressFunc) error {
	switch command {
	case "up":
		return cmdUp(ctx, m, args, progress)
	case "start":
		return withRecordArg(args, func(nameOrID string) error {
			_, err := m.Start(ctx, nameOrID, devc.UpOptions{Progress: progress})
			return err
		})
	case "stop":
		return withRecordArg(args, func(nameOrID string) error {
			_, err := m.Stop(nameOrID)
			return err
		})
	case "down":
		return withRecordArg(args, func(nameOrID string) error {
			_, err := m.Down(nameOrID)
			return err
		})
	case "rm", "remove":
		return withRecordArg(args, m.Remove)
	case "rebuild":
		return withRecordArg(args, func(nameOrID string) error {
			_, err := m.Rebuild(ctx, nameOrID, devc.UpOptions{Progress: progress, ForceBuild: true})
			return err
		})
	case "build":
		return withRecordArg(args, func(nameOrID string) error {
			_, err := m.BuildWithProgress(ctx, nameOrID, progress)
			return err
		})
	case "shell":
		return cmdShell(ctx, m, args)
	case "exec":
		return cmdExec(ctx, m, args)
	case "ls", "list":
		return cmdList(m)
	case "adopt":
		return cmdAdopt(ctx, m, args)
	case "forget":
		return withRecordArg(args, m.Forget)
	case "sync":
		return m.SyncStatus(ctx)
	default:
		return fmt.Errorf("unknown command %q; see --help", command)
	}
}

func withRecordArg(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one container name or ID")
	}
	return fn(args[0])
}

// cmdUp registers (if needed) and brings up the devcontainer found
// under args[0] (defaulting to the current directory).
func cmdUp(ctx context.Context, m *devc.Manager, args []string, progress devc.ProgressFunc) error {
	workspacePath := "."
	if len(args) > 0 {
		workspacePath = args[0]
	}
	workspacePath, err := filepath.Abs(workspacePath)
	if err != nil {
		return err
	}

	configPath, err := devc.FindDevcontainerJSON(workspacePath)
	if err != nil {
		return err
	}

	rec, err := m.Init(workspacePath, configPath)
	if err != nil && !errors.Is(err, errs.ErrContainerExists) {
		return err
	}

	rec, err = m.Up(ctx, rec.ID, devc.UpOptions{Progress: progress})
	if err != nil {
		return err
	}
	fmt.Printf("%s is up (container %s)\n", rec.Name, derefStr(rec.RuntimeContainerID))
	return nil
}

func cmdShell(ctx context.Context, m *devc.Manager, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: devc shell <name-or-id> [user]")
	}
	user := ""
	if len(args) > 1 {
		user = args[1]
	}
	return m.Shell(ctx, args[0], user)
}

func cmdExec(ctx context.Context, m *devc.Manager, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: devc exec <name-or-id> <command> [args...]")
	}
	return m.ExecInteractive(ctx, args[0], "", args[1:]...)
}

func cmdList(m *devc.Manager) error {
	for _, rec := range m.List() {
		fmt.Printf("%s\t%s\t%s\n", rec.ID, rec.Name, rec.Status)
	}
	return nil
}

func cmdAdopt(ctx context.Context, m *devc.Manager, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: devc adopt <container-id> [workspace-path]")
	}
	workspacePath := ""
	if len(args) > 1 {
		workspacePath = args[1]
	}
	rec, err := m.Adopt(ctx, args[0], workspacePath, store.SourceOther)
	if err != nil {
		return err
	}
	fmt.Printf("adopted %s as %s\n", args[0], rec.Name)
	return nil
}

func derefStr(s *string) string {
	if s == nil {
		return "none"
	}
	return *s
}
