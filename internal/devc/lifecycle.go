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
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/trill"
	"github.com/s-retlaw/devc/writ"
	"golang.org/x/sync/errgroup"
)

// session carries everything a running Up/Start needs to answer the
// trill client's lifecycle events: the client itself, the parsed
// config, a feature installer (only populated for the image/Dockerfile
// flow), and a progress sink.
type session struct {
	client   *trill.Client
	parser   *writ.DevcontainerParser
	features *featureInstaller
	progress ProgressFunc
}

// ProgressFunc receives human-readable progress lines as Up/Build/
// Start proceed.
type ProgressFunc func(string)

func (s *session) report(msg string) {
	if s.progress != nil {
		s.progress(msg)
	}
}

// runLifecycleHandler consumes s.client.DevcontainerLifecycleChan
// until it's closed (by AttachHostTerminalToDevcontainer) or an error
// occurs, replying on DevcontainerLifecycleResp after every event. Any
// call into trill that starts a container (StartDevcontainerContainer,
// StartContainer) blocks on this channel pair, so a goroutine running
// this must already be alive before such a call is made.
func (s *session) runLifecycleHandler(ctx context.Context, eg *errgroup.Group) (err error) {
	defer func() {
		s.client.DevcontainerLifecycleResp <- err == nil
		close(s.client.DevcontainerLifecycleResp)
	}()

	p := s.parser
	for event := range s.client.DevcontainerLifecycleChan {
		switch event {
		case trill.LifecycleFeatureInstall:
			s.report("Installing features...")
			if err = s.installFeatures(ctx, p); err != nil {
				return err
			}

		case trill.LifecycleInitialize:
			s.report("Running initializeCommand...")
			if p.Config.InitializeCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.InitializeCommand, true); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == writ.WaitForInitializeCommand {
				eg.Go(s.client.AttachHostTerminalToDevcontainer)
			}

		case trill.LifecycleOnCreate:
			s.report("Running onCreateCommand...")
			if p.Config.OnCreateCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.OnCreateCommand, false); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == writ.WaitForOnCreateCommand {
				eg.Go(s.client.AttachHostTerminalToDevcontainer)
			}

		case trill.LifecyclePostAttach:
			s.report("Running postAttachCommand...")
			if p.Config.PostAttachCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.PostAttachCommand, false); err != nil {
					return err
				}
			}

		case trill.LifecyclePostCreate:
			s.report("Running postCreateCommand...")
			if p.Config.PostCreateCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.PostCreateCommand, false); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == writ.WaitForPostCreateCommand {
				eg.Go(s.client.AttachHostTerminalToDevcontainer)
			}

		case trill.LifecyclePostStart:
			s.report("Running postStartCommand...")
			if p.Config.PostStartCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.PostStartCommand, false); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == writ.WaitForPostStartCommand {
				eg.Go(s.client.AttachHostTerminalToDevcontainer)
			}

		case trill.LifecycleUpdate:
			s.report("Running updateContentCommand...")
			if p.Config.UpdateContentCommand != nil {
				if err = runLifecycleCommand(ctx, s.client, p, p.Config.UpdateContentCommand, false); err != nil {
					return err
				}
			}
			if *p.Config.WaitFor == writ.WaitForUpdateContentCommand {
				eg.Go(s.client.AttachHostTerminalToDevcontainer)
			}

		default:
			return errs.New(errs.KindInvalidState, fmt.Sprintf("received unhandled lifecycle event: %v", event))
		}
		s.client.DevcontainerLifecycleResp <- err == nil
	}

	return nil
}

// installFeatures walks s.features' install DAG root-by-root (so a
// feature never runs before everything it depends on), running each
// Feature's install.sh with its options exposed as upper-cased
// underscore-separated env vars, matching the devcontainers spec:
// https://containers.dev/implementors/features/#options
func (s *session) installFeatures(ctx context.Context, p *writ.DevcontainerParser) error {
	if s.features == nil || len(s.features.parsers) == 0 {
		return nil
	}

	installDAG, err := s.features.buildGraph(&p.Config.OverrideFeatureInstallOrder)
	if err != nil {
		return err
	}

	reAlphaNum := regexp.MustCompile(`[^\w_]`)
	reLeadingDigits := regexp.MustCompile(`^[\d_]+`)

	roots := installDAG.GetRoots()
	for len(roots) > 0 {
		for raw := range maps.Values(roots) {
			parser, ok := raw.(*writ.DevcontainerFeatureParser)
			if !ok {
				return errs.New(errs.KindFeatureError, "feature install graph vertex held an unexpected type")
			}

			installScript := filepath.Join(filepath.Dir(parser.Filepath), "install.sh")
			options := &writ.EnvVarMap{}
			for optName, opt := range parser.Config.Options {
				envKey := strings.ToUpper(reLeadingDigits.ReplaceAllLiteralString(reAlphaNum.ReplaceAllLiteralString(optName, "_"), "_"))
				switch opt.Type {
				case writ.FeatureOptionTypeBoolean:
					(*options)[envKey] = strconv.FormatBool(*opt.Value.Bool)
				case writ.FeatureOptionTypeString:
					(*options)[envKey] = *opt.Value.String
				}
			}

			if _, _, err := s.client.ExecInDevcontainer(ctx, "root", options, false, installScript); err != nil {
				return errs.Wrap(errs.KindFeatureError, fmt.Sprintf("running install.sh for feature at %s", parser.Filepath), err)
			}
		}

		for id := range roots {
			if err := installDAG.DeleteVertex(id); err != nil {
				return errs.Wrap(errs.KindFeatureError, "walking feature install graph", err)
			}
		}
		roots = installDAG.GetRoots()
	}

	return nil
}

// runLifecycleCommand dispatches a LifecycleCommand's active variant
// (a single string, an arg array, or a set of commands run in
// parallel) either inside the devcontainer or on the host.
func runLifecycleCommand(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, lc *writ.LifecycleCommand, runOnHost bool) error {
	switch {
	case lc.String != nil:
		if runOnHost {
			return runLifecycleCommandOnHost(ctx, true, *lc.String)
		}
		return runLifecycleCommandInContainer(ctx, client, p, true, *lc.String)

	case len(lc.StringArray) > 0:
		if runOnHost {
			return runLifecycleCommandOnHost(ctx, false, lc.StringArray...)
		}
		return runLifecycleCommandInContainer(ctx, client, p, false, lc.StringArray...)

	case lc.ParallelCommands != nil:
		eg, egCtx := errgroup.WithContext(ctx)
		for _, pcmd := range *lc.ParallelCommands {
			eg.Go(func() error {
				return runLifecycleCommand(egCtx, client, p, &writ.LifecycleCommand{CommandBase: pcmd}, runOnHost)
			})
		}
		return eg.Wait()
	}
	return nil
}

func runLifecycleCommandInContainer(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, runInShell bool, args ...string) error {
	remoteEnv := p.RemoteEnvVarMap()
	_, _, err := client.ExecInDevcontainer(ctx, *p.Config.RemoteUser, &remoteEnv, runInShell, args...)
	return err
}

func runLifecycleCommandOnHost(ctx context.Context, runInShell bool, args ...string) error {
	var execCmd *exec.Cmd
	if runInShell {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		execCmd = exec.CommandContext(ctx, shell, append([]string{"-c"}, args...)...)
	} else {
		execCmd = exec.CommandContext(ctx, args[0], args[1:]...)
	}

	out, err := execCmd.CombinedOutput()
	slog.Info("ran host-side lifecycle command", "cmd", execCmd.String(), "output", string(out), "error", err)
	return err
}
