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
	"os"
	"path/filepath"
	"regexp"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/s-retlaw/devc/internal/devc/creds"
	"github.com/s-retlaw/devc/internal/devc/dotfiles"
	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/devc/sshenabler"
	"github.com/s-retlaw/devc/internal/store"
	"github.com/s-retlaw/devc/internal/trill"
	"github.com/s-retlaw/devc/writ"
	"golang.org/x/sync/errgroup"
)

// imageTagPrefix mirrors the CLI's own image naming scheme so images
// built by the façade and the CLI don't collide or duplicate work.
const imageTagPrefix = "localhost/devc--"

const appName = "devc"

// standardDevcontainerJSONPatterns is where FindDevcontainerJSON looks
// for a devcontainer.json under a workspace, in order.
var standardDevcontainerJSONPatterns = []string{
	".devcontainer.json",
	".devcontainer/devcontainer.json",
	".devcontainer/*/devcontainer.json",
}

// FindDevcontainerJSON looks for a devcontainer.json under
// workspacePath using the standard search patterns, returning the
// first match.
func FindDevcontainerJSON(workspacePath string) (string, error) {
	for _, pattern := range standardDevcontainerJSONPatterns {
		matches, err := filepath.Glob(filepath.Join(workspacePath, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			if _, err := os.Stat(match); err == nil {
				abs, err := filepath.Abs(match)
				if err != nil {
					return "", errs.Wrap(errs.KindConfigError, "resolving devcontainer.json path", err)
				}
				return abs, nil
			}
		}
	}
	return "", errs.New(errs.KindConfigError, fmt.Sprintf("no devcontainer.json found under %s", workspacePath))
}

// Init registers a new Container Record for the devcontainer.json at
// configPath, rooted at workspacePath. Returns errs.ErrContainerExists
// if one is already registered for that exact pair (§3.3's identity
// invariant).
func (m *Manager) Init(workspacePath, configPath string) (store.ContainerRecord, error) {
	workspacePath, err := filepath.Abs(workspacePath)
	if err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindConfigError, "resolving workspace path", err)
	}
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindConfigError, "resolving config path", err)
	}

	for _, existing := range m.Store.FindByWorkspace(workspacePath) {
		if existing.ConfigPath == configPath {
			return existing, errs.ErrContainerExists
		}
	}

	p, err := parseDevcontainer(configPath)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	id, err := store.NewID()
	if err != nil {
		return store.ContainerRecord{}, err
	}

	rec := &store.ContainerRecord{
		ID:            id,
		Name:          deriveName(workspacePath, p),
		ProviderKind:  store.ProviderDocker,
		ConfigPath:    configPath,
		WorkspacePath: workspacePath,
		Status:        store.StatusConfigured,
		Source:        store.SourceDevc,
	}
	if err := m.Store.Add(rec); err != nil {
		return store.ContainerRecord{}, err
	}
	return *rec, nil
}

func parseDevcontainer(configPath string) (*writ.DevcontainerParser, error) {
	p, err := writ.NewDevcontainerParser(configPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigError, fmt.Sprintf("instantiating parser for %s", configPath), err)
	}
	if err := p.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfigError, "devcontainer.json failed schema validation", err)
	}
	if err := p.Parse(); err != nil {
		return nil, errs.Wrap(errs.KindConfigError, "parsing devcontainer.json", err)
	}
	return p, nil
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// deriveName names a Container Record after the devcontainer.json's
// own name if it declares one, then the current git branch if the
// workspace is a repository, then just the workspace's basename.
func deriveName(workspacePath string, p *writ.DevcontainerParser) string {
	if p.Config.Name != nil && *p.Config.Name != "" {
		return invalidNameChars.ReplaceAllString(*p.Config.Name, "_")
	}

	repo, err := git.PlainOpenWithOptions(workspacePath, &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err == nil {
		if head, err := repo.Head(); err == nil {
			base := filepath.Base(workspacePath)
			ref := head.Name().Short()
			if head.Name() == "HEAD" {
				ref = head.Hash().String()[:12]
			}
			return invalidNameChars.ReplaceAllString(fmt.Sprintf("%s--%s", base, ref), "_")
		}
	}

	return invalidNameChars.ReplaceAllString(filepath.Base(workspacePath), "_")
}

// UpOptions tweaks a single Up/Build/Rebuild call.
type UpOptions struct {
	Progress   ProgressFunc
	NoCache    bool
	ForceBuild bool

	// Provider and SocketAddr move a Container Record to a different
	// runtime engine/socket; only honored by Rebuild (§3.3:
	// provider_kind is mutable only through rebuild). Left zero-valued
	// to keep the record's current provider/socket.
	Provider   store.ProviderKind
	SocketAddr string
}

// Up brings a registered devcontainer's container up: building or
// pulling its image if needed, creating and starting the container,
// and running it through the full lifecycle (features, initialize,
// onCreate, postCreate, postStart), then persisting the resulting
// state back to the record. Safe to call again on an already-running
// record; it's a no-op beyond refreshing LastUsedAt in that case.
func (m *Manager) Up(ctx context.Context, nameOrID string, opts UpOptions) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	if rec.Status == store.StatusRunning {
		_ = m.Store.Touch(rec.ID)
		return rec, nil
	}

	p, err := parseDevcontainer(rec.ConfigPath)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) { r.Status = store.StatusBuilding }); err != nil {
		return store.ContainerRecord{}, err
	}

	if err := m.bringUp(ctx, client, p, rec, opts); err != nil {
		_ = m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) { r.Status = store.StatusFailed })
		return store.ContainerRecord{}, err
	}

	m.postStartEnrichments(ctx, client, p)

	err = m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
		r.Status = store.StatusRunning
		r.RuntimeContainerID = &client.ContainerID
		r.LastUsedAt = time.Now()
	})
	if err != nil {
		return store.ContainerRecord{}, err
	}
	return m.Store.Get(rec.ID)
}

// UpWithProgress is Up with a progress sink set, for callers that
// don't need any of UpOptions' other knobs.
func (m *Manager) UpWithProgress(ctx context.Context, nameOrID string, progress ProgressFunc) (store.ContainerRecord, error) {
	return m.Up(ctx, nameOrID, UpOptions{Progress: progress})
}

// bringUp runs the build/pull-then-start flow, driven by an errgroup
// exactly like the CLI's own NewCommand: one goroutine answers
// lifecycle events, the other drives the client through them by
// calling StartDevcontainerContainer/DeployComposerProject.
func (m *Manager) bringUp(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, rec store.ContainerRecord, opts UpOptions) error {
	sess := &session{client: client, parser: p, progress: opts.Progress}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return sess.runLifecycleHandler(egCtx, eg)
	})
	eg.Go(func() error {
		return m.startOne(egCtx, client, p, sess, rec, opts)
	})

	return eg.Wait()
}

// containerLabels builds the devc.* label set (§6.3) stamped onto a
// Container Record's runtime container, so it's discoverable and
// self-describing even to tools that only look at engine metadata.
func containerLabels(rec store.ContainerRecord, p *writ.DevcontainerParser) map[string]string {
	labels := map[string]string{
		"devc.managed":   "true",
		"devc.project":   rec.Name,
		"devc.workspace": rec.WorkspacePath,
		"devc.config":    rec.ConfigPath,
	}
	i := 0
	for featureID := range p.Config.Features {
		labels[fmt.Sprintf("devc.feature.%d", i)] = vertexID(featureID)
		i++
	}
	return labels
}

func (m *Manager) startOne(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser, sess *session, rec store.ContainerRecord, opts UpOptions) error {
	name := rec.Name
	client.ExtraLabels = containerLabels(rec, p)

	switch {
	case p.Config.DockerFile != nil && *p.Config.DockerFile != "":
		sess.report("Building image...")
		imageTag := imageTagPrefix + name

		fi, err := newFeatureInstaller(appName)
		if err != nil {
			return err
		}
		if err := fi.prepare(ctx, p, p.Config.Features); err != nil {
			return err
		}
		sess.features = fi

		if err := client.BuildDevcontainerImage(p, imageTag, false); err != nil {
			return errs.Wrap(errs.KindProviderError, "building devcontainer image", err)
		}
		if err := setContainerAndRemoteUser(client, p, imageTag); err != nil {
			return errs.Wrap(errs.KindProviderError, "determining container/remote user", err)
		}
		sess.report("Starting container...")
		if err := client.StartDevcontainerContainer(p, imageTag, name); err != nil {
			return errs.Wrap(errs.KindProviderError, "starting devcontainer", err)
		}

	case p.Config.DockerComposeFile != nil && len(*p.Config.DockerComposeFile) > 0:
		sess.report("Deploying Compose project...")
		if err := client.DeployComposerProject(p, name, imageTagPrefix, false, false, false); err != nil {
			return errs.Wrap(errs.KindProviderError, "deploying compose project", err)
		}

	case p.Config.Image != nil && *p.Config.Image != "":
		sess.report("Pulling image...")
		imageTag := *p.Config.Image
		if err := client.PullContainerImage(imageTag, false); err != nil {
			return errs.Wrap(errs.KindProviderError, "pulling devcontainer image", err)
		}
		if err := setContainerAndRemoteUser(client, p, imageTag); err != nil {
			return errs.Wrap(errs.KindProviderError, "determining container/remote user", err)
		}
		sess.report("Starting container...")
		if err := client.StartDevcontainerContainer(p, imageTag, name); err != nil {
			return errs.Wrap(errs.KindProviderError, "starting devcontainer", err)
		}

	default:
		return errs.New(errs.KindConfigError, "devcontainer.json specifies no image, dockerFile, or dockerComposeFile")
	}
	return nil
}

// setContainerAndRemoteUser mirrors trill.Client's own unexported
// helper (needed here since StartDevcontainerContainer doesn't run it
// for us before we know the image tag to inspect).
func setContainerAndRemoteUser(client *trill.Client, p *writ.DevcontainerParser, imageTag string) error {
	if p.Config.ContainerUser == nil {
		imageCfg, err := client.InspectImage(imageTag)
		if err != nil {
			return err
		}
		user := imageCfg.User
		if user == "" {
			user = "root"
		}
		p.Config.ContainerUser = &user
	}
	if p.Config.RemoteUser == nil {
		p.Config.RemoteUser = p.Config.ContainerUser
	}
	return nil
}

// Build builds or pulls a registered devcontainer's image without
// creating or starting a container for it — the build/pull half of
// Up's flow, runnable standalone (phase 2 of §4.7's table is
// independently re-triggerable, e.g. to warm an image cache ahead of
// an Up).
func (m *Manager) Build(ctx context.Context, nameOrID string) (store.ContainerRecord, error) {
	return m.BuildWithOptions(ctx, nameOrID, UpOptions{})
}

// BuildWithProgress is Build with a progress sink set.
func (m *Manager) BuildWithProgress(ctx context.Context, nameOrID string, progress ProgressFunc) (store.ContainerRecord, error) {
	return m.BuildWithOptions(ctx, nameOrID, UpOptions{Progress: progress})
}

// BuildWithOptions is Build with UpOptions passed through. Only
// Progress is read; NoCache, ForceBuild, Provider and SocketAddr have
// no effect here.
func (m *Manager) BuildWithOptions(ctx context.Context, nameOrID string, opts UpOptions) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	p, err := parseDevcontainer(rec.ConfigPath)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	var imageTag string
	switch {
	case p.Config.DockerFile != nil && *p.Config.DockerFile != "":
		imageTag = imageTagPrefix + rec.Name

		fi, err := newFeatureInstaller(appName)
		if err != nil {
			return store.ContainerRecord{}, err
		}
		if err := fi.prepare(ctx, p, p.Config.Features); err != nil {
			return store.ContainerRecord{}, err
		}

		if opts.Progress != nil {
			opts.Progress("Building image...")
		}
		if err := client.BuildDevcontainerImage(p, imageTag, false); err != nil {
			return store.ContainerRecord{}, errs.Wrap(errs.KindProviderError, "building devcontainer image", err)
		}

	case p.Config.Image != nil && *p.Config.Image != "":
		imageTag = *p.Config.Image
		if opts.Progress != nil {
			opts.Progress("Pulling image...")
		}
		if err := client.PullContainerImage(imageTag, false); err != nil {
			return store.ContainerRecord{}, errs.Wrap(errs.KindProviderError, "pulling devcontainer image", err)
		}

	default:
		return store.ContainerRecord{}, errs.New(errs.KindConfigError, "devcontainer.json specifies no image or dockerFile to build")
	}

	if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
		r.ImageID = &imageTag
		r.Status = store.StatusBuilt
	}); err != nil {
		return store.ContainerRecord{}, err
	}
	return m.Store.Get(rec.ID)
}

// postStartEnrichments runs the optional, best-effort devc-specific
// setup steps (credential injection, dotfiles, SSH access) that ride
// along after postStartCommand. Failures are logged, not fatal: an
// editor that can already exec into the container is more useful than
// one that errored out over a broken dotfiles repo.
func (m *Manager) postStartEnrichments(ctx context.Context, client *trill.Client, p *writ.DevcontainerParser) {
	user := ""
	if p.Config.RemoteUser != nil {
		user = *p.Config.RemoteUser
	}

	if m.credentialsEnabled {
		if _, err := creds.SetupCredentials(ctx, client, client.ContainerID, user); err != nil {
			sessionWarn("setting up credential forwarding", err)
		}
	}

	if m.dotfilesDefault != (dotfiles.Config{}) {
		dm := dotfiles.New(dotfiles.Config{}, m.dotfilesDefault)
		if dm.IsConfigured() {
			if err := dm.Inject(ctx, client, client.ContainerID, user, nil); err != nil {
				sessionWarn("injecting dotfiles", err)
			}
		}
	}

	if m.sshEnabled {
		km := sshenabler.NewKeyManager(m.dataDir)
		if err := km.EnsureKeysExist(); err != nil {
			sessionWarn("generating SSH keypair", err)
		} else if err := km.SetupContainer(ctx, client, client.ContainerID, user); err != nil {
			sessionWarn("setting up SSH access", err)
		}
	}
}

func sessionWarn(step string, err error) {
	slog.Warn(step, "error", err)
}

// Stop stops the running container backing a Container Record without
// removing it, leaving it resumable via Start.
func (m *Manager) Stop(nameOrID string) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	if rec.RuntimeContainerID == nil {
		return rec, errs.ErrInvalidState
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	if err := client.StopContainer(*rec.RuntimeContainerID); err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindProviderError, "stopping container", err)
	}

	if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) { r.Status = store.StatusStopped }); err != nil {
		return store.ContainerRecord{}, err
	}
	return m.Store.Get(rec.ID)
}

// Start resumes a stopped container without re-running onCreate/
// postCreate (those only ever run once per container's lifetime per
// the devcontainers spec); only postStartCommand fires again.
// postAttachCommand is not run here (see RunPostAttachCommand).
func (m *Manager) Start(ctx context.Context, nameOrID string, opts UpOptions) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	if rec.RuntimeContainerID == nil {
		return m.Up(ctx, nameOrID, opts)
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	if err := client.ResumeContainer(ctx, *rec.RuntimeContainerID); err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindProviderError, "starting container", err)
	}

	p, err := parseDevcontainer(rec.ConfigPath)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	client.ContainerID = *rec.RuntimeContainerID

	// postStartCommand fires on every start, not just the first create
	// (§4.7's phase table, row 8); onCreate/postCreate never repeat.
	if p.Config.PostStartCommand != nil {
		if opts.Progress != nil {
			opts.Progress("Running postStartCommand...")
		}
		if err := runLifecycleCommand(ctx, client, p, p.Config.PostStartCommand, false); err != nil {
			return store.ContainerRecord{}, errs.Wrap(errs.KindExecFailed, "running postStartCommand", err)
		}
	}

	m.postStartEnrichments(ctx, client, p)

	if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
		r.Status = store.StatusRunning
		r.LastUsedAt = time.Now()
	}); err != nil {
		return store.ContainerRecord{}, err
	}
	return m.Store.Get(rec.ID)
}

// Down stops and removes the runtime container backing a Container
// Record, but leaves the record itself (with its Status set back to
// Built) so a later Up recreates it.
func (m *Manager) Down(nameOrID string) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	if rec.RuntimeContainerID == nil {
		return rec, nil
	}

	client, err := m.newClientFor(rec)
	if err != nil {
		return store.ContainerRecord{}, err
	}
	defer client.Close()

	_ = client.StopContainer(*rec.RuntimeContainerID)
	if err := client.RemoveContainer(*rec.RuntimeContainerID); err != nil {
		return store.ContainerRecord{}, errs.Wrap(errs.KindProviderError, "removing container", err)
	}

	if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
		r.Status = store.StatusBuilt
		r.RuntimeContainerID = nil
	}); err != nil {
		return store.ContainerRecord{}, err
	}
	return m.Store.Get(rec.ID)
}

// Remove tears down the runtime container (if any) and deletes the
// Container Record entirely.
func (m *Manager) Remove(nameOrID string) error {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return err
	}

	if rec.RuntimeContainerID != nil {
		if client, err := m.newClientFor(rec); err == nil {
			_ = client.StopContainer(*rec.RuntimeContainerID)
			_ = client.RemoveContainer(*rec.RuntimeContainerID)
			client.Close()
		}
	}

	return m.Store.Remove(rec.ID)
}

// Rebuild tears the container down with Down and brings it back up
// with Up, which builds or pulls the image again. opts.NoCache is not
// read and no image is removed. When
// opts.Provider names a different engine than the record's current
// ProviderKind, the record moves to it (§3.3: provider_kind is
// mutable only through rebuild) and its stale ImageID/
// RuntimeContainerID are cleared before the rebuild runs against the
// new provider's socket (Scenario 3, §8).
func (m *Manager) Rebuild(ctx context.Context, nameOrID string, opts UpOptions) (store.ContainerRecord, error) {
	rec, err := m.Resolve(nameOrID)
	if err != nil {
		return store.ContainerRecord{}, err
	}

	if _, err := m.Down(nameOrID); err != nil {
		return store.ContainerRecord{}, err
	}

	if opts.Provider != "" && opts.Provider != rec.ProviderKind {
		if err := m.Store.GetMut(rec.ID, func(r *store.ContainerRecord) {
			r.ProviderKind = opts.Provider
			r.ImageID = nil
			r.RuntimeContainerID = nil
			if opts.SocketAddr != "" {
				r.ProviderSocketAddr = &opts.SocketAddr
			} else {
				r.ProviderSocketAddr = nil
			}
		}); err != nil {
			return store.ContainerRecord{}, err
		}
	}

	opts.ForceBuild = true
	return m.Up(ctx, nameOrID, opts)
}
