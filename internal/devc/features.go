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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeclysm/extract/v4"
	"github.com/gocarina/gocsv"
	"github.com/heimdalr/dag"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/writ"
	"mvdan.cc/sh/v3/shell"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
)

const featureArtifactMediaType = "application/vnd.oci.image.manifest.v1+json"
const featureLayerMediaType = "application/vnd.devcontainers.layer.v1+tar"

// artifactDigestEntry is one row of the feature artifact digest cache
// (cacheDir/digests.csv), letting the installer skip re-resolving an
// OCI feature reference whose digest hasn't changed.
type artifactDigestEntry struct {
	FeatureID string `csv:"feature_id"`
	Digest    string `csv:"digest"`
}

// featureInstaller fetches, caches, and orders a devcontainer's
// Features independently of any one CLI invocation's private state,
// so the Manager façade and anything else embedding this package can
// drive a Feature install directly.
type featureInstaller struct {
	cacheDir string

	parsers    map[string]*writ.DevcontainerFeatureParser
	pathLookup map[string]string
	digests    map[string]*artifactDigestEntry
}

// newFeatureInstaller resolves (creating if necessary) an
// application-specific cache directory under the usual XDG locations.
func newFeatureInstaller(appName string) (*featureInstaller, error) {
	cacheDir, err := resolveCacheDirectory(appName)
	if err != nil {
		return nil, err
	}
	fi := &featureInstaller{
		cacheDir:   cacheDir,
		parsers:    make(map[string]*writ.DevcontainerFeatureParser),
		pathLookup: make(map[string]string),
		digests:    make(map[string]*artifactDigestEntry),
	}
	if err := fi.loadDigests(); err != nil {
		return nil, err
	}
	return fi, nil
}

// resolveCacheDirectory picks the first of the usual XDG-ish prefixes
// that exists and returns its appName subdirectory, creating it if
// needed; if none exists, it creates one under ~/.local/share.
func resolveCacheDirectory(appName string) (string, error) {
	prefixes := []string{
		"${XDG_DATA_HOME}",
		"${XDG_CACHE_HOME}",
		"${HOME}/.local/share",
		"${HOME}/.cache",
	}

	for _, prefix := range prefixes {
		expanded, err := shell.Expand(prefix, nil)
		if err != nil {
			return "", errs.Wrap(errs.KindIOError, "expanding cache directory prefix", err)
		}
		if expanded == "" {
			continue
		}
		if _, err := os.Stat(expanded); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		cacheDir, err := filepath.Abs(filepath.Join(expanded, appName))
		if err != nil {
			return "", errs.Wrap(errs.KindIOError, "resolving cache directory path", err)
		}
		if _, err := os.Stat(cacheDir); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(cacheDir, 0o755); err != nil {
				return "", errs.Wrap(errs.KindIOError, "creating cache directory", err)
			}
		}
		return cacheDir, nil
	}

	fallback, err := shell.Expand(fmt.Sprintf("${HOME}/.local/share/%s", appName), nil)
	if err != nil {
		return "", errs.Wrap(errs.KindIOError, "expanding fallback cache directory", err)
	}
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		return "", errs.Wrap(errs.KindIOError, "creating fallback cache directory", err)
	}
	return fallback, nil
}

func (fi *featureInstaller) digestsPath() string {
	return filepath.Join(fi.cacheDir, "digests.csv")
}

func (fi *featureInstaller) loadDigests() error {
	f, err := os.OpenFile(fi.digestsPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "opening feature digest cache", err)
	}
	defer f.Close()

	var rows []*artifactDigestEntry
	if err := gocsv.UnmarshalFile(f, &rows); err != nil && !errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return errs.Wrap(errs.KindIOError, "parsing feature digest cache", err)
	}
	for _, row := range rows {
		fi.digests[row.FeatureID] = row
	}
	return nil
}

func (fi *featureInstaller) saveDigests() error {
	if len(fi.digests) == 0 {
		return nil
	}
	f, err := os.OpenFile(fi.digestsPath(), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "opening feature digest cache", err)
	}
	defer f.Close()

	rows := make([]*artifactDigestEntry, 0, len(fi.digests))
	for _, row := range fi.digests {
		rows = append(rows, row)
	}
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return errs.Wrap(errs.KindIOError, "writing feature digest cache", err)
	}
	return nil
}

// prepare fetches every Feature (and transitive dependsOn dependency)
// referenced in featureMap, then instantiates and configures a
// writ.DevcontainerFeatureParser for each. OCI artifacts are cached;
// "./" local features are used in place from the config's directory
// and are not copied into the cache. Absolute-path and https://
// references are rejected.
func (fi *featureInstaller) prepare(ctx context.Context, p *writ.DevcontainerParser, featureMap writ.FeatureMap) error {
	if err := fi.fetchAll(ctx, featureMap, p.Filepath); err != nil {
		return err
	}
	return fi.parseAll(ctx, p, featureMap)
}

func (fi *featureInstaller) fetchAll(ctx context.Context, featureMap writ.FeatureMap, contextPath string) error {
	for featureID := range featureMap {
		if _, ok := fi.pathLookup[featureID]; ok {
			continue
		}

		slog.Debug("resolving feature", "feature", featureID)
		var featurePath string
		var err error
		switch {
		case strings.HasPrefix(featureID, "/"):
			return errs.New(errs.KindFeatureError, fmt.Sprintf("locally-stored features may not be referenced by an absolute path: %s", featureID))

		case strings.HasPrefix(featureID, "./"):
			if featurePath, err = filepath.Abs(filepath.Join(filepath.Dir(contextPath), featureID)); err != nil {
				return errs.Wrap(errs.KindFeatureError, "resolving local feature path", err)
			}
			if _, err := os.Stat(featurePath); errors.Is(err, fs.ErrNotExist) {
				return errs.New(errs.KindFeatureError, fmt.Sprintf("referenced a locally-stored feature that doesn't exist: %s", featurePath))
			}

		case strings.HasPrefix(featureID, "https://"):
			return errs.New(errs.KindFeatureError, fmt.Sprintf("HTTPS-hosted feature tarballs are not yet supported: %s", featureID))

		default:
			if featurePath, err = fi.fetchArtifact(ctx, featureID); err != nil {
				return err
			}
		}

		fi.pathLookup[featureID] = featurePath
	}
	return nil
}

// fetchArtifact pulls (or reuses a cached copy of) a Feature
// distributed as an OCI artifact.
func (fi *featureInstaller) fetchArtifact(ctx context.Context, ref string) (string, error) {
	cacheKeyParts := append([]string{fi.cacheDir}, strings.Split(ref, ":")...)
	cacheKey := filepath.Join(cacheKeyParts...)
	_, err := os.Stat(cacheKey)
	cachedCopyExists := err == nil

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("parsing feature reference %s", ref), err)
	}

	description, err := repo.Resolve(ctx, repo.Reference.Reference)
	if err != nil {
		if cachedCopyExists {
			slog.Warn("resolving feature reference failed; using possibly-stale cached copy", "ref", ref, "error", err)
			return cacheKey, nil
		}
		return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("resolving feature reference %s", ref), err)
	}

	if entry, ok := fi.digests[ref]; ok && cachedCopyExists && entry.Digest == string(description.Digest) {
		return cacheKey, nil
	}

	if description.MediaType != featureArtifactMediaType {
		return "", errs.New(errs.KindFeatureError, fmt.Sprintf("feature %s resolved to an unsupported media type %s", ref, description.MediaType))
	}

	_, manifestContent, err := oras.FetchBytes(ctx, repo, ref, oras.DefaultFetchBytesOptions)
	if err != nil {
		return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("fetching manifest for feature %s", ref), err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestContent, &manifest); err != nil {
		return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("parsing manifest for feature %s", ref), err)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != featureLayerMediaType {
			continue
		}
		if !cachedCopyExists {
			if err := os.MkdirAll(cacheKey, 0o755); err != nil {
				return "", errs.Wrap(errs.KindFeatureError, "creating feature cache directory", err)
			}
		}

		layerBytes, err := content.FetchAll(ctx, repo, layer)
		if err != nil {
			return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("fetching layer for feature %s", ref), err)
		}
		if err := extract.Tar(ctx, bytes.NewBuffer(layerBytes), cacheKey, nil); err != nil {
			return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("extracting layer for feature %s", ref), err)
		}

		fi.digests[ref] = &artifactDigestEntry{FeatureID: ref, Digest: string(description.Digest)}
		return cacheKey, nil
	}

	return "", errs.New(errs.KindFeatureError, fmt.Sprintf("feature %s did not contain a usable layer", ref))
}

func (fi *featureInstaller) parseAll(ctx context.Context, p *writ.DevcontainerParser, featureMap writ.FeatureMap) error {
	for featureID, options := range featureMap {
		if _, ok := fi.parsers[featureID]; ok {
			continue
		}

		featurePath, ok := fi.pathLookup[featureID]
		if !ok {
			return errs.New(errs.KindFeatureError, fmt.Sprintf("feature unavailable for parsing: %s", featureID))
		}

		parser, err := writ.NewDevcontainerFeatureParser(filepath.Join(featurePath, "devcontainer-feature.json"), p)
		if err != nil {
			return errs.Wrap(errs.KindFeatureError, fmt.Sprintf("instantiating parser for feature %s", featureID), err)
		}
		if err := parser.Validate(); err != nil {
			return errs.Wrap(errs.KindFeatureError, fmt.Sprintf("validating feature %s", featureID), err)
		}
		if err := parser.Parse(); err != nil {
			return errs.Wrap(errs.KindFeatureError, fmt.Sprintf("parsing feature %s", featureID), err)
		}
		for key, val := range options {
			if err := parser.SetOption(key, &val); err != nil {
				return errs.Wrap(errs.KindFeatureError, fmt.Sprintf("setting option %s on feature %s", key, featureID), err)
			}
		}

		if err := fi.fetchAll(ctx, parser.Config.DependsOn, p.Filepath); err != nil {
			return err
		}
		if err := fi.parseAll(ctx, p, parser.Config.DependsOn); err != nil {
			return err
		}

		fi.parsers[featureID] = parser
	}
	return nil
}

// buildGraph builds the DAG that orders Feature installation: hard
// edges from dependsOn, soft edges from installsAfter (only when the
// dependency is itself present), and an explicit chain through
// overrideInstallOrder when given.
func (fi *featureInstaller) buildGraph(overrideInstallOrder *[]string) (*dag.DAG, error) {
	installDAG := dag.NewDAG()
	for featureID, parser := range fi.parsers {
		if err := installDAG.AddVertexByID(vertexID(featureID), parser); err != nil {
			return nil, errs.Wrap(errs.KindFeatureError, "building feature install graph", err)
		}
	}

	for featureID, parser := range fi.parsers {
		for dependencyID := range parser.Config.DependsOn {
			_ = installDAG.AddEdge(vertexID(dependencyID), vertexID(featureID))
		}
	}

	// installsAfter is a soft dependency: only wired in when the
	// referenced feature is actually part of this install.
	// https://containers.dev/implementors/features/#installsAfter
	for featureID, parser := range fi.parsers {
		for _, dependency := range parser.Config.InstallsAfter {
			depVertex := vertexID(dependency)
			if _, err := installDAG.GetVertex(depVertex); err != nil {
				continue
			}
			_ = installDAG.AddEdge(depVertex, vertexID(featureID))
		}
	}

	if overrideInstallOrder != nil {
		order := *overrideInstallOrder
		for i := 0; i+1 < len(order); i++ {
			a, b := vertexID(order[i]), vertexID(order[i+1])
			if _, err := installDAG.GetVertex(a); err != nil {
				continue
			}
			if _, err := installDAG.GetVertex(b); err != nil {
				continue
			}
			if err := installDAG.AddEdge(a, b); err != nil {
				return nil, errs.Wrap(errs.KindFeatureError, "applying overrideFeatureInstallOrder", err)
			}
		}
	}

	return installDAG, nil
}

func vertexID(featureID string) string {
	if strings.HasPrefix(featureID, "https://") {
		return featureID
	}
	return strings.Split(featureID, ":")[0]
}

// copyToContext copies every fetched Feature's files into a fresh
// subdirectory of ctxPath, rewriting pathLookup to point at the copies
// so an image build rooted at ctxPath can COPY them in.
func (fi *featureInstaller) copyToContext(ctxPath string) (string, error) {
	featuresBasePath, err := os.MkdirTemp(ctxPath, ".features-*")
	if err != nil {
		return "", errs.Wrap(errs.KindFeatureError, "creating features context directory", err)
	}

	remotePathLookup := make(map[string]string)
	for featureID, cachedPath := range fi.pathLookup {
		featurePath, err := os.MkdirTemp(featuresBasePath, "feature-*")
		if err != nil {
			_ = os.RemoveAll(featuresBasePath)
			return "", errs.Wrap(errs.KindFeatureError, "creating feature copy directory", err)
		}
		if err := os.CopyFS(featurePath, os.DirFS(cachedPath)); err != nil {
			_ = os.RemoveAll(featuresBasePath)
			return "", errs.Wrap(errs.KindFeatureError, fmt.Sprintf("copying feature %s into build context", featureID), err)
		}
		remotePathLookup[featureID] = featurePath
	}
	fi.pathLookup = remotePathLookup
	return featuresBasePath, nil
}

// writeContainerfile emits an ephemeral Containerfile that FROMs
// baseImage and COPYs every fetched Feature's files into the image at
// a random, collision-resistant path, rewriting each parser's
// Filepath to that in-image location so later install.sh invocations
// can find devcontainer-feature.json.
func (fi *featureInstaller) writeContainerfile(ctxPath, baseImage, appName string) (string, error) {
	containerfile, err := os.CreateTemp(ctxPath, fmt.Sprintf(".%s.Containerfile.*", appName))
	if err != nil {
		return "", errs.Wrap(errs.KindFeatureError, "creating Containerfile", err)
	}
	defer containerfile.Close()

	fmt.Fprintf(containerfile, "FROM %s\n", baseImage)

	remotePathLookup := make(map[string]string)
	for featureID, featurePath := range fi.pathLookup {
		relFeaturePath, err := filepath.Rel(ctxPath, featurePath)
		if err != nil {
			return "", errs.Wrap(errs.KindFeatureError, "computing relative feature path", err)
		}

		remotePath := fmt.Sprintf("/devcontainer-features/%d", rand.Int())
		fi.parsers[featureID].Filepath = fmt.Sprintf("%s/devcontainer-feature.json", remotePath)
		remotePathLookup[featureID] = remotePath
		fmt.Fprintf(containerfile, "COPY \"%s/*\" \"%s/\"\n", relFeaturePath, remotePath)
	}
	fi.pathLookup = remotePathLookup

	return containerfile.Name(), nil
}
