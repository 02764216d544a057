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
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"testing"

	"github.com/s-retlaw/devc/writ"
	"github.com/stretchr/testify/assert"
)

func loadTestFeatures(t *testing.T, dir string) *featureInstaller {
	t.Helper()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	fi := &featureInstaller{
		parsers:    make(map[string]*writ.DevcontainerFeatureParser),
		pathLookup: make(map[string]string),
		digests:    make(map[string]*artifactDigestEntry),
	}
	for _, feature := range []string{"alpha", "beta", "gamma", "delta"} {
		p, err := writ.NewDevcontainerFeatureParser(filepath.Join("..", "manager", "testdata", dir, fmt.Sprintf("%s.json", feature)), nil)
		assert.Nil(t, err)
		assert.Nil(t, p.Validate())
		assert.Nil(t, p.Parse())
		fi.parsers[fmt.Sprintf("./%s", feature)] = p
	}
	return fi
}

func TestBuildGraphHonorsDependsOn(t *testing.T) {
	fi := loadTestFeatures(t, "features-dependson")

	installDAG, err := fi.buildGraph(nil)
	assert.Nil(t, err)

	installOrder := [][]string{
		{"./beta", "./delta"},
		{"./alpha", "./gamma"},
	}
	rootIdx := 0
	roots := slices.Collect(maps.Keys(installDAG.GetRoots()))
	for len(roots) > 0 {
		assert.True(t, rootIdx < len(installOrder))
		assert.ElementsMatch(t, installOrder[rootIdx], roots)
		for _, root := range roots {
			installDAG.DeleteVertex(root)
		}
		roots = slices.Collect(maps.Keys(installDAG.GetRoots()))
		rootIdx++
	}
}

func TestBuildGraphHonorsOverrideOrder(t *testing.T) {
	fi := loadTestFeatures(t, "features-standalone")

	dcParser, err := writ.NewDevcontainerParser(filepath.Join("..", "manager", "testdata", "features-standalone", "devcontainer.json"))
	assert.Nil(t, err)
	assert.Nil(t, dcParser.Validate())
	assert.Nil(t, dcParser.Parse())

	installDAG, err := fi.buildGraph(&dcParser.Config.OverrideFeatureInstallOrder)
	assert.Nil(t, err)

	var featureRoots []string
	roots := installDAG.GetRoots()
	for len(roots) > 0 {
		for featureID := range roots {
			featureRoots = append(featureRoots, featureID)
			installDAG.DeleteVertex(featureID)
		}
		roots = installDAG.GetRoots()
	}
	assert.EqualValues(t, dcParser.Config.OverrideFeatureInstallOrder, featureRoots)
}

func TestVertexIDStripsVersionTag(t *testing.T) {
	assert.Equal(t, "./alpha", vertexID("./alpha:1.0.0"))
	assert.Equal(t, "https://example.com/feature:1.0.0", vertexID("https://example.com/feature:1.0.0"))
}
