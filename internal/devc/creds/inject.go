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

package creds

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/s-retlaw/devc/internal/devc/errs"
	"github.com/s-retlaw/devc/internal/trill"
)

// credsTmpfsPath is the in-container mount point the cache files and
// chained helper scripts live under. It is expected to be backed by a
// tmpfs mount so none of this ever touches a layer or a bind-mounted
// host path.
const credsTmpfsPath = "/run/devc-creds"

const dockerCredentialHelperName = "docker-credential-devc"
const gitCredentialHelperName = "git-credential-devc"

// dockerCredentialHelperTemplate is installed as /usr/local/bin/docker-credential-devc
// inside the container. It serves cached credentials out of the tmpfs
// cache and falls back to chaining into whatever credsStore the
// container previously had configured, so non-"get" subcommands
// (store/erase) keep working unmodified.
const dockerCredentialHelperTemplate = `#!/bin/sh
set -e
cmd="$1"
cache="` + credsTmpfsPath + `/docker-config.json"
if [ "$cmd" = "get" ] && [ -f "$cache" ]; then
    server=$(cat)
    entry=$(awk -v s="$server" '
        BEGIN{found=0}
        {print}
    ' "$cache")
    result=$(command -v jq >/dev/null 2>&1 && jq -r --arg s "$server" '.auths[$s].auth // empty' "$cache" 2>/dev/null || true)
    if [ -n "$result" ]; then
        user_pass=$(echo "$result" | base64 -d)
        user=$(echo "$user_pass" | cut -d: -f1)
        pass=$(echo "$user_pass" | cut -d: -f2-)
        printf '{"ServerURL":"%s","Username":"%s","Secret":"%s"}\n' "$server" "$user" "$pass"
        exit 0
    fi
fi
{{original}}
`

// gitCredentialHelperTemplate is installed as
// /usr/local/bin/git-credential-devc and wired in as
// credential.helper. It serves cached entries out of the tmpfs
// git-credentials file and chains into whatever helper previously
// handled the operation for anything it doesn't recognize.
const gitCredentialHelperTemplate = `#!/bin/sh
set -e
cmd="$1"
cache="` + credsTmpfsPath + `/git-credentials"
if [ "$cmd" = "get" ] && [ -f "$cache" ]; then
    host=""
    while IFS='=' read -r key value; do
        [ "$key" = "host" ] && host="$value"
    done
    line=$(grep -F "@$host" "$cache" 2>/dev/null | head -n1 || true)
    if [ -n "$line" ]; then
        rest="${line#*://}"
        userpass="${rest%@*}"
        user="${userpass%%:*}"
        pass="${userpass#*:}"
        printf 'username=%s\npassword=%s\n' "$user" "$pass"
        exit 0
    fi
fi
{{original}}
`

// CredentialStatus summarizes what SetupCredentials found/did in a
// container.
type CredentialStatus struct {
	DockerRegistries []string
	GitHosts         []string
	HelpersInjected  bool
}

// sanitizeDockerHelperName strips anything that isn't
// alphanumeric/-/_ from a credsStore value read back out of a
// container's own Docker config, before it's interpolated into a
// shell command.
func sanitizeDockerHelperName(name string) string {
	return sanitizeHelperName(name)
}

// shellEscapeSingleQuotes escapes s for safe interpolation inside
// single-quoted shell text: each `'` becomes `'\''`.
func shellEscapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// wrapWithHomeResolve wraps script in a shell snippet that resolves
// $HOME via getent before running it, since exec sessions into a
// container don't reliably inherit a login shell's HOME.
func wrapWithHomeResolve(script string) string {
	return "HOME=\"$(getent passwd \"$(whoami)\" | cut -d: -f6)\"; export HOME; " + script
}

func runScript(ctx context.Context, client *trill.Client, containerID, user, script string) (string, error) {
	stdout, stderr, err := client.ExecInContainer(ctx, containerID, user, nil, true, wrapWithHomeResolve(script))
	if err != nil {
		return stdout.String(), errs.Wrap(errs.KindCredentialError, fmt.Sprintf("running credential script: %s", stderr.String()), err)
	}
	return stdout.String(), nil
}

// writeFileToContainer base64-encodes content and decodes it into
// path inside the container, avoiding any quoting hazards from the
// content itself crossing the exec boundary as a shell argument.
func writeFileToContainer(ctx context.Context, client *trill.Client, containerID, user, path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s", shellQuote(dirOf(path)), encoded, shellQuote(path))
	_, err := runScript(ctx, client, containerID, user, script)
	return err
}

// writeScriptToContainer writes content to path and marks it
// executable.
func writeScriptToContainer(ctx context.Context, client *trill.Client, containerID, user, path, content string) error {
	if err := writeFileToContainer(ctx, client, containerID, user, path, content); err != nil {
		return err
	}
	_, err := runScript(ctx, client, containerID, user, "chmod +x "+shellQuote(path))
	return err
}

func shellQuote(s string) string {
	return "'" + shellEscapeSingleQuotes(s) + "'"
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// readContainerCredsStore reads the container's currently configured
// Docker credsStore value, if any.
func readContainerCredsStore(ctx context.Context, client *trill.Client, containerID, user string) (string, error) {
	out, err := runScript(ctx, client, containerID, user,
		`command -v jq >/dev/null 2>&1 && jq -r '.credsStore // empty' "$HOME/.docker/config.json" 2>/dev/null || true`)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// readContainerGitCredentialHelper reads the container's globally
// configured git credential.helper value, if any.
func readContainerGitCredentialHelper(ctx context.Context, client *trill.Client, containerID, user string) (string, error) {
	out, err := runScript(ctx, client, containerID, user, `git config --global credential.helper 2>/dev/null || true`)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func setContainerCredsStore(ctx context.Context, client *trill.Client, containerID, user, helper string) error {
	script := fmt.Sprintf(`mkdir -p "$HOME/.docker" && `+
		`if [ -f "$HOME/.docker/config.json" ] && command -v jq >/dev/null 2>&1; then `+
		`tmp=$(mktemp) && jq --arg h %s '.credsStore=$h' "$HOME/.docker/config.json" > "$tmp" && mv "$tmp" "$HOME/.docker/config.json"; `+
		`else printf '{"credsStore":"%s"}' > "$HOME/.docker/config.json"; fi`,
		shellQuote(helper), helper)
	_, err := runScript(ctx, client, containerID, user, script)
	return err
}

func setContainerGitCredentialHelper(ctx context.Context, client *trill.Client, containerID, user, helper string) error {
	_, err := runScript(ctx, client, containerID, user, "git config --global credential.helper "+shellQuote(helper))
	return err
}

// injectHelpers installs the chained docker-credential-devc and
// git-credential-devc scripts into the container and points the
// container's Docker/git configuration at them, preserving whatever
// helper was previously configured as the `{{original}}` fallback.
// Idempotent: if credsStore is already "devc", injection is skipped.
func injectHelpers(ctx context.Context, client *trill.Client, containerID, user string) (bool, error) {
	existingStore, err := readContainerCredsStore(ctx, client, containerID, user)
	if err != nil {
		return false, err
	}
	if sanitizeDockerHelperName(existingStore) == "devc" {
		slog.Debug("credential helpers already injected", "container", containerID)
		return false, nil
	}

	dockerFallback := "echo '{}'"
	if existingStore != "" {
		if clean := sanitizeDockerHelperName(existingStore); clean != "" {
			dockerFallback = fmt.Sprintf(`exec docker-credential-%s "$cmd"`, clean)
		}
	}
	dockerScript := strings.Replace(dockerCredentialHelperTemplate, "{{original}}", dockerFallback, 1)

	existingGitHelper, err := readContainerGitCredentialHelper(ctx, client, containerID, user)
	if err != nil {
		return false, err
	}
	gitFallback := "exit 1"
	if existingGitHelper != "" {
		gitFallback = fmt.Sprintf("exec %s \"$cmd\"", shellQuote(existingGitHelper))
	}
	gitScript := strings.Replace(gitCredentialHelperTemplate, "{{original}}", gitFallback, 1)

	if err := writeScriptToContainer(ctx, client, containerID, user, "/usr/local/bin/"+dockerCredentialHelperName, dockerScript); err != nil {
		return false, err
	}
	if err := writeScriptToContainer(ctx, client, containerID, user, "/usr/local/bin/"+gitCredentialHelperName, gitScript); err != nil {
		return false, err
	}
	if err := setContainerCredsStore(ctx, client, containerID, user, "devc"); err != nil {
		return false, err
	}
	if err := setContainerGitCredentialHelper(ctx, client, containerID, user, gitCredentialHelperName); err != nil {
		return false, err
	}

	slog.Info("injected credential helpers", "container", containerID)
	return true, nil
}

// RefreshCredentials resolves host credentials and (re)writes the
// tmpfs cache files the chained helpers read from. Call this whenever
// host credentials may have changed (e.g. before a long-running
// session) without needing to re-run helper injection.
func RefreshCredentials(ctx context.Context, client *trill.Client, containerID, user string) (CredentialStatus, error) {
	var status CredentialStatus

	if _, err := runScript(ctx, client, containerID, "root", "mkdir -p "+credsTmpfsPath+" && chmod 700 "+credsTmpfsPath); err != nil {
		return status, err
	}

	dockerAuths := ResolveDockerCredentials(ctx)
	if len(dockerAuths) > 0 {
		configJSON, err := BuildDockerConfigJSON(dockerAuths)
		if err != nil {
			return status, errs.Wrap(errs.KindCredentialError, "building docker config.json", err)
		}
		if err := writeFileToContainer(ctx, client, containerID, "root", credsTmpfsPath+"/docker-config.json", configJSON); err != nil {
			return status, err
		}
		for registry := range dockerAuths {
			status.DockerRegistries = append(status.DockerRegistries, registry)
		}
	}

	gitCreds := ResolveGitCredentials(ctx)
	if len(gitCreds) > 0 {
		if err := writeFileToContainer(ctx, client, containerID, "root", credsTmpfsPath+"/git-credentials", FormatGitCredentials(gitCreds)); err != nil {
			return status, err
		}
		for _, c := range gitCreds {
			status.GitHosts = append(status.GitHosts, c.Host)
		}
	}

	return status, nil
}

// SetupCredentials is the entry point run once per devcontainer
// lifecycle: it provisions the tmpfs cache directory, injects the
// chained helper scripts (idempotently), and populates the cache with
// whatever host credentials resolve.
func SetupCredentials(ctx context.Context, client *trill.Client, containerID, user string) (CredentialStatus, error) {
	injected, err := injectHelpers(ctx, client, containerID, "root")
	if err != nil {
		return CredentialStatus{}, err
	}

	status, err := RefreshCredentials(ctx, client, containerID, user)
	if err != nil {
		return status, err
	}
	status.HelpersInjected = injected
	return status, nil
}
