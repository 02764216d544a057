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

// Package errs houses the error taxonomy shared across the devc
// core: the Manager façade, the State Store, the Credential
// Injector, the Dotfiles/Agent injectors, and the SSH Enabler all
// return errors wrapped in a *DevcError so callers can branch on Kind
// via errors.As instead of string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure a caller may want to branch
// on (e.g., retry on NotConnected, prompt for re-auth on
// CredentialError).
type Kind string

// Supported values for Kind
const (
	KindNotConnected     Kind = "not-connected"
	KindContainerNotFound Kind = "container-not-found"
	KindContainerExists  Kind = "container-exists"
	KindInvalidState     Kind = "invalid-state"
	KindProviderError    Kind = "provider-error"
	KindExecFailed       Kind = "exec-failed"
	KindFeatureError     Kind = "feature-error"
	KindCredentialError  Kind = "credential-error"
	KindDotfilesError    Kind = "dotfiles-error"
	KindSSHSetupError    Kind = "ssh-setup-error"
	KindConfigError      Kind = "config-error"
	KindIOError          Kind = "io-error"
)

// DevcError is the core's sum-type error: a Kind for programmatic
// branching, a user-facing Msg, and an optional wrapped Cause for
// errors.Is/errors.As chains.
type DevcError struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *DevcError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *DevcError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, &DevcError{Kind: KindX}) to match any
// DevcError of the same Kind, regardless of Msg/Cause.
func (e *DevcError) Is(target error) bool {
	var other *DevcError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs a *DevcError with no wrapped cause.
func New(kind Kind, msg string) *DevcError {
	return &DevcError{Kind: kind, Msg: msg}
}

// Wrap constructs a *DevcError wrapping cause, or returns nil if
// cause is nil, so callers can write `return errs.Wrap(...)` at the
// tail of a function without an extra nil check.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &DevcError{Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel Kind-only values for use with errors.Is where no message
// or cause needs attaching, e.g. errors.Is(err, ErrContainerNotFound).
var (
	ErrNotConnected      = &DevcError{Kind: KindNotConnected, Msg: "not connected to a container runtime"}
	ErrContainerNotFound = &DevcError{Kind: KindContainerNotFound, Msg: "container record not found"}
	ErrContainerExists   = &DevcError{Kind: KindContainerExists, Msg: "a container record already exists for this workspace/config pair"}
	ErrInvalidState      = &DevcError{Kind: KindInvalidState, Msg: "operation not valid for the container's current state"}
)
