// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package security

import (
	"errors"
	"fmt"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// Sentinel errors for authorization failures.
var (
	ErrEmptyPath    = errors.New("empty path provided")
	ErrNotAbsolute  = errors.New("path must be absolute")
	ErrOutsideRoots = errors.New("path is outside the allowed directories")
	ErrBinaryFile   = errors.New("binary files cannot be patched")
	ErrNoRoots      = errors.New("at least one allowed directory is required")
	ErrSymlinkLoop  = errors.New("too many levels of symbolic links")

	// ErrElevated is returned at startup when the process runs with
	// administrative privileges, or when that cannot be ruled out.
	ErrElevated = errors.New("refusing to run with elevated privileges")
)

// PermissionError reports a rejected file target.
//
// Err is one of ErrEmptyPath, ErrNotAbsolute, ErrOutsideRoots,
// ErrSymlinkLoop or ErrBinaryFile.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("permission denied: %v", e.Err)
	}
	return fmt.Sprintf("permission denied: %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// IsBinary reports whether the target was rejected by the extension deny
// list.
func (e *PermissionError) IsBinary() bool {
	return errors.Is(e.Err, ErrBinaryFile)
}

// PrivilegeError reports an unsafe execution identity or root directory
// detected during startup. It is fatal.
type PrivilegeError struct {
	Reason string
	Err    error
}

func (e *PrivilegeError) Error() string {
	if e.Err == nil {
		return "startup check failed: " + e.Reason
	}
	return fmt.Sprintf("startup check failed: %s: %v", e.Reason, e.Err)
}

func (e *PrivilegeError) Unwrap() error {
	return e.Err
}

func denied(path string, err error) error {
	code := pferrors.CodeSecurityPermission
	switch {
	case errors.Is(err, ErrBinaryFile):
		code = pferrors.CodeSecurityBinaryFile
	case errors.Is(err, ErrEmptyPath), errors.Is(err, ErrNotAbsolute):
		code = pferrors.CodeSecurityInvalidPath
	}
	return pferrors.WithCode(&PermissionError{Path: path, Err: err}, code, pferrors.FieldPath(path))
}

func privilegeFailure(reason string, err error) error {
	return pferrors.WithCode(&PrivilegeError{Reason: reason, Err: err}, pferrors.CodeSecurityPrivilege)
}
