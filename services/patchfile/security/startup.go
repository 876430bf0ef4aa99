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
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ElevationProbe reports whether the current process runs with
// administrative privileges.
type ElevationProbe func() (bool, error)

// DefaultElevationProbe uses the platform check (effective uid on unix,
// token elevation on windows).
func DefaultElevationProbe() (bool, error) {
	return isElevated()
}

// CheckPrivileges fails closed: a probe error counts as elevated.
func CheckPrivileges(probe ElevationProbe) error {
	if probe == nil {
		probe = DefaultElevationProbe
	}

	elevated, err := probe()
	if err != nil {
		return privilegeFailure("could not determine privilege level, assuming elevated", fmt.Errorf("%w: %v", ErrElevated, err))
	}
	if elevated {
		return privilegeFailure("process is running as an administrator or root", ErrElevated)
	}
	return nil
}

// CheckRoots verifies every root exists, is a directory and is readable
// and writable by the current identity. All roots are checked; the first
// failure is returned.
func CheckRoots(ctx context.Context, roots []string) error {
	if len(roots) == 0 {
		return privilegeFailure("no allowed directories configured", ErrNoRoots)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, root := range roots {
		g.Go(func() error {
			if err := statDir(root); err != nil {
				return privilegeFailure(fmt.Sprintf("allowed directory %s is unusable", root), err)
			}
			if err := checkAccess(root); err != nil {
				return privilegeFailure(fmt.Sprintf("allowed directory %s must be readable and writable", root), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CheckStartup runs the privilege check and the root checks for the gate.
// Any error must stop the process.
func (g *Gate) CheckStartup(ctx context.Context, probe ElevationProbe) error {
	if err := CheckPrivileges(probe); err != nil {
		return err
	}
	if err := CheckRoots(ctx, g.roots); err != nil {
		return err
	}
	g.logger.Info("sandbox ready", slog.Any("allowed_dirs", g.roots))
	return nil
}
