// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"os"
)

// ErrFileLocked is returned by FileLocker.Lock when another process holds
// the lock.
var ErrFileLocked = errors.New("file is locked by another process")

// ErrLockUnavailable means the lock directory or a sidecar file in it
// cannot be used. It is a setup problem, not contention.
var ErrLockUnavailable = errors.New("lock file unavailable")

// FileLocker takes advisory, process-level locks on open files.
type FileLocker interface {
	// Lock acquires an exclusive lock on f without blocking.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrFileLocked if already locked.
	Lock(f *os.File) error

	// Unlock releases the lock on f. Safe to call even if not locked.
	Unlock(f *os.File) error
}

func newFileLocker() FileLocker {
	return newPlatformLocker()
}
