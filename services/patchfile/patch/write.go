// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ContentHash returns the SHA-256 hex digest of content.
func ContentHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// atomicWriteFile writes content to path via a temp file and rename.
//
// # Description
//
// The temp file lives in the target's directory so the rename stays on
// one filesystem. Data is synced before the rename; readers see either
// the old or the new content, never a partial write. The temp file is
// removed on any failure.
//
// # Inputs
//
//   - path: Target file.
//   - content: Full new content.
//   - perm: Mode applied to the new file.
//
// # Outputs
//
//   - error: Non-nil if any step fails. The target is untouched then.
func atomicWriteFile(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// verifyAndWrite re-reads path and writes only if its digest still equals
// expectedHash. Returns a conflict error otherwise.
func verifyAndWrite(path, expectedHash string, newContent []byte, perm os.FileMode) error {
	current, err := os.ReadFile(path)
	if err != nil {
		return ioFailure(err, path, "re-reading file for verification")
	}
	if ContentHash(current) != expectedHash {
		return conflict(path)
	}
	if bytes.Equal(current, newContent) {
		return nil
	}
	if err := atomicWriteFile(path, newContent, perm); err != nil {
		return ioFailure(err, path, "writing file")
	}
	return nil
}
