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
	"path/filepath"
	"sort"
	"strings"
)

// binaryExtensions lists extensions that are never treated as text,
// regardless of the file's actual bytes. Keys are lower case with the dot.
var binaryExtensions = map[string]struct{}{
	// Executables and libraries
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".bin": {}, ".o": {},
	".a": {}, ".lib": {}, ".obj": {}, ".class": {}, ".jar": {}, ".pyc": {},
	".pyo": {}, ".wasm": {}, ".msi": {},

	// Archives
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {},
	".7z": {}, ".rar": {}, ".zst": {}, ".whl": {},

	// Images
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {},
	".tiff": {}, ".webp": {}, ".psd": {},

	// Audio and video
	".mp3": {}, ".wav": {}, ".flac": {}, ".ogg": {}, ".mp4": {}, ".avi": {},
	".mov": {}, ".mkv": {}, ".webm": {},

	// Documents
	".pdf": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {}, ".ppt": {},
	".pptx": {}, ".odt": {},

	// Databases and data blobs
	".db": {}, ".sqlite": {}, ".sqlite3": {}, ".mdb": {}, ".pkl": {},
	".npy": {}, ".parquet": {},

	// Fonts
	".ttf": {}, ".otf": {}, ".woff": {}, ".woff2": {},
}

// IsBinaryExtension reports whether path's extension is on the deny list.
// The check is case-insensitive. Files without an extension are text.
func IsBinaryExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := binaryExtensions[ext]
	return ok
}

// BinaryExtensions returns the deny list in sorted order.
func BinaryExtensions() []string {
	out := make([]string, 0, len(binaryExtensions))
	for ext := range binaryExtensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
