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
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const diffContextLines = 3

// Diff returns a unified diff between oldContent and newContent along with
// its line statistics. Identical content yields "" and a zero Stat.
//
// The changed region is the span between the first and last differing
// lines, padded with context. Blocks applied to distant parts of a file
// therefore produce one larger hunk.
func Diff(path, oldContent, newContent string) (string, diff.Stat) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	region, ok := changedRegion(oldLines, newLines)
	if !ok {
		return "", diff.Stat{}
	}

	ctxStart := max(0, region.oldStart-diffContextLines)
	ctxEndOld := min(len(oldLines), region.oldStart+region.oldCount+diffContextLines)
	trailing := ctxEndOld - (region.oldStart + region.oldCount)

	var body strings.Builder
	for i := ctxStart; i < region.oldStart; i++ {
		body.WriteString(" " + oldLines[i] + "\n")
	}
	for i := region.oldStart; i < region.oldStart+region.oldCount; i++ {
		body.WriteString("-" + oldLines[i] + "\n")
	}
	for i := region.newStart; i < region.newStart+region.newCount; i++ {
		body.WriteString("+" + newLines[i] + "\n")
	}
	for i := region.oldStart + region.oldCount; i < ctxEndOld; i++ {
		body.WriteString(" " + oldLines[i] + "\n")
	}

	leading := region.oldStart - ctxStart
	hunk := &diff.Hunk{
		OrigStartLine: int32(ctxStart + 1),
		OrigLines:     int32(leading + region.oldCount + trailing),
		NewStartLine:  int32(ctxStart + 1),
		NewLines:      int32(leading + region.newCount + trailing),
		Body:          []byte(body.String()),
	}
	if hunk.OrigLines == 0 {
		hunk.OrigStartLine = 0
	}
	if hunk.NewLines == 0 {
		hunk.NewStartLine = 0
	}

	fd := &diff.FileDiff{
		OrigName: "a/" + strings.TrimPrefix(path, "/"),
		NewName:  "b/" + strings.TrimPrefix(path, "/"),
		Hunks:    []*diff.Hunk{hunk},
	}

	out, err := diff.PrintFileDiff(fd)
	if err != nil {
		return "", fd.Stat()
	}
	return string(out), fd.Stat()
}

type changeRegion struct {
	oldStart, oldCount int
	newStart, newCount int
}

// changedRegion trims the common prefix and suffix of two line slices.
func changedRegion(oldLines, newLines []string) (changeRegion, bool) {
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	if prefix == len(oldLines) && prefix == len(newLines) {
		return changeRegion{}, false
	}

	oldEnd, newEnd := len(oldLines), len(newLines)
	for oldEnd > prefix && newEnd > prefix && oldLines[oldEnd-1] == newLines[newEnd-1] {
		oldEnd--
		newEnd--
	}

	return changeRegion{
		oldStart: prefix,
		oldCount: oldEnd - prefix,
		newStart: prefix,
		newCount: newEnd - prefix,
	}, true
}

// splitLines splits on "\n" without producing a trailing empty element
// for content that ends with a newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
