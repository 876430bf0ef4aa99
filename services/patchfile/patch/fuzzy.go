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
	"fmt"
	"strings"
)

// Near-match hint thresholds. Short or single-line search text matches
// too much to produce a useful hint.
const (
	hintMinChars   = 20
	hintMinLines   = 2
	hintSimilarity = 0.85
	hintMaxWindows = 3

	// hintMaxCompares bounds the line comparisons of one scan.
	hintMaxCompares = 4_000_000
)

// HintHeader starts every near-match hint.
const HintHeader = "Hint: Found similar content with whitespace/formatting differences"

// nearMatchHint looks for windows of content that equal search once
// whitespace is normalized. Returns "" when nothing is close enough.
func nearMatchHint(content, search string) string {
	if len(strings.TrimSpace(search)) < hintMinChars {
		return ""
	}

	searchLines := strings.Split(strings.ReplaceAll(search, "\r\n", "\n"), "\n")
	if len(searchLines) < hintMinLines {
		return ""
	}

	contentLines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	n := len(searchLines)
	if len(contentLines) < n || len(contentLines)*n > hintMaxCompares {
		return ""
	}

	wantNorm := make([]string, n)
	for i, line := range searchLines {
		wantNorm[i] = normalizeWhitespace(line)
	}
	haveNorm := make([]string, len(contentLines))
	for i, line := range contentLines {
		haveNorm[i] = normalizeWhitespace(line)
	}

	type window struct {
		start   int
		matched []bool
	}
	var found []window

	for start := 0; start+n <= len(contentLines) && len(found) < hintMaxWindows; start++ {
		matched := make([]bool, n)
		equal := 0
		for i := 0; i < n; i++ {
			if haveNorm[start+i] == wantNorm[i] {
				matched[i] = true
				equal++
			}
		}
		if float64(equal)/float64(n) >= hintSimilarity {
			found = append(found, window{start: start, matched: matched})
			start += n - 1
		}
	}

	if len(found) == 0 {
		return ""
	}

	var b strings.Builder
	for i, w := range found {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s at lines %d-%d:\n", HintHeader, w.start+1, w.start+n)
		for j := 0; j < n; j++ {
			fmt.Fprintf(&b, "%5d: %s", w.start+j+1, contentLines[w.start+j])
			if w.matched[j] {
				b.WriteString("  <-- likely match")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Copy the exact text from the file, including indentation, into the SEARCH section.")
	return b.String()
}

// normalizeWhitespace trims and collapses internal whitespace runs.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
