// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steering

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Escalation thresholds, in consecutive failures.
const (
	guidanceStart  = 2
	splitSuggestAt = 3
	rereadAt       = 4
)

// guidance builds the escalating advice for a failure streak of count.
func guidance(path string, count, blockCount int, repeated bool) string {
	if count < guidanceStart {
		return ""
	}

	name := filepath.Base(path)
	var parts []string

	parts = append(parts, fmt.Sprintf(
		"This is the %s consecutive failed edit attempt on %s. Re-read the file before retrying; the SEARCH text must be copied exactly from its current content.",
		ordinal(count), name))

	if repeated {
		parts = append(parts, "You submitted the same patch as the previous failed attempt; it will fail the same way.")
	}
	if count >= splitSuggestAt && blockCount > 1 {
		parts = append(parts, fmt.Sprintf(
			"This patch has %d blocks; consider splitting this edit into smaller patches with one block each.", blockCount))
	}
	if count >= rereadAt {
		parts = append(parts,
			"Stop and read the whole file again. Use smaller SEARCH sections containing only a few distinctive lines that appear exactly once.")
	}

	return strings.Join(parts, "\n")
}

// ordinal renders n as 1st, 2nd, 3rd, 4th, 11th, 21st, ...
func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
