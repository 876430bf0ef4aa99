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

// Marker lines. Matching is exact and case-sensitive after removing the
// line terminator.
const (
	MarkerSearch    = "<<<<<<< SEARCH"
	MarkerSeparator = "======="
	MarkerReplace   = ">>>>>>> REPLACE"
)

type parseState int

const (
	stateOutside parseState = iota
	stateSearch
	stateReplace
)

// Parse splits a payload into ordered blocks.
//
// Description:
//
//	Marker counts are checked first so an unbalanced payload is reported
//	as a whole, then a line-by-line state machine enforces the
//	SEARCH, separator, REPLACE order. Lines outside blocks are ignored,
//	which tolerates blank lines and code fences around the blocks.
//
//	The line terminator immediately before a marker belongs to the marker,
//	so a block's text does not end with a newline unless the payload has
//	an extra blank line there. CRLF payloads are accepted.
//
// Inputs:
//
//	payload - Raw patch content.
//
// Outputs:
//
//	[]Block - At least one block, in payload order.
//	error   - *ParseError tagged patch.parse.
func Parse(payload string) ([]Block, error) {
	lines := strings.SplitAfter(payload, "\n")

	var searches, separators, replaces int
	for _, line := range lines {
		switch trimEOL(line) {
		case MarkerSearch:
			searches++
		case MarkerSeparator:
			separators++
		case MarkerReplace:
			replaces++
		}
	}
	if searches != separators || separators != replaces {
		return nil, parseFailure(0, fmt.Sprintf("Unbalanced markers: %d %q, %d %q, %d %q",
			searches, MarkerSearch, separators, MarkerSeparator, replaces, MarkerReplace))
	}
	if searches == 0 {
		return nil, parseFailure(0, "no patch blocks found; expected "+MarkerSearch+" / "+MarkerSeparator+" / "+MarkerReplace)
	}

	var (
		blocks  []Block
		state   = stateOutside
		current strings.Builder
		search  string
	)

	for _, line := range lines {
		marker := trimEOL(line)
		blockNo := len(blocks) + 1

		switch state {
		case stateOutside:
			switch marker {
			case MarkerSearch:
				state = stateSearch
				current.Reset()
			case MarkerSeparator, MarkerReplace:
				return nil, sequenceError(blockNo, marker, MarkerSearch)
			}

		case stateSearch:
			switch marker {
			case MarkerSeparator:
				search = trimEOL(current.String())
				current.Reset()
				state = stateReplace
			case MarkerSearch, MarkerReplace:
				return nil, sequenceError(blockNo, marker, MarkerSeparator)
			default:
				current.WriteString(line)
			}

		case stateReplace:
			switch marker {
			case MarkerReplace:
				blocks = append(blocks, Block{Search: search, Replace: trimEOL(current.String())})
				current.Reset()
				state = stateOutside
			case MarkerSearch, MarkerSeparator:
				return nil, sequenceError(blockNo, marker, MarkerReplace)
			default:
				current.WriteString(line)
			}
		}
	}

	if state != stateOutside {
		return nil, parseFailure(len(blocks)+1, "unterminated block; expected "+MarkerReplace)
	}

	return blocks, nil
}

func sequenceError(block int, got, want string) error {
	return parseFailure(block, fmt.Sprintf("Incorrect marker sequence: found %q where %q was expected", got, want))
}

// trimEOL removes one trailing "\n" or "\r\n".
func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// Format renders blocks back into the payload grammar.
func Format(blocks []Block) string {
	var b strings.Builder
	for i, block := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(MarkerSearch + "\n")
		if block.Search != "" {
			b.WriteString(block.Search + "\n")
		}
		b.WriteString(MarkerSeparator + "\n")
		if block.Replace != "" {
			b.WriteString(block.Replace + "\n")
		}
		b.WriteString(MarkerReplace)
	}
	return b.String()
}
