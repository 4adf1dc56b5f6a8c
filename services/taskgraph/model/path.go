// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import "strings"

// PathSeparator separates the segments of an item path.
const PathSeparator = "/"

// MaxPathLength is the maximum byte length of an item path.
const MaxPathLength = 512

// ValidPath reports whether p is a well-formed item path: non-empty,
// bounded, no leading or trailing separator, no empty or dot segments.
func ValidPath(p string) bool {
	if p == "" || len(p) > MaxPathLength {
		return false
	}
	for _, seg := range strings.Split(p, PathSeparator) {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
		if strings.TrimSpace(seg) != seg {
			return false
		}
	}
	return true
}

// ParentOf returns the structural parent of p, or "" for a root path.
func ParentOf(p string) string {
	i := strings.LastIndex(p, PathSeparator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// IsDirectChild reports whether child is parent plus exactly one segment.
func IsDirectChild(parent, child string) bool {
	if parent == "" || !strings.HasPrefix(child, parent+PathSeparator) {
		return false
	}
	rest := child[len(parent)+1:]
	return rest != "" && !strings.Contains(rest, PathSeparator)
}

// Depth returns the number of segments in p.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, PathSeparator) + 1
}
