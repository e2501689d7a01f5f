// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names for the given paths, using only the path components
// that differ among them. If the differing components are not contiguous, the first and last
// are joined with "...".
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return slices.Clone(paths)
	}
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, components := range split {
		var diffIndexes []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] && !slices.Contains(diffIndexes, k) {
					diffIndexes = append(diffIndexes, k)
				}
			}
		}
		slices.Sort(diffIndexes)
		switch len(diffIndexes) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[diffIndexes[0]]
		default:
			result[ii] = components[diffIndexes[0]] + "..." + components[diffIndexes[len(diffIndexes)-1]]
		}
	}
	return result
}
