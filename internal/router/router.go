// Copyright 2025 CentianCLI Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router implements prefix normalization and reverse name
// resolution for the aggregated gateway namespace. Every function here is
// pure: no I/O, no shared state.
package router

import (
	"regexp"
	"strings"
)

// Separator joins a normalized server prefix and an original tool/prompt
// name, e.g. "github__create_issue".
const Separator = "__"

var nonAlphanumericRun = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizePrefix lower-cases name, collapses every run of non-alphanumeric
// characters into a single underscore, and trims leading/trailing
// underscores. A name made up entirely of symbols normalizes to "".
func NormalizePrefix(name string) string {
	lowered := strings.ToLower(name)
	collapsed := nonAlphanumericRun.ReplaceAllString(lowered, "_")
	return strings.Trim(collapsed, "_")
}

// PrefixName builds the downstream-visible name for a tool or prompt owned
// by serverName. Resources are never prefixed (spec §4.6): their URIs are
// already schema-qualified.
func PrefixName(serverName, original string) string {
	return NormalizePrefix(serverName) + Separator + original
}

// ParsePrefixedName splits a prefixed name at the first occurrence of
// Separator, returning (prefix, original, ok). ok is false if the separator
// is absent.
func ParsePrefixedName(prefixed string) (prefix, original string, ok bool) {
	idx := strings.Index(prefixed, Separator)
	if idx < 0 {
		return "", "", false
	}
	return prefixed[:idx], prefixed[idx+len(Separator):], true
}

// NamedItem is the minimal shape router.Resolve needs to scan an aggregated
// tool/prompt list: a server's id and display name (Resolve normalizes the
// name into a prefix) paired with one of its original item names.
type NamedItem struct {
	ServerID     string
	ServerName   string
	OriginalName string
}

// Resolve scans items for the first entry whose (normalizePrefix(ServerName),
// OriginalName) matches the parsed components of prefixedName. Ties are
// impossible in a correctly maintained registry: normalized prefixes are
// unique per registered server, enforced at the Store layer.
func Resolve(items []NamedItem, prefixedName string) (NamedItem, bool) {
	prefix, original, ok := ParsePrefixedName(prefixedName)
	if !ok {
		return NamedItem{}, false
	}
	for _, item := range items {
		if NormalizePrefix(item.ServerName) == prefix && item.OriginalName == original {
			return item, true
		}
	}
	return NamedItem{}, false
}

// maxDescriptionLen is the hard cap applied to downstream-facing tool and
// prompt descriptions (spec §4.6).
const maxDescriptionLen = 120

// cutWindowFraction controls how far back from the hard cap CompactDescription
// is willing to look for a whitespace boundary: the last 40% of the window.
const cutWindowFraction = 0.4

// CompactDescription truncates desc to at most maxDescriptionLen runes,
// preferring to cut at the last whitespace boundary within the last 40% of
// the window, and appends a single ellipsis if truncation occurred. Strings
// already at or under the limit are returned unchanged.
func CompactDescription(desc string) string {
	runes := []rune(desc)
	if len(runes) <= maxDescriptionLen {
		return desc
	}

	window := runes[:maxDescriptionLen]
	cut := maxDescriptionLen
	searchFrom := int(float64(maxDescriptionLen) * (1 - cutWindowFraction))
	for i := len(window) - 1; i >= searchFrom; i-- {
		if window[i] == ' ' || window[i] == '\t' || window[i] == '\n' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \t\n") + "…"
}

// DescribeWithProvenance prepends the owning server's display name to a
// tool/prompt description so downstream clients can tell which upstream a
// compacted listing entry came from.
func DescribeWithProvenance(serverName, description string) string {
	return "[" + serverName + "] " + description
}
