package envcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DependencyKey canonically identifies a dependency set. Two set-equal
// specifier lists yield the same key regardless of order or duplicates;
// a changed version pin yields a different key.
type DependencyKey string

func (k DependencyKey) String() string { return string(k) }

// Short returns a truncated key for names and log lines.
func (k DependencyKey) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Canonicalize trims, drops empties, sorts and dedupes specifiers.
func Canonicalize(specs []string) []string {
	cleaned := make([]string, 0, len(specs))
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	sort.Strings(cleaned)

	out := cleaned[:0]
	var prev string
	for i, s := range cleaned {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}

// NewKey derives the DependencyKey for a specifier list.
func NewKey(specs []string) DependencyKey {
	canonical := Canonicalize(specs)
	h := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return DependencyKey(hex.EncodeToString(h[:]))
}
