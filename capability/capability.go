// Package capability matches dotted permission strings such as
// "weft.execute.tool.fs.*" against concrete actions.
//
// Patterns and actions are split on "." once. A segment in a pattern is
// either a literal, a glob for that one segment ("read_*"), or "*". A "*"
// in the final position matches one or more remaining segments; anywhere
// else it matches exactly one.
package capability

import (
	"fmt"
	"path"
	"strings"
)

// Pattern is a compiled capability string.
type Pattern struct {
	raw  string
	segs []string
}

// Compile splits and validates a capability string.
func Compile(s string) (Pattern, error) {
	if s == "" {
		return Pattern{}, fmt.Errorf("capability: empty pattern")
	}
	segs := strings.Split(s, ".")
	for i, seg := range segs {
		if seg == "" {
			return Pattern{}, fmt.Errorf("capability %q: empty segment %d", s, i)
		}
		if _, err := path.Match(seg, ""); err != nil {
			return Pattern{}, fmt.Errorf("capability %q: segment %q: %w", s, seg, err)
		}
	}
	return Pattern{raw: s, segs: segs}, nil
}

// String returns the pattern as written.
func (p Pattern) String() string {
	return p.raw
}

// Matches reports whether the pattern grants action.
func (p Pattern) Matches(action string) bool {
	if action == "" || len(p.segs) == 0 {
		return false
	}
	return matchSegments(p.segs, strings.Split(action, "."))
}

// Match compiles pattern and matches it against action. An invalid pattern
// matches nothing.
func Match(pattern, action string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Matches(action)
}

func matchSegments(pat, act []string) bool {
	for i, seg := range pat {
		last := i == len(pat)-1
		if i >= len(act) {
			return false
		}
		if seg == "*" {
			if last {
				return true
			}
			continue
		}
		if !matchSegment(seg, act[i]) {
			return false
		}
	}
	return len(pat) == len(act)
}

func matchSegment(pat, seg string) bool {
	if !strings.ContainsAny(pat, "*?[\\") {
		return pat == seg
	}
	ok, err := path.Match(pat, seg)
	return err == nil && ok
}

// Set is an immutable collection of granted patterns. The zero Set denies
// everything.
type Set struct {
	patterns []Pattern
}

// NewSet compiles every capability string.
func NewSet(caps ...string) (Set, error) {
	ps := make([]Pattern, 0, len(caps))
	for _, c := range caps {
		p, err := Compile(c)
		if err != nil {
			return Set{}, err
		}
		ps = append(ps, p)
	}
	return Set{patterns: ps}, nil
}

// MustSet is NewSet for literals known to be valid.
func MustSet(caps ...string) Set {
	s, err := NewSet(caps...)
	if err != nil {
		panic(err)
	}
	return s
}

// Allows reports whether any granted pattern matches action.
func (s Set) Allows(action string) bool {
	for _, p := range s.patterns {
		if p.Matches(action) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (s Set) Len() int {
	return len(s.patterns)
}

// Strings returns the patterns as written.
func (s Set) Strings() []string {
	out := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.raw
	}
	return out
}

// Action builds the dotted action string for an operation on an item.
// Slashes in the item id become segments, so "fs/read" under namespace
// "weft" with primary "execute" and type "tool" is "weft.execute.tool.fs.read".
func Action(namespace, primary, itemType, itemID string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{namespace, primary, itemType} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if itemID != "" {
		parts = append(parts, strings.ReplaceAll(strings.Trim(itemID, "/"), "/", "."))
	}
	return strings.Join(parts, ".")
}
