// Package identity maps raw capability identifiers (pack + action) to
// canonical identities and renders them as externally exposed tool names.
//
// The external name format is a fixed contract:
//
//	<namespace>_<tag>_<pack>_<action>    tag ∈ {tool, run, playbook}
//
// The pack token never contains underscores (normalization maps them to
// dashes), so parsing is the exact structural inverse of rendering: the
// pack is the single token after the tag and the action is the remainder.
// Only the canonical identity (pack.action) ever crosses to the backend.
package identity

import (
	"fmt"
	"strings"
	"sync"
)

// Tag is the tier prefix embedded in an external name.
const (
	TagTool     = "tool"     // primitive, read-only
	TagRun      = "run"      // governed, confirmation-gated
	TagPlaybook = "playbook" // macro workflow, governed by default
)

var validTags = map[string]bool{
	TagTool:     true,
	TagRun:      true,
	TagPlaybook: true,
}

// Identity is the canonical form of a capability.
type Identity struct {
	Pack      string
	Action    string
	Canonical string // pack.action, the only value sent to the backend
}

// UnknownPackError is returned by Resolve when strict validation is enabled
// and the pack is not in the known-pack set.
type UnknownPackError struct {
	Pack string
}

func (e *UnknownPackError) Error() string {
	return fmt.Sprintf("unknown pack %q", e.Pack)
}

// Resolver renders and parses external names for one gateway namespace.
// The known-pack set is refreshed from the backend; resolution degrades to
// syntactic validation when the set is empty (stale or never fetched).
type Resolver struct {
	namespace string
	strict    bool

	mu         sync.RWMutex
	knownPacks map[string]bool
}

func NewResolver(namespace string, strict bool) *Resolver {
	if namespace == "" {
		namespace = "tg"
	}
	return &Resolver{
		namespace:  NormalizePack(namespace),
		strict:     strict,
		knownPacks: make(map[string]bool),
	}
}

func (r *Resolver) Namespace() string {
	return r.namespace
}

// SetKnownPacks replaces the known-pack set. Pack names are normalized the
// same way Resolve normalizes them.
func (r *Resolver) SetKnownPacks(packs []string) {
	m := make(map[string]bool, len(packs))
	for _, p := range packs {
		if n := NormalizePack(p); n != "" {
			m[n] = true
		}
	}
	r.mu.Lock()
	r.knownPacks = m
	r.mu.Unlock()
}

// Resolve normalizes a raw (pack, action) pair into a canonical identity.
func (r *Resolver) Resolve(pack, action string) (Identity, error) {
	p := NormalizePack(pack)
	a := NormalizeAction(action)
	if p == "" {
		return Identity{}, fmt.Errorf("empty pack after normalization of %q", pack)
	}
	if a == "" {
		return Identity{}, fmt.Errorf("empty action after normalization of %q", action)
	}

	if r.strict {
		r.mu.RLock()
		known := r.knownPacks
		r.mu.RUnlock()
		// An empty set means the backend catalog is stale or unreachable;
		// degrade to syntactic validation rather than rejecting everything.
		if len(known) > 0 && !known[p] {
			return Identity{}, &UnknownPackError{Pack: p}
		}
	}

	return Identity{Pack: p, Action: a, Canonical: p + "." + a}, nil
}

// ExternalName renders an identity under the given tier tag.
func (r *Resolver) ExternalName(id Identity, tag string) string {
	return r.namespace + "_" + tag + "_" + id.Pack + "_" + id.Action
}

// ParseExternalName is the structural inverse of ExternalName. It returns
// ok=false for any malformed input; it never panics, since it is called on
// untrusted external names.
func (r *Resolver) ParseExternalName(name string) (Identity, string, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return Identity{}, "", false
	}
	if parts[0] != r.namespace {
		return Identity{}, "", false
	}
	tag := parts[1]
	if !validTags[tag] {
		return Identity{}, "", false
	}
	pack := parts[2]
	action := strings.Join(parts[3:], "_")
	if !validPackToken(pack) || !validActionToken(action) {
		return Identity{}, "", false
	}
	return Identity{Pack: pack, Action: action, Canonical: pack + "." + action}, tag, true
}

// NormalizePack lowercases and maps separators (underscore, dot, space) to
// dashes so the pack stays a single underscore-free token.
func NormalizePack(s string) string {
	return normalize(s, '-', "_. ")
}

// NormalizeAction lowercases and maps separators (dash, dot, space) to
// underscores.
func NormalizeAction(s string) string {
	return normalize(s, '_', "-. ")
}

func normalize(s string, sep byte, from string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastSep := true // suppress a leading separator
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteByte(c)
			lastSep = false
		case strings.IndexByte(from, c) >= 0 || c == sep:
			if !lastSep {
				b.WriteByte(sep)
				lastSep = true
			}
		default:
			// Drop anything outside the allowed alphabet
		}
	}
	return strings.TrimRight(b.String(), string(sep))
}

func validPackToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return false
	}
	return s[0] != '-' && s[len(s)-1] != '-'
}

func validActionToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return s[0] != '_' && s[len(s)-1] != '_'
}
