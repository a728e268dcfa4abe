package domain

import (
	"fmt"
	"strings"
)

// Tag is the deployment scope requested by the user
type Tag string

const (
	TagWeb      Tag = "web"
	TagBackend  Tag = "backend"
	TagFrontend Tag = "frontend"
	TagAll      Tag = "all"
)

// scopePrefix is prepended to a tag to form the automation tag name
const scopePrefix = "deploy-"

// Tags returns every accepted tag in display order
func Tags() []Tag {
	return []Tag{TagWeb, TagBackend, TagFrontend, TagAll}
}

func (t Tag) String() string {
	return string(t)
}

// IsValid checks if the Tag is one of the known scopes
func (t Tag) IsValid() bool {
	switch t {
	case TagWeb, TagBackend, TagFrontend, TagAll:
		return true
	default:
		return false
	}
}

// Scopes expands the tag into automation scope names. "all" covers the
// backend and frontend scopes.
func (t Tag) Scopes() []string {
	if t == TagAll {
		return []string{scopePrefix + string(TagBackend), scopePrefix + string(TagFrontend)}
	}
	return []string{scopePrefix + string(t)}
}

// ScopeFlags returns the scope flags passed to the provisioning binary
func (t Tag) ScopeFlags() []string {
	scopes := t.Scopes()
	flags := make([]string, 0, len(scopes)*2)
	for _, scope := range scopes {
		flags = append(flags, "-t", scope)
	}
	return flags
}

// ParseTag parses a string into a Tag
func ParseTag(s string) (Tag, error) {
	tag := Tag(strings.TrimSpace(s))
	if !tag.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, s)
	}
	return tag, nil
}
