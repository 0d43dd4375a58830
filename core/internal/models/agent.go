package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Agent struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Slug         string         `json:"slug"`
	Enabled      bool           `json:"enabled"`
	Capabilities []string       `json:"capabilities"`
	Keywords     []string       `json:"keywords,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Supports reports whether the agent advertises capability exactly or through a parent tag
// ("email" covers "email.send").
func (a Agent) Supports(capability string) bool {
	capability = NormalizeCapability(capability)
	if capability == "" {
		return false
	}
	for _, tag := range a.Capabilities {
		if tag == capability || CoversCapability(tag, capability) {
			return true
		}
	}
	return false
}

func (a Agent) HasCapability(tag string) bool {
	tag = NormalizeCapability(tag)
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

func NormalizeCapability(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// CoversCapability is true when parent is a dotted prefix of child.
func CoversCapability(parent string, child string) bool {
	return parent != "" && len(child) > len(parent) && strings.HasPrefix(child, parent+".")
}

func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}
