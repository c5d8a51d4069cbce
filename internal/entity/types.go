package entity

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("entity: not found")
	ErrConflict     = errors.New("entity: already exists")
	ErrInvalidInput = errors.New("entity: invalid input")
	// ErrCycle is returned when a parent change would make an entity its own ancestor.
	ErrCycle = errors.New("entity: parent cycle")
)

// Known entity types. Type is a closed tag set; anything else is rejected on write.
const (
	TypeIssuer   = "issuer"
	TypeOffering = "offering"
	TypeInvestor = "investor"
	TypeAgent    = "agent"
	TypeOther    = "other"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusArchived = "archived"
)

// Entity is a node in the resource hierarchy. ParentID is empty for roots.
// (Name, Type) is unique; archived entities are retained, never deleted.
type Entity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	ParentID   string         `json:"parent_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Update describes a partial entity patch; nil fields are left unchanged.
type Update struct {
	Name       *string
	Status     *string
	ParentID   *string
	Attributes map[string]any
}

// ValidType reports whether t is one of the known entity type tags.
func ValidType(t string) bool {
	switch t {
	case TypeIssuer, TypeOffering, TypeInvestor, TypeAgent, TypeOther:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known entity status.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}
