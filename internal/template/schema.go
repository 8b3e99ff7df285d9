// Package template defines versioned automation templates, loads them from a
// catalog directory, and renders their skeletons with bound values.
package template

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParamType is the declared type of a template parameter.
type ParamType string

const (
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeString  ParamType = "string"
	TypeEnum    ParamType = "enum"
	TypeTime    ParamType = "time" // HH:MM[:SS], normalized to HH:MM:SS
)

func (t ParamType) valid() bool {
	switch t {
	case TypeInteger, TypeNumber, TypeBoolean, TypeString, TypeEnum, TypeTime:
		return true
	}
	return false
}

// ParamSpec is the schema entry for one parameter.
type ParamSpec struct {
	Type        ParamType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Options     []string  `yaml:"options,omitempty" json:"options,omitempty"`
	Pattern     string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// AreaMatch controls how a context reference's area narrows candidates.
type AreaMatch string

const (
	// AreaStrict drops candidates outside the stated area.
	AreaStrict AreaMatch = "strict"
	// AreaPrefer ranks candidates in the stated area first but keeps the rest.
	AreaPrefer AreaMatch = "prefer"
)

// ContextRef declares an environment entity the template needs bound, such as
// "a motion binary_sensor in the living room".
type ContextRef struct {
	Domain      string    `yaml:"domain" json:"domain"`
	DeviceClass string    `yaml:"device_class,omitempty" json:"device_class,omitempty"`
	Capability  string    `yaml:"capability,omitempty" json:"capability,omitempty"`
	Area        string    `yaml:"area,omitempty" json:"area,omitempty"`
	AreaParam   string    `yaml:"area_param,omitempty" json:"area_param,omitempty"`
	AreaMatch   AreaMatch `yaml:"area_match,omitempty" json:"area_match,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Skeleton holds the trigger/condition/action fragments in authored order.
type Skeleton struct {
	Mode       string    `yaml:"mode,omitempty"`
	Triggers   yaml.Node `yaml:"triggers"`
	Conditions yaml.Node `yaml:"conditions,omitempty"`
	Actions    yaml.Node `yaml:"actions"`
}

// Template is an immutable (id, version) automation definition. Values handed
// out by a Library must never be mutated.
type Template struct {
	ID          string                `yaml:"id"`
	Version     int                   `yaml:"version"`
	Title       string                `yaml:"title"`
	Description string                `yaml:"description,omitempty"`
	Parameters  map[string]ParamSpec  `yaml:"parameters,omitempty"`
	Context     map[string]ContextRef `yaml:"context,omitempty"`
	Skeleton    Skeleton              `yaml:"skeleton"`

	Source      string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// Key identifies one template version.
type Key struct {
	ID      string
	Version int
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.ID, k.Version)
}

// Key returns the template's (id, version) pair.
func (t *Template) Key() Key {
	return Key{ID: t.ID, Version: t.Version}
}

// Summary is the catalog view of a template, also used in planner prompts.
type Summary struct {
	ID          string                `json:"template_id"`
	Version     int                   `json:"version"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Parameters  map[string]ParamSpec  `json:"parameters,omitempty"`
	Context     map[string]ContextRef `json:"context,omitempty"`
	Fingerprint string                `json:"fingerprint"`
}

// Summary returns the catalog view of t.
func (t *Template) Summary() Summary {
	return Summary{
		ID:          t.ID,
		Version:     t.Version,
		Title:       t.Title,
		Description: t.Description,
		Parameters:  t.Parameters,
		Context:     t.Context,
		Fingerprint: t.Fingerprint,
	}
}
