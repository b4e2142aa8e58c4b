// Copyright © 2018 One Concern

// Package platform describes what an action requires from a worker and what a
// worker offers, and decides whether the latter satisfies the former.
package platform

import (
	"sort"
	"strconv"
	"strings"

	"github.com/oneconcern/buildfarm/pkg/errors"
)

// ErrUnknownPropertyType is returned when parsing an unsupported property type
var ErrUnknownPropertyType = errors.New("unknown platform property type")

// Properties is an opaque key-value set: requirements on an action, capabilities on a worker
type Properties map[string]string

// PropertyType tells how a required property is matched against a worker's
type PropertyType int

const (
	// Exact requires the worker to declare the same value (default)
	Exact PropertyType = iota
	// Minimum requires a numeric worker value greater than or equal to the requirement
	Minimum
	// Priority is informational: always satisfied
	Priority
)

func (p PropertyType) String() string {
	switch p {
	case Minimum:
		return "minimum"
	case Priority:
		return "priority"
	default:
		return "exact"
	}
}

// ParsePropertyType reads "exact", "minimum" or "priority"
func ParsePropertyType(s string) (PropertyType, error) {
	switch strings.ToLower(s) {
	case "exact", "":
		return Exact, nil
	case "minimum":
		return Minimum, nil
	case "priority":
		return Priority, nil
	default:
		return Exact, ErrUnknownPropertyType.WrapMessage("%q", s)
	}
}

// Matcher applies typed matching rules. Keys without a declared type match exactly.
type Matcher struct {
	types map[string]PropertyType
}

// NewMatcher with per-key property types
func NewMatcher(types map[string]PropertyType) *Matcher {
	m := &Matcher{types: make(map[string]PropertyType, len(types))}
	for k, v := range types {
		m.types[k] = v
	}
	return m
}

// Type of a property key
func (m *Matcher) Type(key string) PropertyType {
	if m == nil {
		return Exact
	}
	return m.types[key]
}

// Satisfies reports whether worker capabilities cover every requirement
func (m *Matcher) Satisfies(worker, required Properties) bool {
	for key, want := range required {
		switch m.Type(key) {
		case Priority:
			continue
		case Minimum:
			have, ok := worker[key]
			if !ok {
				return false
			}
			haveN, err := strconv.ParseFloat(have, 64)
			if err != nil {
				return false
			}
			wantN, err := strconv.ParseFloat(want, 64)
			if err != nil {
				return false
			}
			if haveN < wantN {
				return false
			}
		default:
			if have, ok := worker[key]; !ok || have != want {
				return false
			}
		}
	}
	return true
}

// Clone returns an independent copy
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	c := make(Properties, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// String renders properties as sorted "k=v" pairs
func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}
