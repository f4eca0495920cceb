package models

import "fmt"

// Fault is a technical/runtime failure with an explicit type identity. The
// engine matches faults against declared exception mappings by type name;
// Ancestors lists declared supertypes for opt-in subtype matching, replacing
// runtime reflection.
type Fault struct {
	Type      string   `json:"type" validate:"required"`
	Ancestors []string `json:"ancestors,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Type
	}

	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

// IsSubtypeOf reports whether the fault's type is, or descends from, the
// given type name.
func (f *Fault) IsSubtypeOf(typeName string) bool {
	if f.Type == typeName {
		return true
	}

	for _, ancestor := range f.Ancestors {
		if ancestor == typeName {
			return true
		}
	}

	return false
}
