// Package schema parses Loom's compact schema DSL into a validated AST.
//
// A schema is a plain object literal mapping entity names to field
// declarations. A field value is one of:
//   - a primitive type tag ("string", "number", "bool", "date", "json")
//   - free text, treated as a generation prompt for a text field
//   - a relationship string: optional prompt, an operator (-> ~> <- <~),
//     one or more target types separated by |, an optional (threshold),
//     an optional ? marker and an optional .backref
//   - a nested object, parsed as a sub-schema
//   - a single-element array of any of the above, marking the field as
//     an array field
//
// Example:
//
//	def := map[string]any{
//		"Blog": map[string]any{
//			"title": "string",
//			"posts": []any{"<-Post"},
//		},
//		"Post": map[string]any{
//			"title": "string",
//			"blog":  "->Blog",
//			"topic": "The main topic ~>Tag|Category(0.8)?",
//		},
//	}
//	s, err := schema.Parse(def)
//
// Validation runs in two passes so forward references between entities are
// legal. All failures are reported as *schema.Error; nothing is silently
// dropped.
package schema

import (
	"fmt"
	"sort"
)

// MaxIdentLen bounds entity, field and union member names.
const MaxIdentLen = 64

// FieldKind is the closed set of field semantics. Relationship operators are
// modeled as a sum type rather than re-derived from string shape later.
type FieldKind int

const (
	// Plain is a non-relationship field (primitive or prompt-generated text).
	Plain FieldKind = iota
	// ForwardExact is the -> operator: the declaring entity stores the id.
	ForwardExact
	// ForwardFuzzy is the ~> operator: resolved by ranked search, generated
	// on a miss.
	ForwardFuzzy
	// BackwardExact is the <- operator: the referenced (child) entity stores
	// the foreign key.
	BackwardExact
	// BackwardFuzzy is the <~ operator: backward direction, resolved by
	// ranked search, never generates on a miss.
	BackwardFuzzy
)

// String returns the operator token, or "" for Plain.
func (k FieldKind) String() string {
	switch k {
	case ForwardExact:
		return "->"
	case ForwardFuzzy:
		return "~>"
	case BackwardExact:
		return "<-"
	case BackwardFuzzy:
		return "<~"
	}
	return ""
}

// IsRelation reports whether the kind is one of the four relationship
// operators.
func (k FieldKind) IsRelation() bool { return k != Plain }

// Fuzzy reports whether resolution goes through ranked search.
func (k FieldKind) Fuzzy() bool { return k == ForwardFuzzy || k == BackwardFuzzy }

// Backward reports whether the referenced entity stores the foreign key.
func (k FieldKind) Backward() bool { return k == BackwardExact || k == BackwardFuzzy }

// Field is a parsed, immutable field descriptor.
type Field struct {
	Name string
	Kind FieldKind

	// Plain fields
	DataType string  // "string", "number", "bool", "date", "json", "text", "object"
	Sub      *Entity // sub-schema for DataType "object"

	// Relationship fields
	Prompt       string   // free text before the operator
	RelatedType  string   // set when not a union
	UnionTypes   []string // set for unions of 2+ members, declaration order
	Threshold    float64  // fuzzy match threshold
	HasThreshold bool     // distinguishes explicit 0 from unset
	Backref      string   // explicit .field back-reference
	IsArray      bool
	Optional     bool
}

// Targets returns the candidate target types in declaration order. For a
// plain relation this is a single-element slice.
func (f *Field) Targets() []string {
	if len(f.UnionTypes) > 0 {
		return f.UnionTypes
	}
	if f.RelatedType != "" {
		return []string{f.RelatedType}
	}
	return nil
}

// Entity is a parsed entity declaration.
type Entity struct {
	Name         string
	Fields       map[string]*Field
	FieldOrder   []string // declaration-independent sorted order
	Instructions string   // $instructions reserved key
	Context      []string // $context reserved key: types pre-fetched for generation
}

// Field returns the named field or nil.
func (e *Entity) Field(name string) *Field {
	return e.Fields[name]
}

// Relations returns the entity's relationship fields in FieldOrder.
func (e *Entity) Relations() []*Field {
	var out []*Field
	for _, name := range e.FieldOrder {
		if f := e.Fields[name]; f.Kind.IsRelation() {
			out = append(out, f)
		}
	}
	return out
}

// Schema is the validated result of Parse.
type Schema struct {
	Entities map[string]*Entity
	names    []string // sorted for deterministic iteration
}

// Entity returns the named entity or nil.
func (s *Schema) Entity(name string) *Entity {
	return s.Entities[name]
}

// Names returns all entity names in sorted order. Input schema definitions
// are plain maps, so sorted order is the only deterministic one available.
func (s *Schema) Names() []string {
	return s.names
}

// ForwardFieldTo returns the first forward relationship field on childType
// that targets parentType, or nil. Used to infer the backref for backward
// fields that do not declare one explicitly.
func (s *Schema) ForwardFieldTo(childType, parentType string) *Field {
	child := s.Entities[childType]
	if child == nil {
		return nil
	}
	for _, name := range child.FieldOrder {
		f := child.Fields[name]
		if f.Kind != ForwardExact && f.Kind != ForwardFuzzy {
			continue
		}
		for _, t := range f.Targets() {
			if t == parentType {
				return f
			}
		}
	}
	return nil
}

// Error is a schema parse or validation failure. It always names the entity
// (and field, when known) so callers never see a bare message.
type Error struct {
	Entity string
	Field  string
	Msg    string
}

func (e *Error) Error() string {
	switch {
	case e.Entity == "":
		return fmt.Sprintf("schema: %s", e.Msg)
	case e.Field == "":
		return fmt.Sprintf("schema: entity %q: %s", e.Entity, e.Msg)
	default:
		return fmt.Sprintf("schema: entity %q field %q: %s", e.Entity, e.Field, e.Msg)
	}
}

func errf(entity, field, format string, args ...any) *Error {
	return &Error{Entity: entity, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ValidIdent reports whether s satisfies the identifier grammar shared by
// entity names, field names, union members, store type names and ids:
// ASCII letters, digits and underscore, starting with a letter, at most
// MaxIdentLen bytes. Anything else (confusable Unicode, control characters,
// path separators, regex or SQL metacharacters) is outside the allow-list.
func ValidIdent(s string) bool {
	if len(s) == 0 || len(s) > MaxIdentLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
