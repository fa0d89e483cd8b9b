package schema

import (
	"strconv"
	"strings"
)

// Reserved entity-level keys.
const (
	KeyInstructions = "$instructions"
	KeyContext      = "$context"
)

// primitiveTags are the recognized plain type tags. Any other operator-free
// string is treated as a generation prompt for a text field.
var primitiveTags = map[string]string{
	"string":   "string",
	"text":     "text",
	"number":   "number",
	"int":      "number",
	"float":    "number",
	"bool":     "bool",
	"boolean":  "bool",
	"date":     "date",
	"datetime": "date",
	"json":     "json",
	"any":      "json",
}

// Parse parses a schema definition into a validated Schema.
//
// Validation runs in two passes: pass one builds the entity/field table,
// pass two resolves every relationship target against the full table so
// forward references are legal. Any failure returns a *Error; a returned
// Schema is fully validated.
func Parse(def map[string]any) (*Schema, error) {
	if len(def) == 0 {
		return nil, errf("", "", "empty schema definition")
	}

	s := &Schema{Entities: make(map[string]*Entity, len(def))}

	// Pass 1: build the entity table.
	for _, name := range sortedKeys(def) {
		if !ValidIdent(name) {
			return nil, errf(name, "", "invalid entity name: must match [A-Za-z][A-Za-z0-9_]* (max %d bytes)", MaxIdentLen)
		}
		fields, ok := def[name].(map[string]any)
		if !ok {
			return nil, errf(name, "", "entity definition must be an object, got %T", def[name])
		}
		entity, err := parseEntity(name, fields)
		if err != nil {
			return nil, err
		}
		s.Entities[name] = entity
		s.names = append(s.names, name)
	}

	// Pass 2: resolve relationship targets against the full table.
	for _, name := range s.names {
		if err := validateEntity(s, s.Entities[name]); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// MustParse is Parse that panics on error, for tests and static schemas.
func MustParse(def map[string]any) *Schema {
	s, err := Parse(def)
	if err != nil {
		panic(err)
	}
	return s
}

func parseEntity(name string, raw map[string]any) (*Entity, error) {
	entity := &Entity{
		Name:   name,
		Fields: make(map[string]*Field, len(raw)),
	}

	for _, fieldName := range sortedKeys(raw) {
		value := raw[fieldName]

		switch fieldName {
		case KeyInstructions:
			str, ok := value.(string)
			if !ok {
				return nil, errf(name, fieldName, "$instructions must be a string, got %T", value)
			}
			entity.Instructions = str
			continue
		case KeyContext:
			types, err := parseContextList(name, value)
			if err != nil {
				return nil, err
			}
			entity.Context = types
			continue
		}

		if !ValidIdent(fieldName) {
			return nil, errf(name, fieldName, "invalid field name: must match [A-Za-z][A-Za-z0-9_]* (max %d bytes)", MaxIdentLen)
		}

		field, err := parseField(name, fieldName, value)
		if err != nil {
			return nil, err
		}
		entity.Fields[fieldName] = field
		entity.FieldOrder = append(entity.FieldOrder, fieldName)
	}

	return entity, nil
}

func parseContextList(entity string, value any) ([]string, error) {
	var items []any
	switch v := value.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	default:
		return nil, errf(entity, KeyContext, "$context must be a list of type names, got %T", value)
	}
	var out []string
	for _, item := range items {
		str, ok := item.(string)
		if !ok || !ValidIdent(str) {
			return nil, errf(entity, KeyContext, "invalid $context entry %v", item)
		}
		out = append(out, str)
	}
	return out, nil
}

func parseField(entity, name string, value any) (*Field, error) {
	// Array literal marks IsArray and unwraps to the single element spec.
	switch arr := value.(type) {
	case []any:
		if len(arr) != 1 {
			return nil, errf(entity, name, "array field must have exactly one element spec, got %d", len(arr))
		}
		inner, err := parseField(entity, name, arr[0])
		if err != nil {
			return nil, err
		}
		inner.IsArray = true
		return inner, nil
	case []string:
		if len(arr) != 1 {
			return nil, errf(entity, name, "array field must have exactly one element spec, got %d", len(arr))
		}
		inner, err := parseField(entity, name, arr[0])
		if err != nil {
			return nil, err
		}
		inner.IsArray = true
		return inner, nil
	}

	switch v := value.(type) {
	case string:
		return parseFieldString(entity, name, v)
	case map[string]any:
		sub, err := parseEntity(name, v)
		if err != nil {
			return nil, err
		}
		return &Field{Name: name, Kind: Plain, DataType: "object", Sub: sub}, nil
	default:
		return nil, errf(entity, name, "field value must be a string, object or array, got %T", value)
	}
}

// parseFieldString tokenizes a field value string left to right: optional
// prompt, operator, target type(s), optional (threshold), optional ?,
// optional .backref.
func parseFieldString(entity, name, value string) (*Field, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, errf(entity, name, "empty field value")
	}

	opIdx, kind := findOperator(trimmed)
	if kind == Plain {
		// No operator: primitive tag or a free-text generation prompt.
		if tag, ok := primitiveTags[strings.ToLower(trimmed)]; ok {
			return &Field{Name: name, Kind: Plain, DataType: tag}, nil
		}
		return &Field{Name: name, Kind: Plain, DataType: "text", Prompt: trimmed}, nil
	}

	field := &Field{
		Name:   name,
		Kind:   kind,
		Prompt: strings.TrimSpace(trimmed[:opIdx]),
	}

	rest := strings.TrimSpace(trimmed[opIdx+2:])
	if rest == "" {
		return nil, errf(entity, name, "operator %q without a target type", kind)
	}

	targetsEnd := len(rest)
	for i := 0; i < len(rest); i++ {
		if c := rest[i]; c == '(' || c == '?' || c == '.' || c == ' ' {
			targetsEnd = i
			break
		}
	}

	targets := strings.Split(rest[:targetsEnd], "|")
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if !ValidIdent(t) {
			return nil, errf(entity, name, "invalid target type %q", t)
		}
		if seen[t] {
			return nil, errf(entity, name, "duplicate union member %q", t)
		}
		seen[t] = true
	}
	if len(targets) == 1 {
		// A single-member union degrades to a plain relation.
		field.RelatedType = strings.TrimSpace(targets[0])
	} else {
		for _, t := range targets {
			field.UnionTypes = append(field.UnionTypes, strings.TrimSpace(t))
		}
	}

	// Suffixes: (threshold), ?, .backref. Accepted in any order, each at
	// most once.
	suffix := strings.TrimSpace(rest[targetsEnd:])
	for suffix != "" {
		switch suffix[0] {
		case '(':
			closing := strings.IndexByte(suffix, ')')
			if closing < 0 {
				return nil, errf(entity, name, "unterminated threshold: missing ')'")
			}
			if field.HasThreshold {
				return nil, errf(entity, name, "duplicate threshold")
			}
			raw := strings.TrimSpace(suffix[1:closing])
			th, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, errf(entity, name, "invalid threshold %q", raw)
			}
			if th < 0 || th > 1 {
				return nil, errf(entity, name, "threshold %v out of range [0,1]", th)
			}
			field.Threshold = th
			field.HasThreshold = true
			suffix = strings.TrimSpace(suffix[closing+1:])
		case '?':
			if field.Optional {
				return nil, errf(entity, name, "duplicate optionality marker")
			}
			field.Optional = true
			suffix = strings.TrimSpace(suffix[1:])
		case '.':
			if field.Backref != "" {
				return nil, errf(entity, name, "duplicate back-reference")
			}
			end := 1
			for end < len(suffix) && isIdentByte(suffix[end]) {
				end++
			}
			ref := suffix[1:end]
			if !ValidIdent(ref) {
				return nil, errf(entity, name, "invalid back-reference %q", ref)
			}
			field.Backref = ref
			suffix = strings.TrimSpace(suffix[end:])
		default:
			return nil, errf(entity, name, "unexpected trailing %q in field value", suffix)
		}
	}

	return field, nil
}

// findOperator returns the byte index and kind of the first relationship
// operator in s, or (-1, Plain) if none is present.
func findOperator(s string) (int, FieldKind) {
	for i := 0; i+1 < len(s); i++ {
		switch s[i : i+2] {
		case "->":
			return i, ForwardExact
		case "~>":
			return i, ForwardFuzzy
		case "<-":
			return i, BackwardExact
		case "<~":
			return i, BackwardFuzzy
		}
	}
	return -1, Plain
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// validateEntity is pass two: every relationship target (and sub-schema
// target) must name an entity defined in the schema.
func validateEntity(s *Schema, entity *Entity) error {
	for _, fieldName := range entity.FieldOrder {
		field := entity.Fields[fieldName]

		if field.Sub != nil {
			if err := validateEntity(s, field.Sub); err != nil {
				return err
			}
		}
		if !field.Kind.IsRelation() {
			continue
		}

		for _, target := range field.Targets() {
			if s.Entities[target] == nil {
				return errf(entity.Name, fieldName, "relationship target %q is not defined in the schema", target)
			}
		}

		// An explicit backref on a backward field must exist on the target.
		if field.Backref != "" && field.Kind.Backward() && field.RelatedType != "" {
			target := s.Entities[field.RelatedType]
			if target.Fields[field.Backref] == nil {
				return errf(entity.Name, fieldName,
					"back-reference %q is not a field of %q", field.Backref, field.RelatedType)
			}
		}
	}
	return nil
}
