package generate

import (
	"fmt"
	"strings"

	"github.com/loomdb/loom/pkg/schema"
)

// Ref is one unresolved reference collected during the draft phase: the
// relationship field and the hints (ids or free text) to resolve against
// it. Singular fields carry one hint; array fields may carry several.
type Ref struct {
	Field *schema.Field
	Hints []string
}

// Draft is the output of phase one: plain fields filled, references
// collected but not yet linked. A draft holds no store state; resolving it
// is what persists the entity.
type Draft struct {
	Type   string
	Fields map[string]any
	Refs   []*Ref

	// Hint is the reference text that triggered this draft when it was
	// produced by a cascade, empty for direct creates.
	Hint string

	generated   bool
	generatedBy string
}

// Generated reports whether the draft was produced by generation rather
// than direct input.
func (d *Draft) Generated() bool { return d.generated }

// Ref returns the draft's collected ref for a field name, or nil.
func (d *Draft) Ref(name string) *Ref {
	for _, r := range d.Refs {
		if r.Field.Name == name {
			return r
		}
	}
	return nil
}

// refHints normalizes a caller-supplied reference value into hint strings.
// Accepted shapes: string, []any of strings, []string. Anything else is a
// shape error, never silently coerced.
func refHints(field *schema.Field, value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		if !field.IsArray && len(v) > 1 {
			return nil, fmt.Errorf("field %q is singular, got %d values", field.Name, len(v))
		}
		return v, nil
	case []any:
		if !field.IsArray && len(v) > 1 {
			return nil, fmt.Errorf("field %q is singular, got %d values", field.Name, len(v))
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: reference values must be strings, got %T", field.Name, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %q: reference value must be a string or list of strings, got %T", field.Name, value)
	}
}

// resolveTemplate substitutes {path.to.field} placeholders from data,
// walking nested maps dot by dot. Unresolved placeholders become the empty
// string so generation degrades instead of failing.
func resolveTemplate(s string, data map[string]any) string {
	if !strings.ContainsRune(s, '{') {
		return s
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:open])
		path := s[open+1 : open+end]
		b.WriteString(lookupPath(data, path))
		s = s[open+end+1:]
	}
}

func lookupPath(data map[string]any, path string) string {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
