package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/tarungka/telepipe/internal/operator"
)

// ErrSyntax is returned for malformed pipeline definitions.
var ErrSyntax = errors.New("syntax error in pipeline definition")

// ParseDefinition parses a definition of the form
//
//	from_file path=in.json | remote read_json | where field=level equals="not bad" | to_file path=out.json
//
// Operators are separated by '|'. An operator may be prefixed with "local"
// or "remote" to pin its location. Arguments are key=value pairs; values may
// be double quoted and use backslash escapes.
func ParseDefinition(def string) ([]operator.Spec, error) {
	segments, err := splitPipes(def)
	if err != nil {
		return nil, err
	}
	specs := make([]operator.Spec, 0, len(segments))
	for i, seg := range segments {
		words, err := tokenize(seg)
		if err != nil {
			return nil, err
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("%w: empty operator at position %d", ErrSyntax, i+1)
		}
		var spec operator.Spec
		if words[0] == "local" || words[0] == "remote" {
			spec.Location = words[0]
			words = words[1:]
			if len(words) == 0 {
				return nil, fmt.Errorf("%w: '%s' without operator at position %d", ErrSyntax, spec.Location, i+1)
			}
		}
		spec.Name = words[0]
		if strings.Contains(spec.Name, "=") {
			return nil, fmt.Errorf("%w: expected operator name, got '%s'", ErrSyntax, spec.Name)
		}
		for _, w := range words[1:] {
			key, value, ok := strings.Cut(w, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("%w: argument '%s' of '%s' is not key=value", ErrSyntax, w, spec.Name)
			}
			if spec.Args == nil {
				spec.Args = make(map[string]string)
			}
			spec.Args[key] = value
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// FormatDefinition is the inverse of ParseDefinition, up to argument order.
func FormatDefinition(specs []operator.Spec) string {
	parts := make([]string, 0, len(specs))
	for _, spec := range specs {
		var b strings.Builder
		if spec.Location == "local" || spec.Location == "remote" {
			b.WriteString(spec.Location)
			b.WriteByte(' ')
		}
		b.WriteString(spec.Name)
		for _, key := range slices.Sorted(maps.Keys(spec.Args)) {
			b.WriteByte(' ')
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(quote(spec.Args[key]))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " | ")
}

// splitPipes splits on '|' outside of quotes.
func splitPipes(def string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		escaped bool
	)
	for _, r := range def {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
		case r == '|' && !quoted:
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrSyntax)
	}
	out = append(out, cur.String())
	if len(out) == 1 && strings.TrimSpace(out[0]) == "" {
		return nil, nil
	}
	return out, nil
}

func tokenize(s string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quoted  bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"':
			quoted = !quoted
			inWord = true
		case unicode.IsSpace(r) && !quoted:
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("%w: unterminated quote", ErrSyntax)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

func quote(v string) string {
	if v != "" && !strings.ContainsFunc(v, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '|' || r == '\\'
	}) {
		return v
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}
