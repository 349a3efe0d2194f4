// Package paramtree implements the dotted-path parameter tree used for job
// settings and optimizer search spaces, plus a parser for
// "dotted.path=literal" overrides (ParseOverride, ApplyOverrides). The
// command-line flags of package cli do not take overrides. Literal values
// are parsed with expr-lang/expr rather than a hand-rolled scanner.
package paramtree

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// Separator joins path segments into a single flat key, e.g. "optimizer.lr".
const Separator = "."

// stdEnding marks a derived statistic column (mean/std) and is rejected as
// a literal parameter name to avoid colliding with generated summary
// columns.
const stdEnding = "__std"

var reservedNames = map[string]bool{
	"_id":          true,
	"_iteration":   true,
	"working_dir":  true,
	"job_restarts": true,
}

var validNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidateName enforces the naming rules applied to every parameter path:
// restricted character set, no reserved names, no "__std" suffix, and no
// leading/trailing separator.
func ValidateName(name string) error {
	if !validNamePattern.MatchString(name) {
		return fmt.Errorf("parameter name %q is not valid: only letters, digits, '_.:-' allowed", name)
	}
	if strings.HasPrefix(name, Separator) || strings.HasSuffix(name, Separator) {
		return fmt.Errorf("parameter name %q is not valid: %q not allowed at start or end", name, Separator)
	}
	if strings.HasSuffix(name, stdEnding) {
		return fmt.Errorf("parameter name %q is not valid: ends with %q (may collide with a derived column)", name, stdEnding)
	}
	last := name
	if idx := strings.LastIndex(name, Separator); idx >= 0 {
		last = name[idx+1:]
	}
	if reservedNames[last] {
		return fmt.Errorf("parameter name %q is not valid: %q is reserved", name, last)
	}
	return nil
}

// Tree is a flattened, dotted-path view over a nested settings document.
// It deliberately keeps values as `any` (bool, int64, float64, string,
// []any) rather than introducing a tagged-union type: Go's dynamic
// map[string]any already round-trips cleanly through JSON and gob, and a
// tagged union would only add a converter.
type Tree struct {
	flat map[string]any
}

// New builds a Tree from a nested settings document (the decoded form of
// settings.json), flattening nested maps into dotted paths.
func New(nested map[string]any) *Tree {
	t := &Tree{flat: make(map[string]any)}
	flatten(nested, "", t.flat)
	return t
}

func flatten(nested map[string]any, prefix string, out map[string]any) {
	for k, v := range nested {
		key := k
		if prefix != "" {
			key = prefix + Separator + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(sub, key, out)
			continue
		}
		out[key] = v
	}
}

// Get returns the value at a dotted path.
func (t *Tree) Get(path string) (any, bool) {
	v, ok := t.flat[path]
	return v, ok
}

// Set assigns a dotted path, validating its name first. New keys may be
// introduced; overrides are not restricted to paths that already exist.
func (t *Tree) Set(path string, value any) error {
	if err := ValidateName(path); err != nil {
		return err
	}
	t.flat[path] = value
	return nil
}

// Paths returns every flattened dotted path currently present, in no
// particular order.
func (t *Tree) Paths() []string {
	out := make([]string, 0, len(t.flat))
	for k := range t.flat {
		out = append(out, k)
	}
	return out
}

// Nested reconstructs the nested map form, inverse of New.
func (t *Tree) Nested() map[string]any {
	out := make(map[string]any)
	for path, value := range t.flat {
		segs := strings.Split(path, Separator)
		cur := out
		for i, seg := range segs {
			if i == len(segs)-1 {
				cur[seg] = value
				continue
			}
			next, ok := cur[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[seg] = next
			}
			cur = next
		}
	}
	return out
}

// Override is a single parsed "dotted.path=literal" assignment.
type Override struct {
	Path  string
	Value any
}

// ParseOverride parses one "dotted.path=literal" override. The literal
// is evaluated with expr-lang/expr so that booleans, numbers, strings, and
// simple tuples ("[1, 2, 3]") all parse the way a user expects without a
// bespoke grammar.
func ParseOverride(arg string) (Override, error) {
	idx := strings.Index(arg, "=")
	if idx < 0 {
		return Override{}, fmt.Errorf("override %q must be of the form path.to.param=value", arg)
	}
	path := strings.TrimSpace(arg[:idx])
	literal := strings.TrimSpace(arg[idx+1:])

	if err := ValidateName(path); err != nil {
		return Override{}, err
	}

	value, err := evalLiteral(literal)
	if err != nil {
		return Override{}, fmt.Errorf("override %q: %w", arg, err)
	}
	return Override{Path: path, Value: value}, nil
}

func evalLiteral(literal string) (any, error) {
	program, err := expr.Compile(literal)
	if err != nil {
		// Fall back to treating it as a bare string literal, e.g. an
		// override value like `gpu` that is not valid expr syntax on
		// its own.
		return literal, nil
	}
	out, err := expr.Run(program, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("evaluate literal %q: %w", literal, err)
	}
	if out == nil && literal != "nil" {
		// A bare word such as `condor` compiles as an undefined variable
		// and evaluates to nil; keep it as the string that was written.
		return literal, nil
	}
	return out, nil
}

// ApplyOverrides parses and applies a batch of "path=value" CLI arguments
// in order, so a later override wins over an earlier one touching the same
// path.
func (t *Tree) ApplyOverrides(args []string) error {
	for _, arg := range args {
		ov, err := ParseOverride(arg)
		if err != nil {
			return err
		}
		if err := t.Set(ov.Path, ov.Value); err != nil {
			return err
		}
	}
	return nil
}
