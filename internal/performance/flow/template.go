package flow

import (
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Template is a string with {{name}} placeholders, parsed once and
// rendered per iteration.
//
// Besides variables, placeholders may use the built-ins __VU, __ITER,
// __SCENARIO, __ENV.NAME, $uuid, $timestamp, $randomInt and
// $randomInt(min,max).
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text string
	expr string
}

var randomIntRe = regexp.MustCompile(`^\$randomInt\(\s*(-?\d+)\s*,\s*(-?\d+)\s*\)$`)

// ParseTemplate splits s into literal text and placeholders.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{text: rest})
			}
			return t, nil
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		if open > 0 {
			t.parts = append(t.parts, templatePart{text: rest[:open]})
		}
		expr := strings.TrimSpace(rest[open+2 : open+2+end])
		if expr == "" {
			return nil, fmt.Errorf("empty placeholder in %q", s)
		}
		t.parts = append(t.parts, templatePart{expr: expr})
		rest = rest[open+2+end+2:]
	}
}

// MustParseTemplate is ParseTemplate that panics on error.
func MustParseTemplate(s string) *Template {
	t, err := ParseTemplate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the source text.
func (t *Template) String() string {
	return t.raw
}

// Static reports whether the template has no placeholders.
func (t *Template) Static() bool {
	for _, p := range t.parts {
		if p.expr != "" {
			return false
		}
	}
	return true
}

// Variables returns the variable names referenced, excluding built-ins.
func (t *Template) Variables() []string {
	var out []string
	for _, p := range t.parts {
		if p.expr != "" && !isBuiltin(p.expr) {
			out = append(out, p.expr)
		}
	}
	return out
}

// Render substitutes every placeholder. Undefined variables produce a
// MissingValueError listing all of them.
func (t *Template) Render(it *Iteration) (string, error) {
	if len(t.parts) == 1 && t.parts[0].expr == "" {
		return t.parts[0].text, nil
	}

	var (
		sb      strings.Builder
		missing []string
	)
	for _, p := range t.parts {
		if p.expr == "" {
			sb.WriteString(p.text)
			continue
		}
		v, ok := it.evaluate(p.expr)
		if !ok {
			missing = append(missing, p.expr)
			continue
		}
		sb.WriteString(Stringify(v))
	}
	if len(missing) > 0 {
		return "", &MissingValueError{Step: it.step, Names: missing}
	}
	return sb.String(), nil
}

// Value renders the template, keeping the native type when the whole
// template is a single placeholder so JSON bodies preserve numbers and
// objects.
func (t *Template) Value(it *Iteration) (any, error) {
	if len(t.parts) != 1 || t.parts[0].expr == "" {
		return t.Render(it)
	}
	v, ok := it.evaluate(t.parts[0].expr)
	if !ok {
		return nil, &MissingValueError{Step: it.step, Names: []string{t.parts[0].expr}}
	}
	if r, isResult := v.(gjson.Result); isResult {
		return r.Value(), nil
	}
	return v, nil
}

func isBuiltin(expr string) bool {
	return strings.HasPrefix(expr, "__") || strings.HasPrefix(expr, "$")
}

// evaluate resolves a built-in or a variable.
func (it *Iteration) evaluate(expr string) (any, bool) {
	switch expr {
	case "__VU":
		return it.VU, true
	case "__ITER":
		return it.Number, true
	case "__SCENARIO":
		return it.Scenario, true
	case "$uuid":
		return uuid.NewString(), true
	case "$timestamp":
		return time.Now().UnixMilli(), true
	case "$randomInt":
		return rand.IntN(1_000_000), true
	}

	if name, ok := strings.CutPrefix(expr, "__ENV."); ok {
		if v, ok := it.rt.Env[name]; ok {
			return v, true
		}
		return os.LookupEnv(name)
	}

	if m := randomIntRe.FindStringSubmatch(expr); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if hi < lo {
			lo, hi = hi, lo
		}
		return lo + rand.IntN(hi-lo+1), true
	}

	return it.Lookup(expr)
}
