package weft

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
	OpExists   Op = "exists"
)

// Condition is a restricted predicate over a context document. A leaf
// compares the value at Path with Value; Any, All and Not combine children.
// The zero Condition matches everything.
type Condition struct {
	Path  string `yaml:"path,omitempty" json:"path,omitempty"`
	Op    Op     `yaml:"op,omitempty" json:"op,omitempty"`
	Value any    `yaml:"value,omitempty" json:"value,omitempty"`

	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	Not *Condition  `yaml:"not,omitempty" json:"not,omitempty"`
}

// IsZero reports whether c has no clauses.
func (c Condition) IsZero() bool {
	return c.Path == "" && c.Op == "" && c.Value == nil && len(c.Any) == 0 && len(c.All) == 0 && c.Not == nil
}

// Validate checks operators and regular expressions.
func (c Condition) Validate() error {
	for _, sub := range c.Any {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range c.All {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if c.Not != nil {
		if err := c.Not.Validate(); err != nil {
			return err
		}
	}
	switch c.Op {
	case "", OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpExists:
	case OpRegex:
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("condition %s: regex value must be a string", c.Path)
		}
		if _, err := compileRegex(s); err != nil {
			return fmt.Errorf("condition %s: %w", c.Path, err)
		}
	default:
		return fmt.Errorf("condition %s: unknown operator %q", c.Path, c.Op)
	}
	return nil
}

// Matches evaluates c against doc.
func (c Condition) Matches(doc map[string]any) bool {
	switch {
	case c.IsZero():
		return true
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			if sub.Matches(doc) {
				return true
			}
		}
		return false
	case len(c.All) > 0:
		for _, sub := range c.All {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	case c.Not != nil:
		return !c.Not.Matches(doc)
	}

	actual := resolvePath(doc, c.Path)
	op := c.Op
	if op == "" {
		op = OpEq
	}
	return applyOp(op, actual, c.Value)
}

func applyOp(op Op, actual, expected any) bool {
	switch op {
	case OpEq:
		return equalValues(actual, expected)
	case OpNe:
		return !equalValues(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		if actual == nil {
			return false
		}
		cmp, ok := compareValues(actual, expected)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		rv := reflect.ValueOf(expected)
		if expected == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if equalValues(actual, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(stringify(actual), stringify(expected))
	case OpRegex:
		if actual == nil {
			return false
		}
		s, _ := expected.(string)
		re, err := compileRegex(s)
		if err != nil {
			return false
		}
		return re.MatchString(stringify(actual))
	case OpExists:
		return actual != nil
	}
	return false
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders numbers numerically and strings lexically.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

var regexCache sync.Map

func compileRegex(expr string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCache.Store(expr, re)
	return re, nil
}

// resolvePath walks a dotted path through maps and lists. Numeric segments
// index lists. Missing keys resolve to nil.
func resolvePath(doc map[string]any, path string) any {
	if path == "" {
		return doc
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[part]
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolate substitutes ${path} references. A string that is exactly one
// reference resolves to the referenced value with its type intact.
func interpolate(s string, doc map[string]any) any {
	if m := templateExpr.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return resolvePath(doc, strings.TrimSpace(s[m[2]:m[3]]))
	}
	return interpolateString(s, doc)
}

// interpolateString substitutes ${path} references as text. Missing values
// become empty strings.
func interpolateString(s string, doc map[string]any) string {
	return templateExpr.ReplaceAllStringFunc(s, func(ref string) string {
		path := strings.TrimSpace(ref[2 : len(ref)-1])
		return stringify(resolvePath(doc, path))
	})
}

// interpolateValue applies interpolate to every string inside v.
func interpolateValue(v any, doc map[string]any) any {
	switch x := v.(type) {
	case string:
		return interpolate(x, doc)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = interpolateValue(val, doc)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = interpolateValue(val, doc)
		}
		return out
	}
	return v
}
