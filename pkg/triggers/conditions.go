package triggers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/1rokoko/hotel-boost-sub006/pkg/models"
)

// ErrUnknownOperator is returned when compiling a condition with an unsupported operator
var ErrUnknownOperator = errors.New("unknown condition operator")

// Operator is the comparison a condition applies
type Operator string

const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Fields are the values a condition can look at. Keys are dotted paths such
// as "guest.room_number"; nested maps are walked when no flat key matches.
type Fields map[string]interface{}

func (f Fields) lookup(path string) (interface{}, bool) {
	if v, ok := f[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(f)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Fields:
		return m, true
	}
	return nil, false
}

// Expr is a compiled condition tree. The variants are Compare and All.
type Expr interface {
	Eval(fields Fields) bool
}

// Compare tests one field against a literal
type Compare struct {
	Field string
	Op    Operator
	Value interface{}
}

// All holds when every child holds. An empty All holds.
type All []Expr

func (a All) Eval(fields Fields) bool {
	for _, e := range a {
		if !e.Eval(fields) {
			return false
		}
	}
	return true
}

// Eval is false when the field is missing or the operands cannot be compared.
func (c Compare) Eval(fields Fields) bool {
	actual, ok := fields.lookup(c.Field)
	if !ok || actual == nil {
		return false
	}

	switch c.Op {
	case OpEquals:
		if a, ok := toFloat(actual); ok {
			if b, ok := toFloat(c.Value); ok {
				return a == b
			}
		}
		if a, ok := actual.(bool); ok {
			b, ok := toBool(c.Value)
			return ok && a == b
		}
		return strings.EqualFold(toString(actual), toString(c.Value))
	case OpGreaterThan, OpLessThan:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Op == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpContains:
		if list, ok := actual.([]interface{}); ok {
			for _, item := range list {
				if strings.EqualFold(toString(item), toString(c.Value)) {
					return true
				}
			}
			return false
		}
		if list, ok := actual.([]string); ok {
			for _, item := range list {
				if strings.EqualFold(item, toString(c.Value)) {
					return true
				}
			}
			return false
		}
		return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(toString(c.Value)))
	}
	return false
}

// Compile turns stored conditions into an AND-combined expression.
func Compile(conditions []models.Condition) (Expr, error) {
	expr := make(All, 0, len(conditions))
	for i, cond := range conditions {
		if cond.Field == "" {
			return nil, fmt.Errorf("condition %d: empty field", i)
		}
		op := Operator(strings.ToLower(strings.TrimSpace(cond.Operator)))
		switch op {
		case OpEquals, OpGreaterThan, OpLessThan, OpContains:
		default:
			return nil, fmt.Errorf("condition %d: %w: %q", i, ErrUnknownOperator, cond.Operator)
		}
		expr = append(expr, Compare{Field: cond.Field, Op: op, Value: cond.Value})
	}
	return expr, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
