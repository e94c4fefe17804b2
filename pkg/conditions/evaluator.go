// Package conditions evaluates field/operator/value conditions against a run
// context. Evaluation never fails: anything that cannot be compared is false.
package conditions

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// EvaluationError describes an operand that could not be coerced. It is
// logged and the condition evaluates to false.
type EvaluationError struct {
	Field    string
	Operator models.Operator
	Reason   string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %s %s: %s", e.Field, e.Operator, e.Reason)
}

type Evaluator struct {
	logger *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With("module", "conditions")}
}

// Evaluate uses the default logger.
func Evaluate(cond models.Condition, data map[string]any) bool {
	return NewEvaluator(slog.Default()).Evaluate(cond, data)
}

// EvaluateAll uses the default logger.
func EvaluateAll(conds []models.Condition, data map[string]any) bool {
	return NewEvaluator(slog.Default()).EvaluateAll(conds, data)
}

// EvaluateAll combines conds with AND. An empty list holds.
func (e *Evaluator) EvaluateAll(conds []models.Condition, data map[string]any) bool {
	for _, cond := range conds {
		if !e.Evaluate(cond, data) {
			return false
		}
	}

	return true
}

func (e *Evaluator) Evaluate(cond models.Condition, data map[string]any) bool {
	actual, present := Resolve(data, cond.Field)

	switch cond.Operator {
	case models.OperatorExists:
		return present
	case models.OperatorNotExists:
		return !present
	}

	if !present {
		return false
	}

	switch cond.Operator {
	case models.OperatorEquals:
		return matchesAny(cond.Value, func(expected any) bool { return equal(actual, expected) })
	case models.OperatorNotEquals:
		return !matchesAny(cond.Value, func(expected any) bool { return equal(actual, expected) })
	case models.OperatorContains:
		return matchesAny(cond.Value, func(expected any) bool { return contains(actual, expected) })
	case models.OperatorNotContains:
		return !matchesAny(cond.Value, func(expected any) bool { return contains(actual, expected) })
	case models.OperatorGreaterThan, models.OperatorLessThan:
		cmp, err := compare(actual, cond.Value)
		if err != nil {
			e.logger.Debug("condition degraded to false",
				"error", &EvaluationError{Field: cond.Field, Operator: cond.Operator, Reason: err.Error()})

			return false
		}

		if cond.Operator == models.OperatorGreaterThan {
			return cmp > 0
		}

		return cmp < 0
	case models.OperatorExists, models.OperatorNotExists:
	}

	e.logger.Debug("unknown operator", "field", cond.Field, "operator", cond.Operator)

	return false
}

// Resolve walks a dot path through nested maps and lists. Numeric segments
// index lists.
func Resolve(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = data

	for _, segment := range strings.Split(path, ".") {
		next, ok := child(current, segment)
		if !ok {
			return nil, false
		}

		current = next
	}

	return current, true
}

func child(node any, segment string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[segment]

		return v, ok
	case []any:
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}

		return n[i], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(node)

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}

		v := rv.MapIndex(reflect.ValueOf(segment).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}

		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(segment)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}

		return rv.Index(i).Interface(), true
	default:
		return nil, false
	}
}

// matchesAny applies fn to expected and, when expected is a list, to each
// of its members.
func matchesAny(expected any, fn func(any) bool) bool {
	if fn(expected) {
		return true
	}

	items, ok := asList(expected)
	if !ok {
		return false
	}

	for _, item := range items {
		if fn(item) {
			return true
		}
	}

	return false
}

// equal compares numbers numerically and strings without regard to case,
// matching contains.
func equal(actual, expected any) bool {
	if a, ok := toNumber(actual); ok {
		if b, ok := toNumber(expected); ok && (isNumeric(actual) || isNumeric(expected)) {
			return a == b
		}
	}

	if ab, ok := actual.(bool); ok {
		if s, ok := expected.(string); ok {
			parsed, err := strconv.ParseBool(s)

			return err == nil && parsed == ab
		}
	}

	if as, ok := actual.(string); ok {
		if es, ok := expected.(string); ok {
			return strings.EqualFold(as, es)
		}

		if eb, ok := expected.(bool); ok {
			parsed, err := strconv.ParseBool(as)

			return err == nil && parsed == eb
		}
	}

	return reflect.DeepEqual(actual, expected)
}

// contains is a case-insensitive substring test on strings, membership on
// lists and key presence on maps.
func contains(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		needle, ok := scalarString(expected)
		if !ok {
			return false
		}

		return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
	}

	if items, ok := asList(actual); ok {
		for _, item := range items {
			if is, ok := item.(string); ok {
				if es, ok := scalarString(expected); ok && strings.EqualFold(is, es) {
					return true
				}

				continue
			}

			if equal(item, expected) {
				return true
			}
		}

		return false
	}

	if m, ok := actual.(map[string]any); ok {
		key, ok := scalarString(expected)
		if !ok {
			return false
		}

		_, found := m[key]

		return found
	}

	return false
}

// compare orders actual against expected as numbers, falling back to dates.
func compare(actual, expected any) (int, error) {
	a, aok := toNumber(actual)
	b, bok := toNumber(expected)

	if aok && bok {
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	}

	at, aok := toTime(actual)
	bt, bok := toTime(expected)

	if aok && bok {
		return at.Compare(bt), nil
	}

	return 0, fmt.Errorf("cannot compare %T with %T", actual, expected)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}

	return false
}

func toNumber(v any) (float64, bool) {
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
	case fmt.Stringer:
		f, err := strconv.ParseFloat(strings.TrimSpace(n.String()), 64)

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)

		return f, err == nil
	}

	return 0, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	models.DateLayout,
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}

	return time.Time{}, false
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	case bool:
		return strconv.FormatBool(s), true
	}

	if isNumeric(v) {
		return fmt.Sprint(v), true
	}

	return "", false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		items := make([]any, len(l))
		for i, s := range l {
			items[i] = s
		}

		return items, true
	case string, nil, map[string]any:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}

	return items, true
}
