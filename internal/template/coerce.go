package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// CoerceFailure distinguishes type errors from constraint errors.
type CoerceFailure int

const (
	FailType CoerceFailure = iota + 1
	FailRange
)

// CoerceError reports why a raw value does not satisfy a ParamSpec.
type CoerceError struct {
	Failure  CoerceFailure
	Expected string
	Got      string
}

func (e *CoerceError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
}

// Coerce converts a raw planner value into the parameter's Go type
// (int64, float64, bool or string) and checks its constraints.
func (p ParamSpec) Coerce(raw any) (any, error) {
	var (
		v   any
		err error
	)
	switch p.Type {
	case TypeInteger:
		v, err = toInt(raw)
	case TypeNumber:
		v, err = toFloat(raw)
	case TypeBoolean:
		v, err = toBool(raw)
	case TypeString, TypeEnum:
		v, err = toString(raw)
	case TypeTime:
		v, err = toClock(raw)
	default:
		return nil, &CoerceError{Failure: FailType, Expected: "a known parameter type", Got: string(p.Type)}
	}
	if err != nil {
		return nil, &CoerceError{Failure: FailType, Expected: string(p.Type), Got: describe(raw)}
	}
	if err := p.checkConstraints(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (p ParamSpec) checkConstraints(v any) error {
	var n float64
	numeric := false
	switch x := v.(type) {
	case int64:
		n, numeric = float64(x), true
	case float64:
		n, numeric = x, true
	case string:
		if p.Type == TypeEnum || len(p.Options) > 0 {
			if !contains(p.Options, x) {
				return &CoerceError{Failure: FailRange, Expected: "one of [" + strings.Join(p.Options, ", ") + "]", Got: strconv.Quote(x)}
			}
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return &CoerceError{Failure: FailRange, Expected: "a valid pattern", Got: p.Pattern}
			}
			if !re.MatchString(x) {
				return &CoerceError{Failure: FailRange, Expected: "value matching " + p.Pattern, Got: strconv.Quote(x)}
			}
		}
	}
	if numeric {
		if p.Min != nil && n < *p.Min {
			return &CoerceError{Failure: FailRange, Expected: ">= " + formatNumber(*p.Min), Got: formatNumber(n)}
		}
		if p.Max != nil && n > *p.Max {
			return &CoerceError{Failure: FailRange, Expected: "<= " + formatNumber(*p.Max), Got: formatNumber(n)}
		}
	}
	return nil
}

func toInt(raw any) (int64, error) {
	switch x := raw.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("not integral")
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, fmt.Errorf("out of int64 range")
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("not an integer")
}

func toFloat(raw any) (float64, error) {
	switch x := raw.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("not finite")
		}
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("not a number")
}

func toBool(raw any) (bool, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "yes", "on":
			return true, nil
		case "false", "no", "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("not a boolean")
}

func toString(raw any) (string, error) {
	if s, ok := raw.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("not a string")
}

var clockRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)(?::([0-5]\d))?$`)

func toClock(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("not a time")
	}
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("not a time")
	}
	h, _ := strconv.Atoi(m[1])
	sec := "00"
	if m[3] != "" {
		sec = m[3]
	}
	return fmt.Sprintf("%02d:%s:%s", h, m[2], sec), nil
}

func describe(raw any) string {
	switch x := raw.(type) {
	case nil:
		return "null"
	case string:
		return "string " + strconv.Quote(x)
	case bool:
		return "boolean " + strconv.FormatBool(x)
	case float64:
		return "number " + formatNumber(x)
	case int, int64, int32:
		return fmt.Sprintf("integer %d", x)
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", raw)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
