package projectapi

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Option values arrive from JSON (string, bool, float64), from project.toml
// (int64) or from the command line (string). The accessors below accept any
// of these and fail with ErrInvalidOption on anything else.

// String returns the named option, or "" when it is unset or null.
func (o Options) String(name string) (string, error) {
	switch v := o[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %s: want string, got %T", ErrInvalidOption, name, v)
	}
}

// Bool returns the named option, or false when it is unset or null.
func (o Options) Bool(name string) (bool, error) {
	switch v := o[name].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %s: %q is not a boolean", ErrInvalidOption, name, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s: want bool, got %T", ErrInvalidOption, name, v)
	}
}

// Int returns the named option, or def when it is unset or null.
func (o Options) Int(name string, def int) (int, error) {
	switch v := o[name].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s: %v is not an integer", ErrInvalidOption, name, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v is not an integer", ErrInvalidOption, name, v)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q is not an integer", ErrInvalidOption, name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s: want integer, got %T", ErrInvalidOption, name, v)
	}
}
