package operator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Args are the string arguments an operator is created from.
type Args map[string]string

func (a Args) String(key, def string) string {
	if v, ok := a[key]; ok && v != "" {
		return v
	}
	return def
}

func (a Args) Required(key string) (string, error) {
	v := a[key]
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, key)
	}
	return v, nil
}

// List splits a comma separated argument, dropping empty entries.
func (a Args) List(key string) []string {
	var out []string
	for _, s := range strings.Split(a[key], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a Args) Int(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return i, nil
}

func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return f, nil
}

func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("argument %s: %w", key, err)
	}
	return b, nil
}

func (a Args) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("argument %s: %w", key, err)
	}
	return d, nil
}

// Time parses an RFC3339 argument. Missing means the zero time.
func (a Args) Time(key string) (time.Time, error) {
	v := a[key]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("argument %s: %w", key, err)
	}
	return t, nil
}
