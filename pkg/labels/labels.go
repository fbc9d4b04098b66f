// Package labels parses, validates and renders message labels.
package labels

import (
	"fmt"
	"slices"
	"strings"

	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

// MaxKeyLen bounds label keys.
const MaxKeyLen = 128

// Parse converts "key=value" strings to a map. Keys and values are trimmed;
// the value may itself contain "=".
func Parse(pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, l := range pairs {
		key, value, ok := strings.Cut(l, "=")
		if !ok {
			return nil, fmt.Errorf("%w: label %q (expected key=value)", brokererrors.ErrInvalidInput, l)
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}

// Validate checks every key: non-empty, at most MaxKeyLen bytes, no "=" or
// whitespace.
func Validate(labels map[string]string) error {
	for k := range labels {
		switch {
		case k == "":
			return fmt.Errorf("%w: empty label key", brokererrors.ErrInvalidInput)
		case len(k) > MaxKeyLen:
			return fmt.Errorf("%w: label key %.16q... longer than %d bytes", brokererrors.ErrInvalidInput, k, MaxKeyLen)
		case strings.ContainsAny(k, "= \t\r\n"):
			return fmt.Errorf("%w: label key %q contains '=' or whitespace", brokererrors.ErrInvalidInput, k)
		}
	}
	return nil
}

// Format renders labels as sorted "k=v" pairs joined by spaces, or "-" when
// there are none.
func Format(labels map[string]string) string {
	if len(labels) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}
