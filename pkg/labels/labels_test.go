package labels

import (
	"errors"
	"strings"
	"testing"

	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

func TestParse(t *testing.T) {
	got, err := Parse([]string{"a=1", " b = x=y ", "c="})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := map[string]string{"a": "1", "b": "x=y", "c": ""}
	if len(got) != len(want) {
		t.Fatalf("Parse = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("label %s = %q, want %q", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=v", " =v"} {
		if _, err := Parse([]string{bad}); !errors.Is(err, brokererrors.ErrInvalidInput) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidInput", bad, err)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		ok     bool
	}{
		{"nil", nil, true},
		{"plain", map[string]string{"team": "core"}, true},
		{"empty key", map[string]string{"": "x"}, false},
		{"space in key", map[string]string{"a b": "x"}, false},
		{"equals in key", map[string]string{"a=b": "x"}, false},
		{"long key", map[string]string{strings.Repeat("k", MaxKeyLen+1): "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.labels)
			if (err == nil) != tt.ok {
				t.Errorf("Validate err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	if got := Format(nil); got != "-" {
		t.Errorf("Format(nil) = %q, want %q", got, "-")
	}
	if got := Format(map[string]string{"b": "2", "a": "1"}); got != "a=1 b=2" {
		t.Errorf("Format = %q, want %q", got, "a=1 b=2")
	}
}
