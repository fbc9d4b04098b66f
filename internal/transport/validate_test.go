package transport

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Configuration
		rule Rule
	}{
		{"invm ok", Configuration{Kind: KindInVM}, ""},
		{"remote ok", Configuration{Kind: KindRemote, Port: 5445}, ""},
		{"remote port zero", Configuration{Kind: KindRemote, Port: 0}, ""},
		{"remote tls with invm disabled", Configuration{Kind: KindRemote, Port: 5445, TLSEnabled: true, InVMDisabled: true}, ""},
		{"invm disabled", Configuration{Kind: KindInVM, InVMDisabled: true}, RuleInVMDisabled},
		{"invm tls", Configuration{Kind: KindInVM, TLSEnabled: true}, RuleInVMTLS},
		{"negative port", Configuration{Kind: KindRemote, Port: -1}, RuleNegativePort},
		{"invm negative port", Configuration{Kind: KindInVM, Port: -1}, RuleNegativePort},
		{"unknown kind", Configuration{Kind: "carrier-pigeon"}, RuleUnknownKind},
		{"invm disabled checked before tls", Configuration{Kind: KindInVM, InVMDisabled: true, TLSEnabled: true}, RuleInVMDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.rule == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}

			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfiguration", err)
			}
			var inv *InvalidError
			if !errors.As(err, &inv) {
				t.Fatalf("Validate() = %T, want *InvalidError", err)
			}
			if inv.Rule != tt.rule {
				t.Errorf("Rule = %q, want %q", inv.Rule, tt.rule)
			}
			if inv.Message == "" {
				t.Error("InvalidError should carry a description")
			}
		})
	}
}

func TestValidateNil(t *testing.T) {
	err := Validate(nil)
	if !errors.Is(err, ErrNilConfiguration) {
		t.Fatalf("Validate(nil) = %v, want ErrNilConfiguration", err)
	}
	if errors.Is(err, ErrInvalidConfiguration) {
		t.Error("nil configuration is a usage error, not a validation failure")
	}
}

func TestValidateIgnoresParams(t *testing.T) {
	cfg := &Configuration{
		Kind: KindRemote,
		Port: 5500,
		Params: map[string]string{
			ParamKeystorePath:     "/does/not/exist",
			ParamKeystoreProvider: "JCEKS",
		},
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() = %v, provider params must not be interpreted", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"invm":   KindInVM,
		"INVM":   KindInVM,
		"remote": KindRemote,
		" tcp ":  KindRemote,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("udp"); err == nil {
		t.Error("ParseKind(udp) should fail")
	}
}

func TestConfigurationString(t *testing.T) {
	cfg := &Configuration{
		Name:       "acceptor",
		Kind:       KindRemote,
		Host:       "127.0.0.1",
		Port:       5445,
		TLSEnabled: true,
		Params:     map[string]string{ParamKeystorePassword: "secureexample"},
	}
	got := cfg.String()
	want := "transport[acceptor](kind=remote addr=127.0.0.1:5445 tls=true invm_disabled=false need_client_auth=false)"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestClone(t *testing.T) {
	cfg := &Configuration{Kind: KindRemote, Params: map[string]string{"a": "1"}}
	cp := cfg.Clone()
	cp.Params["a"] = "2"
	cp.Port = -1
	if cfg.Params["a"] != "1" || cfg.Port != 0 {
		t.Error("Clone must not alias the original")
	}
	if err := Validate(cp); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("derived configuration must be re-validated, got %v", err)
	}
}
