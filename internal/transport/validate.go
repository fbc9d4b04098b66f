package transport

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNilConfiguration is a usage error: Validate was called without a
	// configuration.
	ErrNilConfiguration = errors.New("transport: nil configuration")

	// ErrInvalidConfiguration matches every *InvalidError.
	ErrInvalidConfiguration = errors.New("transport: invalid configuration")
)

// Rule names one admission rule.
type Rule string

const (
	RuleUnknownKind  Rule = "unknown-kind"
	RuleInVMDisabled Rule = "invm-disabled"
	RuleInVMTLS      Rule = "invm-tls"
	RuleNegativePort Rule = "negative-port"
)

// InvalidError reports the first admission rule a configuration violates.
type InvalidError struct {
	Rule    Rule
	Message string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid transport configuration (%s): %s", e.Rule, e.Message)
}

// Is makes errors.Is(err, ErrInvalidConfiguration) hold for any InvalidError.
func (e *InvalidError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// Validate checks cfg against the transport admission rules and returns the
// first violation. It has no side effects besides debug logging.
func Validate(cfg *Configuration) error {
	if cfg == nil {
		return ErrNilConfiguration
	}

	slog.Debug("validating transport configuration", "component", "transport", "config", cfg.String())

	if cfg.Kind != KindInVM && cfg.Kind != KindRemote {
		return &InvalidError{
			Rule:    RuleUnknownKind,
			Message: fmt.Sprintf("transport kind %q is not one of invm, remote", cfg.Kind),
		}
	}
	if cfg.Kind == KindInVM && cfg.InVMDisabled {
		return &InvalidError{
			Rule:    RuleInVMDisabled,
			Message: "in-process communication cannot be disabled when the transport is set to invm",
		}
	}
	if cfg.Kind == KindInVM && cfg.TLSEnabled {
		return &InvalidError{
			Rule:    RuleInVMTLS,
			Message: "TLS cannot be enabled when the transport is set to invm",
		}
	}
	if cfg.Port < 0 {
		return &InvalidError{
			Rule:    RuleNegativePort,
			Message: fmt.Sprintf("port %d is negative", cfg.Port),
		}
	}

	slog.Debug("transport configuration is valid", "component", "transport", "name", cfg.Name)
	return nil
}
