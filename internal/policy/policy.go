// Package policy admits broker calls with a CEL expression evaluated over
// the call's method, session and TLS peer.
package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gezibash/arc-broker/internal/middleware"
	"github.com/gezibash/arc-broker/internal/transport"
)

// Variables available to policy expressions.
const (
	VarMethod  = "method"
	VarSession = "session"
	VarPeer    = "peer"
	VarTLS     = "tls"
)

// Policy is a compiled admission expression.
type Policy struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The expression must yield a bool.
//
//	tls && peer.startsWith("svc-")
//	method.endsWith("/Publish") || peer == "admin"
func Compile(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarMethod, cel.StringType),
		cel.Variable(VarSession, cel.StringType),
		cel.Variable(VarPeer, cel.StringType),
		cel.Variable(VarTLS, cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Policy{expr: expr, program: prog}, nil
}

func (p *Policy) String() string { return p.expr }

// Allow evaluates the policy for pkt. Evaluation errors deny.
func (p *Policy) Allow(pkt *middleware.Packet) bool {
	out, _, err := p.program.Eval(map[string]any{
		VarMethod:  pkt.Method,
		VarSession: pkt.Session,
		VarPeer:    transport.PeerSubject(pkt.PeerCertificates),
		VarTLS:     pkt.TLS(),
	})
	if err != nil || out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Hook rejects calls the policy does not allow with PermissionDenied.
func (p *Policy) Hook() middleware.Hook {
	return func(_ context.Context, pkt *middleware.Packet) error {
		if p.Allow(pkt) {
			return nil
		}
		return status.Errorf(codes.PermissionDenied, "%s denied by policy", pkt.Method)
	}
}
