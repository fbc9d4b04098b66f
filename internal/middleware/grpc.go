package middleware

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// SessionKey is the metadata key carrying the caller's session id.
const SessionKey = "arc-session"

// PacketFromContext builds the Packet for an incoming call.
func PacketFromContext(ctx context.Context, method string) *Packet {
	p := &Packet{Method: method}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(SessionKey); len(v) > 0 {
			p.Session = v[0]
		}
	}
	if pr, ok := peer.FromContext(ctx); ok {
		if info, ok := pr.AuthInfo.(credentials.TLSInfo); ok {
			p.PeerCertificates = info.State.PeerCertificates
		}
	}
	return p
}

// UnaryServerInterceptor runs c around every unary call.
func UnaryServerInterceptor(c *Chain) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		p := PacketFromContext(ctx, info.FullMethod)
		if err := c.RunPre(ctx, p); err != nil {
			return nil, err
		}
		resp, err := handler(ctx, req)
		c.RunPost(ctx, p)
		return resp, err
	}
}
