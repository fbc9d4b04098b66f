package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const inVMBufferSize = 1 << 20

// In-process acceptors, keyed by endpoint name.
var (
	inVMMu        sync.Mutex
	inVMListeners = make(map[string]*inVMListener)
)

type inVMListener struct {
	*bufconn.Listener
	name string
	once sync.Once
}

func (l *inVMListener) Close() error {
	var err error
	l.once.Do(func() {
		inVMMu.Lock()
		if inVMListeners[l.name] == l {
			delete(inVMListeners, l.name)
		}
		inVMMu.Unlock()
		err = l.Listener.Close()
	})
	return err
}

// Listen validates cfg and opens the acceptor listener it describes.
func Listen(ctx context.Context, cfg *Configuration) (net.Listener, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Kind == KindInVM {
		return ListenInVM(cfg.Name)
	}

	lc := net.ListenConfig{}
	lis, err := lc.Listen(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Address(), err)
	}
	return lis, nil
}

// ListenInVM registers an in-process acceptor under name.
func ListenInVM(name string) (net.Listener, error) {
	inVMMu.Lock()
	defer inVMMu.Unlock()

	if _, exists := inVMListeners[name]; exists {
		return nil, fmt.Errorf("in-process acceptor %q already registered", name)
	}
	l := &inVMListener{Listener: bufconn.Listen(inVMBufferSize), name: name}
	inVMListeners[name] = l
	return l, nil
}

func dialInVM(ctx context.Context, name string) (net.Conn, error) {
	inVMMu.Lock()
	l, ok := inVMListeners[name]
	inVMMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no in-process acceptor named %q", name)
	}
	return l.DialContext(ctx)
}

// ServerOptions returns the gRPC server options for an acceptor: TLS
// credentials when cfg is a TLS-enabled remote endpoint, none otherwise.
func ServerOptions(cfg *Configuration) ([]grpc.ServerOption, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Kind != KindRemote || !cfg.TLSEnabled {
		return nil, nil
	}
	tc, err := ServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tc))}, nil
}

// Target returns the gRPC dial target for a connector configuration.
func Target(cfg *Configuration) string {
	if cfg.Kind == KindInVM {
		return "passthrough:///invm/" + cfg.Name
	}
	return "passthrough:///" + cfg.Address()
}

// DialOptions validates cfg and returns the gRPC dial options for it.
func DialOptions(cfg *Configuration) ([]grpc.DialOption, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	if cfg.Kind == KindInVM {
		name := cfg.Name
		return []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return dialInVM(ctx, name)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, nil
	}

	if !cfg.TLSEnabled {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
	tc, err := ClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(tc))}, nil
}
