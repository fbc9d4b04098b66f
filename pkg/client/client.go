// Package client is the Go client for an arc broker.
package client

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	grpcmd "google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	brokerv1 "github.com/gezibash/arc-broker/api/arc/broker/v1"
	"github.com/gezibash/arc-broker/internal/middleware"
	"github.com/gezibash/arc-broker/internal/transport"
	brokererrors "github.com/gezibash/arc-broker/pkg/errors"
)

// DefaultProbeTimeout bounds the health probe made by Dial.
const DefaultProbeTimeout = 5 * time.Second

// ErrHandshakeRejected is returned by Dial when the acceptor accepted the TCP
// connection but refused the TLS session, for example because no client
// certificate was presented to an acceptor that requires one. It matches
// brokererrors.ErrNotConnected. An unreachable acceptor is plain
// ErrNotConnected.
var ErrHandshakeRejected = fmt.Errorf("TLS handshake rejected: %w", brokererrors.ErrNotConnected)

// Client is a connection to one broker acceptor, bound to one session.
type Client struct {
	conn    *grpc.ClientConn
	stub    *brokerv1.BrokerClient
	session string
	target  *transport.Configuration
}

type clientConfig struct {
	session      string
	probeTimeout time.Duration
	dialOpts     []grpc.DialOption
}

// Option configures client behavior.
type Option func(*clientConfig)

// WithSession sets the session id. By default each client gets a new one.
func WithSession(id string) Option {
	return func(c *clientConfig) { c.session = id }
}

// WithProbeTimeout bounds the health probe made by Dial.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.probeTimeout = d }
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *clientConfig) { c.dialOpts = append(c.dialOpts, opts...) }
}

// Dial validates cfg as a connector, connects and probes the acceptor's
// health service. A refused TLS session yields ErrHandshakeRejected; no
// session is left open on failure.
func Dial(ctx context.Context, cfg *transport.Configuration, opts ...Option) (*Client, error) {
	cc := &clientConfig{probeTimeout: DefaultProbeTimeout}
	for _, o := range opts {
		o(cc)
	}
	if cc.session == "" {
		cc.session = uuid.NewString()
	}

	dialOpts, err := transport.DialOptions(cfg)
	if err != nil {
		return nil, err
	}
	dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(sessionInterceptor(cc.session)))
	tracker := &connectTracker{}
	if cfg.Kind == transport.KindRemote {
		dialOpts = append(dialOpts, grpc.WithContextDialer(tracker.dial))
	}
	dialOpts = append(dialOpts, cc.dialOpts...)

	conn, err := grpc.NewClient(transport.Target(cfg), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}

	if err := probe(ctx, conn, cfg, tracker, cc.probeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Client{
		conn:    conn,
		stub:    brokerv1.NewBrokerClient(conn),
		session: cc.session,
		target:  cfg,
	}, nil
}

// connectTracker records whether a TCP connection to the acceptor was ever
// established, so a failed TLS session can be told apart from a refused or
// unreachable address.
type connectTracker struct {
	connected atomic.Bool
}

func (t *connectTracker) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t.connected.Store(true)
	return conn, nil
}

func probe(ctx context.Context, conn *grpc.ClientConn, cfg *transport.Configuration, tracker *connectTracker, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err == nil {
		return nil
	}

	endpoint := cfg.Name
	if cfg.Kind == transport.KindRemote {
		endpoint = cfg.Address()
	}
	switch status.Code(err) {
	case codes.Unavailable:
		if cfg.TLSEnabled && tracker.connected.Load() {
			return fmt.Errorf("dial %s: %w: %s", endpoint, ErrHandshakeRejected, status.Convert(err).Message())
		}
		return fmt.Errorf("dial %s: %w: %s", endpoint, brokererrors.ErrNotConnected, status.Convert(err).Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("dial %s: %w", endpoint, brokererrors.ErrTimeout)
	default:
		return fmt.Errorf("dial %s: %w: %v", endpoint, brokererrors.ErrNotConnected, err)
	}
}

func sessionInterceptor(session string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		ctx = grpcmd.AppendToOutgoingContext(ctx, middleware.SessionKey, session)
		return invoker(ctx, method, req, reply, cc, callOpts...)
	}
}

// Session returns the session id this client consumes under.
func (c *Client) Session() string {
	return c.session
}

// Close closes the connection. Deliveries still held by the session stay in
// flight until CloseSession or the ack timeout returns them.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Delivery is a message handed to this client's session.
type Delivery struct {
	ID        string
	MessageID string
	Queue     string
	Payload   []byte
	Labels    map[string]string
	Attempts  int
}

// Publish appends payload to queue and returns the message id.
func (c *Client) Publish(ctx context.Context, queue string, payload []byte, labels map[string]string) (string, error) {
	fields := map[string]*structpb.Value{
		brokerv1.FieldQueue:   structpb.NewStringValue(queue),
		brokerv1.FieldPayload: structpb.NewStringValue(brokerv1.EncodePayload(payload)),
	}
	if len(labels) > 0 {
		fields[brokerv1.FieldLabels] = brokerv1.LabelsValue(labels)
	}
	resp, err := c.stub.Invoke(ctx, brokerv1.MethodPublish, brokerv1.Message(fields))
	if err != nil {
		return "", fromStatus(err)
	}
	return brokerv1.String(resp, brokerv1.FieldID), nil
}

// Consume waits up to timeout for a message on queue. Zero waits until ctx
// ends. A timeout yields an error matching brokererrors.ErrTimeout.
func (c *Client) Consume(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	fields := map[string]*structpb.Value{
		brokerv1.FieldQueue: structpb.NewStringValue(queue),
	}
	if timeout > 0 {
		fields[brokerv1.FieldTimeoutMs] = structpb.NewNumberValue(float64(timeout.Milliseconds()))
	}
	resp, err := c.stub.Invoke(ctx, brokerv1.MethodConsume, brokerv1.Message(fields))
	if err != nil {
		return nil, fromStatus(err)
	}
	payload, err := brokerv1.DecodePayload(brokerv1.String(resp, brokerv1.FieldPayload))
	if err != nil {
		return nil, err
	}
	return &Delivery{
		ID:        brokerv1.String(resp, brokerv1.FieldDeliveryID),
		MessageID: brokerv1.String(resp, brokerv1.FieldMessageID),
		Queue:     brokerv1.String(resp, brokerv1.FieldQueue),
		Payload:   payload,
		Labels:    brokerv1.Labels(resp, brokerv1.FieldLabels),
		Attempts:  int(brokerv1.Number(resp, brokerv1.FieldAttempts)),
	}, nil
}

// Acknowledge commits a delivery.
func (c *Client) Acknowledge(ctx context.Context, deliveryID string) error {
	_, err := c.stub.Invoke(ctx, brokerv1.MethodAcknowledge, deliveryRequest(deliveryID))
	return fromStatus(err)
}

// Cancel returns a delivery to its queue. It reports true if the message
// will be delivered again and false if it was dead-lettered.
func (c *Client) Cancel(ctx context.Context, deliveryID string) (bool, error) {
	resp, err := c.stub.Invoke(ctx, brokerv1.MethodCancel, deliveryRequest(deliveryID))
	if err != nil {
		return false, fromStatus(err)
	}
	return brokerv1.Bool(resp, brokerv1.FieldRequeued), nil
}

// Redeliver hands a delivery to another open session.
func (c *Client) Redeliver(ctx context.Context, deliveryID, session string) error {
	req := deliveryRequest(deliveryID)
	req.Fields[brokerv1.FieldSession] = structpb.NewStringValue(session)
	_, err := c.stub.Invoke(ctx, brokerv1.MethodRedeliver, req)
	return fromStatus(err)
}

// CloseSession cancels every delivery the session still holds and returns
// how many were cancelled.
func (c *Client) CloseSession(ctx context.Context) (int, error) {
	resp, err := c.stub.Invoke(ctx, brokerv1.MethodCloseSession, brokerv1.Message(nil))
	if err != nil {
		return 0, fromStatus(err)
	}
	return int(brokerv1.Number(resp, brokerv1.FieldCancelled)), nil
}

func deliveryRequest(id string) *structpb.Struct {
	return brokerv1.Message(map[string]*structpb.Value{
		brokerv1.FieldDeliveryID: structpb.NewStringValue(id),
	})
}

// fromStatus attaches the shared sentinel matching a status code.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = brokererrors.ErrNotFound
	case codes.DeadlineExceeded:
		sentinel = brokererrors.ErrTimeout
	case codes.Unavailable:
		sentinel = brokererrors.ErrNotConnected
	case codes.InvalidArgument:
		sentinel = brokererrors.ErrInvalidInput
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
