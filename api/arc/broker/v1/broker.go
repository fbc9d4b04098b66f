// Package brokerv1 defines the arc.broker.v1.BrokerService wire API. Requests
// and responses are google.protobuf.Struct messages keyed by the Field
// constants below.
package brokerv1

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "arc.broker.v1.BrokerService"

const (
	MethodPublish      = "/" + ServiceName + "/Publish"
	MethodConsume      = "/" + ServiceName + "/Consume"
	MethodAcknowledge  = "/" + ServiceName + "/Acknowledge"
	MethodCancel       = "/" + ServiceName + "/Cancel"
	MethodRedeliver    = "/" + ServiceName + "/Redeliver"
	MethodCloseSession = "/" + ServiceName + "/CloseSession"
)

// Struct field names.
const (
	FieldQueue      = "queue"
	FieldPayload    = "payload"
	FieldLabels     = "labels"
	FieldID         = "id"
	FieldDeliveryID = "delivery_id"
	FieldMessageID  = "message_id"
	FieldAttempts   = "attempts"
	FieldTimeoutMs  = "timeout_ms"
	FieldRequeued   = "requeued"
	FieldSession    = "session"
	FieldCancelled  = "cancelled"
)

// BrokerServer is the server API for BrokerService.
type BrokerServer interface {
	Publish(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Consume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Acknowledge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Redeliver(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(BrokerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(method string, fn call) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(BrokerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(srv.(BrokerServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes BrokerService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: handler(MethodPublish, BrokerServer.Publish)},
		{MethodName: "Consume", Handler: handler(MethodConsume, BrokerServer.Consume)},
		{MethodName: "Acknowledge", Handler: handler(MethodAcknowledge, BrokerServer.Acknowledge)},
		{MethodName: "Cancel", Handler: handler(MethodCancel, BrokerServer.Cancel)},
		{MethodName: "Redeliver", Handler: handler(MethodRedeliver, BrokerServer.Redeliver)},
		{MethodName: "CloseSession", Handler: handler(MethodCloseSession, BrokerServer.CloseSession)},
	},
	Metadata: "arc/broker/v1/broker.proto",
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// BrokerClient is the client API for BrokerService.
type BrokerClient struct {
	cc grpc.ClientConnInterface
}

// NewBrokerClient wraps cc.
func NewBrokerClient(cc grpc.ClientConnInterface) *BrokerClient {
	return &BrokerClient{cc: cc}
}

// Invoke calls method with in and returns the response struct.
func (c *BrokerClient) Invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodePayload renders bytes for a Struct string field.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return b, nil
}

// String returns a string field, or "".
func String(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// Number returns a number field, or 0.
func Number(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// Bool returns a bool field, or false.
func Bool(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// Labels returns a string-to-string map field. Non-string values are skipped.
func Labels(s *structpb.Struct, key string) map[string]string {
	fields := s.GetFields()[key].GetStructValue().GetFields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			out[k] = sv.StringValue
		}
	}
	return out
}

// LabelsValue converts labels for use in a Struct.
func LabelsValue(labels map[string]string) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(labels))
	for k, v := range labels {
		fields[k] = structpb.NewStringValue(v)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// Message builds a Struct from field values. Values must be *structpb.Value.
func Message(fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = map[string]*structpb.Value{}
	}
	return &structpb.Struct{Fields: fields}
}
