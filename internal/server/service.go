package server

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	brokerv1 "github.com/gezibash/arc-broker/api/arc/broker/v1"
	"github.com/gezibash/arc-broker/internal/delivery"
	"github.com/gezibash/arc-broker/internal/middleware"
	"github.com/gezibash/arc-broker/internal/observability"
	"github.com/gezibash/arc-broker/internal/queue"
	"github.com/gezibash/arc-broker/pkg/labels"
	"github.com/gezibash/arc-broker/pkg/logging"
)

type brokerService struct {
	queues   *queue.Manager
	sessions *sessions
	metrics  *observability.Metrics
	log      *logging.Logger
}

var _ brokerv1.BrokerServer = (*brokerService)(nil)

func (s *brokerService) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := brokerv1.String(req, brokerv1.FieldQueue)
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "queue required")
	}
	payload, err := brokerv1.DecodePayload(brokerv1.String(req, brokerv1.FieldPayload))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	lbls := brokerv1.Labels(req, brokerv1.FieldLabels)
	if err := labels.Validate(lbls); err != nil {
		return nil, toStatus("publish", err)
	}

	q, err := s.queues.Get(name)
	if err != nil {
		return nil, toStatus("publish", err)
	}
	msg, err := q.Publish(ctx, payload, lbls)
	if err != nil {
		return nil, toStatus("publish", err)
	}
	return brokerv1.Message(map[string]*structpb.Value{
		brokerv1.FieldID: structpb.NewStringValue(msg.ID()),
	}), nil
}

func (s *brokerService) Consume(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(ctx)
	if err != nil {
		return nil, err
	}
	name := brokerv1.String(req, brokerv1.FieldQueue)
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "queue required")
	}
	q, err := s.queues.Get(name)
	if err != nil {
		return nil, toStatus("consume", err)
	}
	sess := s.session(sid)

	if id, d, ok := sess.next(name); ok {
		return s.deliveryResponse(q, id, d), nil
	}

	if ms := brokerv1.Number(req, brokerv1.FieldTimeoutMs); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	d, err := q.Consume(ctx)
	if err != nil {
		return nil, toStatus("consume", err)
	}
	id, err := sess.hold(d)
	if err != nil {
		if _, cerr := d.Cancel(context.WithoutCancel(ctx)); cerr != nil {
			s.log.WarnContext(ctx, "return delivery of closed session", "queue", name, "error", cerr)
		}
		return nil, toStatus("consume", err)
	}
	return s.deliveryResponse(q, id, d), nil
}

func (s *brokerService) Acknowledge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, id, d, err := s.held(ctx, req)
	if err != nil {
		return nil, err
	}
	err = d.Acknowledge(ctx)
	if err == nil || errors.Is(err, delivery.ErrSettled) {
		sess.release(id)
	}
	if err != nil {
		return nil, toStatus("acknowledge", err)
	}
	return brokerv1.Message(nil), nil
}

func (s *brokerService) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, id, d, err := s.held(ctx, req)
	if err != nil {
		return nil, err
	}
	requeued, err := d.Cancel(ctx)
	if err == nil || errors.Is(err, delivery.ErrSettled) {
		sess.release(id)
	}
	if err != nil {
		return nil, toStatus("cancel", err)
	}
	return brokerv1.Message(map[string]*structpb.Value{
		brokerv1.FieldRequeued: structpb.NewBoolValue(requeued),
	}), nil
}

func (s *brokerService) Redeliver(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, id, d, err := s.held(ctx, req)
	if err != nil {
		return nil, err
	}
	targetID := brokerv1.String(req, brokerv1.FieldSession)
	if targetID == "" {
		return nil, status.Error(codes.InvalidArgument, "target session required")
	}
	target, ok := s.sessions.lookup(targetID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown session %s", targetID)
	}

	err = d.Redeliver(ctx, target)
	if err == nil || errors.Is(err, delivery.ErrSettled) {
		sess.release(id)
	}
	if err != nil {
		return nil, toStatus("redeliver", err)
	}
	return brokerv1.Message(nil), nil
}

func (s *brokerService) CloseSession(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sid, err := sessionID(ctx)
	if err != nil {
		return nil, err
	}
	cancelled := 0
	if sess, ok := s.sessions.remove(sid); ok {
		cancelled = sess.close(ctx)
		s.metrics.Sessions.Dec()
		s.log.DebugContext(ctx, "session closed", "session", logging.FormatID(sid), "cancelled", cancelled)
	}
	return brokerv1.Message(map[string]*structpb.Value{
		brokerv1.FieldCancelled: structpb.NewNumberValue(float64(cancelled)),
	}), nil
}

// closeAll closes every open session, returning their deliveries.
func (s *brokerService) closeAll(ctx context.Context) int {
	n := 0
	for _, sess := range s.sessions.drain() {
		n += sess.close(ctx)
		s.metrics.Sessions.Dec()
	}
	return n
}

func (s *brokerService) session(id string) *session {
	sess, created := s.sessions.get(id)
	if created {
		s.metrics.Sessions.Inc()
	}
	return sess
}

// held resolves the caller's session and the delivery named in req.
func (s *brokerService) held(ctx context.Context, req *structpb.Struct) (*session, string, *delivery.Delivery, error) {
	sid, err := sessionID(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	id := brokerv1.String(req, brokerv1.FieldDeliveryID)
	if id == "" {
		return nil, "", nil, status.Error(codes.InvalidArgument, "delivery_id required")
	}
	sess, ok := s.sessions.lookup(sid)
	if !ok {
		return nil, "", nil, status.Errorf(codes.NotFound, "unknown session %s", sid)
	}
	d, ok := sess.lookup(id)
	if !ok {
		return nil, "", nil, status.Errorf(codes.NotFound, "unknown delivery %s", id)
	}
	return sess, id, d, nil
}

func (s *brokerService) deliveryResponse(q *queue.Queue, id string, d *delivery.Delivery) *structpb.Struct {
	fields := map[string]*structpb.Value{
		brokerv1.FieldDeliveryID: structpb.NewStringValue(id),
		brokerv1.FieldQueue:      structpb.NewStringValue(q.Name()),
	}
	if msg, ok := d.Routable().(*queue.Message); ok {
		fields[brokerv1.FieldMessageID] = structpb.NewStringValue(msg.ID())
		fields[brokerv1.FieldPayload] = structpb.NewStringValue(brokerv1.EncodePayload(msg.Payload))
		fields[brokerv1.FieldLabels] = brokerv1.LabelsValue(msg.Labels)
		fields[brokerv1.FieldAttempts] = structpb.NewNumberValue(float64(q.Attempts(msg)))
	}
	return brokerv1.Message(fields)
}

func sessionID(ctx context.Context) (string, error) {
	p := middleware.PacketFromContext(ctx, "")
	if p.Session == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s metadata required", middleware.SessionKey)
	}
	return p.Session, nil
}
