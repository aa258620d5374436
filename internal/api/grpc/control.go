// Package grpc exposes the upload engine as the spool.v1.Control gRPC
// service. Messages are protobuf well-known types, so no generated code is
// needed on either side.
package grpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	serrors "github.com/arkilian/spool/internal/errors"
	"github.com/arkilian/spool/internal/uploader"
	"github.com/arkilian/spool/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "spool.v1.Control"

// Engine is the part of uploader.Engine the service drives.
type Engine interface {
	EnqueueNew(ref types.FileRef) (*types.UploadRecord, error)
	EnqueueOverwrite(ref types.FileRef) (*types.UploadRecord, error)
	Cancel(id string)
	Active() []uploader.Status
	WaitForDrain(ctx context.Context) error
}

// ControlServer is the server API of spool.v1.Control.
//
// Enqueue takes a struct with the FileRef JSON fields plus an optional
// boolean "overwrite", and returns the record id.
type ControlServer interface {
	Enqueue(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Drain(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// ControlServiceDesc describes spool.v1.Control for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: unaryHandler("Enqueue", newMsg[structpb.Struct], ControlServer.Enqueue)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", newMsg[wrapperspb.StringValue], ControlServer.Cancel)},
		{MethodName: "Drain", Handler: unaryHandler("Drain", newMsg[emptypb.Empty], ControlServer.Drain)},
		{MethodName: "List", Handler: unaryHandler("List", newMsg[emptypb.Empty], ControlServer.List)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spool/v1/control.proto",
}

func newMsg[T any]() *T { return new(T) }

func unaryHandler[Req, Resp proto.Message](method string, newReq func() Req, call func(ControlServer, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlService implements ControlServer on top of an Engine.
type ControlService struct {
	engine Engine
	logger zerolog.Logger
}

func NewControlService(engine Engine, logger zerolog.Logger) *ControlService {
	return &ControlService{engine: engine, logger: logger}
}

// NewServer returns a grpc.Server with the control service registered
// behind the request-id and recovery interceptors.
func NewServer(engine Engine, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(requestIDInterceptor(logger), recoveryInterceptor(logger)))
	s := grpc.NewServer(opts...)
	s.RegisterService(&ControlServiceDesc, NewControlService(engine, logger))
	return s
}

func (s *ControlService) Enqueue(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	ref, overwrite, err := refFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	enqueue := s.engine.EnqueueNew
	if overwrite {
		enqueue = s.engine.EnqueueOverwrite
	}
	rec, err := enqueue(ref)
	if err != nil {
		return nil, s.statusFor(ctx, err)
	}
	return wrapperspb.String(rec.ID), nil
}

func (s *ControlService) Cancel(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	s.engine.Cancel(in.GetValue())
	return &emptypb.Empty{}, nil
}

// Drain waits until the engine is idle or the call's deadline passes.
func (s *ControlService) Drain(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.WaitForDrain(ctx); err != nil {
		return nil, s.statusFor(ctx, err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ControlService) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	active := s.engine.Active()
	values := make([]*structpb.Value, 0, len(active))
	for _, st := range active {
		fields := map[string]any{
			"id":          st.Record.ID,
			"remote_path": st.Record.RemotePath,
			"length":      float64(st.Record.Length),
			"overwrite":   st.Record.Overwrite,
			"state":       string(st.State),
			"attempts":    float64(st.Attempts),
			"done":        float64(st.Done),
		}
		if st.LastReason != "" {
			fields["last_reason"] = st.LastReason
		}
		v, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode status: %v", err)
		}
		values = append(values, structpb.NewStructValue(v))
	}
	return &structpb.ListValue{Values: values}, nil
}

func (s *ControlService) statusFor(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, uploader.ErrDuplicateID):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, uploader.ErrNotRunning):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case serrors.GetCategory(err) == serrors.ErrCategoryValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Error().Err(err).Str("request_id", RequestID(ctx)).Msg("control call failed")
	return status.Error(codes.Internal, err.Error())
}

func refFromStruct(in *structpb.Struct) (types.FileRef, bool, error) {
	var ref types.FileRef
	f := in.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }

	ref.ID = str("id")
	ref.LocalPath = str("local_path")
	ref.RemotePath = str("remote_path")
	ref.ParentID = str("parent_id")
	if v, ok := f["length"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int64(n)) {
			return ref, false, fmt.Errorf("invalid length %v", n)
		}
		ref.Length = int64(n)
	}
	if ref.RemotePath == "" {
		return ref, false, errors.New("remote_path is required")
	}
	return ref, f["overwrite"].GetBoolValue(), nil
}

type requestIDKey struct{}

// RequestID returns the id attached by the request-id interceptor.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				id = ids[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs("x-request-id", id))
		ctx = context.WithValue(ctx, requestIDKey{}, id)

		resp, err := handler(ctx, req)
		logger.Debug().Str("method", info.FullMethod).Str("request_id", id).
			Stringer("code", status.Code(err)).Msg("rpc")
		return resp, err
	}
}

func recoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("rpc panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
