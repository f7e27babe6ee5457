package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/akhenakh/embedsim/catalog"
	"github.com/akhenakh/embedsim/embedding"
	"github.com/akhenakh/embedsim/explorer"
	"github.com/akhenakh/embedsim/geotiff"
	"github.com/akhenakh/embedsim/utm"
)

const (
	serviceName = "embedsim.v1.SimilarityService"
	protoFile   = "embedsim/v1/similarity.proto"
)

// SimilarityServiceServer is the gRPC surface. Requests and responses are
// protobuf Structs carrying the same documents as the REST API.
type SimilarityServiceServer interface {
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Score(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	DeleteSession(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ReloadCatalog(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var similarityServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SimilarityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Resolve", SimilarityServiceServer.Resolve),
		unary("CreateSession", SimilarityServiceServer.CreateSession),
		unary("Score", SimilarityServiceServer.Score),
		unary("Export", SimilarityServiceServer.Export),
		unary("DeleteSession", SimilarityServiceServer.DeleteSession),
		unary("ReloadCatalog", SimilarityServiceServer.ReloadCatalog),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// The descriptor of the service is registered like generated code does, so
// reflection clients can describe it.
func init() {
	if err := registerServiceFile(); err != nil {
		panic(err)
	}
}

func registerServiceFile() error {
	const (
		structType = ".google.protobuf.Struct"
		stringType = ".google.protobuf.StringValue"
		bytesType  = ".google.protobuf.BytesValue"
		emptyType  = ".google.protobuf.Empty"
	)
	method := func(name, in, out string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(out),
		}
	}
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(protoFile),
		Package: proto.String("embedsim.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			structpb.File_google_protobuf_struct_proto.Path(),
			wrapperspb.File_google_protobuf_wrappers_proto.Path(),
			emptypb.File_google_protobuf_empty_proto.Path(),
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("SimilarityService"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method("Resolve", structType, structType),
				method("CreateSession", structType, structType),
				method("Score", structType, structType),
				method("Export", stringType, bytesType),
				method("DeleteSession", stringType, emptyType),
				method("ReloadCatalog", emptyType, emptyType),
			},
		}},
	}
	fd, err := protodesc.NewFile(fdp, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", protoFile, err)
	}
	return protoregistry.GlobalFiles.RegisterFile(fd)
}

// unary builds the method descriptor dispatching to call.
func unary[Req, Resp any](method string, call func(SimilarityServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SimilarityServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SimilarityServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func (s *Server) Resolve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req boxRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcError(err)
	}
	m, err := s.resolve(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(m)
}

func (s *Server) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req boxRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcError(err)
	}
	resp, err := s.createSession(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (s *Server) Score(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req scoreRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcError(err)
	}
	resp, err := s.score(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(resp)
}

func (s *Server) Export(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	data, err := s.export(in.GetValue())
	if err != nil {
		return nil, grpcError(err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) DeleteSession(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.deleteSession(in.GetValue()); err != nil {
		return nil, grpcError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ReloadCatalog(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.reloadCatalog()
	return &emptypb.Empty{}, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	b, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// grpcError maps an error to the status code of its kind.
func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, errBadRequest),
		errors.Is(err, utm.ErrInvalidBox),
		errors.Is(err, catalog.ErrZoneCrossing),
		errors.Is(err, explorer.ErrInvalidWindow),
		errors.Is(err, embedding.ErrOutOfBounds),
		errors.Is(err, embedding.ErrMaskedPixel):
		code = codes.InvalidArgument
	case errors.Is(err, catalog.ErrTileNotFound),
		errors.Is(err, explorer.ErrSessionNotFound),
		errors.Is(err, explorer.ErrNoResult):
		code = codes.NotFound
	case errors.Is(err, explorer.ErrSuperseded):
		code = codes.Aborted
	case errors.Is(err, geotiff.ErrDecode):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
