package api

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"backtestlab/internal/domain"
	"backtestlab/internal/results"
)

// ResultsServiceName is the full gRPC service name.
const ResultsServiceName = "backtestlab.v1.Results"

// ResultsServer is the gRPC results service. Requests and responses are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API.
type ResultsServer interface {
	Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Summary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterResultsServer registers srv on gs.
func RegisterResultsServer(gs grpc.ServiceRegistrar, srv ResultsServer) {
	gs.RegisterService(&resultsServiceDesc, srv)
}

var resultsServiceDesc = grpc.ServiceDesc{
	ServiceName: ResultsServiceName,
	HandlerType: (*ResultsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler("Query", ResultsServer.Query)},
		{MethodName: "Get", Handler: unaryHandler("Get", ResultsServer.Get)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", ResultsServer.Delete)},
		{MethodName: "Summary", Handler: unaryHandler("Summary", ResultsServer.Summary)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backtestlab/v1/results.proto",
}

type structMethod func(ResultsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ResultsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ResultsServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ResultsServer), ctx, req.(*structpb.Struct))
		})
	}
}

// Compile-time interface check.
var _ ResultsServer = (*ResultsService)(nil)

// ResultsService implements ResultsServer over a results store.
type ResultsService struct {
	store *results.Store
}

// NewResultsService creates a ResultsService backed by the given store.
func NewResultsService(s *results.Store) *ResultsService {
	return &ResultsService{store: s}
}

// Query takes a results.Filter and returns {"results": [...]}. Corrupt index
// rows are left out and reported under "warning".
func (s *ResultsService) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var f results.Filter
	if err := fromStruct(req, &f); err != nil {
		return nil, err
	}
	if f.OrderBy != "" {
		if _, ok := results.SortableMetrics[f.OrderBy]; !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown order_by metric %q", f.OrderBy)
		}
	}
	rows, err := s.store.Query(ctx, f)
	if err != nil && errors.Is(err, domain.ErrDataCorruption) {
		return toStruct(map[string]any{"results": rows, "warning": err.Error()})
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"results": rows})
}

// Get takes a results.Key and returns {"record": ...}. A corrupt payload
// yields DataLoss with the partial record attached as an error detail.
func (s *ResultsService) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var key results.Key
	if err := fromStruct(req, &key); err != nil {
		return nil, err
	}
	rec, found, err := s.store.Get(ctx, key)
	if err != nil && found && errors.Is(err, domain.ErrDataCorruption) {
		st := status.New(codes.DataLoss, err.Error())
		if partial, serr := toStruct(map[string]any{"record": rec}); serr == nil {
			if withDetail, derr := st.WithDetails(partial); derr == nil {
				st = withDetail
			}
		}
		return nil, st.Err()
	}
	if err != nil {
		return nil, grpcError(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "no result for %s", key.ID())
	}
	return toStruct(map[string]any{"record": rec})
}

// Delete takes a results.Key and returns {"deleted": bool}.
func (s *ResultsService) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var key results.Key
	if err := fromStruct(req, &key); err != nil {
		return nil, err
	}
	existed, err := s.store.Delete(ctx, key)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(map[string]any{"deleted": existed})
}

// Summary returns the store counts.
func (s *ResultsService) Summary(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(sum)
}

// grpcError maps the error taxonomy onto gRPC codes.
func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrDataCorruption):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

// fromStruct decodes req into v through its JSON encoding.
func fromStruct(req *structpb.Struct, v any) error {
	data, err := protojson.Marshal(req)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}
