package runner

import (
	"context"
	"errors"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/qrafzv/openlayers/monitoring"
	"github.com/qrafzv/openlayers/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clustopher.v1.LayerService"

// DefaultMaxMessageSize bounds a single request or response. A whole
// feature collection travels in one message, so the gRPC default of
// 4 MiB is too small for fine resolutions.
const DefaultMaxMessageSize = 64 << 20

// ServerOptions sets the message size limits of a layer server. A size
// that is not positive selects DefaultMaxMessageSize.
func ServerOptions(maxMessageSize int) []grpc.ServerOption {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
}

// LayerServiceServer is the gRPC surface of a Registry. Requests and
// responses are google.protobuf.Struct messages.
type LayerServiceServer interface {
	ListLayers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateLayer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadLayer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFeatures(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type layerMethod func(LayerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call layerMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LayerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LayerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var layerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LayerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ListLayers", LayerServiceServer.ListLayers),
		unaryHandler("CreateLayer", LayerServiceServer.CreateLayer),
		unaryHandler("LoadLayer", LayerServiceServer.LoadLayer),
		unaryHandler("GetFeatures", LayerServiceServer.GetFeatures),
		unaryHandler("GetSummary", LayerServiceServer.GetSummary),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clustopher/v1/layer.proto",
}

// RegisterLayerServiceServer registers srv on s.
func RegisterLayerServiceServer(s grpc.ServiceRegistrar, srv LayerServiceServer) {
	s.RegisterService(&layerServiceDesc, srv)
}

// Register installs the layer service, health checking and reflection on
// s and returns the health server.
func Register(s *grpc.Server, reg *Registry) *health.Server {
	RegisterLayerServiceServer(s, NewLayerService(reg))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging
	reflection.Register(s)
	return healthServer
}

// LayerService serves a Registry over gRPC.
type LayerService struct {
	registry *Registry
}

func NewLayerService(reg *Registry) *LayerService {
	return &LayerService{registry: reg}
}

var _ LayerServiceServer = (*LayerService)(nil)

func (s *LayerService) ListLayers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	infos, err := s.registry.ListLayers(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{"layers": infos})
}

func (s *LayerService) CreateLayer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v := req.GetFields()["numFeatures"].GetNumberValue()
	if v != math.Trunc(v) || v < 1 || v > float64(s.registry.cfg.MaxFeatures) {
		return nil, status.Errorf(codes.InvalidArgument, "%v: numFeatures must be an integer between 1 and %d, got %v",
			ErrInvalidQuery, s.registry.cfg.MaxFeatures, v)
	}
	info, err := s.registry.CreateLayer(ctx, int(v))
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{"layer": info})
}

func (s *LayerService) LoadLayer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	info, err := s.registry.LoadLayer(ctx, req.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{"layer": info})
}

func (s *LayerService) GetFeatures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, q, err := decodeViewRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	fc, err := s.registry.GetFeatures(ctx, id, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{"collection": fc})
}

func (s *LayerService) GetSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, q, err := decodeViewRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	summary, err := s.registry.GetSummary(ctx, id, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]interface{}{"summary": summary})
}

func decodeViewRequest(req *structpb.Struct) (string, Query, error) {
	var q Query
	if err := fromStruct(field(req, "query"), &q); err != nil {
		return "", Query{}, errors.Join(ErrInvalidQuery, err)
	}
	return req.GetFields()["id"].GetStringValue(), q, nil
}

func encode(v interface{}) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrLayerNotFound), errors.Is(err, store.ErrSnapshotNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidQuery):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		monitoring.Logf("Layer service error: %v", err)
		return status.Error(codes.Internal, err.Error())
	}
}
