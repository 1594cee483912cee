package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb/geojson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/qrafzv/openlayers/cluster"
	"github.com/qrafzv/openlayers/store"
)

// ErrResponseTooLarge is returned when a message exceeds the gRPC size
// limit, typically a feature collection for a wide extent at a fine
// resolution.
var ErrResponseTooLarge = errors.New("response too large")

// DialOptions sets the message size limits of a layer client. A size
// that is not positive selects DefaultMaxMessageSize.
func DialOptions(maxMessageSize int) []grpc.DialOption {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}
}

// Client calls a remote layer service. It offers the same operations as
// Registry so either can back the HTTP API.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]interface{}) (*structpb.Struct, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *Client) ListLayers(ctx context.Context) ([]store.SnapshotInfo, error) {
	out, err := c.invoke(ctx, "ListLayers", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Layers []store.SnapshotInfo `json:"layers"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode layers: %w", err)
	}
	if resp.Layers == nil {
		resp.Layers = []store.SnapshotInfo{}
	}
	return resp.Layers, nil
}

func (c *Client) CreateLayer(ctx context.Context, numFeatures int) (store.SnapshotInfo, error) {
	out, err := c.invoke(ctx, "CreateLayer", map[string]interface{}{"numFeatures": numFeatures})
	if err != nil {
		return store.SnapshotInfo{}, err
	}
	return decodeLayer(out)
}

func (c *Client) LoadLayer(ctx context.Context, id string) (store.SnapshotInfo, error) {
	out, err := c.invoke(ctx, "LoadLayer", map[string]interface{}{"id": id})
	if err != nil {
		return store.SnapshotInfo{}, err
	}
	return decodeLayer(out)
}

func (c *Client) GetFeatures(ctx context.Context, id string, q Query) (*geojson.FeatureCollection, error) {
	out, err := c.invoke(ctx, "GetFeatures", map[string]interface{}{"id": id, "query": q})
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	if err := fromStruct(field(out, "collection"), fc); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return fc, nil
}

func (c *Client) GetSummary(ctx context.Context, id string, q Query) (cluster.Summary, error) {
	out, err := c.invoke(ctx, "GetSummary", map[string]interface{}{"id": id, "query": q})
	if err != nil {
		return cluster.Summary{}, err
	}
	var summary cluster.Summary
	if err := fromStruct(field(out, "summary"), &summary); err != nil {
		return cluster.Summary{}, fmt.Errorf("failed to decode summary: %w", err)
	}
	return summary, nil
}

func decodeLayer(out *structpb.Struct) (store.SnapshotInfo, error) {
	var info store.SnapshotInfo
	if err := fromStruct(field(out, "layer"), &info); err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("failed to decode layer: %w", err)
	}
	return info, nil
}

// fromStatus maps gRPC status codes back onto the package's sentinel
// errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrLayerNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidQuery, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrResponseTooLarge, st.Message())
	default:
		return err
	}
}
