package rpc

import (
	"bytes"
	"context"
	"errors"
	"io"

	"gonum.org/v1/gonum/num/quat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/slamserver/internal/slam"
)

// Position is a decoded GetPosition reply.
type Position struct {
	Pose               slam.Pose
	ComponentReference string
}

// Client is a typed client for the SLAM service.
type Client struct {
	cc   grpc.ClientConnInterface
	name string
}

// Dial opens an insecure connection to target that accepts replies up to
// the server's unary limit.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

// NewClient wraps cc. name is sent as the component name of every request.
func NewClient(cc grpc.ClientConnInterface, name string) *Client {
	return &Client{cc: cc, name: name}
}

func (c *Client) request(extra map[string]any) (*structpb.Struct, error) {
	fields := map[string]any{FieldName: c.name}
	for k, v := range extra {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

// GetPosition fetches the current pose.
func (c *Client) GetPosition(ctx context.Context, opts ...grpc.CallOption) (Position, error) {
	req, err := c.request(nil)
	if err != nil {
		return Position{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetPosition, req, out, opts...); err != nil {
		return Position{}, err
	}

	fields := out.GetFields()
	pose := fields[FieldPose].GetStructValue().GetFields()
	q := fields[FieldExtra].GetStructValue().GetFields()[FieldQuat].GetStructValue().GetFields()
	if pose == nil || q == nil {
		return Position{}, errors.New("malformed GetPosition reply")
	}
	return Position{
		Pose: slam.Pose{
			X: pose["x"].GetNumberValue(),
			Y: pose["y"].GetNumberValue(),
			Z: pose["z"].GetNumberValue(),
			Orientation: quat.Number{
				Real: q["real"].GetNumberValue(),
				Imag: q["imag"].GetNumberValue(),
				Jmag: q["jmag"].GetNumberValue(),
				Kmag: q["kmag"].GetNumberValue(),
			},
		},
		ComponentReference: fields[FieldComponentReference].GetStringValue(),
	}, nil
}

func (c *Client) invokeBytes(ctx context.Context, method string, extra map[string]any, opts ...grpc.CallOption) ([]byte, error) {
	req, err := c.request(extra)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// GetPointCloudMap fetches the map as a binary PCD in one reply.
func (c *Client) GetPointCloudMap(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	return c.invokeBytes(ctx, MethodGetPointCloudMap, nil, opts...)
}

// GetMap fetches the map in mimeType and returns the payload together with
// the mime type the server reported.
func (c *Client) GetMap(ctx context.Context, mimeType string, includeRobotMarker bool, opts ...grpc.CallOption) ([]byte, string, error) {
	var header metadata.MD
	opts = append(opts, grpc.Header(&header))
	buf, err := c.invokeBytes(ctx, MethodGetMap, map[string]any{
		FieldMimeType:           mimeType,
		FieldIncludeRobotMarker: includeRobotMarker,
	}, opts...)
	if err != nil {
		return nil, "", err
	}
	got := mimeType
	if v := header.Get(MimeTypeHeader); len(v) > 0 {
		got = v[0]
	}
	return buf, got, nil
}

// GetInternalState fetches a full engine state dump in one reply.
func (c *Client) GetInternalState(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	return c.invokeBytes(ctx, MethodGetInternalState, nil, opts...)
}

// GetPointCloudMapStream fetches the map as a binary PCD over a stream.
func (c *Client) GetPointCloudMapStream(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	return c.collect(ctx, 0, MethodGetPointCloudMapStream, opts...)
}

// GetInternalStateStream fetches a full engine state dump over a stream.
func (c *Client) GetInternalStateStream(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	return c.collect(ctx, 1, MethodGetInternalStateStream, opts...)
}

// collect concatenates every chunk of a server stream.
func (c *Client) collect(ctx context.Context, streamIdx int, method string, opts ...grpc.CallOption) ([]byte, error) {
	req, err := c.request(nil)
	if err != nil {
		return nil, err
	}
	cs, err := c.cc.NewStream(ctx, &SLAMServiceDesc.Streams[streamIdx], method, opts...)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, wrapperspb.BytesValue]{ClientStream: cs}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
		buf.Write(chunk.GetValue())
	}
}
