package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/slamserver/internal/monitoring"
	"github.com/banshee-data/slamserver/internal/slam"
	"github.com/banshee-data/slamserver/internal/slam/export"
	"github.com/banshee-data/slamserver/internal/slam/statecache"
)

// errTooLarge marks unary replies over export.MaxUnaryBytes.
var errTooLarge = errors.New("response exceeds the unary size limit")

// Ensure Service implements the gRPC interface.
var _ SLAMServiceServer = (*Service)(nil)

// Service answers queries from the state cache and, for state dumps, from
// the engine itself. Handlers copy what they need under the relevant lock
// and do all encoding and network I/O after releasing it.
type Service struct {
	guard  *slam.EngineGuard
	cache  *statecache.Cache
	sensor string
}

// NewService creates the query service. sensor is reported as the
// component reference of GetPosition.
func NewService(guard *slam.EngineGuard, cache *statecache.Cache, sensor string) *Service {
	return &Service{guard: guard, cache: cache, sensor: sensor}
}

// GetPosition returns the latest published pose in the map frame.
func (s *Service) GetPosition(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	p := s.cache.Pose()
	q := p.Quaternion()
	monitoring.Debugf("[SLAM gRPC] Passing robot position: x=%g y=%g z=%g real=%g imag=%g jmag=%g kmag=%g",
		p.X, p.Y, p.Z, q.Real, q.Imag, q.Jmag, q.Kmag)

	resp, err := structpb.NewStruct(map[string]any{
		FieldPose: map[string]any{"x": p.X, "y": p.Y, "z": p.Z},
		FieldExtra: map[string]any{
			FieldQuat: map[string]any{
				"real": q.Real,
				"imag": q.Imag,
				"jmag": q.Jmag,
				"kmag": q.Kmag,
			},
		},
		FieldComponentReference: s.sensor,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// GetPointCloudMap returns the current map as a binary PCD.
func (s *Service) GetPointCloudMap(ctx context.Context, _ *structpb.Struct) (*wrapperspb.BytesValue, error) {
	_, snap := s.cache.Read()
	buf, err := export.EncodePCD(snap)
	if err != nil {
		return nil, toStatus(err)
	}
	return unaryBytes(buf)
}

// GetPointCloudMapStream streams the current map as a binary PCD in
// export.ChunkSize pieces.
func (s *Service) GetPointCloudMapStream(_ *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	_, snap := s.cache.Read()
	buf, err := export.EncodePCD(snap)
	if err != nil {
		return toStatus(err)
	}
	return sendChunks(stream, buf)
}

// GetMap renders the map in the requested mime type: a JPEG top-down view
// or a height-coloured PCD. The mime type is echoed in the reply header.
func (s *Service) GetMap(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := req.GetFields()
	mime := fields[FieldMimeType].GetStringValue()
	marker := fields[FieldIncludeRobotMarker].GetBoolValue()

	pose, snap := s.cache.Read()

	var (
		buf []byte
		err error
	)
	switch mime {
	case MimeTypeJPEG:
		buf, err = export.RenderJPEG(pose, snap, export.RasterOptions{IncludeRobotMarker: marker})
	case MimeTypePCD:
		buf, err = export.EncodeColorPCD(snap)
	default:
		err = fmt.Errorf("%w: requested mime type %q is not supported, use %s or %s",
			slam.ErrInvalidArgument, mime, MimeTypeJPEG, MimeTypePCD)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	resp, err := unaryBytes(buf)
	if err != nil {
		return nil, err
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(MimeTypeHeader, mime)); err != nil {
		monitoring.Debugf("[SLAM gRPC] Failed to set mime-type header: %v", err)
	}
	return resp, nil
}

// GetInternalState returns a full engine state dump.
func (s *Service) GetInternalState(ctx context.Context, _ *structpb.Struct) (*wrapperspb.BytesValue, error) {
	buf, err := s.dumpState()
	if err != nil {
		return nil, toStatus(err)
	}
	return unaryBytes(buf)
}

// GetInternalStateStream streams a full engine state dump.
func (s *Service) GetInternalStateStream(_ *structpb.Struct, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	buf, err := s.dumpState()
	if err != nil {
		return toStatus(err)
	}
	return sendChunks(stream, buf)
}

// dumpState serialises the engine into memory while holding the engine lock
// so that chunking and sending happen without it.
func (s *Service) dumpState() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.guard.DumpState(&buf); err != nil {
		return nil, fmt.Errorf("failed to dump SLAM state: %w", err)
	}
	return buf.Bytes(), nil
}

func unaryBytes(buf []byte) (*wrapperspb.BytesValue, error) {
	if len(buf) > export.MaxUnaryBytes {
		return nil, toStatus(fmt.Errorf("%w: %d bytes (max %d), use the streaming call",
			errTooLarge, len(buf), export.MaxUnaryBytes))
	}
	return wrapperspb.Bytes(buf), nil
}

func sendChunks(stream grpc.ServerStreamingServer[wrapperspb.BytesValue], buf []byte) error {
	err := export.WriteChunks(buf, export.ChunkSize, func(p []byte) error {
		if err := stream.Context().Err(); err != nil {
			return err
		}
		return stream.Send(wrapperspb.Bytes(p))
	})
	if err != nil {
		monitoring.Logf("[SLAM gRPC] Stream aborted: %v", err)
		return toStatus(err)
	}
	return nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, slam.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, slam.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
