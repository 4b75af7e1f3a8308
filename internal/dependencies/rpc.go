package dependencies

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"arttic/config"
	"arttic/internal/inference"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// RuntimeService is the gRPC service the inference worker exposes. Every
// message is a google.protobuf.Struct.
const RuntimeService = "arttic.runtime.v1.Runtime"

var errUnimplemented = errors.New("not implemented by runtime")

var generateStream = &grpc.StreamDesc{StreamName: "Generate", ServerStreams: true}

// Rpc drives the inference worker. It implements inference.Runtime.
type Rpc struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration
	logger      *log.Logger
}

var _ inference.Runtime = (*Rpc)(nil)

func NewRpc(cfg config.RuntimeConfig) (*Rpc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(
		ctx,
		fmt.Sprint(cfg.Peer, ":", cfg.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating newrpc: %w", err)
	}
	return newRpcFromConn(conn, cfg.CallTimeout), nil
}

func newRpcFromConn(conn *grpc.ClientConn, callTimeout time.Duration) *Rpc {
	return &Rpc{
		conn:        conn,
		callTimeout: callTimeout,
		logger:      log.With("component", "rpc"),
	}
}

func (r *Rpc) Close() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func method(name string) string { return "/" + RuntimeService + "/" + name }

func (r *Rpc) call(ctx context.Context, name string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, method(name), in, out); err != nil {
		return mapStatus(name, err)
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func toStruct(v any) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if v == nil {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

// fromStruct goes through encoding/json so whole numbers never come back in
// exponent form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// mapStatus turns worker status codes into the runtime sentinels.
func mapStatus(name string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.ResourceExhausted:
		sentinel = inference.ErrOutOfMemory
	case codes.PermissionDenied, codes.Unauthenticated:
		sentinel = inference.ErrAccessDenied
	case codes.Unavailable, codes.NotFound:
		sentinel = inference.ErrUnavailable
	case codes.FailedPrecondition:
		sentinel = inference.ErrUnknownHandle
	case codes.Unimplemented:
		sentinel = errUnimplemented
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return fmt.Errorf("%s: %s", name, st.Message())
	}
	return fmt.Errorf("%w: %s: %s", sentinel, name, st.Message())
}

type handleReq struct {
	Handle inference.Handle `json:"handle"`
}

func (r *Rpc) LoadPipeline(ctx context.Context, spec inference.LoadSpec) (inference.Handle, error) {
	var resp handleReq
	if err := r.call(ctx, "LoadPipeline", spec, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("LoadPipeline: runtime returned no handle")
	}
	r.logger.Debug("pipeline loaded", "handle", resp.Handle, "class", spec.Class)
	return resp.Handle, nil
}

func (r *Rpc) LoadLoraWeights(ctx context.Context, h inference.Handle, path, adapterName string) error {
	return r.call(ctx, "LoadLoraWeights", map[string]any{
		"handle":       h,
		"path":         path,
		"adapter_name": adapterName,
	}, nil)
}

func (r *Rpc) PlaceOnDevice(ctx context.Context, h inference.Handle, offload bool) error {
	return r.call(ctx, "PlaceOnDevice", map[string]any{"handle": h, "offload": offload}, nil)
}

func (r *Rpc) Components(ctx context.Context, h inference.Handle) ([]string, error) {
	var resp struct {
		Components []string `json:"components"`
	}
	if err := r.call(ctx, "Components", handleReq{Handle: h}, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}

func (r *Rpc) Optimize(ctx context.Context, h inference.Handle, spec inference.OptimizeSpec) error {
	return r.call(ctx, "Optimize", struct {
		Handle inference.Handle `json:"handle"`
		inference.OptimizeSpec
	}{h, spec}, nil)
}

func (r *Rpc) SetScheduler(ctx context.Context, h inference.Handle, className string) error {
	return r.call(ctx, "SetScheduler", map[string]any{"handle": h, "scheduler": className}, nil)
}

func (r *Rpc) SetVaeTiling(ctx context.Context, h inference.Handle, enabled bool) error {
	return r.call(ctx, "SetVaeTiling", map[string]any{"handle": h, "enabled": enabled}, nil)
}

// Generate streams {"step": n} frames followed by one {"image": base64} frame.
func (r *Rpc) Generate(ctx context.Context, h inference.Handle, args inference.GenerateArgs, onStep func(int)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	in, err := toStruct(struct {
		Handle inference.Handle `json:"handle"`
		inference.GenerateArgs
	}{h, args})
	if err != nil {
		return nil, err
	}

	stream, err := r.conn.NewStream(ctx, generateStream, method("Generate"))
	if err != nil {
		return nil, mapStatus("Generate", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, mapStatus("Generate", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, mapStatus("Generate", err)
	}

	var image []byte
	for {
		frame := &structpb.Struct{}
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, mapStatus("Generate", err)
		}
		fields := frame.GetFields()
		if v, ok := fields["step"]; ok && onStep != nil {
			onStep(int(v.GetNumberValue()))
		}
		if v, ok := fields["image"]; ok {
			image, err = base64.StdEncoding.DecodeString(v.GetStringValue())
			if err != nil {
				return nil, fmt.Errorf("Generate: decode image: %w", err)
			}
		}
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("Generate: runtime returned no image")
	}
	return image, nil
}

func (r *Rpc) Release(ctx context.Context, h inference.Handle) error {
	return r.call(ctx, "Release", handleReq{Handle: h}, nil)
}

func (r *Rpc) EmptyCache(ctx context.Context) error {
	return r.call(ctx, "EmptyCache", nil, nil)
}

func (r *Rpc) MemoryInfo(ctx context.Context) (inference.MemoryInfo, error) {
	var info inference.MemoryInfo
	err := r.call(ctx, "MemoryInfo", nil, &info)
	if errors.Is(err, errUnimplemented) {
		return inference.MemoryInfo{}, inference.ErrMemoryInfoUnavailable
	}
	if err != nil {
		return inference.MemoryInfo{}, err
	}
	if info.TotalBytes == 0 {
		return inference.MemoryInfo{}, inference.ErrMemoryInfoUnavailable
	}
	return info, nil
}
