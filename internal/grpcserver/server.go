// Package grpcserver streams pipeline diagnostics and run results over gRPC. Messages are
// google.protobuf.Struct values, so clients need no generated stubs.
package grpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"starstack/internal/diag"
	"starstack/internal/pipeline"
)

const (
	ServiceName = "starstack.Diagnostics"
	WatchMethod = "/" + ServiceName + "/Watch"

	// KindRun marks a finished pipeline job on the stream.
	KindRun = "run"
)

// ResultSource is the subscription side of the pipeline.
type ResultSource interface {
	Subscribe() (<-chan pipeline.Result, func())
}

// DiagnosticsServer fans diag.Hub events and pipeline results out to Watch streams.
type DiagnosticsServer struct {
	hub     *diag.Hub
	results ResultSource
	log     *slog.Logger
}

func NewDiagnosticsServer(hub *diag.Hub, results ResultSource, log *slog.Logger) *DiagnosticsServer {
	if log == nil {
		log = slog.Default()
	}
	return &DiagnosticsServer{hub: hub, results: results, log: log}
}

type watcher interface {
	watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the Diagnostics service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*watcher)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "starstack/diagnostics",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(*DiagnosticsServer).watch(req, stream)
}

// RegisterWithServer registers the service with a gRPC server.
func (s *DiagnosticsServer) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&ServiceDesc, s)
}

// Start serves on addr until ctx is cancelled.
func (s *DiagnosticsServer) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", listen.Addr().String())
	return grpcServer.Serve(listen)
}

// kinds reads the optional "kinds" list from a Watch request; empty means everything.
func kinds(req *structpb.Struct) (map[string]bool, error) {
	v, ok := req.GetFields()["kinds"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, status.Error(codes.InvalidArgument, "kinds must be a list of strings")
	}
	out := make(map[string]bool)
	for _, k := range list.GetValues() {
		name, ok := k.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "kinds must be a list of strings")
		}
		out[name.StringValue] = true
	}
	return out, nil
}

func (s *DiagnosticsServer) watch(req *structpb.Struct, stream grpc.ServerStream) error {
	want, err := kinds(req)
	if err != nil {
		return err
	}
	accept := func(kind string) bool { return len(want) == 0 || want[kind] }

	var events <-chan diag.Event
	if s.hub != nil {
		ch, unsub := s.hub.Subscribe()
		defer unsub()
		events = ch
	}
	var results <-chan pipeline.Result
	if s.results != nil {
		ch, unsub := s.results.Subscribe()
		defer unsub()
		results = ch
	}

	ctx := stream.Context()
	for {
		var (
			out  *structpb.Struct
			kind string
			err  error
		)
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			kind = ev.Kind
			if !accept(kind) {
				continue
			}
			out, err = toStruct(ev)
		case res, ok := <-results:
			if !ok {
				return nil
			}
			kind = KindRun
			if !accept(kind) {
				continue
			}
			if out, err = toStruct(res); err == nil {
				out.Fields["kind"] = structpb.NewStringValue(KindRun)
			}
		}
		if err != nil {
			s.log.Warn("failed to encode event", "kind", kind, "error", err)
			continue
		}
		if err := stream.SendMsg(out); err != nil {
			return err
		}
	}
}

// toStruct converts any JSON-encodable value into a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
