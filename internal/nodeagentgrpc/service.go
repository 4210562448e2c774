package nodeagentgrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const serviceName = "plfm.nodeagent.v1.NodeAgent"

// nodeIDMetadataKey is how every method but Enroll carries node identity
// (spec.md §6: "Node identity is carried in x-node-id metadata for
// non-enroll methods"). This package authenticates nothing; any
// interceptor for that is the caller's to attach to the grpc.Server /
// grpc.ClientConn, and cmd/plfm-controlplane attaches none.
const nodeIDMetadataKey = "x-node-id"

// NodeIDFromContext reads x-node-id out of incoming call metadata.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get(nodeIDMetadataKey)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// WithNodeID attaches x-node-id to an outgoing client context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, nodeIDMetadataKey, nodeID)
}

// Server is what a control-plane process implements to answer node agent
// calls; internal/command and internal/nodeplan supply the real logic,
// this package only shapes the wire contract.
type Server interface {
	Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error)
	Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error)
	GetPlan(ctx context.Context, req *GetPlanRequest) (*GetPlanResponse, error)
	ReportInstanceStatus(ctx context.Context, req *ReportInstanceStatusRequest) (*ReportInstanceStatusResponse, error)
	GetSecretMaterial(ctx context.Context, req *GetSecretMaterialRequest) (*GetSecretMaterialResponse, error)
	SendWorkloadLogs(stream LogIngestStream) error
}

// LogIngestStream is the client-streaming half of SendWorkloadLogs: the
// agent sends a sequence of LogChunk and the handler returns one summary
// response when the agent closes its send side.
type LogIngestStream interface {
	Recv() (*LogChunk, error)
	SendAndClose(*SendWorkloadLogsResponse) error
	Context() context.Context
}

type logIngestStream struct{ grpc.ServerStream }

func (s logIngestStream) Recv() (*LogChunk, error) {
	chunk := new(LogChunk)
	if err := s.RecvMsg(chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s logIngestStream) SendAndClose(resp *SendWorkloadLogsResponse) error {
	return s.SendMsg(resp)
}

// RegisterServer wires Server into a *grpc.Server using a hand-built
// ServiceDesc, in place of the would-be protoc-generated
// RegisterNodeAgentServer.
func RegisterServer(s *grpc.Server, impl Server) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enroll", Handler: unaryHandler(func(s Server) interface{} { return s.Enroll }, func() interface{} { return new(EnrollRequest) })},
		{MethodName: "Heartbeat", Handler: unaryHandler(func(s Server) interface{} { return s.Heartbeat }, func() interface{} { return new(HeartbeatRequest) })},
		{MethodName: "GetPlan", Handler: unaryHandler(func(s Server) interface{} { return s.GetPlan }, func() interface{} { return new(GetPlanRequest) })},
		{MethodName: "ReportInstanceStatus", Handler: unaryHandler(func(s Server) interface{} { return s.ReportInstanceStatus }, func() interface{} { return new(ReportInstanceStatusRequest) })},
		{MethodName: "GetSecretMaterial", Handler: unaryHandler(func(s Server) interface{} { return s.GetSecretMaterial }, func() interface{} { return new(GetSecretMaterialRequest) })},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SendWorkloadLogs", Handler: sendWorkloadLogsHandler, ClientStreams: true},
	},
	Metadata: "plfm/nodeagent.proto",
}

// unaryHandler adapts one of Server's unary methods into a grpc.methodHandler
// without hand-duplicating the decode/interceptor boilerplate five times;
// fn and newReq are closures so each call site stays concrete (no
// reflection over request/response types).
func unaryHandler(fn func(Server) interface{}, newReq func() interface{}) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		call := fn(srv.(Server))
		if interceptor == nil {
			return invoke(call, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return invoke(call, ctx, req)
		})
	}
}

func invoke(call interface{}, ctx context.Context, req interface{}) (interface{}, error) {
	switch f := call.(type) {
	case func(context.Context, *EnrollRequest) (*EnrollResponse, error):
		return f(ctx, req.(*EnrollRequest))
	case func(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error):
		return f(ctx, req.(*HeartbeatRequest))
	case func(context.Context, *GetPlanRequest) (*GetPlanResponse, error):
		return f(ctx, req.(*GetPlanRequest))
	case func(context.Context, *ReportInstanceStatusRequest) (*ReportInstanceStatusResponse, error):
		return f(ctx, req.(*ReportInstanceStatusRequest))
	case func(context.Context, *GetSecretMaterialRequest) (*GetSecretMaterialResponse, error):
		return f(ctx, req.(*GetSecretMaterialRequest))
	default:
		return nil, fmt.Errorf("nodeagentgrpc: unhandled method type %T", call)
	}
}

func sendWorkloadLogsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).SendWorkloadLogs(logIngestStream{stream})
}

// Client is a thin wrapper over a *grpc.ClientConn speaking the JSON
// codec this package registers, used by the node agent binary.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client { return &Client{cc: cc} }

func (c *Client) Enroll(ctx context.Context, req *EnrollRequest) (*EnrollResponse, error) {
	resp := new(EnrollResponse)
	if err := c.invoke(ctx, "Enroll", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.invoke(ctx, "Heartbeat", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetPlan(ctx context.Context, req *GetPlanRequest) (*GetPlanResponse, error) {
	resp := new(GetPlanResponse)
	if err := c.invoke(ctx, "GetPlan", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ReportInstanceStatus(ctx context.Context, req *ReportInstanceStatusRequest) (*ReportInstanceStatusResponse, error) {
	resp := new(ReportInstanceStatusResponse)
	if err := c.invoke(ctx, "ReportInstanceStatus", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetSecretMaterial(ctx context.Context, req *GetSecretMaterialRequest) (*GetSecretMaterialResponse, error) {
	resp := new(GetSecretMaterialResponse)
	if err := c.invoke(ctx, "GetSecretMaterial", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.cc.Invoke(ctx, fmt.Sprintf("/%s/%s", serviceName, method), req, resp, grpc.CallContentSubtype(codecName))
}

// LogSender is the client-side handle SendWorkloadLogs returns; the agent
// calls Send per buffered batch and CloseAndRecv once it's done.
type LogSender struct {
	stream grpc.ClientStream
}

func (c *Client) SendWorkloadLogs(ctx context.Context) (*LogSender, error) {
	desc := &grpc.StreamDesc{StreamName: "SendWorkloadLogs", ClientStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, fmt.Sprintf("/%s/SendWorkloadLogs", serviceName), grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &LogSender{stream: stream}, nil
}

func (s *LogSender) Send(chunk *LogChunk) error {
	return s.stream.SendMsg(chunk)
}

func (s *LogSender) CloseAndRecv() (*SendWorkloadLogsResponse, error) {
	if err := s.stream.CloseSend(); err != nil {
		return nil, err
	}
	resp := new(SendWorkloadLogsResponse)
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
