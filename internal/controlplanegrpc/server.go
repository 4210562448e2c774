// Package controlplanegrpc implements internal/nodeagentgrpc.Server, the
// control plane's side of the node agent wire contract (spec.md §4.10).
// Grounded on the teacher's pkg/api/server.go, which also wraps the
// process's core dependency (there, *manager.Manager; here, the handful
// of narrow collaborators this surface actually needs) in one struct and
// dispatches each RPC into it. Unlike the teacher's ensureLeader gate on
// every write, no method here checks leadership: Postgres's unique
// sequence constraint is the serialization point (see internal/command's
// package doc), so any control-plane replica can answer any node agent.
package controlplanegrpc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/command"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
	"github.com/rexbrahh/plfm-vt-sub000/internal/security"
)

// PlanBuilder is the subset of *nodeplan.Builder this surface needs.
type PlanBuilder interface {
	Build(ctx context.Context, nodeID string) (nodeplan.Plan, error)
}

// NodeIPv6Allocator mirrors command.IPv6Allocator so this package doesn't
// need to import internal/ipam directly.
type NodeIPv6Allocator interface {
	NextSuffix(ctx context.Context, prefix string) (string, error)
}

// Server answers every RPC a node agent makes, closing over the command
// handlers for the three write paths (enroll, heartbeat, instance status
// report) and the plan builder / secret store for the two read paths.
type Server struct {
	Handlers   *command.Handlers
	Plans      PlanBuilder
	Secrets    *security.SecretStore
	IPAM       NodeIPv6Allocator
	NodePrefix string
	CACert     []byte
	Logger     zerolog.Logger
}

func (s *Server) Enroll(ctx context.Context, req *nodeagentgrpc.EnrollRequest) (*nodeagentgrpc.EnrollResponse, error) {
	nodeID := fmt.Sprintf("node_%s", req.WireGuardPublicKey[:minInt(12, len(req.WireGuardPublicKey))])
	receipt, err := s.Handlers.EnrollNode(ctx, command.Request{
		ActorType: "node", ActorID: nodeID,
	}, command.EnrollNodeInput{
		NodeID: nodeID, WireGuardPubKey: req.WireGuardPublicKey,
		CPUCores: int(req.AllocatableCPU), MemoryBytes: req.AllocatableMemory,
	}, s.IPAM, s.NodePrefix)
	if err != nil {
		return nil, err
	}
	return &nodeagentgrpc.EnrollResponse{
		NodeID: receipt.ResourceID, ClusterCACert: s.CACert,
	}, nil
}

func (s *Server) Heartbeat(ctx context.Context, req *nodeagentgrpc.HeartbeatRequest) (*nodeagentgrpc.HeartbeatResponse, error) {
	if err := s.Handlers.RecordHeartbeat(ctx, req.NodeID, req.AvailableCPU, req.AvailableMemory); err != nil {
		return nil, err
	}
	return &nodeagentgrpc.HeartbeatResponse{NextPollIntervalMs: 5000}, nil
}

func (s *Server) GetPlan(ctx context.Context, req *nodeagentgrpc.GetPlanRequest) (*nodeagentgrpc.GetPlanResponse, error) {
	plan, err := s.Plans.Build(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	return &nodeagentgrpc.GetPlanResponse{Plan: plan}, nil
}

func (s *Server) ReportInstanceStatus(ctx context.Context, req *nodeagentgrpc.ReportInstanceStatusRequest) (*nodeagentgrpc.ReportInstanceStatusResponse, error) {
	if err := s.Handlers.ReportInstanceStatus(ctx, req.InstanceID, req.Status, req.BootID, req.ExitCode, req.Reason); err != nil {
		return nil, err
	}
	return &nodeagentgrpc.ReportInstanceStatusResponse{}, nil
}

func (s *Server) GetSecretMaterial(ctx context.Context, req *nodeagentgrpc.GetSecretMaterialRequest) (*nodeagentgrpc.GetSecretMaterialResponse, error) {
	values, err := s.Secrets.Get(ctx, req.VersionID)
	if err != nil {
		return nil, apierr.NotFound("secret bundle version")
	}
	return &nodeagentgrpc.GetSecretMaterialResponse{Values: values}, nil
}

// SendWorkloadLogs drains the batch and acknowledges it; workload log
// storage is out of scope (spec.md Non-goals), so the control plane
// accepts and discards rather than refusing the stream outright, which
// would otherwise force every node agent to buffer logs indefinitely.
func (s *Server) SendWorkloadLogs(stream nodeagentgrpc.LogIngestStream) error {
	var accepted int64
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		accepted++
		_ = chunk
	}
	return stream.SendAndClose(&nodeagentgrpc.SendWorkloadLogsResponse{Accepted: accepted})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
