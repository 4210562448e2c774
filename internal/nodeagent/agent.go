package nodeagent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
)

const (
	planPollInterval  = 3 * time.Second
	heartbeatInterval = 5 * time.Second
	rpcTimeout        = 10 * time.Second
)

// Resources reports the node's total and currently available capacity;
// a real implementation asks the kernel, this is left to the caller to
// keep this package free of host-introspection concerns.
type Resources interface {
	Allocatable() (cpuCores float64, memoryBytes int64)
	Available() (cpuCores float64, memoryBytes int64)
}

// Agent is one running node agent process: it owns the gRPC client, the
// containerd-backed Runtime, and the local store, and drives the two
// loops the teacher's Worker drives (heartbeat and a tighter sync loop),
// retargeted at plan-polling instead of task-polling.
type Agent struct {
	client    *nodeagentgrpc.Client
	runtime   *Runtime
	store     *LocalStore
	reconcile *Reconciler
	resources Resources
	arch      string
	labels    map[string]string
	logger    zerolog.Logger

	nodeID string
}

func NewAgent(client *nodeagentgrpc.Client, runtime *Runtime, store *LocalStore, reconciler *Reconciler, resources Resources, arch string, labels map[string]string, logger zerolog.Logger) *Agent {
	return &Agent{
		client: client, runtime: runtime, store: store, reconcile: reconciler,
		resources: resources, arch: arch, labels: labels,
		logger: logger.With().Str("component", "nodeagent").Logger(),
	}
}

// NodeID returns this agent's node id, valid only after a successful
// Enroll.
func (a *Agent) NodeID() string { return a.nodeID }

// Enroll establishes this node's identity with the control plane, or
// reuses a previously-saved one (spec.md §4.10: enrollment is one-time
// per node, keyed by its WireGuard public key).
func (a *Agent) Enroll(ctx context.Context, wireguardPubKey string) error {
	id, found, err := a.store.LoadIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if found {
		a.nodeID = id.NodeID
		return nil
	}

	allocCPU, allocMem := a.resources.Allocatable()
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	resp, err := a.client.Enroll(ctx, &nodeagentgrpc.EnrollRequest{
		WireGuardPublicKey: wireguardPubKey, Arch: a.arch, Labels: a.labels,
		AllocatableCPU: allocCPU, AllocatableMemory: allocMem,
	})
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	a.nodeID = resp.NodeID
	return a.store.SaveIdentity(Identity{
		NodeID: resp.NodeID, OverlayIPv6: resp.OverlayIPv6, ClusterCACert: resp.ClusterCACert,
		EnrolledAt: timeNow(),
	})
}

// Run blocks, driving the plan-poll and heartbeat loops until ctx is
// canceled.
func (a *Agent) Run(ctx context.Context) error {
	if a.nodeID == "" {
		return fmt.Errorf("nodeagent: Run called before a successful Enroll")
	}
	ctx = nodeagentgrpc.WithNodeID(ctx, a.nodeID)

	errCh := make(chan error, 2)
	go func() { errCh <- a.planLoop(ctx) }()
	go func() { errCh <- a.heartbeatLoop(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (a *Agent) planLoop(ctx context.Context) error {
	ticker := time.NewTicker(planPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("plan poll failed")
			}
		}
	}
}

func (a *Agent) pollOnce(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	resp, err := a.client.GetPlan(callCtx, &nodeagentgrpc.GetPlanRequest{NodeID: a.nodeID})
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}

	updates, err := a.reconcile.Converge(ctx, resp.Plan)
	if err != nil {
		return fmt.Errorf("converge plan %s: %w", resp.Plan.PlanID, err)
	}
	for _, u := range updates {
		reportCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		_, err := a.client.ReportInstanceStatus(reportCtx, toRPCStatus(a.nodeID, u))
		cancel()
		if err != nil {
			a.logger.Warn().Err(err).Str("instance_id", u.InstanceID).Msg("report instance status failed")
		}
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	cpu, mem := a.resources.Available()
	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	_, err := a.client.Heartbeat(callCtx, &nodeagentgrpc.HeartbeatRequest{
		NodeID: a.nodeID, AvailableCPU: cpu, AvailableMemory: mem,
	})
	return err
}

// timeNow is split out so tests can stub enrollment timestamps without
// reaching for a fake clock abstraction for one field.
var timeNow = func() time.Time { return time.Now() }
