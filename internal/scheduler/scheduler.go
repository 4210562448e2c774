// Package scheduler is the reconciliation loop (C6): on a fixed interval
// it converges each (org, app, env, process_type) group's running
// instances toward its desired release and replica count. The loop
// shape — ticker + stopCh, one mutex-guarded pass at a time, metrics
// timer around the whole cycle — is this codebase's own
// pkg/scheduler/scheduler.go, generalized from "one container per
// service" bin-packing to the group/spec-hash/rolling-strategy model
// spec.md §4.6 describes.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
)

// Group is one (org, app, env, process_type) scheduling unit, read from
// the env/release/volume-attachment views (spec.md §4.6 step 1).
type Group struct {
	OrgID             string
	AppID             string
	EnvID             string
	ProcessType       string
	DesiredReleaseID  string
	DesiredReplicas   int
	SecretsVersionID  string
	VolumeMountDigest string
	HasVolume         bool
	Resources         domain.ResourcesSnapshot
}

// ReadModel is the read-side surface the scheduler needs; satisfied by
// the projection-maintained view tables.
type ReadModel interface {
	ListGroups(ctx context.Context) ([]Group, error)
	ListGroupInstances(ctx context.Context, orgID, appID, envID, processType string) ([]domain.InstanceView, error)
	ListActiveNodes(ctx context.Context) ([]domain.NodeView, error)
}

const (
	defaultInterval = 30 * time.Second
	maxIPAllocRetries = 5
)

// Scheduler owns the reconcile loop.
type Scheduler struct {
	reads    ReadModel
	store    eventlog.Store
	ipam     InstanceIPAllocator
	interval time.Duration
	logger   zerolog.Logger

	retries *retryTracker

	mu     sync.Mutex
	stopCh chan struct{}
}

// InstanceIPAllocator hands out overlay IPv6 suffixes for newly allocated
// instances (spec.md §4.6's "Allocate an overlay IPv6 via a monotonic
// suffix sequence; on unique-constraint collision, retry up to 5 times").
type InstanceIPAllocator interface {
	NextSuffix(ctx context.Context, prefix string) (string, error)
}

func New(reads ReadModel, store eventlog.Store, ipam InstanceIPAllocator, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		reads:    reads,
		store:    store,
		ipam:     ipam,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		retries:  newRetryTracker(10*time.Minute, 3),
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) Start() { go s.run() }
func (s *Scheduler) Stop()  { close(s.stopCh) }

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Cycle(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("scheduler cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Cycle runs exactly one reconciliation pass (spec.md §4.6).
func (s *Scheduler) Cycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := platmetrics.NewTimer()
	defer timer.ObserveDuration(platmetrics.SchedulerCycleDuration)
	platmetrics.SchedulerCyclesTotal.Inc()

	groups, err := s.reads.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	nodes, err := s.reads.ListActiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("list active nodes: %w", err)
	}

	for _, g := range groups {
		if err := s.reconcileGroup(ctx, g, nodes); err != nil {
			s.logger.Error().Err(err).
				Str("org_id", g.OrgID).Str("env_id", g.EnvID).Str("process_type", g.ProcessType).
				Msg("failed to reconcile group")
		}
	}
	return nil
}

func (s *Scheduler) reconcileGroup(ctx context.Context, g Group, nodes []domain.NodeView) error {
	desired := g.DesiredReplicas
	if g.HasVolume && desired > 1 {
		s.logger.Warn().Str("env_id", g.EnvID).Str("process_type", g.ProcessType).
			Msg("clamping desired_replicas to 1: volume attached (stateful-single in v1)")
		desired = 1
	}

	hash := SpecHash(g.DesiredReleaseID, g.ProcessType, g.SecretsVersionID, g.VolumeMountDigest)

	instances, err := s.reads.ListGroupInstances(ctx, g.OrgID, g.AppID, g.EnvID, g.ProcessType)
	if err != nil {
		return fmt.Errorf("list group instances: %w", err)
	}

	var matching, old []domain.InstanceView
	for _, inst := range instances {
		if inst.DesiredState == domain.InstanceStopped {
			continue
		}
		if inst.SpecHash == hash {
			matching = append(matching, inst)
		} else {
			old = append(old, inst)
		}
	}
	sortByCreatedAt(matching)
	sortByCreatedAt(old)

	key := resourceKey(g.OrgID, g.EnvID, g.ProcessType)
	if s.retries.Exhausted(key) {
		return nil
	}

	for len(matching) < desired {
		inst, err := s.allocateInstance(ctx, g, hash, nodes)
		if err != nil {
			s.retries.RecordFailure(key)
			if s.retries.Exhausted(key) {
				platmetrics.GroupsRetryExhaustedTotal.Inc()
			}
			return err
		}
		s.retries.Reset(key)
		matching = append(matching, inst)
	}

	for _, inst := range old {
		if err := s.drain(ctx, inst); err != nil {
			return fmt.Errorf("drain old instance %s: %w", inst.InstanceID, err)
		}
	}

	if len(matching) > desired {
		excess := matching[:len(matching)-desired]
		for _, inst := range excess {
			if err := s.drain(ctx, inst); err != nil {
				return fmt.Errorf("drain excess instance %s: %w", inst.InstanceID, err)
			}
		}
	}

	return nil
}

func sortByCreatedAt(instances []domain.InstanceView) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].CreatedAt.Before(instances[j].CreatedAt) })
}

func (s *Scheduler) drain(ctx context.Context, inst domain.InstanceView) error {
	_, err := s.store.Append(ctx, eventlog.NewEvent{
		AggregateType: domain.AggregateInstance, AggregateID: inst.InstanceID, AggregateSeq: inst.Generation + 1,
		EventType: "instance.desired_state_changed", EventVersion: 1,
		ActorType: domain.ActorSystem, ActorID: "scheduler", OrgID: inst.OrgID, AppID: inst.AppID, EnvID: inst.EnvID,
		Payload: &eventlog.InstanceDesiredStateChanged{DesiredState: string(domain.InstanceDraining)},
	})
	return err
}

// allocateInstance picks the node with the most free capacity meeting the
// group's resource request (tie-broken by node_id ascending), allocates
// an overlay IPv6, and appends instance.allocated (spec.md §4.6
// "Allocation algorithm").
func (s *Scheduler) allocateInstance(ctx context.Context, g Group, specHash string, nodes []domain.NodeView) (domain.InstanceView, error) {
	node := selectNode(nodes, g.Resources)
	if node == nil {
		return domain.InstanceView{}, noEligibleNodesErr(g)
	}

	var overlayIP string
	var err error
	for attempt := 0; attempt < maxIPAllocRetries; attempt++ {
		overlayIP, err = s.ipam.NextSuffix(ctx, instancePrefix)
		if err == nil {
			break
		}
	}
	if err != nil {
		return domain.InstanceView{}, fmt.Errorf("allocate instance overlay address: %w", err)
	}

	instanceID := fmt.Sprintf("instance_%s_%s", g.ProcessType, overlayIP)
	ev, err := s.store.Append(ctx, eventlog.NewEvent{
		AggregateType: domain.AggregateInstance, AggregateID: instanceID, AggregateSeq: 1,
		EventType: "instance.allocated", EventVersion: 1,
		ActorType: domain.ActorSystem, ActorID: "scheduler", OrgID: g.OrgID, AppID: g.AppID, EnvID: g.EnvID,
		Payload: &eventlog.InstanceAllocated{
			NodeID: node.NodeID, ProcessType: g.ProcessType, ReleaseID: g.DesiredReleaseID,
			SecretsVersionID: g.SecretsVersionID, OverlayIPv6: overlayIP,
			CPUCores: g.Resources.CPUCores, MemoryBytes: g.Resources.MemoryBytes,
			SpecHash: specHash,
		},
	})
	if err != nil {
		return domain.InstanceView{}, fmt.Errorf("append instance.allocated: %w", err)
	}

	platmetrics.InstancesAllocatedTotal.Inc()
	return domain.InstanceView{
		InstanceID: instanceID, OrgID: g.OrgID, AppID: g.AppID, EnvID: g.EnvID, ProcessType: g.ProcessType,
		NodeID: node.NodeID, DesiredState: domain.InstanceRunning, ReleaseID: g.DesiredReleaseID,
		OverlayIPv6: overlayIP, Resources: g.Resources, SpecHash: specHash, Generation: ev.AggregateSeq,
		CreatedAt: ev.OccurredAt,
	}, nil
}

const instancePrefix = "fd00::"

// selectNode chooses the active node with the most free
// (memory, cpu) meeting the request, tie-broken by node_id ascending.
func selectNode(nodes []domain.NodeView, want domain.ResourcesSnapshot) *domain.NodeView {
	var best *domain.NodeView
	for i := range nodes {
		n := &nodes[i]
		if n.State != domain.NodeActive {
			continue
		}
		if n.Allocatable.AvailableMemoryBytes < int64(want.MemoryBytes) || n.Allocatable.AvailableCPUCores < want.CPUCores {
			continue
		}
		if best == nil || betterFit(n, best) {
			best = n
		}
	}
	return best
}

func betterFit(candidate, current *domain.NodeView) bool {
	if candidate.Allocatable.AvailableMemoryBytes != current.Allocatable.AvailableMemoryBytes {
		return candidate.Allocatable.AvailableMemoryBytes > current.Allocatable.AvailableMemoryBytes
	}
	if candidate.Allocatable.AvailableCPUCores != current.Allocatable.AvailableCPUCores {
		return candidate.Allocatable.AvailableCPUCores > current.Allocatable.AvailableCPUCores
	}
	return candidate.NodeID < current.NodeID
}

func resourceKey(orgID, envID, processType string) string {
	return orgID + "/" + envID + "/" + processType
}
