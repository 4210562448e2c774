package command

import (
	"context"
	"fmt"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

// IPv6Allocator hands out the next overlay address suffix for a prefix;
// EnrollNode's loop makes up to maxIPAllocRetries attempts, retrying on
// any error (spec.md §5 IPAM: "monotonic sequences ... allocation retries
// on rare collisions, bounded to 5").
type IPv6Allocator interface {
	NextSuffix(ctx context.Context, prefix string) (string, error)
}

type EnrollNodeInput struct {
	NodeID          string `json:"nodeId"`
	WireGuardPubKey string `json:"wireguardPubKey"`
	CPUCores        int    `json:"cpuCores"`
	MemoryBytes     int64  `json:"memoryBytes"`
}

const maxIPAllocRetries = 5

// EnrollNode registers a new worker node and allocates its overlay IPv6
// address (spec.md §4.10's contract: the node agent is the external
// collaborator, but enrollment itself is a normal command handler).
func (h *Handlers) EnrollNode(ctx context.Context, req Request, in EnrollNodeInput, ipam IPv6Allocator, nodePrefix string) (Receipt, error) {
	if in.NodeID == "" || in.WireGuardPubKey == "" {
		return Receipt{}, apierr.BadRequest("nodeId and wireguardPubKey are required")
	}

	var overlayIP string
	var err error
	for attempt := 0; attempt < maxIPAllocRetries; attempt++ {
		overlayIP, err = ipam.NextSuffix(ctx, nodePrefix)
		if err == nil {
			break
		}
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("allocate node overlay address after %d attempts: %w", maxIPAllocRetries, err)
	}

	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateNode, in.NodeID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateNode, AggregateID: in.NodeID, AggregateSeq: seq,
			EventType: "node.enrolled", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID,
			RequestID: req.RequestID,
			Payload: &eventlog.NodeEnrolled{
				WireGuardPubKey: in.WireGuardPubKey, OverlayIPv6: overlayIP,
				CPUCores: in.CPUCores, MemoryBytes: in.MemoryBytes,
			},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "nodes"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: in.NodeID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"get_plan"}}, nil
}

// RecordHeartbeat appends node.heartbeat_received without a seq retry
// loop's full ceremony collapsing into a no-op on conflict: a heartbeat
// that loses a race is simply superseded by the next one a few seconds
// later, so a persisted conflict is swallowed rather than surfaced.
func (h *Handlers) RecordHeartbeat(ctx context.Context, nodeID string, availableCPU float64, availableMemory int64) error {
	_, err := appendAggregateEvent(ctx, h.Store, domain.AggregateNode, nodeID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateNode, AggregateID: nodeID, AggregateSeq: seq,
			EventType: "node.heartbeat_received", EventVersion: 1,
			ActorType: domain.ActorSystem, ActorID: nodeID,
			Payload: &eventlog.NodeHeartbeatReceived{AvailableCPUCores: availableCPU, AvailableMemoryBytes: availableMemory},
		}
	})
	if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindConflict {
		return nil
	}
	return err
}

// ReportInstanceStatus appends instance.status_changed from a node
// agent's plan-poll report (spec.md §4.10's GetPlan/ReportInstanceStatus
// cycle). Like RecordHeartbeat this swallows a lost sequence race rather
// than surfacing it to the node agent: the next poll cycle reports the
// same status again a few seconds later.
func (h *Handlers) ReportInstanceStatus(ctx context.Context, instanceID, status, bootID string, exitCode int, reason string) error {
	_, err := appendAggregateEvent(ctx, h.Store, domain.AggregateInstance, instanceID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateInstance, AggregateID: instanceID, AggregateSeq: seq,
			EventType: "instance.status_changed", EventVersion: 1,
			ActorType: domain.ActorSystem, ActorID: instanceID,
			Payload: &eventlog.InstanceStatusChanged{Status: status, BootID: bootID, ExitCode: exitCode, Reason: reason},
		}
	})
	if apiErr, ok := apierr.As(err); ok && apiErr.Kind == apierr.KindConflict {
		return nil
	}
	return err
}
