package command

import (
	"context"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

// InstanceLocator resolves the node an instance is currently placed on, so
// CreateExecSession can address the right node without internal/command
// depending on internal/readmodel directly (same narrow-interface idiom as
// IPv6Allocator).
type InstanceLocator interface {
	NodeForInstance(ctx context.Context, instanceID string) (nodeID string, err error)
}

type CreateExecSessionInput struct {
	InstanceID string   `json:"instanceId"`
	Command    []string `json:"command"`
	TTY        bool     `json:"tty"`
}

// CreateExecSession starts an exec session aggregate and resolves the
// instance's current node placement; internal/exec issues the connect
// token and proxies bytes once the client calls back with this session's
// id (spec.md Design Notes, "Exec session proxying").
func (h *Handlers) CreateExecSession(ctx context.Context, req Request, in CreateExecSessionInput, locator InstanceLocator) (Receipt, error) {
	if in.InstanceID == "" || len(in.Command) == 0 {
		return Receipt{}, apierr.BadRequest("instanceId and command are required")
	}
	nodeID, err := locator.NodeForInstance(ctx, in.InstanceID)
	if err != nil || nodeID == "" {
		return Receipt{}, apierr.NotFound("instance")
	}

	execSessionID := newID("exec")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateExecSession, execSessionID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateExecSession, AggregateID: execSessionID, AggregateSeq: seq,
			EventType: "exec_session.started", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID,
			RequestID: req.RequestID,
			Payload: &eventlog.ExecSessionStarted{
				InstanceID: in.InstanceID, NodeID: nodeID, Command: in.Command, TTY: in.TTY,
			},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "exec_session_view"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: execSessionID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"connect_exec_session"}}, nil
}
