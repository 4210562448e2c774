package command

import (
	"context"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

type CreateReleaseInput struct {
	ImageRef              string   `json:"imageRef"`
	ImageDigest           string   `json:"imageDigest"`
	ManifestSchemaVersion int      `json:"manifestSchemaVersion"`
	ManifestHash          string   `json:"manifestHash"`
	Command               []string `json:"command"`
}

func (h *Handlers) CreateRelease(ctx context.Context, req Request, in CreateReleaseInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_release", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.ImageRef == "" || in.ImageDigest == "" {
		return Receipt{}, apierr.BadRequest("imageRef and imageDigest are required")
	}

	releaseID := newID("release")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateRelease, releaseID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateRelease, AggregateID: releaseID, AggregateSeq: seq,
			EventType: "release.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.ReleaseCreated{
				ImageRef: in.ImageRef, ImageDigest: in.ImageDigest,
				ManifestSchemaVersion: in.ManifestSchemaVersion, ManifestHash: in.ManifestHash,
				Command: in.Command,
			},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "releases"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: releaseID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"create_deploy"}}, nil
}

type CreateDeployInput struct {
	EnvID           string `json:"envId"`
	ReleaseID       string `json:"releaseId"`
	IsRollback      bool   `json:"isRollback"`
	DesiredReplicas int    `json:"desiredReplicas"`
}

// CreateDeploy records intent to roll an env onto a release; it does not
// itself move any instance. A deploy starts pending and transitions to
// running/completed/failed as the scheduler converges (spec.md §3's
// Deploy entity; completed unifies the distilled spec's "succeeded" —
// see DESIGN.md Open Questions).
func (h *Handlers) CreateDeploy(ctx context.Context, req Request, in CreateDeployInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_deploy", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.EnvID == "" || in.ReleaseID == "" {
		return Receipt{}, apierr.BadRequest("envId and releaseId are required")
	}

	deployID := newID("deploy")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateDeploy, deployID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateDeploy, AggregateID: deployID, AggregateSeq: seq,
			EventType: "deploy.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, EnvID: in.EnvID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.DeployCreated{ReleaseID: in.ReleaseID, IsRollback: in.IsRollback},
		}
	})
	if err != nil {
		return Receipt{}, err
	}

	// Desired release change is a separate aggregate (env), appended as a
	// second event in the same logical operation; a conflict here does not
	// roll back the deploy.created event already appended, matching
	// spec.md §5's per-aggregate serialization (writes to different
	// aggregates are independent, ordered only by global event_id).
	if _, err := appendAggregateEvent(ctx, h.Store, domain.AggregateEnv, in.EnvID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateEnv, AggregateID: in.EnvID, AggregateSeq: seq,
			EventType: "env.desired_release_changed", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, EnvID: in.EnvID,
			RequestID: req.RequestID,
			Payload: &eventlog.EnvDesiredReleaseChanged{ReleaseID: in.ReleaseID, DesiredReplicas: in.DesiredReplicas},
		}
	}); err != nil {
		return Receipt{}, err
	}

	if err := h.waitForReadback(ctx, ev, "deploys", "envs"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: deployID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"get_deploy_status"}}, nil
}

type SetDeployStatusInput struct {
	DeployID string `json:"deployId"`
	Status   string `json:"status"` // pending|running|completed|failed
}

// SetDeployStatus records a deploy's lifecycle transition. No API route
// exposes it and nothing in this repository calls it; the scheduler does
// not drive deploy status.
func (h *Handlers) SetDeployStatus(ctx context.Context, req Request, in SetDeployStatusInput) (Receipt, error) {
	status := domain.DeployStatus(in.Status)
	switch status {
	case domain.DeployPending, domain.DeployRunning, domain.DeployCompleted, domain.DeployFailed:
	default:
		return Receipt{}, apierr.BadRequest("invalid deploy status " + in.Status)
	}

	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateDeploy, in.DeployID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateDeploy, AggregateID: in.DeployID, AggregateSeq: seq,
			EventType: "deploy.status_changed", EventVersion: 1,
			ActorType: domain.ActorSystem, ActorID: req.ActorID, OrgID: req.OrgID,
			RequestID: req.RequestID,
			Payload: &eventlog.DeployStatusChanged{Status: string(status)},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: in.DeployID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}
