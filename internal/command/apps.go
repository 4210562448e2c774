package command

import (
	"context"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

type CreateOrgInput struct {
	Name string `json:"name"`
}

func (h *Handlers) CreateOrg(ctx context.Context, req Request, in CreateOrgInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_org", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.Name == "" {
		return Receipt{}, apierr.BadRequest("name is required")
	}

	orgID := newID("org")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateOrg, orgID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateOrg, AggregateID: orgID, AggregateSeq: seq,
			EventType: "org.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: orgID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.OrgCreated{Name: in.Name},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "orgs"); err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{ResourceID: orgID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"create_app"}}
	return receipt, nil
}

type CreateAppInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Handlers) CreateApp(ctx context.Context, req Request, in CreateAppInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_app", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.Name == "" {
		return Receipt{}, apierr.BadRequest("name is required")
	}

	appID := newID("app")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateApp, appID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateApp, AggregateID: appID, AggregateSeq: seq,
			EventType: "app.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, AppID: appID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.AppCreated{Name: in.Name, Description: in.Description},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "apps"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: appID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"create_env"}}, nil
}

type CreateEnvInput struct {
	AppID string `json:"appId"`
	Name  string `json:"name"`
}

func (h *Handlers) CreateEnv(ctx context.Context, req Request, in CreateEnvInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_env", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.AppID == "" || in.Name == "" {
		return Receipt{}, apierr.BadRequest("appId and name are required")
	}

	envID := newID("env")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateEnv, envID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateEnv, AggregateID: envID, AggregateSeq: seq,
			EventType: "env.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, AppID: in.AppID, EnvID: envID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.EnvCreated{Name: in.Name},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "envs"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: envID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"create_release", "create_deploy"}}, nil
}

type SetEnvDesiredReleaseInput struct {
	EnvID           string `json:"envId"`
	ReleaseID       string `json:"releaseId"`
	DesiredReplicas int    `json:"desiredReplicas"`
}

// SetEnvDesiredRelease changes what the scheduler will converge the env's
// instances toward; it does not itself allocate anything (spec.md §4.6
// reads this from the read view on its next pass).
func (h *Handlers) SetEnvDesiredRelease(ctx context.Context, req Request, in SetEnvDesiredReleaseInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "set_env_desired_release", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.EnvID == "" || in.ReleaseID == "" {
		return Receipt{}, apierr.BadRequest("envId and releaseId are required")
	}
	if in.DesiredReplicas < 0 {
		return Receipt{}, apierr.BadRequest("desiredReplicas must be >= 0")
	}

	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateEnv, in.EnvID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateEnv, AggregateID: in.EnvID, AggregateSeq: seq,
			EventType: "env.desired_release_changed", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, EnvID: in.EnvID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.EnvDesiredReleaseChanged{ReleaseID: in.ReleaseID, DesiredReplicas: in.DesiredReplicas},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "envs"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: in.EnvID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}
