package command

import (
	"context"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

type CreateRouteInput struct {
	EnvID               string `json:"envId"`
	AppID               string `json:"appId"`
	Hostname            string `json:"hostname"`
	ListenPort          int    `json:"listenPort"`
	BackendProcessType  string `json:"backendProcessType"`
	BackendPort         int    `json:"backendPort"`
	ProtocolHint        string `json:"protocolHint"` // tls_passthrough|tcp_raw
	ProxyProtocol       string `json:"proxyProtocol"` // off|v2
	AllowNonTLSFallback bool   `json:"allowNonTlsFallback"`
}

// CreateRoute allocates an L4 ingress route. Quota dimension:
// max_routes_per_org (spec.md §4.5 step 4, S4's quota_exceeded shape).
func (h *Handlers) CreateRoute(ctx context.Context, req Request, in CreateRouteInput, currentRouteCount, maxRoutes int) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_route", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.EnvID == "" || in.Hostname == "" || in.ListenPort == 0 {
		return Receipt{}, apierr.BadRequest("envId, hostname and listenPort are required")
	}
	if maxRoutes > 0 && currentRouteCount >= maxRoutes {
		return Receipt{}, apierr.QuotaExceeded("max_routes_per_org", int64(maxRoutes), int64(currentRouteCount), 1)
	}

	routeID := newID("route")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateRoute, routeID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateRoute, AggregateID: routeID, AggregateSeq: seq,
			EventType: "route.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, AppID: in.AppID, EnvID: in.EnvID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.RouteCreated{
				Hostname: in.Hostname, ListenPort: in.ListenPort,
				BackendProcessType: in.BackendProcessType, BackendPort: in.BackendPort,
				ProtocolHint: in.ProtocolHint, ProxyProtocol: in.ProxyProtocol,
				AllowNonTLSFallback: in.AllowNonTLSFallback,
			},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "routes"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: routeID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}

type DeleteRouteInput struct {
	RouteID string `json:"routeId"`
}

func (h *Handlers) DeleteRoute(ctx context.Context, req Request, in DeleteRouteInput) (Receipt, error) {
	if in.RouteID == "" {
		return Receipt{}, apierr.BadRequest("routeId is required")
	}
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateRoute, in.RouteID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateRoute, AggregateID: in.RouteID, AggregateSeq: seq,
			EventType: "route.deleted", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID,
			RequestID: req.RequestID,
			Payload: &eventlog.RouteDeleted{},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "routes"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: in.RouteID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}
