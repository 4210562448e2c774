// Package ingresssync runs the two loops that keep an ingress edge's
// route table and backend pools in sync with the control plane
// (spec.md §4.9), without the edge ever writing to Postgres directly: a
// route event tailer that rebuilds the route table from `route.*` events,
// and a periodic backend-set poller that republishes ready instances into
// each route's pool. State is persisted to a local file so a restarted
// edge keeps serving its last-known-good config even if the control plane
// is unreachable. Grounded on the teacher's
// Proxy.ReloadIngresses/ReloadTLSCertificates (load-from-store → rebuild →
// atomically swap) generalized from "reload from local BoltDB on demand"
// to "continuously tail the control plane's event log and read views".
package ingresssync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	"github.com/rexbrahh/plfm-vt-sub000/internal/ingress"
)

// InstanceReader is the subset of the instance read view the backend
// syncer needs.
type InstanceReader interface {
	ListReadyInstances(ctx context.Context, appID, envID, processType string) ([]domain.InstanceView, error)
}

// persistedState is what gets written to disk atomically — the route
// tailer's cursor and the full route set it has derived so far, so a cold
// start can restore both without replaying the whole event log.
type persistedState struct {
	Cursor int64                   `json:"cursor"`
	Routes map[string]storedRoute `json:"routes"` // keyed by route_id
}

type storedRoute struct {
	RouteID             string `json:"routeId"`
	OrgID               string `json:"orgId"`
	AppID               string `json:"appId"`
	EnvID               string `json:"envId"`
	Hostname            string `json:"hostname"`
	ListenPort          int    `json:"listenPort"`
	BackendProcessType  string `json:"backendProcessType"`
	BackendPort         int    `json:"backendPort"`
	ProtocolHint        string `json:"protocolHint"`
	ProxyProtocol       string `json:"proxyProtocol"`
	AllowNonTLSFallback bool   `json:"allowNonTlsFallback"`
	Deleted             bool   `json:"deleted"`
}

// Syncer owns both loops plus the pools they publish into.
type Syncer struct {
	store     eventlog.Store
	instances InstanceReader
	table     *ingress.RouteTable
	statePath string
	pollEvery time.Duration
	orgID     string
	logger    zerolog.Logger

	pools map[string]*ingress.Pool // route_id -> pool
	state persistedState
}

func NewSyncer(store eventlog.Store, instances InstanceReader, table *ingress.RouteTable, statePath, orgID string, pollEvery time.Duration, logger zerolog.Logger) *Syncer {
	if pollEvery == 0 {
		pollEvery = 5 * time.Second
	}
	return &Syncer{
		store: store, instances: instances, table: table,
		statePath: statePath, pollEvery: pollEvery, orgID: orgID, logger: logger,
		pools: make(map[string]*ingress.Pool),
		state: persistedState{Routes: make(map[string]storedRoute)},
	}
}

// PoolFor implements ingress.PoolLookup.
func (s *Syncer) PoolFor(routeID string) (*ingress.Pool, bool) {
	p, ok := s.pools[routeID]
	return p, ok
}

// Restore loads the last-persisted state from disk, used on cold start so
// the edge can serve traffic before the first tail poll completes
// (spec.md §4.9: "if the control plane is unavailable, the edge keeps
// serving the last applied config").
func (s *Syncer) Restore() error {
	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ingress state file: %w", err)
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode ingress state file: %w", err)
	}
	s.state = st
	s.rebuildTable()
	return nil
}

// RunRouteTailer polls query_by_org_after for route.* events until ctx is
// canceled, applying each to the in-memory route map and republishing the
// route table.
func (s *Syncer) RunRouteTailer(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery == 0 {
		pollEvery = 2 * time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if err := s.tailOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("ingress route tail failed, keeping last applied config")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Syncer) tailOnce(ctx context.Context) error {
	const limit = 500
	for {
		events, err := s.store.QueryByOrgAfter(ctx, s.orgID, s.state.Cursor, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		changed := false
		for _, ev := range events {
			if isRouteEvent(ev.EventType) {
				s.applyRouteEvent(ev)
				changed = true
			}
			s.state.Cursor = ev.EventID
		}
		if changed {
			s.rebuildTable()
		}
		if err := s.persist(); err != nil {
			return err
		}
		if len(events) < limit {
			return nil
		}
	}
}

func isRouteEvent(eventType string) bool {
	return len(eventType) >= 6 && eventType[:6] == "route."
}

func (s *Syncer) applyRouteEvent(ev domain.Event) {
	switch ev.EventType {
	case "route.deleted":
		if r, ok := s.state.Routes[ev.AggregateID]; ok {
			r.Deleted = true
			s.state.Routes[ev.AggregateID] = r
		}
	case "route.created", "route.updated":
		var payload struct {
			Hostname            string `json:"hostname"`
			ListenPort          int    `json:"listenPort"`
			BackendProcessType  string `json:"backendProcessType"`
			BackendPort         int    `json:"backendPort"`
			ProtocolHint        string `json:"protocolHint"`
			ProxyProtocol       string `json:"proxyProtocol"`
			AllowNonTLSFallback bool   `json:"allowNonTlsFallback"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			s.logger.Warn().Err(err).Str("event_id", fmt.Sprint(ev.EventID)).Msg("decode route event payload")
			return
		}
		s.state.Routes[ev.AggregateID] = storedRoute{
			RouteID: ev.AggregateID, OrgID: ev.OrgID, AppID: ev.AppID, EnvID: ev.EnvID,
			Hostname: payload.Hostname, ListenPort: payload.ListenPort,
			BackendProcessType: payload.BackendProcessType, BackendPort: payload.BackendPort,
			ProtocolHint: payload.ProtocolHint, ProxyProtocol: payload.ProxyProtocol,
			AllowNonTLSFallback: payload.AllowNonTLSFallback,
		}
	}
}

func (s *Syncer) rebuildTable() {
	var routes []*ingress.Route
	for id, r := range s.state.Routes {
		if r.Deleted {
			delete(s.pools, id)
			continue
		}
		routes = append(routes, &ingress.Route{
			RouteID:             r.RouteID,
			Hostname:            r.Hostname,
			ListenPort:          r.ListenPort,
			ProtocolHint:        ingress.ProtocolHint(r.ProtocolHint),
			ProxyProtocol:       ingress.ProxyProtocolMode(r.ProxyProtocol),
			AllowNonTLSFallback: r.AllowNonTLSFallback,
		})
		if _, ok := s.pools[id]; !ok {
			s.pools[id] = ingress.NewPool()
		}
	}
	s.table.Replace(routes)
}

// RunBackendSync periodically refreshes every route's backend pool from
// the ready-instance read view (spec.md §4.9.2: only `ready` instances are
// included, regardless of what else exists).
func (s *Syncer) RunBackendSync(ctx context.Context) error {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()
	for {
		s.syncBackendsOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Syncer) syncBackendsOnce(ctx context.Context) {
	for id, r := range s.state.Routes {
		if r.Deleted {
			continue
		}
		instances, err := s.instances.ListReadyInstances(ctx, r.AppID, r.EnvID, r.BackendProcessType)
		if err != nil {
			s.logger.Warn().Err(err).Str("route_id", id).Msg("list ready instances failed")
			continue
		}
		backends := make([]*ingress.Backend, 0, len(instances))
		for _, inst := range instances {
			backends = append(backends, ingress.NewBackend(inst.InstanceID, inst.OverlayIPv6, r.BackendPort))
		}
		pool, ok := s.pools[id]
		if !ok {
			pool = ingress.NewPool()
			s.pools[id] = pool
		}
		pool.Replace(backends)
	}
}

// persist writes state to a tmp file, fsyncs, then renames over the real
// path (spec.md §4.9.1: "write to tmp, fsync, rename").
func (s *Syncer) persist() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encode ingress state: %w", err)
	}
	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, ".ingress-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create ingress state tmp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ingress state tmp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync ingress state tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.statePath); err != nil {
		return fmt.Errorf("rename ingress state file: %w", err)
	}
	return nil
}
