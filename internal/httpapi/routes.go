package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/auth"
	"github.com/rexbrahh/plfm-vt-sub000/internal/command"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
)

// mountRoutes registers every endpoint spec.md §6 names under the
// authenticated /v1 sub-router. Reads require RoleMember; mutations
// require RoleAdmin — spec.md is silent on a per-endpoint role table, so
// this mirrors the teacher's own tenant-scoped/admin-scoped route split
// (documented as an Open Question decision in DESIGN.md).
func (s *Server) mountRoutes(r chi.Router) {
	r.Post("/orgs", s.handleCreateOrg)
	r.Get("/orgs/{orgID}", s.handleGetOrg)

	r.Post("/orgs/{orgID}/apps", s.handleCreateApp)
	r.Get("/orgs/{orgID}/apps", s.handleListApps)

	r.Post("/orgs/{orgID}/apps/{appID}/envs", s.handleCreateEnv)
	r.Get("/orgs/{orgID}/apps/{appID}/envs/{envID}", s.handleGetEnv)
	r.Patch("/orgs/{orgID}/apps/{appID}/envs/{envID}/desired-release", s.handleSetEnvDesiredRelease)
	r.Get("/orgs/{orgID}/apps/{appID}/envs/{envID}/instances", s.handleListInstances)

	r.Post("/orgs/{orgID}/apps/{appID}/releases", s.handleCreateRelease)
	r.Post("/orgs/{orgID}/apps/{appID}/envs/{envID}/deploys", s.handleCreateDeploy)
	r.Get("/orgs/{orgID}/apps/{appID}/envs/{envID}/deploys", s.handleListDeploys)

	r.Post("/orgs/{orgID}/apps/{appID}/envs/{envID}/routes", s.handleCreateRoute)
	r.Delete("/orgs/{orgID}/apps/{appID}/envs/{envID}/routes/{routeID}", s.handleDeleteRoute)
	r.Get("/orgs/{orgID}/apps/{appID}/envs/{envID}/routes", s.handleListRoutes)

	r.Post("/orgs/{orgID}/apps/{appID}/envs/{envID}/volumes", s.handleCreateVolume)
	r.Post("/orgs/{orgID}/apps/{appID}/envs/{envID}/volumes/{volumeID}/attachments", s.handleAttachVolume)
	r.Get("/orgs/{orgID}/apps/{appID}/envs/{envID}/volumes", s.handleListVolumes)

	r.Patch("/orgs/{orgID}/apps/{appID}/envs/{envID}/secrets", s.handleUpdateSecretBundle)

	r.Post("/orgs/{orgID}/apps/{appID}/envs/{envID}/instances/{instanceID}/exec-sessions", s.handleCreateExecSession)
	r.Get("/exec-sessions/{execSessionID}", s.handleGetExecSession)
	r.Post("/exec-sessions/{execSessionID}/token", s.handleIssueExecToken)
}

func (s *Server) requestFrom(r *http.Request, p auth.Principal, orgID string) command.Request {
	return command.Request{
		ActorID:        p.ActorID,
		ActorType:      domain.ActorUser,
		OrgID:          orgID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestID:      r.Header.Get("X-Request-ID"),
	}
}

func (s *Server) authorizeOrg(w http.ResponseWriter, r *http.Request, orgID string, min auth.Role) (auth.Principal, bool) {
	p := principalFrom(r)
	if err := auth.Authorize(p, orgID, min); err != nil {
		writeError(w, r, err)
		return auth.Principal{}, false
	}
	return p, true
}

func writeReceipt(w http.ResponseWriter, receipt command.Receipt, err error, r *http.Request) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, receipt)
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	var in command.CreateOrgInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	receipt, err := s.handlers.CreateOrg(r.Context(), s.requestFrom(r, p, ""), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	org, err := s.reads.GetOrg(r.Context(), orgID)
	if err != nil {
		writeError(w, r, apierr.NotFound("org"))
		return
	}
	respond(w, http.StatusOK, org)
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateAppInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	req := s.requestFrom(r, p, orgID)
	receipt, err := s.handlers.CreateApp(r.Context(), req, in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	apps, err := s.reads.ListApps(r.Context(), orgID)
	if err != nil {
		writeError(w, r, apierr.Internal("list apps", err))
		return
	}
	respond(w, http.StatusOK, apps)
}

func (s *Server) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateEnvInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.AppID = chi.URLParam(r, "appID")
	receipt, err := s.handlers.CreateEnv(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	env, err := s.reads.GetEnv(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, r, apierr.NotFound("env"))
		return
	}
	respond(w, http.StatusOK, env)
}

func (s *Server) handleSetEnvDesiredRelease(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.SetEnvDesiredReleaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.EnvID = chi.URLParam(r, "envID")
	receipt, err := s.handlers.SetEnvDesiredRelease(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	instances, err := s.reads.ListEnvInstances(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, r, apierr.Internal("list instances", err))
		return
	}
	respond(w, http.StatusOK, instances)
}

func (s *Server) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateReleaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	receipt, err := s.handlers.CreateRelease(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleCreateDeploy(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateDeployInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.EnvID = chi.URLParam(r, "envID")
	receipt, err := s.handlers.CreateDeploy(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleListDeploys(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	deploys, err := s.reads.ListDeploys(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, r, apierr.Internal("list deploys", err))
		return
	}
	respond(w, http.StatusOK, deploys)
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateRouteInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	envID := chi.URLParam(r, "envID")
	in.EnvID = envID
	in.AppID = chi.URLParam(r, "appID")
	existing, err := s.reads.ListRoutes(r.Context(), envID)
	if err != nil {
		writeError(w, r, apierr.Internal("list routes", err))
		return
	}
	const maxRoutesPerEnv = 20
	receipt, err := s.handlers.CreateRoute(r.Context(), s.requestFrom(r, p, orgID), in, len(existing), maxRoutesPerEnv)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	in := command.DeleteRouteInput{RouteID: chi.URLParam(r, "routeID")}
	receipt, err := s.handlers.DeleteRoute(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	routes, err := s.reads.ListRoutes(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, r, apierr.Internal("list routes", err))
		return
	}
	respond(w, http.StatusOK, routes)
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateVolumeInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.EnvID = chi.URLParam(r, "envID")
	in.AppID = chi.URLParam(r, "appID")
	receipt, err := s.handlers.CreateVolume(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleAttachVolume(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.AttachVolumeInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.VolumeID = chi.URLParam(r, "volumeID")
	in.EnvID = chi.URLParam(r, "envID")
	receipt, err := s.handlers.AttachVolume(r.Context(), s.requestFrom(r, p, orgID), in)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if _, ok := s.authorizeOrg(w, r, orgID, auth.RoleMember); !ok {
		return
	}
	volumes, err := s.reads.ListVolumes(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		writeError(w, r, apierr.Internal("list volumes", err))
		return
	}
	respond(w, http.StatusOK, volumes)
}

func (s *Server) handleUpdateSecretBundle(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.UpdateSecretBundleInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.EnvID = chi.URLParam(r, "envID")
	receipt, err := s.handlers.UpdateSecretBundle(r.Context(), s.requestFrom(r, p, orgID), in, s.sealSecret)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleCreateExecSession(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	p, ok := s.authorizeOrg(w, r, orgID, auth.RoleAdmin)
	if !ok {
		return
	}
	var in command.CreateExecSessionInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, apierr.BadRequest("invalid request body"))
		return
	}
	in.InstanceID = chi.URLParam(r, "instanceID")
	receipt, err := s.handlers.CreateExecSession(r.Context(), s.requestFrom(r, p, orgID), in, s.reads)
	writeReceipt(w, receipt, err, r)
}

func (s *Server) handleGetExecSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.reads.GetExecSession(r.Context(), chi.URLParam(r, "execSessionID"))
	if err != nil {
		writeError(w, r, apierr.NotFound("exec session"))
		return
	}
	if _, ok := s.authorizeOrg(w, r, view.OrgID, auth.RoleMember); !ok {
		return
	}
	respond(w, http.StatusOK, view)
}

// handleIssueExecToken mints the one-shot token the subsequent WebSocket
// upgrade presents as a query parameter, since browsers cannot set an
// Authorization header on a WebSocket handshake.
func (s *Server) handleIssueExecToken(w http.ResponseWriter, r *http.Request) {
	execSessionID := chi.URLParam(r, "execSessionID")
	view, err := s.reads.GetExecSession(r.Context(), execSessionID)
	if err != nil {
		writeError(w, r, apierr.NotFound("exec session"))
		return
	}
	if _, ok := s.authorizeOrg(w, r, view.OrgID, auth.RoleAdmin); !ok {
		return
	}
	token, err := s.execGW.IssueToken(r.Context(), execSessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleConnectExecSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, r, apierr.BadRequest("token query parameter is required"))
		return
	}
	err := s.execGW.Connect(r.Context(), token, func() (*websocket.Conn, error) {
		return s.execGW.Upgrader.Upgrade(w, r, nil)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("exec_session_id", chi.URLParam(r, "execSessionID")).Msg("exec session proxy ended with error")
	}
}
