// Package httpapi is the external REST surface (spec.md §6): a chi router
// exposing one route per command-handler and per read-view query, plus
// unauthenticated health/metrics endpoints. Grounded on the teacher's
// internal/httpserver.Server (global middleware stack, an authenticated
// sub-router built from an auth→tenant→require-auth chain, health/readyz/
// metrics mounted outside it) generalized from OIDC+Redis tenant
// resolution to this codebase's bearer-token internal/auth.Authenticator.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/auth"
	"github.com/rexbrahh/plfm-vt-sub000/internal/command"
	execsession "github.com/rexbrahh/plfm-vt-sub000/internal/exec"
	"github.com/rexbrahh/plfm-vt-sub000/internal/platmetrics"
	"github.com/rexbrahh/plfm-vt-sub000/internal/readmodel"
	"github.com/rexbrahh/plfm-vt-sub000/internal/security"
)

// Server owns the chi.Mux and the dependencies every handler closes over.
type Server struct {
	Router *chi.Mux

	handlers *command.Handlers
	auth     *auth.Authenticator
	reads    *readmodel.Store
	secrets  *security.SecretStore
	execGW   *execsession.Gateway
	logger   zerolog.Logger

	startedAt time.Time
}

// Config bundles every constructor dependency so NewServer doesn't grow a
// long positional parameter list as the route set grows.
type Config struct {
	Handlers           *command.Handlers
	Authenticator      *auth.Authenticator
	Reads              *readmodel.Store
	Secrets            *security.SecretStore
	ExecGateway        *execsession.Gateway
	Logger             zerolog.Logger
	CORSAllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		handlers:  cfg.Handlers,
		auth:      cfg.Authenticator,
		reads:     cfg.Reads,
		secrets:   cfg.Secrets,
		execGW:    cfg.ExecGateway,
		logger:    cfg.Logger.With().Str("component", "httpapi").Logger(),
		startedAt: time.Now(),
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(s.requestLogger)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(60 * time.Second))
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/metrics", platmetrics.Handler().ServeHTTP)

	s.Router.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		s.mountRoutes(r)
	})

	// The exec connect handshake carries its credential as a query-string
	// token (browsers cannot set Authorization on a WebSocket upgrade), so
	// it sits outside the bearer-authenticated /v1 sub-router; the token
	// itself, one-shot and short-lived, is the security boundary.
	s.Router.Get("/v1/exec-sessions/{execSessionID}/connect", s.handleConnectExecSession)

	return s
}

// sealSecret is the UpdateSecretBundle command's seal callback: it writes
// the plaintext values to the sealed secret_values side table, keyed by
// the version id the command handler has already minted.
func (s *Server) sealSecret(plaintext map[string]string, versionID string) error {
	return s.secrets.Put(context.Background(), versionID, plaintext)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok", "uptime": time.Since(s.startedAt).String()})
}

// requestLogger logs one line per request at the teacher's usual
// method/path/status/duration shape, via zerolog instead of slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// principalKey is the context key the auth middleware stores the
// authenticated auth.Principal under.
type principalKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		p, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func principalFrom(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(principalKey{}).(auth.Principal)
	return p
}

// writeError maps an apierr.Error (or any other error) onto the uniform
// {code, message, request_id} envelope spec.md §7 requires for every
// mutating endpoint, and reuses it for read endpoints too for consistency.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())
	if apiErr, ok := apierr.As(err); ok {
		respond(w, apiErr.Kind.HTTPStatus(), errorEnvelope{
			Code:      string(apiErr.Kind),
			Message:   apiErr.Message,
			RequestID: reqID,
			Fields:    apiErr.Fields,
		})
		return
	}
	respond(w, http.StatusInternalServerError, errorEnvelope{
		Code:      string(apierr.KindInternal),
		Message:   "internal error",
		RequestID: reqID,
	})
}

type errorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}
