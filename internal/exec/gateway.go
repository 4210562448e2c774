package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

const (
	defaultTokenTTL = 2 * time.Minute
	defaultDialTTL  = 5 * time.Second
	defaultExecPort = "5090"
)

// ReadModel is the narrow slice of internal/readmodel.Store the gateway
// needs: a session to connect plus the node to dial, same per-consumer
// interface idiom as internal/scheduler and internal/nodeplan use.
type ReadModel interface {
	GetExecSession(ctx context.Context, execSessionID string) (domain.ExecSessionView, error)
	NodeOverlayAddress(ctx context.Context, nodeID string) (string, error)
}

// Gateway issues connect tokens and proxies the WebSocket connection a
// client opens against a running exec session through to the node's exec
// listener, emitting the connected/ended events the read model projects
// back into exec_sessions.
type Gateway struct {
	Store     eventlog.Store
	ReadModel ReadModel
	Tokens    *TokenStore
	Logger    zerolog.Logger

	Upgrader websocket.Upgrader
}

func NewGateway(store eventlog.Store, rm ReadModel, tokens *TokenStore, logger zerolog.Logger) *Gateway {
	return &Gateway{
		Store:     store,
		ReadModel: rm,
		Tokens:    tokens,
		Logger:    logger,
		Upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// IssueToken mints a one-shot connect token for an already-started exec
// session, for the client to present on the subsequent WebSocket upgrade.
func (g *Gateway) IssueToken(ctx context.Context, execSessionID string) (string, error) {
	view, err := g.ReadModel.GetExecSession(ctx, execSessionID)
	if err != nil {
		return "", apierr.NotFound("exec session")
	}
	if view.Status != domain.ExecSessionStarted {
		return "", apierr.BadRequest("exec session is not awaiting connection")
	}
	return g.Tokens.Issue(ctx, execSessionID, defaultTokenTTL)
}

// execPort resolves the node agent exec listener port, spec.md's
// PLFM_NODE_EXEC_PORT env var, defaulting to 5090 as original_source's
// resolve_exec_agent_socket does.
func execPort() string {
	if p := os.Getenv("PLFM_NODE_EXEC_PORT"); p != "" {
		return p
	}
	return defaultExecPort
}

// Connect validates token, resolves the session's node by its overlay
// address (this codebase addresses every node purely over the WireGuard
// overlay, so there is no separate public-address resolution step the
// way original_source's load_node_address/NodeAddressRow has), and pumps
// bytes until the session ends, appending exec_session.connected then
// exec_session.ended.
func (g *Gateway) Connect(ctx context.Context, token string, upgradeConn func() (*websocket.Conn, error)) error {
	execSessionID, err := g.Tokens.ValidateAndConsume(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenExpired):
			return apierr.New(apierr.KindExecSessionExpired, "exec connect token expired")
		case errors.Is(err, ErrTokenUsed):
			return apierr.New(apierr.KindTokenRevoked, "exec connect token already used")
		default:
			return apierr.New(apierr.KindUnauthorized, "exec connect token rejected")
		}
	}

	view, err := g.ReadModel.GetExecSession(ctx, execSessionID)
	if err != nil {
		return apierr.NotFound("exec session")
	}
	overlayIP, err := g.ReadModel.NodeOverlayAddress(ctx, view.NodeID)
	if err != nil || overlayIP == "" {
		return apierr.NotFound("node")
	}
	nodeAddr := fmt.Sprintf("[%s]:%s", overlayIP, execPort())

	clientConn, err := upgradeConn()
	if err != nil {
		return fmt.Errorf("upgrade exec websocket: %w", err)
	}
	defer clientConn.Close()

	if err := g.emitConnected(ctx, execSessionID, view.OrgID); err != nil {
		g.Logger.Warn().Err(err).Str("exec_session_id", execSessionID).Msg("emit exec_session.connected failed")
	}

	init := ConnectInit{
		SessionID:  execSessionID,
		InstanceID: view.InstanceID,
		Command:    view.Command,
		TTY:        view.TTY,
		Stdin:      true,
	}
	end, pumpErr := Pump(ctx, clientConn, nodeAddr, init, defaultDialTTL)
	if pumpErr != nil && end.Reason == "" {
		end.Reason = "connect_timeout"
	}
	if err := g.emitEnded(ctx, execSessionID, view.OrgID, end); err != nil {
		g.Logger.Warn().Err(err).Str("exec_session_id", execSessionID).Msg("emit exec_session.ended failed")
	}
	return pumpErr
}

func (g *Gateway) emitConnected(ctx context.Context, execSessionID, orgID string) error {
	return g.appendSystemEvent(ctx, execSessionID, orgID, "exec_session.connected", &eventlog.ExecSessionConnected{})
}

func (g *Gateway) emitEnded(ctx context.Context, execSessionID, orgID string, end EndState) error {
	return g.appendSystemEvent(ctx, execSessionID, orgID, "exec_session.ended", &eventlog.ExecSessionEnded{
		Reason: end.Reason, ExitCode: end.ExitCode,
	})
}

// appendSystemEvent mirrors command.RecordHeartbeat's shape: a
// system-originated append outside the retry ceremony of the full command
// handler, since the exec gateway runs from an HTTP handler goroutine
// rather than through internal/command.
func (g *Gateway) appendSystemEvent(ctx context.Context, execSessionID, orgID, eventType string, payload eventlog.Payload) error {
	seq, err := g.Store.GetLatestAggregateSeq(ctx, domain.AggregateExecSession, execSessionID)
	if err != nil {
		return err
	}
	_, err = g.Store.Append(ctx, eventlog.NewEvent{
		AggregateType: domain.AggregateExecSession, AggregateID: execSessionID, AggregateSeq: seq + 1,
		EventType: eventType, EventVersion: 1,
		ActorType: domain.ActorSystem, ActorID: execSessionID,
		OrgID:   orgID,
		Payload: payload,
	})
	return err
}
