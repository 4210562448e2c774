package exec

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
)

type fakeReadModel struct {
	session domain.ExecSessionView
	addr    string
	err     error
}

func (f *fakeReadModel) GetExecSession(ctx context.Context, execSessionID string) (domain.ExecSessionView, error) {
	return f.session, f.err
}

func (f *fakeReadModel) NodeOverlayAddress(ctx context.Context, nodeID string) (string, error) {
	return f.addr, nil
}

func TestIssueTokenRejectsSessionNotAwaitingConnection(t *testing.T) {
	rm := &fakeReadModel{session: domain.ExecSessionView{
		ExecSessionID: "exec_1", Status: domain.ExecSessionEnded,
	}}
	g := &Gateway{ReadModel: rm, Logger: zerolog.Nop()}

	_, err := g.IssueToken(context.Background(), "exec_1")
	require.Error(t, err)
}

func TestIssueTokenRejectsUnknownSession(t *testing.T) {
	rm := &fakeReadModel{err: context.DeadlineExceeded}
	g := &Gateway{ReadModel: rm, Logger: zerolog.Nop()}

	_, err := g.IssueToken(context.Background(), "exec_missing")
	require.Error(t, err)
}

func TestExecPortDefaultsWhenEnvUnset(t *testing.T) {
	os.Unsetenv("PLFM_NODE_EXEC_PORT")
	require.Equal(t, defaultExecPort, execPort())
}

func TestExecPortHonorsEnvOverride(t *testing.T) {
	t.Setenv("PLFM_NODE_EXEC_PORT", "6000")
	require.Equal(t, "6000", execPort())
}
