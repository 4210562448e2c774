package nodeagent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
)

type fakeRuntime struct {
	created  []string
	stopped  []string
	removed  []string
	status   map[string]struct {
		running  bool
		exitCode int
	}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{status: map[string]struct {
		running  bool
		exitCode int
	}{}}
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, imageRef string) error { return nil }

func (f *fakeRuntime) Create(ctx context.Context, instanceID, imageRef string, wl *nodeplan.Workload, envelopePath string) (string, error) {
	f.created = append(f.created, instanceID)
	return "plfm-" + instanceID, nil
}

func (f *fakeRuntime) Status(ctx context.Context, instanceID string) (bool, int, error) {
	s, ok := f.status[instanceID]
	if !ok {
		return true, 0, nil
	}
	return s.running, s.exitCode, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, instanceID string, timeout time.Duration) error {
	f.stopped = append(f.stopped, instanceID)
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, instanceID string) error {
	f.removed = append(f.removed, instanceID)
	return nil
}

type fakeSecretMaterializer struct {
	path string
}

func (f *fakeSecretMaterializer) Materialize(ctx context.Context, versionID string) (string, error) {
	return f.path, nil
}

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConvergeCreatesNewAssignment(t *testing.T) {
	rt := newFakeRuntime()
	store := newTestStore(t)
	r := newReconciler(rt, store, &fakeSecretMaterializer{}, zerolog.Nop())

	plan := nodeplan.Plan{Assignments: []nodeplan.Assignment{
		{InstanceID: "inst_1", DesiredState: domain.InstanceRunning, Workload: &nodeplan.Workload{ImageDigest: "sha256:abc"}},
	}}

	updates, err := r.Converge(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, string(domain.InstanceBooting), updates[0].Status)
	require.Contains(t, rt.created, "inst_1")

	rec, found, err := store.GetAssignment("inst_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "plfm-inst_1", rec.ContainerID)
}

func TestConvergeTearsDownAssignmentsAbsentFromPlan(t *testing.T) {
	rt := newFakeRuntime()
	store := newTestStore(t)
	require.NoError(t, store.SaveAssignment(AssignmentRecord{InstanceID: "inst_stale", SpecHash: "h", ContainerID: "plfm-inst_stale"}))

	r := newReconciler(rt, store, &fakeSecretMaterializer{}, zerolog.Nop())
	updates, err := r.Converge(context.Background(), nodeplan.Plan{})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, string(domain.InstanceStoppedStatus), updates[0].Status)
	require.Contains(t, rt.stopped, "inst_stale")
	require.Contains(t, rt.removed, "inst_stale")

	_, found, err := store.GetAssignment("inst_stale")
	require.NoError(t, err)
	require.False(t, found)
}

func TestConvergeIsNoOpWhenSpecHashUnchanged(t *testing.T) {
	rt := newFakeRuntime()
	store := newTestStore(t)
	r := newReconciler(rt, store, &fakeSecretMaterializer{}, zerolog.Nop())

	wl := &nodeplan.Workload{ImageDigest: "sha256:abc"}
	plan := nodeplan.Plan{Assignments: []nodeplan.Assignment{
		{InstanceID: "inst_1", DesiredState: domain.InstanceRunning, Workload: wl},
	}}

	_, err := r.Converge(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, rt.created, 1)

	// The second pass recreates nothing but observes the running task, so
	// it reports the booting -> ready transition once.
	updates, err := r.Converge(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, string(domain.InstanceReady), updates[0].Status)
	require.Len(t, rt.created, 1)

	// With ready already recorded, a third pass reports nothing.
	updates, err = r.Converge(context.Background(), plan)
	require.NoError(t, err)
	require.Empty(t, updates)
	require.Len(t, rt.created, 1)
}
