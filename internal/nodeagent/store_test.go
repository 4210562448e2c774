package nodeagent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreIdentityRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.LoadIdentity()
	require.NoError(t, err)
	require.False(t, found)

	want := Identity{NodeID: "node_abc", OverlayIPv6: "fd00::1"}
	require.NoError(t, store.SaveIdentity(want))

	got, found, err := store.LoadIdentity()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want.NodeID, got.NodeID)
	require.Equal(t, want.OverlayIPv6, got.OverlayIPv6)
}

func TestLocalStoreAssignmentLifecycle(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := AssignmentRecord{InstanceID: "inst_1", SpecHash: "h1", ContainerID: "plfm-inst_1"}
	require.NoError(t, store.SaveAssignment(rec))

	got, found, err := store.GetAssignment("inst_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "h1", got.SpecHash)

	all, err := store.ListAssignments()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.DeleteAssignment("inst_1"))
	_, found, err = store.GetAssignment("inst_1")
	require.NoError(t, err)
	require.False(t, found)
}
