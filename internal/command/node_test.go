package command

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
)

func newTestHandlers(store *fakeStore) *Handlers {
	return &Handlers{Store: store, Projections: &fakeWaiter{}, Logger: zerolog.Nop()}
}

func TestEnrollNodeRequiresIDAndPubKey(t *testing.T) {
	h := newTestHandlers(newFakeStore())
	_, err := h.EnrollNode(context.Background(), Request{}, EnrollNodeInput{}, &fakeIPAM{}, "fd00:plfm:node::")
	require.Error(t, err)
}

func TestEnrollNodeAppendsEnrolledEventAndAllocatesOverlayAddress(t *testing.T) {
	store := newFakeStore()
	h := newTestHandlers(store)
	ipam := &fakeIPAM{}

	receipt, err := h.EnrollNode(context.Background(), Request{ActorType: domain.ActorSystem, ActorID: "node-1"},
		EnrollNodeInput{NodeID: "node-1", WireGuardPubKey: "pubkey", CPUCores: 2, MemoryBytes: 4 << 30},
		ipam, "fd00:plfm:node::")

	require.NoError(t, err)
	require.Equal(t, "node-1", receipt.ResourceID)
	require.Contains(t, receipt.NextSteps, "get_plan")
	require.Len(t, store.events, 1)
	require.Equal(t, "node.enrolled", store.events[0].EventType)
	require.Equal(t, domain.AggregateNode, store.events[0].AggregateType)
}

func TestEnrollNodeRetriesIPAMCollisionsUpToBound(t *testing.T) {
	store := newFakeStore()
	h := newTestHandlers(store)
	ipam := &fakeIPAM{failTimes: maxIPAllocRetries - 1}

	_, err := h.EnrollNode(context.Background(), Request{}, EnrollNodeInput{NodeID: "n1", WireGuardPubKey: "pk"}, ipam, "fd00::")
	require.NoError(t, err)
}

func TestEnrollNodeFailsAfterExhaustingIPAMRetries(t *testing.T) {
	store := newFakeStore()
	h := newTestHandlers(store)
	ipam := &fakeIPAM{failTimes: maxIPAllocRetries}

	_, err := h.EnrollNode(context.Background(), Request{}, EnrollNodeInput{NodeID: "n1", WireGuardPubKey: "pk"}, ipam, "fd00::")
	require.Error(t, err)
}

func TestRecordHeartbeatAppendsHeartbeatEvent(t *testing.T) {
	store := newFakeStore()
	h := newTestHandlers(store)

	require.NoError(t, h.RecordHeartbeat(context.Background(), "node-1", 1.5, 1<<30))
	require.Len(t, store.events, 1)
	require.Equal(t, "node.heartbeat_received", store.events[0].EventType)
	require.Equal(t, domain.ActorSystem, store.events[0].ActorType)
}

func TestRecordHeartbeatSwallowsPersistedSequenceConflict(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2 // appendAggregateEvent makes two attempts (one retry), so this exhausts it
	h := newTestHandlers(store)

	err := h.RecordHeartbeat(context.Background(), "node-1", 1, 1)
	require.NoError(t, err, "a lost heartbeat race must be a silent no-op, not an error surfaced to the node agent")
	require.Empty(t, store.events)
}

func TestReportInstanceStatusAppendsStatusChangedEvent(t *testing.T) {
	store := newFakeStore()
	h := newTestHandlers(store)

	err := h.ReportInstanceStatus(context.Background(), "inst-1", "running", "boot-1", 0, "")
	require.NoError(t, err)
	require.Len(t, store.events, 1)
	require.Equal(t, "instance.status_changed", store.events[0].EventType)
	require.Equal(t, domain.AggregateInstance, store.events[0].AggregateType)
}

func TestReportInstanceStatusSwallowsPersistedSequenceConflict(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2
	h := newTestHandlers(store)

	err := h.ReportInstanceStatus(context.Background(), "inst-1", "exited", "boot-1", 1, "oom")
	require.NoError(t, err, "a superseded status report must be a silent no-op")
	require.Empty(t, store.events)
}
