package nodeagentgrpc

import "github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"

// EnrollRequest is the one method node identity is not yet established
// for — the WireGuard public key generated locally is what the control
// plane uses to assign a node_id and overlay address (spec.md §4.10,
// §6 "Node identity is carried in x-node-id metadata for non-enroll
// methods").
type EnrollRequest struct {
	WireGuardPublicKey string            `json:"wireGuardPublicKey"`
	Arch                string            `json:"arch"`
	Labels              map[string]string `json:"labels"`
	AllocatableCPU      float64           `json:"allocatableCpu"`
	AllocatableMemory   int64             `json:"allocatableMemory"`
}

type EnrollResponse struct {
	NodeID        string `json:"nodeId"`
	OverlayIPv6   string `json:"overlayIpv6"`
	ClusterCACert []byte `json:"clusterCaCert"`
}

// GetPlanRequest is sent by the agent on every poll (spec.md §4.10: the
// agent polls for its plan rather than the control plane pushing one).
// NodeID is also required here even though x-node-id is present on the
// metadata, so a handler can be tested without fabricating metadata.
type GetPlanRequest struct {
	NodeID string `json:"nodeId"`
}

type GetPlanResponse struct {
	Plan nodeplan.Plan `json:"plan"`
}

// ReportInstanceStatusRequest carries one instance's observed lifecycle
// phase back to the control plane, which appends it as
// instance.status_changed to that instance's own aggregate stream; there
// is no separate status side table.
type ReportInstanceStatusRequest struct {
	NodeID     string `json:"nodeId"`
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"` // booting|ready|draining|stopped|failed
	BootID     string `json:"bootId"`
	ExitCode   int    `json:"exitCode"`
	Reason     string `json:"reason"`
}

type ReportInstanceStatusResponse struct{}

// HeartbeatRequest carries the node's live capacity counters, appended as
// node.heartbeat_received (spec.md §4.10).
type HeartbeatRequest struct {
	NodeID          string  `json:"nodeId"`
	AvailableCPU    float64 `json:"availableCpu"`
	AvailableMemory int64   `json:"availableMemory"`
}

type HeartbeatResponse struct {
	NextPollIntervalMs int64 `json:"nextPollIntervalMs"`
}

// GetSecretMaterialRequest resolves one secret bundle version into the
// key/value pairs the agent writes into the guest-visible envelope
// (internal/secretsenvelope). The values are sealed only while stored in
// Postgres; this RPC returns them in plaintext, and the node-agent gRPC
// connection is served without TLS.
type GetSecretMaterialRequest struct {
	NodeID    string `json:"nodeId"`
	VersionID string `json:"versionId"`
}

type GetSecretMaterialResponse struct {
	Values map[string]string `json:"values"`
}

// LogChunk is one line of workload output; SendWorkloadLogs is a
// client-streaming RPC the agent uses to push batches of these up.
type LogChunk struct {
	InstanceID string `json:"instanceId"`
	Cursor     int64  `json:"cursor"`
	Stream     string `json:"stream"` // stdout|stderr
	Line       string `json:"line"`
	Timestamp  int64  `json:"timestampUnixMs"`
}

type SendWorkloadLogsResponse struct {
	Accepted int64 `json:"accepted"`
}
