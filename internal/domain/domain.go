// Package domain declares the core entities of the control plane: the
// event envelope, the aggregates whose lifecycles it records, and the
// read-view rows projections derive from it. It generalizes this
// codebase's former single-cluster-snapshot type set (one flat struct per
// resource) into event-sourced aggregates with explicit sequence numbers.
package domain

import "time"

// AggregateType enumerates the bounded entities that own a sequence of
// events.
type AggregateType string

const (
	AggregateOrg          AggregateType = "org"
	AggregateApp          AggregateType = "app"
	AggregateEnv          AggregateType = "env"
	AggregateRelease      AggregateType = "release"
	AggregateDeploy       AggregateType = "deploy"
	AggregateRoute        AggregateType = "route"
	AggregateSecretBundle AggregateType = "secret_bundle"
	AggregateVolume       AggregateType = "volume"
	AggregateInstance     AggregateType = "instance"
	AggregateNode         AggregateType = "node"
	AggregateExecSession  AggregateType = "exec_session"
)

// ActorType identifies who caused an event.
type ActorType string

const (
	ActorUser            ActorType = "user"
	ActorServicePrincipal ActorType = "service_principal"
	ActorSystem          ActorType = "system"
)

// Event is the immutable append-only record. Payload is the raw canonical
// bytes produced by the codec registered for EventType (internal/eventlog
// owns encoding/decoding); domain keeps it opaque so the log itself never
// needs to understand event-specific shapes.
type Event struct {
	EventID       int64
	AggregateType AggregateType
	AggregateID   string
	AggregateSeq  int64
	EventType     string
	EventVersion  int32
	ActorType     ActorType
	ActorID       string
	OrgID         string
	AppID         string
	EnvID         string
	RequestID     string
	IdempotencyKey string
	CorrelationID string
	CausationID   string
	OccurredAt    time.Time
	Payload       []byte
}

// NodeState is the enrollment lifecycle state of a worker node.
type NodeState string

const (
	NodeActive   NodeState = "active"
	NodeDraining NodeState = "draining"
	NodeDisabled NodeState = "disabled"
	NodeDegraded NodeState = "degraded"
	NodeOffline  NodeState = "offline"
)

// NodeAllocatable tracks a node's total and currently-available capacity.
type NodeAllocatable struct {
	CPUCores             int
	MemoryBytes          int64
	AvailableCPUCores    float64
	AvailableMemoryBytes int64
	InstanceCount        int
}

// NodeView is the read-model row for an enrolled node.
type NodeView struct {
	NodeID          string
	State           NodeState
	WireGuardPubKey string
	OverlayIPv6     string
	Allocatable     NodeAllocatable
	Labels          map[string]string
	ResourceVersion int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InstanceDesiredState mirrors spec.md's {running, draining, stopped}.
type InstanceDesiredState string

const (
	InstanceRunning  InstanceDesiredState = "running"
	InstanceDraining InstanceDesiredState = "draining"
	InstanceStopped  InstanceDesiredState = "stopped"
)

// InstanceStatus is the node-agent-reported lifecycle phase, distinct from
// DesiredState which only the scheduler writes.
type InstanceStatus string

const (
	InstanceBooting InstanceStatus = "booting"
	InstanceReady   InstanceStatus = "ready"
	InstanceDrainingStatus InstanceStatus = "draining"
	InstanceStoppedStatus  InstanceStatus = "stopped"
	InstanceFailed  InstanceStatus = "failed"
)

// ResourcesSnapshot is the cpu/memory request an instance was allocated
// against, reused verbatim in the node plan's workload block.
type ResourcesSnapshot struct {
	CPUCores    float64
	MemoryBytes int64
}

// InstanceView is the read-model row for a workload placement.
type InstanceView struct {
	InstanceID        string
	OrgID             string
	AppID             string
	EnvID             string
	ProcessType       string
	NodeID            string
	DesiredState      InstanceDesiredState
	Status            InstanceStatus
	ReleaseID         string
	SecretsVersionID  string
	OverlayIPv6       string
	Resources         ResourcesSnapshot
	SpecHash          string
	Generation        int64
	DeployID          string
	BootID            string
	ExitCode          int
	StatusReason      string
	ResourceVersion   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RouteProtocolHint mirrors spec.md §3 Route.protocol_hint.
type RouteProtocolHint string

const (
	ProtocolTLSPassthrough RouteProtocolHint = "tls_passthrough"
	ProtocolTCPRaw         RouteProtocolHint = "tcp_raw"
)

// ProxyProtocolMode mirrors spec.md §3 Route.proxy_protocol.
type ProxyProtocolMode string

const (
	ProxyProtocolOff ProxyProtocolMode = "off"
	ProxyProtocolV2  ProxyProtocolMode = "v2"
)

// RouteView is the read-model row for an ingress route.
type RouteView struct {
	RouteID           string
	OrgID             string
	AppID             string
	EnvID             string
	Hostname          string
	ListenPort        int
	BackendProcessType string
	BackendPort       int
	ProtocolHint      RouteProtocolHint
	ProxyProtocol     ProxyProtocolMode
	AllowNonTLSFallback bool
	ResourceVersion   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	IsDeleted         bool
}

// OrgView, AppView, EnvView, ReleaseView, DeployView, VolumeView,
// SecretBundleView are the remaining read-model rows named by spec.md §6's
// resource routes.
type OrgView struct {
	OrgID           string
	Name            string
	Quotas          map[string]int64
	ResourceVersion int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IsDeleted       bool
}

type AppView struct {
	AppID           string
	OrgID           string
	Name            string
	Description     string
	ResourceVersion int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	IsDeleted       bool
}

type EnvView struct {
	EnvID             string
	OrgID             string
	AppID             string
	Name              string
	DesiredReleaseID  string
	DesiredReplicas   int
	SecretsVersionID  string
	VolumeMountDigest string
	ResourceVersion   int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	IsDeleted         bool
}

type ReleaseView struct {
	ReleaseID             string
	OrgID                 string
	AppID                 string
	ImageRef              string
	ImageDigest           string
	ManifestSchemaVersion int
	ManifestHash          string
	Command               []string
	ResourceVersion       int64
	CreatedAt             time.Time
}

// DeployStatus unifies the spec's two terminal-state labels (succeeded /
// completed) onto one internal enum — see SPEC_FULL.md open-question
// decisions.
type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployRunning   DeployStatus = "running"
	DeployCompleted DeployStatus = "completed"
	DeployFailed    DeployStatus = "failed"
)

type DeployView struct {
	DeployID        string
	OrgID           string
	AppID           string
	EnvID           string
	ReleaseID       string
	Status          DeployStatus
	IsRollback      bool
	ResourceVersion int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type VolumeView struct {
	VolumeID        string
	OrgID           string
	AppID           string
	EnvID           string
	Name            string
	Driver          string
	NodeID          string
	MountPath       string
	ResourceVersion int64
	CreatedAt       time.Time
	IsDeleted       bool
}

type VolumeAttachmentView struct {
	AttachmentID string
	VolumeID     string
	EnvID        string
	ProcessType  string
	TargetPath   string
	ReadOnly     bool
}

type SecretBundleView struct {
	BundleID        string
	OrgID           string
	EnvID           string
	VersionID       string
	Keys            []string
	ResourceVersion int64
	CreatedAt       time.Time
}

// ExecSessionStatus mirrors the lifecycle spec.md's Design Notes describe
// for exec session proxying: started (token issued, not yet connected),
// connected (bytes flowing), ended (terminal, one-shot).
type ExecSessionStatus string

const (
	ExecSessionStarted   ExecSessionStatus = "started"
	ExecSessionConnected ExecSessionStatus = "connected"
	ExecSessionEnded     ExecSessionStatus = "ended"
)

// ExecSessionView is the read-model row for an exec session.
type ExecSessionView struct {
	ExecSessionID   string
	OrgID           string
	InstanceID      string
	NodeID          string
	Command         []string
	TTY             bool
	Status          ExecSessionStatus
	ConnectedAt     *time.Time
	EndedAt         *time.Time
	ExitCode        *int
	EndReason       string
	ResourceVersion int64
	CreatedAt       time.Time
}

// ProjectionCheckpoint is the per-handler high-water mark described in
// spec.md §3.
type ProjectionCheckpoint struct {
	Name        string
	LastEventID int64
	UpdatedAt   time.Time
}

// ProjectionState mirrors spec.md §4.2's {current, lagging, stalled}.
type ProjectionState string

const (
	ProjectionCurrent ProjectionState = "current"
	ProjectionLagging ProjectionState = "lagging"
	ProjectionStalled ProjectionState = "stalled"
)

// IdempotencyRecord is the memoized response for a (org, actor, endpoint,
// key) tuple, per spec.md §3/§4.4.
type IdempotencyRecord struct {
	OrgScope     string
	ActorID      string
	EndpointName string
	Key          string
	RequestHash  string
	StatusCode   int
	Body         []byte
	CreatedAt    time.Time
}
