package eventlog

import "fmt"

// Payload types for every event_type this codebase's command handlers and
// scheduler emit. Each implements Payload (Validate) and is bound to its
// event_type string in RegisterDefaults.

type OrgCreated struct {
	Name string `json:"name"`
}

func (p *OrgCreated) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type AppCreated struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (p *AppCreated) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type EnvCreated struct {
	Name string `json:"name"`
}

func (p *EnvCreated) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type ReleaseCreated struct {
	ImageRef              string   `json:"imageRef"`
	ImageDigest            string   `json:"imageDigest"`
	ManifestSchemaVersion int      `json:"manifestSchemaVersion"`
	ManifestHash           string   `json:"manifestHash"`
	Command                []string `json:"command"`
}

func (p *ReleaseCreated) Validate() error {
	if p.ImageRef == "" || p.ImageDigest == "" {
		return fmt.Errorf("imageRef and imageDigest are required")
	}
	return nil
}

type DeployCreated struct {
	ReleaseID  string `json:"releaseId"`
	IsRollback bool   `json:"isRollback"`
}

func (p *DeployCreated) Validate() error {
	if p.ReleaseID == "" {
		return fmt.Errorf("releaseId is required")
	}
	return nil
}

type DeployStatusChanged struct {
	Status string `json:"status"`
}

func (p *DeployStatusChanged) Validate() error {
	if p.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

type EnvDesiredReleaseChanged struct {
	ReleaseID       string `json:"releaseId"`
	DesiredReplicas int    `json:"desiredReplicas"`
}

func (p *EnvDesiredReleaseChanged) Validate() error {
	if p.ReleaseID == "" {
		return fmt.Errorf("releaseId is required")
	}
	return nil
}

type RouteCreated struct {
	Hostname            string `json:"hostname"`
	ListenPort          int    `json:"listenPort"`
	BackendProcessType  string `json:"backendProcessType"`
	BackendPort         int    `json:"backendPort"`
	ProtocolHint        string `json:"protocolHint"`
	ProxyProtocol       string `json:"proxyProtocol"`
	AllowNonTLSFallback bool   `json:"allowNonTlsFallback"`
}

func (p *RouteCreated) Validate() error {
	if p.Hostname == "" || p.ListenPort == 0 {
		return fmt.Errorf("hostname and listenPort are required")
	}
	return nil
}

type RouteDeleted struct{}

func (p *RouteDeleted) Validate() error { return nil }

type SecretBundleUpdated struct {
	VersionID string   `json:"versionId"`
	Keys      []string `json:"keys"`
}

func (p *SecretBundleUpdated) Validate() error {
	if p.VersionID == "" {
		return fmt.Errorf("versionId is required")
	}
	return nil
}

type VolumeCreated struct {
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	NodeID    string `json:"nodeId"`
	MountPath string `json:"mountPath"`
}

func (p *VolumeCreated) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

type VolumeAttachmentCreated struct {
	AttachmentID string `json:"attachmentId"`
	VolumeID     string `json:"volumeId"`
	ProcessType  string `json:"processType"`
	TargetPath   string `json:"targetPath"`
	ReadOnly     bool   `json:"readOnly"`
}

func (p *VolumeAttachmentCreated) Validate() error {
	if p.VolumeID == "" || p.TargetPath == "" {
		return fmt.Errorf("volumeId and targetPath are required")
	}
	return nil
}

type NodeEnrolled struct {
	WireGuardPubKey string `json:"wireguardPubKey"`
	OverlayIPv6     string `json:"overlayIpv6"`
	CPUCores        int    `json:"cpuCores"`
	MemoryBytes     int64  `json:"memoryBytes"`
}

func (p *NodeEnrolled) Validate() error {
	if p.WireGuardPubKey == "" {
		return fmt.Errorf("wireguardPubKey is required")
	}
	return nil
}

type NodeStateChanged struct {
	State string `json:"state"`
}

func (p *NodeStateChanged) Validate() error {
	if p.State == "" {
		return fmt.Errorf("state is required")
	}
	return nil
}

type NodeHeartbeatReceived struct {
	AvailableCPUCores    float64 `json:"availableCpuCores"`
	AvailableMemoryBytes int64   `json:"availableMemoryBytes"`
}

func (p *NodeHeartbeatReceived) Validate() error { return nil }

type InstanceAllocated struct {
	NodeID           string  `json:"nodeId"`
	ProcessType      string  `json:"processType"`
	ReleaseID        string  `json:"releaseId"`
	SecretsVersionID string  `json:"secretsVersionId"`
	OverlayIPv6      string  `json:"overlayIpv6"`
	CPUCores         float64 `json:"cpuCores"`
	MemoryBytes      int64   `json:"memoryBytes"`
	SpecHash         string  `json:"specHash"`
	DeployID         string  `json:"deployId"`
}

func (p *InstanceAllocated) Validate() error {
	if p.NodeID == "" || p.ReleaseID == "" || p.OverlayIPv6 == "" {
		return fmt.Errorf("nodeId, releaseId and overlayIpv6 are required")
	}
	return nil
}

type InstanceDesiredStateChanged struct {
	DesiredState string `json:"desiredState"`
}

func (p *InstanceDesiredStateChanged) Validate() error {
	if p.DesiredState == "" {
		return fmt.Errorf("desiredState is required")
	}
	return nil
}

type InstanceStatusChanged struct {
	Status   string `json:"status"`
	BootID   string `json:"bootId"`
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason"`
}

func (p *InstanceStatusChanged) Validate() error {
	if p.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

type ExecSessionStarted struct {
	InstanceID string   `json:"instanceId"`
	NodeID     string   `json:"nodeId"`
	Command    []string `json:"command"`
	TTY        bool     `json:"tty"`
}

func (p *ExecSessionStarted) Validate() error {
	if p.InstanceID == "" || p.NodeID == "" || len(p.Command) == 0 {
		return fmt.Errorf("instanceId, nodeId and command are required")
	}
	return nil
}

// ExecSessionConnected carries no data of its own; it exists only to mark
// the moment the proxy established the node-agent side of the pipe.
type ExecSessionConnected struct{}

func (p *ExecSessionConnected) Validate() error { return nil }

type ExecSessionEnded struct {
	Reason   string `json:"reason"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (p *ExecSessionEnded) Validate() error { return nil }

// RegisterDefaults binds every event_type this repository's command
// handlers and scheduler emit to its payload codec. Call once at process
// start before the event log accepts any Append call.
func RegisterDefaults(r *Registry) {
	Register(r, "org.created", func() *OrgCreated { return &OrgCreated{} })
	Register(r, "app.created", func() *AppCreated { return &AppCreated{} })
	Register(r, "env.created", func() *EnvCreated { return &EnvCreated{} })
	Register(r, "env.desired_release_changed", func() *EnvDesiredReleaseChanged { return &EnvDesiredReleaseChanged{} })
	Register(r, "release.created", func() *ReleaseCreated { return &ReleaseCreated{} })
	Register(r, "deploy.created", func() *DeployCreated { return &DeployCreated{} })
	Register(r, "deploy.status_changed", func() *DeployStatusChanged { return &DeployStatusChanged{} })
	Register(r, "route.created", func() *RouteCreated { return &RouteCreated{} })
	Register(r, "route.updated", func() *RouteCreated { return &RouteCreated{} })
	Register(r, "route.deleted", func() *RouteDeleted { return &RouteDeleted{} })
	Register(r, "secret_bundle.updated", func() *SecretBundleUpdated { return &SecretBundleUpdated{} })
	Register(r, "volume.created", func() *VolumeCreated { return &VolumeCreated{} })
	Register(r, "volume_attachment.created", func() *VolumeAttachmentCreated { return &VolumeAttachmentCreated{} })
	Register(r, "node.enrolled", func() *NodeEnrolled { return &NodeEnrolled{} })
	Register(r, "node.state_changed", func() *NodeStateChanged { return &NodeStateChanged{} })
	Register(r, "node.heartbeat_received", func() *NodeHeartbeatReceived { return &NodeHeartbeatReceived{} })
	Register(r, "instance.allocated", func() *InstanceAllocated { return &InstanceAllocated{} })
	Register(r, "instance.desired_state_changed", func() *InstanceDesiredStateChanged { return &InstanceDesiredStateChanged{} })
	Register(r, "instance.status_changed", func() *InstanceStatusChanged { return &InstanceStatusChanged{} })
	Register(r, "exec_session.started", func() *ExecSessionStarted { return &ExecSessionStarted{} })
	Register(r, "exec_session.connected", func() *ExecSessionConnected { return &ExecSessionConnected{} })
	Register(r, "exec_session.ended", func() *ExecSessionEnded { return &ExecSessionEnded{} })
}
