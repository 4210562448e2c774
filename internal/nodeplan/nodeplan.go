// Package nodeplan computes the per-node desired-state document the node
// agent polls (C7, spec.md §4.7): for a node, the complete sorted set of
// assignments it must converge to. Anything running on the node but
// absent from the plan must be torn down by the agent — the plan is
// authoritative, not incremental. Grounded on this codebase's node-plan
// analogue in pkg/manager (the fsm's container-to-node assignment view),
// generalized from "containers this node currently owns" to a versioned,
// cursor-stamped plan document.
package nodeplan

import (
	"context"
	"fmt"
	"sort"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

const SpecVersion = "plfm.nodeplan/v1"

// Mount is one volume mount joined from the volume-attachment view.
type Mount struct {
	VolumeID   string `json:"volumeId"`
	TargetPath string `json:"targetPath"`
	ReadOnly   bool   `json:"readOnly"`
}

// NetworkBlock carries the instance's overlay addressing.
type NetworkBlock struct {
	OverlayIPv6 string `json:"overlayIpv6"`
	Gateway     string `json:"gateway"`
	MTU         int    `json:"mtu"`
}

// SecretsRef points the agent at the secret material it should mount,
// without carrying any plaintext (spec.md §4.7: "an optional secrets
// reference (version id + mount path)").
type SecretsRef struct {
	VersionID string `json:"versionId"`
	MountPath string `json:"mountPath"`
}

// Workload is present iff the assignment's desired state requires one
// (running or draining).
type Workload struct {
	ImageDigest  string       `json:"imageDigest"`
	ManifestHash string       `json:"manifestHash"`
	Command      []string     `json:"command"`
	Resources    domain.ResourcesSnapshot `json:"resources"`
	Network      NetworkBlock `json:"network"`
	Mounts       []Mount      `json:"mounts"`
	Secrets      *SecretsRef  `json:"secrets,omitempty"`
}

// Assignment is one instance's desired placement on this node.
type Assignment struct {
	AssignmentID string             `json:"assignmentId"`
	InstanceID   string             `json:"instanceId"`
	DesiredState domain.InstanceDesiredState `json:"desiredState"`
	Workload     *Workload          `json:"workload,omitempty"`
}

// Plan is the complete document returned to one node.
type Plan struct {
	SpecVersion   string       `json:"specVersion"`
	NodeID        string       `json:"nodeId"`
	PlanID        string       `json:"planId"`
	CursorEventID int64        `json:"cursorEventId"`
	Assignments   []Assignment `json:"assignments"`
}

// ReleaseResolver resolves a release id + node arch label to an image
// digest, preferring the node's declared arch (spec.md §4.7: "release
// image resolved to a digest (preferring the arch label of the node)").
type ReleaseResolver interface {
	ResolveImage(ctx context.Context, releaseID, nodeArch string) (digest string, manifestHash string, command []string, err error)
}

// ReadModel is the read-side surface the plan builder needs.
type ReadModel interface {
	ListNodeInstances(ctx context.Context, nodeID string) ([]domain.InstanceView, error)
	ListVolumeAttachments(ctx context.Context, envID, processType string) ([]Mount, error)
	NodeArch(ctx context.Context, nodeID string) (string, error)
}

type Builder struct {
	reads    ReadModel
	releases ReleaseResolver
	store    eventlog.Store
	gateway  string
	mtu      int
}

func NewBuilder(reads ReadModel, releases ReleaseResolver, store eventlog.Store, gateway string, mtu int) *Builder {
	if mtu == 0 {
		mtu = 1420 // WireGuard's typical safe MTU under a 1500-byte underlay
	}
	return &Builder{reads: reads, releases: releases, store: store, gateway: gateway, mtu: mtu}
}

// Build assembles the plan for one node (spec.md §4.7).
func (b *Builder) Build(ctx context.Context, nodeID string) (Plan, error) {
	cursor, err := b.store.GetMaxEventID(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("get cursor event id: %w", err)
	}

	instances, err := b.reads.ListNodeInstances(ctx, nodeID)
	if err != nil {
		return Plan{}, fmt.Errorf("list node instances: %w", err)
	}
	arch, err := b.reads.NodeArch(ctx, nodeID)
	if err != nil {
		return Plan{}, fmt.Errorf("resolve node arch: %w", err)
	}

	assignments := make([]Assignment, 0, len(instances))
	for _, inst := range instances {
		a := Assignment{
			AssignmentID: assignmentID(inst.InstanceID),
			InstanceID:   inst.InstanceID,
			DesiredState: inst.DesiredState,
		}
		if inst.DesiredState == domain.InstanceRunning || inst.DesiredState == domain.InstanceDraining {
			wl, err := b.buildWorkload(ctx, inst, arch)
			if err != nil {
				return Plan{}, fmt.Errorf("build workload for %s: %w", inst.InstanceID, err)
			}
			a.Workload = wl
		}
		assignments = append(assignments, a)
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].AssignmentID < assignments[j].AssignmentID })

	return Plan{
		SpecVersion:   SpecVersion,
		NodeID:        nodeID,
		PlanID:        newPlanID(nodeID, cursor),
		CursorEventID: cursor,
		Assignments:   assignments,
	}, nil
}

func (b *Builder) buildWorkload(ctx context.Context, inst domain.InstanceView, nodeArch string) (*Workload, error) {
	digest, manifestHash, command, err := b.releases.ResolveImage(ctx, inst.ReleaseID, nodeArch)
	if err != nil {
		return nil, err
	}
	mounts, err := b.reads.ListVolumeAttachments(ctx, inst.EnvID, inst.ProcessType)
	if err != nil {
		return nil, fmt.Errorf("list volume attachments: %w", err)
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].TargetPath < mounts[j].TargetPath })

	wl := &Workload{
		ImageDigest: digest, ManifestHash: manifestHash, Command: command,
		Resources: inst.Resources,
		Network:   NetworkBlock{OverlayIPv6: inst.OverlayIPv6, Gateway: b.gateway, MTU: b.mtu},
		Mounts:    mounts,
	}
	if inst.SecretsVersionID != "" {
		wl.Secrets = &SecretsRef{VersionID: inst.SecretsVersionID, MountPath: "/run/secrets/platform.env"}
	}
	return wl, nil
}

func assignmentID(instanceID string) string {
	return "assign_" + instanceID
}

func newPlanID(nodeID string, cursor int64) string {
	return fmt.Sprintf("plan_%s_%d", nodeID, cursor)
}
