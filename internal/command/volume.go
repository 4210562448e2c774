package command

import (
	"context"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
)

type CreateVolumeInput struct {
	EnvID     string `json:"envId"`
	AppID     string `json:"appId"`
	Name      string `json:"name"`
	Driver    string `json:"driver"`
	NodeID    string `json:"nodeId"`
	MountPath string `json:"mountPath"`
}

func (h *Handlers) CreateVolume(ctx context.Context, req Request, in CreateVolumeInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "create_volume", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.EnvID == "" || in.Name == "" {
		return Receipt{}, apierr.BadRequest("envId and name are required")
	}

	volumeID := newID("volume")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateVolume, volumeID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateVolume, AggregateID: volumeID, AggregateSeq: seq,
			EventType: "volume.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, AppID: in.AppID, EnvID: in.EnvID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.VolumeCreated{Name: in.Name, Driver: in.Driver, NodeID: in.NodeID, MountPath: in.MountPath},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "volumes"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: volumeID, EventID: ev.EventID, RequestID: ev.RequestID, NextSteps: []string{"attach_volume"}}, nil
}

type AttachVolumeInput struct {
	EnvID       string `json:"envId"`
	VolumeID    string `json:"volumeId"`
	ProcessType string `json:"processType"`
	TargetPath  string `json:"targetPath"`
	ReadOnly    bool   `json:"readOnly"`
}

// AttachVolume binds a volume to a process type. Clamping desired_replicas
// to 1 when any volume is attached (stateful-single in v1) is the
// scheduler's job (spec.md §4.6 step 2b), not this handler's.
func (h *Handlers) AttachVolume(ctx context.Context, req Request, in AttachVolumeInput) (Receipt, error) {
	if replay, err := h.checkIdempotency(ctx, req, "attach_volume", in); err != nil {
		return Receipt{}, err
	} else if replay != nil {
		return *replay, nil
	}
	if in.EnvID == "" || in.VolumeID == "" || in.TargetPath == "" {
		return Receipt{}, apierr.BadRequest("envId, volumeId and targetPath are required")
	}

	attachmentID := newID("volattach")
	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateVolume, in.VolumeID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateVolume, AggregateID: in.VolumeID, AggregateSeq: seq,
			EventType: "volume_attachment.created", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, EnvID: in.EnvID,
			RequestID: req.RequestID, IdempotencyKey: req.IdempotencyKey,
			Payload: &eventlog.VolumeAttachmentCreated{
				AttachmentID: attachmentID, VolumeID: in.VolumeID, ProcessType: in.ProcessType, TargetPath: in.TargetPath, ReadOnly: in.ReadOnly,
			},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "volumes"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: attachmentID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}

type UpdateSecretBundleInput struct {
	EnvID string            `json:"envId"`
	Keys  map[string]string `json:"keys"` // plaintext here; the handler encrypts before append
}

// UpdateSecretBundle seals the new secret values and appends a
// SecretBundleUpdated event carrying only the version id and key names —
// plaintext values are never part of the event payload (spec.md §4.1's
// requirement that payloads are the durable record: secret material lives
// encrypted in a sibling secret_values table keyed by version id, sealed
// with the same Cipher that protects the CA root key).
func (h *Handlers) UpdateSecretBundle(ctx context.Context, req Request, in UpdateSecretBundleInput, seal func(plaintext map[string]string, versionID string) error) (Receipt, error) {
	if in.EnvID == "" || len(in.Keys) == 0 {
		return Receipt{}, apierr.BadRequest("envId and at least one key are required")
	}

	versionID := newID("secretver")
	if err := seal(in.Keys, versionID); err != nil {
		return Receipt{}, err
	}

	keys := make([]string, 0, len(in.Keys))
	for k := range in.Keys {
		keys = append(keys, k)
	}

	ev, err := appendAggregateEvent(ctx, h.Store, domain.AggregateSecretBundle, in.EnvID, func(seq int64) eventlog.NewEvent {
		return eventlog.NewEvent{
			AggregateType: domain.AggregateSecretBundle, AggregateID: in.EnvID, AggregateSeq: seq,
			EventType: "secret_bundle.updated", EventVersion: 1,
			ActorType: req.ActorType, ActorID: req.ActorID, OrgID: req.OrgID, EnvID: in.EnvID,
			RequestID: req.RequestID,
			Payload: &eventlog.SecretBundleUpdated{VersionID: versionID, Keys: keys},
		}
	})
	if err != nil {
		return Receipt{}, err
	}
	if err := h.waitForReadback(ctx, ev, "secret_bundles"); err != nil {
		return Receipt{}, err
	}
	return Receipt{ResourceID: versionID, EventID: ev.EventID, RequestID: ev.RequestID}, nil
}
