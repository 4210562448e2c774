package nodeagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexbrahh/plfm-vt-sub000/internal/domain"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
)

const stopGrace = 10 * time.Second

// StatusUpdate is one observed change reconcile wants reported upstream
// via ReportInstanceStatus.
type StatusUpdate struct {
	InstanceID string
	Status     string
	BootID     string
	ExitCode   int
	Reason     string
}

// containerRuntime is the slice of *Runtime the reconciler actually
// drives, narrowed to its own interface (same per-consumer idiom as
// internal/scheduler's ReadModel) so Converge/convergeOne can run against
// a fake in tests without a containerd socket.
type containerRuntime interface {
	EnsureImage(ctx context.Context, imageRef string) error
	Create(ctx context.Context, instanceID, imageRef string, wl *nodeplan.Workload, envelopePath string) (string, error)
	Status(ctx context.Context, instanceID string) (running bool, exitCode int, err error)
	Stop(ctx context.Context, instanceID string, timeout time.Duration) error
	Remove(ctx context.Context, instanceID string) error
}

// Reconciler converges local containerd state to match the most recently
// fetched nodeplan.Plan (spec.md §4.7: "the plan is authoritative, not
// incremental" — anything running but absent from the plan is torn
// down). Grounded on the teacher's Worker.syncContainers loop, adapted
// from a task-state diff to a plan-assignment diff.
type Reconciler struct {
	runtime containerRuntime
	store   *LocalStore
	secrets SecretMaterializer
	logger  zerolog.Logger
}

// SecretMaterializer writes a resolved secret bundle version to a local
// path the container can bind-mount; internal/secretsenvelope implements
// this against the node agent's GetSecretMaterial RPC.
type SecretMaterializer interface {
	Materialize(ctx context.Context, versionID string) (path string, err error)
}

func NewReconciler(runtime *Runtime, store *LocalStore, secrets SecretMaterializer, logger zerolog.Logger) *Reconciler {
	return newReconciler(runtime, store, secrets, logger)
}

func newReconciler(runtime containerRuntime, store *LocalStore, secrets SecretMaterializer, logger zerolog.Logger) *Reconciler {
	return &Reconciler{runtime: runtime, store: store, secrets: secrets, logger: logger}
}

// Converge applies plan to the node and returns every status change
// worth reporting back to the control plane.
func (r *Reconciler) Converge(ctx context.Context, plan nodeplan.Plan) ([]StatusUpdate, error) {
	wanted := make(map[string]nodeplan.Assignment, len(plan.Assignments))
	for _, a := range plan.Assignments {
		wanted[a.InstanceID] = a
	}

	existing, err := r.store.ListAssignments()
	if err != nil {
		return nil, fmt.Errorf("list local assignments: %w", err)
	}

	var updates []StatusUpdate

	for _, rec := range existing {
		if _, stillWanted := wanted[rec.InstanceID]; stillWanted {
			continue
		}
		if err := r.teardown(ctx, rec.InstanceID); err != nil {
			r.logger.Warn().Err(err).Str("instance_id", rec.InstanceID).Msg("teardown failed")
			continue
		}
		if err := r.store.DeleteAssignment(rec.InstanceID); err != nil {
			return updates, err
		}
		updates = append(updates, StatusUpdate{InstanceID: rec.InstanceID, Status: string(domain.InstanceStoppedStatus), Reason: "absent_from_plan"})
	}

	for _, a := range plan.Assignments {
		u, err := r.convergeOne(ctx, a)
		if err != nil {
			r.logger.Warn().Err(err).Str("instance_id", a.InstanceID).Msg("converge failed")
			updates = append(updates, StatusUpdate{InstanceID: a.InstanceID, Status: string(domain.InstanceFailed), Reason: err.Error()})
			continue
		}
		if u != nil {
			updates = append(updates, *u)
		}
	}

	return updates, nil
}

func (r *Reconciler) convergeOne(ctx context.Context, a nodeplan.Assignment) (*StatusUpdate, error) {
	rec, found, err := r.store.GetAssignment(a.InstanceID)
	if err != nil {
		return nil, err
	}

	if a.DesiredState == domain.InstanceStopped || a.Workload == nil {
		if !found {
			return nil, nil
		}
		if err := r.teardown(ctx, a.InstanceID); err != nil {
			return nil, err
		}
		if err := r.store.DeleteAssignment(a.InstanceID); err != nil {
			return nil, err
		}
		return &StatusUpdate{InstanceID: a.InstanceID, Status: string(domain.InstanceStoppedStatus), Reason: "desired_stopped"}, nil
	}

	hash := hashWorkload(a.Workload)
	if found && rec.SpecHash == hash && rec.ContainerID != "" {
		return r.observe(ctx, a.InstanceID, rec)
	}

	if found && rec.ContainerID != "" {
		// Spec changed under us; tear the old container down before
		// recreating it — this implementation replaces rather than
		// live-updates a running instance.
		if err := r.teardown(ctx, a.InstanceID); err != nil {
			return nil, err
		}
	}

	envelopePath := ""
	if a.Workload.Secrets != nil {
		envelopePath, err = r.secrets.Materialize(ctx, a.Workload.Secrets.VersionID)
		if err != nil {
			return nil, fmt.Errorf("materialize secrets for %s: %w", a.InstanceID, err)
		}
	}

	if err := r.runtime.EnsureImage(ctx, a.Workload.ImageDigest); err != nil {
		return nil, err
	}
	bootID := newBootID(a.InstanceID, hash)
	containerID, err := r.runtime.Create(ctx, a.InstanceID, a.Workload.ImageDigest, a.Workload, envelopePath)
	if err != nil {
		return nil, err
	}

	if err := r.store.SaveAssignment(AssignmentRecord{
		InstanceID: a.InstanceID, SpecHash: hash, ContainerID: containerID,
		DesiredState: string(a.DesiredState), LastStatus: string(domain.InstanceBooting), BootID: bootID,
	}); err != nil {
		return nil, err
	}
	return &StatusUpdate{InstanceID: a.InstanceID, Status: string(domain.InstanceBooting), BootID: bootID}, nil
}

// observe checks a previously-created container's current runtime status
// and reports a transition only when it differs from the last-reported
// one (spec.md: the agent reports status changes, not a log per poll).
func (r *Reconciler) observe(ctx context.Context, instanceID string, rec AssignmentRecord) (*StatusUpdate, error) {
	running, exitCode, err := r.runtime.Status(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	status := string(domain.InstanceReady)
	if !running {
		status = string(domain.InstanceFailed)
		if exitCode == 0 {
			status = string(domain.InstanceStoppedStatus)
		}
	}
	if status == rec.LastStatus {
		return nil, nil
	}
	rec.LastStatus = status
	if err := r.store.SaveAssignment(rec); err != nil {
		return nil, err
	}
	return &StatusUpdate{InstanceID: instanceID, Status: status, BootID: rec.BootID, ExitCode: exitCode}, nil
}

func (r *Reconciler) teardown(ctx context.Context, instanceID string) error {
	if err := r.runtime.Stop(ctx, instanceID, stopGrace); err != nil {
		return err
	}
	return r.runtime.Remove(ctx, instanceID)
}

func hashWorkload(wl *nodeplan.Workload) string {
	b, _ := json.Marshal(wl)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

func newBootID(instanceID, specHash string) string {
	return fmt.Sprintf("boot_%s_%s", instanceID, specHash[:8])
}

// toRPCStatus adapts a StatusUpdate into the wire request ReportInstanceStatus sends.
func toRPCStatus(nodeID string, u StatusUpdate) *nodeagentgrpc.ReportInstanceStatusRequest {
	return &nodeagentgrpc.ReportInstanceStatusRequest{
		NodeID: nodeID, InstanceID: u.InstanceID, Status: u.Status,
		BootID: u.BootID, ExitCode: u.ExitCode, Reason: u.Reason,
	}
}
