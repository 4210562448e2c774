// Package nodeagent is the node-side C10 agent: it polls the control
// plane for its nodeplan.Plan (spec.md §4.7, §4.10), converges local
// containerd state to match, and reports what it observed back over
// internal/nodeagentgrpc. Grounded on the teacher's pkg/worker.Worker
// (gRPC client + heartbeat loop + container executor loop) and
// pkg/runtime.ContainerdRuntime (pull/create/start/stop/delete), adapted
// from the teacher's types.Container/proto wire shapes to this codebase's
// nodeplan.Assignment/Workload documents.
package nodeagent

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
)

const (
	// Namespace is the containerd namespace this agent's containers live
	// in, separate from any other tenant sharing the host's containerd.
	Namespace = "plfm"

	// DefaultSocketPath is containerd's usual control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Runtime wraps a containerd client scoped to one node agent process.
// Every method namespaces its own context; callers never need to call
// namespaces.WithNamespace themselves.
type Runtime struct {
	client *containerd.Client
}

func NewRuntime(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runtime{client: client}, nil
}

func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// EnsureImage pulls the workload's image if containerd doesn't already
// have it unpacked — repeated Converge calls across poll cycles should
// not re-pull an image already present.
func (r *Runtime) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = r.ns(ctx)
	if _, err := r.client.GetImage(ctx, imageRef); err == nil {
		return nil
	}
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// containerID derives containerd's container/task id from an instance id
// so reconcile can find a previously-created container after an agent
// restart without consulting the local store.
func containerID(instanceID string) string { return "plfm-" + instanceID }

// Create builds and starts a containerd task for one assignment's
// workload. imageRef is resolved separately (EnsureImage) because the
// plan carries a digest, not a pullable reference, in the common case —
// callers pass whichever string containerd can pull or already has.
func (r *Runtime) Create(ctx context.Context, instanceID, imageRef string, wl *nodeplan.Workload, envelopePath string) (string, error) {
	ctx = r.ns(ctx)
	id := containerID(instanceID)

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", imageRef, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname(instanceID),
	}
	if len(wl.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(wl.Command...))
	}
	if wl.Resources.CPUCores > 0 {
		shares := uint64(wl.Resources.CPUCores * 1024)
		quota := int64(wl.Resources.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if wl.Resources.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(wl.Resources.MemoryBytes)))
	}
	if envelopePath != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Destination: "/run/secrets/platform.env",
			Type:        "bind",
			Source:      envelopePath,
			Options:     []string{"bind", "ro"},
		}}))
	}
	for _, m := range wl.Mounts {
		mountOpts := []string{"bind"}
		if m.ReadOnly {
			mountOpts = append(mountOpts, "ro")
		} else {
			mountOpts = append(mountOpts, "rw")
		}
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Destination: m.TargetPath,
			Type:        "bind",
			Source:      hostVolumePath(m.VolumeID),
			Options:     mountOpts,
		}}))
	}

	container, err := r.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
	if err != nil {
		return "", fmt.Errorf("create task %s: %w", id, err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task %s: %w", id, err)
	}
	return id, nil
}

// hostVolumePath is where this node's local driver keeps a volume's data;
// nodeplan.Mount only carries the volume id, the node-local layout is
// this package's concern.
func hostVolumePath(volumeID string) string {
	return "/var/lib/plfm-nodeagent/volumes/" + volumeID
}

// Status reports whether the instance's task is still running and, if
// it has exited, its exit code.
func (r *Runtime) Status(ctx context.Context, instanceID string) (running bool, exitCode int, err error) {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID(instanceID))
	if err != nil {
		return false, 0, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, 0, err
	}
	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return true, 0, nil
	default:
		return false, int(status.ExitStatus), nil
	}
}

// Stop sends SIGTERM and waits up to timeout before killing the task.
func (r *Runtime) Stop(ctx context.Context, instanceID string, timeout time.Duration) error {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID(instanceID))
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}
	exitCh, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	if err := task.Kill(ctx, 15); err != nil { // SIGTERM
		return fmt.Errorf("signal task %s: %w", instanceID, err)
	}
	select {
	case <-exitCh:
	case <-time.After(timeout):
		_ = task.Kill(ctx, 9) // SIGKILL
		<-exitCh
	}
	_, _ = task.Delete(ctx)
	return nil
}

// Remove deletes the container and its snapshot entirely, after Stop.
func (r *Runtime) Remove(ctx context.Context, instanceID string) error {
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, containerID(instanceID))
	if err != nil {
		return nil
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Logs always returns an error: Create attaches the task to the agent's
// own stdio and configures no log file that could be read back here.
func (r *Runtime) Logs(ctx context.Context, instanceID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("logs: not yet wired to a persisted stdio sink for %s", instanceID)
}
