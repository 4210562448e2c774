// Command plfm-nodeagent runs on a worker node: it owns the containerd
// runtime (internal/nodeagent.Runtime), the local boltdb-backed identity
// and assignment store, the secret envelope materializer, and the
// reconcile/poll/heartbeat loops that make the node converge on the
// control plane's plan. Grounded on the teacher's cmd/warren "worker
// start" subcommand (embedded-or-external containerd selection, resource
// flags, block-on-signal shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagent"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
	"github.com/rexbrahh/plfm-vt-sub000/internal/overlay"
	"github.com/rexbrahh/plfm-vt-sub000/internal/secretsenvelope"
)

var logger zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plfm-nodeagent",
	Short: "Run the platform node agent",
	RunE:  runNodeAgent,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("control-plane-addr", "127.0.0.1:8443", "Control plane gRPC address")
	flags.String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")
	flags.String("data-dir", "./nodeagent-data", "Local identity/assignment store directory")
	flags.Float64("cpu-cores", float64(runtime.NumCPU()), "Allocatable CPU cores advertised to the scheduler")
	flags.Int64("memory-bytes", 8*1024*1024*1024, "Allocatable memory advertised to the scheduler")
	flags.String("arch", runtime.GOARCH, "Node architecture label used for release image resolution")
	flags.StringToString("labels", map[string]string{}, "Arbitrary node labels (key=value)")
	flags.Bool("enable-wireguard", false, "Configure a local WireGuard interface for the overlay mesh (requires a pre-created plfm0 device and CAP_NET_ADMIN)")
	flags.String("wireguard-interface", overlay.DefaultInterfaceName, "WireGuard interface name")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	zl, err := zerolog.ParseLevel(level)
	if err != nil {
		zl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zl)
	if asJSON {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
}

// staticResources reports a fixed allocatable/available capacity given on
// the command line; a future version could subtract live container usage
// from Available, but the scheduler already treats a node's own
// heartbeat numbers as authoritative so this is sufficient for now.
type staticResources struct {
	cpuCores    float64
	memoryBytes int64
}

func (r staticResources) Allocatable() (float64, int64) { return r.cpuCores, r.memoryBytes }
func (r staticResources) Available() (float64, int64)   { return r.cpuCores, r.memoryBytes }

func runNodeAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := cmd.Flags()
	controlPlaneAddr, _ := flags.GetString("control-plane-addr")
	containerdSocket, _ := flags.GetString("containerd-socket")
	dataDir, _ := flags.GetString("data-dir")
	cpuCores, _ := flags.GetFloat64("cpu-cores")
	memoryBytes, _ := flags.GetInt64("memory-bytes")
	arch, _ := flags.GetString("arch")
	labels, _ := flags.GetStringToString("labels")
	enableWireguard, _ := flags.GetBool("enable-wireguard")
	wireguardIface, _ := flags.GetString("wireguard-interface")

	store, err := nodeagent.NewLocalStore(dataDir)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer store.Close()

	crRuntime, err := nodeagent.NewRuntime(containerdSocket)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}

	// The control-plane connection is plaintext for its whole life: the
	// cluster CA cert the Enroll response carries is only saved to the
	// local store, and nothing upgrades this connection to TLS afterwards.
	// Trust rests on the network boundary, matching the insecure dial of
	// the teacher's own client bootstrap in pkg/client.
	conn, err := grpc.NewClient(controlPlaneAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer conn.Close()
	client := nodeagentgrpc.NewClient(conn)

	secrets := secretsenvelope.NewMaterializer(client, "")
	reconciler := nodeagent.NewReconciler(crRuntime, store, secrets, logger)

	agent := nodeagent.NewAgent(client, crRuntime, store, reconciler, staticResources{cpuCores: cpuCores, memoryBytes: memoryBytes}, arch, labels, logger)

	wireguardPubKey := ""
	if enableWireguard {
		key, err := overlay.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate wireguard key: %w", err)
		}
		mgr, err := overlay.NewManager(wireguardIface, key)
		if err != nil {
			return fmt.Errorf("open wireguard manager: %w", err)
		}
		defer mgr.Close()
		if err := mgr.Configure(overlay.DefaultListenPort); err != nil {
			return fmt.Errorf("configure wireguard interface %s: %w", wireguardIface, err)
		}
		wireguardPubKey = key.PublicKey().String()
	} else {
		wireguardPubKey = fmt.Sprintf("nowg-%s", strings.ReplaceAll(dataDir, "/", "_"))
	}

	if err := agent.Enroll(ctx, wireguardPubKey); err != nil {
		return fmt.Errorf("enroll with control plane: %w", err)
	}
	secrets.SetNodeID(agent.NodeID())
	logger.Info().Str("control_plane", controlPlaneAddr).Msg("node agent enrolled, entering run loop")

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("node agent run loop: %w", err)
	}
	logger.Info().Msg("node agent shutting down")
	return nil
}
