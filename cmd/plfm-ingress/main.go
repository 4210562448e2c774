// Command plfm-ingress runs one L4 ingress edge (C8): it tails the
// control plane's route events and ready-instance read view
// (internal/ingresssync), keeps a local route table and backend pools in
// sync, and serves TCP connections off internal/ingress.Listener — one
// per configured listen port. Grounded on the teacher's cmd/warren
// cluster/worker subcommands' shape (parse flags, construct the
// long-lived component, block on signal, shut down), simplified to a
// single command since an ingress edge has no cluster-membership
// lifecycle of its own.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	"github.com/rexbrahh/plfm-vt-sub000/internal/ingress"
	"github.com/rexbrahh/plfm-vt-sub000/internal/ingresssync"
	"github.com/rexbrahh/plfm-vt-sub000/internal/overlay"
	"github.com/rexbrahh/plfm-vt-sub000/internal/readmodel"
)

var logger zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plfm-ingress",
	Short: "Run a platform ingress edge",
	RunE:  runIngress,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("database-url", "postgres://localhost:5432/plfm?sslmode=disable", "Postgres connection string")
	flags.String("org-id", "", "Org this edge serves routes for")
	flags.IntSlice("listen-ports", []int{443}, "TCP ports this edge accepts connections on")
	flags.Int("max-conns-per-port", 4096, "Per-listener concurrent connection cap")
	flags.String("state-file", "./ingress-state.json", "Local file the route/backend cache is persisted to")
	flags.Duration("route-poll-interval", 2*time.Second, "How often the route tailer polls for new events")
	flags.Duration("backend-sync-interval", 3*time.Second, "How often ready-instance backends are republished into pools")
	flags.Bool("enable-wireguard", false, "Join the overlay mesh as a WireGuard peer so backend dials over their overlay_ipv6 address can actually route (requires a pre-created plfm0 device and CAP_NET_ADMIN)")
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

func runIngress(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := cmd.Flags()
	databaseURL, _ := flags.GetString("database-url")
	orgID, _ := flags.GetString("org-id")
	listenPorts, _ := flags.GetIntSlice("listen-ports")
	maxConns, _ := flags.GetInt("max-conns-per-port")
	statePath, _ := flags.GetString("state-file")
	routePoll, _ := flags.GetDuration("route-poll-interval")
	backendSync, _ := flags.GetDuration("backend-sync-interval")
	enableWireguard, _ := flags.GetBool("enable-wireguard")
	wireguardIface, _ := flags.GetString("wireguard-interface")

	if orgID == "" {
		return fmt.Errorf("--org-id is required")
	}

	// Backends are dialed by their overlay_ipv6 address directly
	// (internal/ingress.Listener.handle), so this edge must itself be a
	// WireGuard peer on the mesh for those dials to route anywhere. Node
	// endpoints aren't tracked in the node read view (nodes enroll with
	// only a public key, not a reachable UDP address), so this brings the
	// local device up with its own identity but leaves per-node peer
	// entries to out-of-band mesh configuration rather than guessing at
	// endpoints this process has no way to resolve.
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
		logger.Info().Str("interface", wireguardIface).Str("public_key", key.PublicKey().String()).
			Msg("wireguard interface up; add this public key as a peer on each node this edge must reach")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	registry := eventlog.NewRegistry()
	eventlog.RegisterDefaults(registry)
	store, err := eventlog.NewPGStore(ctx, databaseURL, registry)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer store.Close()

	reads := readmodel.NewStore(pool)
	table := ingress.NewRouteTable()
	syncer := ingresssync.NewSyncer(store, reads, table, statePath, orgID, backendSync, logger)

	if err := syncer.Restore(); err != nil {
		logger.Warn().Err(err).Msg("failed to restore ingress state file; starting from an empty route table")
	}

	var wg sync.WaitGroup
	wg.Add(len(listenPorts) + 2)

	go func() {
		defer wg.Done()
		if err := syncer.RunRouteTailer(ctx, routePoll); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("route tailer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := syncer.RunBackendSync(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("backend sync stopped")
		}
	}()

	for _, port := range listenPorts {
		l := &ingress.Listener{Port: port, Table: table, Pools: syncer, Logger: logger, MaxConn: maxConns}
		go func(l *ingress.Listener) {
			defer wg.Done()
			logger.Info().Int("port", l.Port).Msg("ingress listener serving")
			if err := l.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Int("port", l.Port).Msg("ingress listener stopped")
			}
		}(l)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	return nil
}
