// Command plfm-controlplane runs the control plane: the HTTP write/read
// API (internal/httpapi), the node agent gRPC surface
// (internal/controlplanegrpc), the scheduler and plan-projection loops,
// and a Raft-backed leader election. The election is started but nothing
// consults it: the scheduler runs on every replica regardless of
// leadership. Grounded on the
// teacher's cmd/warren's cobra root with persistent log flags and
// cobra.OnInitialize(initLogging), collapsed from a many-subcommand CLI
// into a single long-running "serve" process since this binary has no
// interactive client mode of its own.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/rexbrahh/plfm-vt-sub000/internal/auth"
	"github.com/rexbrahh/plfm-vt-sub000/internal/command"
	"github.com/rexbrahh/plfm-vt-sub000/internal/controlplanegrpc"
	"github.com/rexbrahh/plfm-vt-sub000/internal/eventlog"
	execsession "github.com/rexbrahh/plfm-vt-sub000/internal/exec"
	"github.com/rexbrahh/plfm-vt-sub000/internal/httpapi"
	"github.com/rexbrahh/plfm-vt-sub000/internal/idempotency"
	"github.com/rexbrahh/plfm-vt-sub000/internal/ipam"
	"github.com/rexbrahh/plfm-vt-sub000/internal/leader"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeagentgrpc"
	"github.com/rexbrahh/plfm-vt-sub000/internal/nodeplan"
	"github.com/rexbrahh/plfm-vt-sub000/internal/projection"
	"github.com/rexbrahh/plfm-vt-sub000/internal/readmodel"
	"github.com/rexbrahh/plfm-vt-sub000/internal/scheduler"
	"github.com/rexbrahh/plfm-vt-sub000/internal/security"
)

var logger zerolog.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plfm-controlplane",
	Short: "Run the platform control plane",
	RunE:  runControlPlane,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("database-url", "postgres://localhost:5432/plfm?sslmode=disable", "Postgres connection string")
	flags.String("http-addr", ":8080", "HTTP API listen address")
	flags.String("grpc-addr", ":8443", "Node agent gRPC listen address")
	flags.String("node-id", "controlplane-1", "Raft node id for leader election")
	flags.String("raft-bind-addr", "127.0.0.1:7946", "Raft bind address")
	flags.String("raft-data-dir", "./controlplane-data/raft", "Raft log/snapshot directory")
	flags.Bool("bootstrap", false, "Bootstrap a new single-node Raft cluster instead of joining one")
	flags.String("overlay-gateway", "fd00:plfm::1", "Overlay IPv6 address nodeplan advertises as the default gateway")
	flags.Int("overlay-mtu", 1420, "Overlay interface MTU advertised to node plans")
	flags.String("node-prefix", "fd00:0:0:1::", "Overlay IPv6 prefix node enrollment allocates from")
	flags.String("cipher-key-base64", "", "Base64-encoded 32-byte key for sealing secrets and CA material at rest (generated and logged if empty)")
	flags.StringSlice("cors-allowed-origins", []string{"*"}, "Allowed CORS origins for the HTTP API")
	flags.Duration("scheduler-interval", 5*time.Second, "Scheduler reconcile cycle interval")
	flags.Duration("projection-readback-timeout", 3*time.Second, "Max time a write waits for its projection to catch up")
	flags.Duration("auth-cache-ttl", 30*time.Second, "Bearer token cache TTL")

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

func runControlPlane(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := cmd.Flags()
	databaseURL, _ := flags.GetString("database-url")
	httpAddr, _ := flags.GetString("http-addr")
	grpcAddr, _ := flags.GetString("grpc-addr")
	nodeID, _ := flags.GetString("node-id")
	raftBindAddr, _ := flags.GetString("raft-bind-addr")
	raftDataDir, _ := flags.GetString("raft-data-dir")
	bootstrap, _ := flags.GetBool("bootstrap")
	gateway, _ := flags.GetString("overlay-gateway")
	mtu, _ := flags.GetInt("overlay-mtu")
	nodePrefix, _ := flags.GetString("node-prefix")
	cipherKeyB64, _ := flags.GetString("cipher-key-base64")
	corsOrigins, _ := flags.GetStringSlice("cors-allowed-origins")
	schedulerInterval, _ := flags.GetDuration("scheduler-interval")
	readbackTimeout, _ := flags.GetDuration("projection-readback-timeout")
	authTTL, _ := flags.GetDuration("auth-cache-ttl")

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

	if err := readmodel.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure read model schema: %w", err)
	}
	if err := idempotency.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure idempotency schema: %w", err)
	}
	if err := auth.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure auth schema: %w", err)
	}
	if err := security.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure CA schema: %w", err)
	}
	if err := security.EnsureSecretValuesSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure secret values schema: %w", err)
	}
	if err := ipam.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure ipam schema: %w", err)
	}
	if err := execsession.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure exec token schema: %w", err)
	}

	cipherKey, err := resolveCipherKey(cipherKeyB64)
	if err != nil {
		return err
	}
	cipher, err := security.NewCipher(cipherKey)
	if err != nil {
		return fmt.Errorf("build cipher: %w", err)
	}

	ca := security.NewCertAuthority(pool, cipher)
	if err := ca.LoadFromStore(ctx); err != nil {
		logger.Info().Msg("no stored CA found, initializing a new one")
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize CA: %w", err)
		}
		if err := ca.SaveToStore(ctx); err != nil {
			return fmt.Errorf("persist CA: %w", err)
		}
	}
	secretStore := security.NewSecretStore(pool, cipher)

	reads := readmodel.NewStore(pool)
	engine := projection.NewEngine(pool, store, logger)
	readmodel.RegisterHandlers(engine)
	engine.Start()
	defer engine.Stop()

	idemStore := idempotency.NewStore(pool)
	authenticator := auth.NewAuthenticator(pool, authTTL, 10000)
	tokens := execsession.NewTokenStore(pool)
	execGW := execsession.NewGateway(store, reads, tokens, logger)
	ipamAllocator := ipam.NewAllocator(pool)

	handlers := &command.Handlers{
		Store: store, Projections: engine, Idempotency: idemStore,
		WaitTimeout: readbackTimeout, Logger: logger,
	}

	sched := scheduler.New(reads, store, ipamAllocator, schedulerInterval, logger)
	sched.Start()
	defer sched.Stop()

	planBuilder := nodeplan.NewBuilder(reads, reads, store, gateway, mtu)

	var election *leader.Election
	if raftBindAddr != "" {
		leaderCfg := leader.Config{NodeID: nodeID, BindAddr: raftBindAddr, DataDir: raftDataDir, Logger: logger}
		if bootstrap {
			election, err = leader.Bootstrap(leaderCfg)
		} else {
			election, err = leader.Join(leaderCfg)
		}
		if err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
		defer election.Shutdown()
	}

	// The node-agent gRPC surface is deliberately plaintext: Enroll is the
	// one RPC a node can call with no prior credential at all (spec.md
	// §4.10's bootstrap problem — a node has nothing to present until
	// enrollment hands it the cluster CA cert), and issuing per-node mTLS
	// identities ahead of that first call is future hardening work, not
	// something this iteration's EnrollNode contract supports. The CA
	// built above still backs the cluster cert shipped in EnrollResponse.
	grpcServer := grpc.NewServer()
	nodeagentgrpc.RegisterServer(grpcServer, &controlplanegrpc.Server{
		Handlers: handlers, Plans: planBuilder, Secrets: secretStore,
		IPAM: ipamAllocator, NodePrefix: nodePrefix, CACert: ca.GetRootCACert(), Logger: logger,
	})
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on grpc addr %s: %w", grpcAddr, err)
	}
	go func() {
		logger.Info().Str("addr", grpcAddr).Msg("node agent gRPC server listening")
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	httpServer := httpapi.NewServer(httpapi.Config{
		Handlers: handlers, Authenticator: authenticator, Reads: reads,
		Secrets: secretStore, ExecGateway: execGW, Logger: logger,
		CORSAllowedOrigins: corsOrigins,
	})
	srv := &http.Server{Addr: httpAddr, Handler: httpServer.Router}
	go func() {
		logger.Info().Str("addr", httpAddr).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	return nil
}

// resolveCipherKey decodes a base64-encoded 32-byte key, or mints and
// logs a fresh one when none is configured — convenient for a first run,
// but the caller must persist and reuse it afterward or every restart
// will be unable to decrypt previously sealed secrets and CA key material.
func resolveCipherKey(b64 string) ([]byte, error) {
	if b64 == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cipher key: %w", err)
		}
		logger.Warn().Str("cipher-key-base64", base64.StdEncoding.EncodeToString(key)).
			Msg("no --cipher-key-base64 given; generated an ephemeral one, pass it on every future start")
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode cipher key: %w", err)
	}
	return key, nil
}
