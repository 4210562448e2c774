// Package platconfig loads typed configuration from PLFM_-prefixed
// environment variables at process start, the way cmd/warren reads its
// persistent flags once during cobra.OnInitialize.
package platconfig

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ControlPlane holds the complete startup configuration for
// cmd/plfm-controlplane.
type ControlPlane struct {
	BindAddr   string
	DataDir    string
	DatabaseURL string

	SecretsMasterKey []byte

	AccessTokenCacheTTL        time.Duration
	AccessTokenCacheMaxEntries int
	ProjectionWaitTimeout      time.Duration

	NodeIPv6Prefix     string
	InstanceIPv6Prefix string
	NodeExecPort       int

	SchedulerInterval time.Duration
	RetryWindow       time.Duration
	RetryMaxAttempts  int

	RaftNodeID   string
	RaftBindAddr string

	LogLevel  string
	LogJSON   bool
}

// Ingress holds the startup configuration for cmd/plfm-ingress.
type Ingress struct {
	ControlPlaneAddr string
	StateFile        string
	ListenPorts      []int
	SniTimeout       time.Duration
	ConnectTimeout   time.Duration
	MaxConnsPerPort  int

	LogLevel string
	LogJSON  bool
}

// NodeAgent holds the startup configuration for cmd/plfm-nodeagent.
type NodeAgent struct {
	NodeID           string
	ControlPlaneAddr string
	DataDir          string
	PlanPollInterval time.Duration

	LogLevel string
	LogJSON  bool
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDurationSecs(key string, defSecs int) time.Duration {
	return time.Duration(getenvInt(key, defSecs)) * time.Second
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// LoadControlPlane reads the PLFM_* environment into a ControlPlane config.
func LoadControlPlane() (*ControlPlane, error) {
	keyB64 := os.Getenv("PLFM_SECRETS_MASTER_KEY")
	var key []byte
	if keyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("parse PLFM_SECRETS_MASTER_KEY: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("PLFM_SECRETS_MASTER_KEY must decode to 32 bytes, got %d", len(decoded))
		}
		key = decoded
	}

	return &ControlPlane{
		BindAddr:    getenv("PLFM_BIND_ADDR", ":8443"),
		DataDir:     getenv("PLFM_DATA_DIR", "./data/controlplane"),
		DatabaseURL: getenv("PLFM_DATABASE_URL", "postgres://localhost:5432/plfm"),

		SecretsMasterKey: key,

		AccessTokenCacheTTL:        getenvDurationSecs("PLFM_ACCESS_TOKEN_CACHE_TTL_SECS", 30),
		AccessTokenCacheMaxEntries: getenvInt("PLFM_ACCESS_TOKEN_CACHE_MAX_ENTRIES", 10000),
		ProjectionWaitTimeout:      getenvDurationSecs("PLFM_PROJECTION_WAIT_TIMEOUT_SECS", 15),

		NodeIPv6Prefix:     getenv("PLFM_NODE_IPV6_PREFIX", "fd00:0:0:1::"),
		InstanceIPv6Prefix: getenv("PLFM_INSTANCE_IPV6_PREFIX", "fd00::"),
		NodeExecPort:       getenvInt("PLFM_NODE_EXEC_PORT", 5090),

		SchedulerInterval: getenvDurationSecs("PLFM_SCHEDULER_INTERVAL_SECS", 30),
		RetryWindow:       getenvDurationSecs("PLFM_RETRY_WINDOW_SECS", 600),
		RetryMaxAttempts:  getenvInt("PLFM_RETRY_MAX_ATTEMPTS", 3),

		RaftNodeID:   getenv("PLFM_RAFT_NODE_ID", "cp-1"),
		RaftBindAddr: getenv("PLFM_RAFT_BIND_ADDR", "127.0.0.1:7400"),

		LogLevel: getenv("PLFM_LOG_LEVEL", "info"),
		LogJSON:  getenvBool("PLFM_LOG_JSON", false),
	}, nil
}

// LoadIngress reads the PLFM_* environment into an Ingress config.
func LoadIngress() (*Ingress, error) {
	return &Ingress{
		ControlPlaneAddr: getenv("PLFM_CONTROLPLANE_ADDR", "127.0.0.1:8443"),
		StateFile:        getenv("PLFM_INGRESS_STATE_FILE", "./data/ingress/state.json"),
		ListenPorts:      []int{getenvInt("PLFM_INGRESS_LISTEN_PORT", 443)},
		SniTimeout:       time.Duration(getenvInt("PLFM_INGRESS_SNI_TIMEOUT_MS", 200)) * time.Millisecond,
		ConnectTimeout:    time.Duration(getenvInt("PLFM_INGRESS_CONNECT_TIMEOUT_SECS", 2)) * time.Second,
		MaxConnsPerPort:  getenvInt("PLFM_INGRESS_MAX_CONNS_PER_PORT", 10000),

		LogLevel: getenv("PLFM_LOG_LEVEL", "info"),
		LogJSON:  getenvBool("PLFM_LOG_JSON", false),
	}, nil
}

// LoadNodeAgent reads the PLFM_* environment into a NodeAgent config.
func LoadNodeAgent() (*NodeAgent, error) {
	return &NodeAgent{
		NodeID:           getenv("PLFM_NODE_ID", ""),
		ControlPlaneAddr: getenv("PLFM_CONTROLPLANE_ADDR", "127.0.0.1:8443"),
		DataDir:          getenv("PLFM_DATA_DIR", "./data/nodeagent"),
		PlanPollInterval: getenvDurationSecs("PLFM_PLAN_POLL_INTERVAL_SECS", 10),

		LogLevel: getenv("PLFM_LOG_LEVEL", "info"),
		LogJSON:  getenvBool("PLFM_LOG_JSON", false),
	}, nil
}
