// Package config provides bridge configuration loaded from environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds hostbridge configuration.
type Config struct {
	// Local transports
	HTTPAddr  string `envconfig:"BRIDGE_HTTP_ADDR" default:"127.0.0.1:18790"`
	HTTPToken string `envconfig:"BRIDGE_HTTP_TOKEN"`
	// PublicURL is the base of resource URLs handed to clients (empty = derive from HTTPAddr).
	PublicURL      string        `envconfig:"BRIDGE_PUBLIC_URL"`
	RequestTimeout time.Duration `envconfig:"BRIDGE_REQUEST_TIMEOUT" default:"60s"`
	MaxBodyBytes   int64         `envconfig:"BRIDGE_MAX_BODY_BYTES" default:"10485760"`

	// State: device key, gateway token, permissions and resources live here (empty = ~/.hostbridge).
	StateDir        string `envconfig:"BRIDGE_STATE_DIR"`
	PermissionsFile string `envconfig:"BRIDGE_PERMISSIONS_FILE"`
	ProfileFile     string `envconfig:"BRIDGE_PROFILE_FILE"`

	// Resources
	ResourceRetention time.Duration `envconfig:"BRIDGE_RESOURCE_TTL" default:"5m"`
	ResourceInMemory  bool          `envconfig:"BRIDGE_RESOURCE_IN_MEMORY" default:"false"`

	// Capabilities
	ShellEnabled    bool          `envconfig:"BRIDGE_SHELL_ENABLED" default:"false"`
	ShellTimeout    time.Duration `envconfig:"BRIDGE_SHELL_TIMEOUT" default:"30s"`
	ShellMaxOutput  int           `envconfig:"BRIDGE_SHELL_MAX_OUTPUT" default:"1048576"`
	CaptureTimeout  time.Duration `envconfig:"BRIDGE_CAPTURE_TIMEOUT" default:"30s"`
	LocationTimeout time.Duration `envconfig:"BRIDGE_LOCATION_TIMEOUT" default:"15s"`
	// Command templates for host services; empty = platform defaults.
	ScreenCommand string `envconfig:"BRIDGE_SCREEN_COMMAND"`
	CameraCommand string `envconfig:"BRIDGE_CAMERA_COMMAND"`
	AudioCommand  string `envconfig:"BRIDGE_AUDIO_COMMAND"`
	NotifyCommand string `envconfig:"BRIDGE_NOTIFY_COMMAND"`

	// Gateway pairing (empty URL = no persistent socket)
	GatewayURL         string        `envconfig:"GATEWAY_URL"`
	GatewayToken       string        `envconfig:"GATEWAY_AUTH_TOKEN"`
	ProtocolConstraint string        `envconfig:"GATEWAY_PROTOCOL" default:">=1.0.0 <2.0.0"`
	RequireChallenge   bool          `envconfig:"GATEWAY_REQUIRE_CHALLENGE" default:"false"`
	ChallengeWait      time.Duration `envconfig:"GATEWAY_CHALLENGE_WAIT" default:"3s"`
	HeartbeatInterval  time.Duration `envconfig:"GATEWAY_HEARTBEAT_INTERVAL" default:"15s"`
	ReconnectMax       time.Duration `envconfig:"GATEWAY_RECONNECT_MAX" default:"30s"`

	// COMMS: optional NATS transport and event publishing (empty URL = disabled).
	COMMSURL      string `envconfig:"COMMS_URL"`
	COMMSName     string `envconfig:"SERVICE_NAME" default:"hostbridge"`
	COMMSToken    string `envconfig:"COMMS_TOKEN"`
	InvokeSubject string `envconfig:"BRIDGE_INVOKE_SUBJECT"`
	EventSubject  string `envconfig:"BRIDGE_EVENT_SUBJECT"`

	// Database audit trail (empty URL = disabled)
	DatabaseURL    string        `envconfig:"DATABASE_URL"`
	RunMigrations  bool          `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath  string        `envconfig:"MIGRATION_PATH"`
	AuditRetention time.Duration `envconfig:"BRIDGE_AUDIT_RETENTION" default:"168h"`

	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}
	return &c, nil
}

// DefaultStateDir is ~/.hostbridge, or a directory under the system temp dir
// when no home directory is known.
func DefaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".hostbridge")
	}
	return filepath.Join(os.TempDir(), "hostbridge")
}

// PermissionsPath is the permission grant file.
func (c *Config) PermissionsPath() string {
	if c.PermissionsFile != "" {
		return c.PermissionsFile
	}
	return filepath.Join(c.StateDir, "permissions.yaml")
}

// ResourceDir is where stored resources are written ("" when kept in memory).
func (c *Config) ResourceDir() string {
	if c.ResourceInMemory {
		return ""
	}
	return filepath.Join(c.StateDir, "resources")
}

// ResolvedPublicURL is the base for resource URLs.
func (c *Config) ResolvedPublicURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	host, port, err := net.SplitHostPort(c.HTTPAddr)
	if err != nil {
		return "http://" + c.HTTPAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// IsLoopback reports whether the HTTP listener is bound to a loopback address.
func (c *Config) IsLoopback() bool {
	host, _, err := net.SplitHostPort(c.HTTPAddr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateForServe checks required config when running the bridge.
func (c *Config) ValidateForServe() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("%s - BRIDGE_HTTP_ADDR is required for serve", logPrefix)
	}
	if _, _, err := net.SplitHostPort(c.HTTPAddr); err != nil {
		return fmt.Errorf("%s - BRIDGE_HTTP_ADDR %q is not host:port: %w", logPrefix, c.HTTPAddr, err)
	}
	if !c.IsLoopback() && c.HTTPToken == "" {
		return fmt.Errorf("%s - BRIDGE_HTTP_TOKEN is required when BRIDGE_HTTP_ADDR is not loopback", logPrefix)
	}
	for name, d := range map[string]time.Duration{
		"BRIDGE_REQUEST_TIMEOUT":     c.RequestTimeout,
		"BRIDGE_RESOURCE_TTL":        c.ResourceRetention,
		"BRIDGE_SHELL_TIMEOUT":       c.ShellTimeout,
		"BRIDGE_CAPTURE_TIMEOUT":     c.CaptureTimeout,
		"BRIDGE_LOCATION_TIMEOUT":    c.LocationTimeout,
		"GATEWAY_CHALLENGE_WAIT":     c.ChallengeWait,
		"GATEWAY_HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"GATEWAY_RECONNECT_MAX":      c.ReconnectMax,
	} {
		if d <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, name)
		}
	}
	if c.GatewayURL != "" && !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("%s - GATEWAY_URL must be a ws:// or wss:// URL", logPrefix)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%s - LOG_FORMAT must be text or json", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, audit).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
