package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jutper01/openziti-remote-maintenance/internal/protocol"
)

const (
	// maxChunkBytes caps files.chunk_size_bytes. A chunk rides the wire as
	// one base64-encoded JSON line, which must fit under the codec's
	// protocol.MaxLineBytes with room for the envelope fields.
	maxChunkBytes = 512 * 1024

	// chunkLineOverhead over-estimates the envelope around the base64
	// payload: field names, seq, checksum hex, punctuation.
	chunkLineOverhead = 1024
)

// Config holds all agent settings loaded from file and environment variables.
// It is constructed once at startup and read-only afterwards — handlers
// receive it (or a sub-section) at construction time and never read ambient
// state mid-session. Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Transport Transport `mapstructure:"transport"`
	Exec      Exec      `mapstructure:"exec"`
	Files     Files     `mapstructure:"files"`
	Forward   Forward   `mapstructure:"forward"`
	Limits    Limits    `mapstructure:"limits"`
	Audit     Audit     `mapstructure:"audit"`
}

// Transport selects the overlay backend and its parameters.
type Transport struct {
	// Mode is "ziti" (production) or "tcp" (development and tests).
	Mode string `mapstructure:"mode"`

	// IdentityPath is the enrolled ziti identity file. Ignored in tcp mode.
	IdentityPath string `mapstructure:"identity_path"`

	// TCPBindHost and TCPPorts describe the per-service listen addresses
	// used in tcp mode. Port 0 binds an ephemeral port (tests).
	TCPBindHost string         `mapstructure:"tcp_bind_host"`
	TCPPorts    map[string]int `mapstructure:"tcp_ports"`
}

// Exec configures the command execution service.
type Exec struct {
	Enabled bool `mapstructure:"enabled"`

	// Allowlist is the exact set of permitted bare command names.
	// Anything not listed is denied before a process is spawned.
	Allowlist []string `mapstructure:"allowlist"`

	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
}

// Files configures the chunked file transfer service.
type Files struct {
	Enabled bool `mapstructure:"enabled"`

	// BaseDir is the sandbox root for agent-side file paths. Every remote
	// path is resolved under it; escapes are rejected.
	BaseDir string `mapstructure:"base_dir"`

	ChunkSizeBytes     int `mapstructure:"chunk_size_bytes"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// Forward configures the raw TCP forwarding service.
type Forward struct {
	Enabled bool `mapstructure:"enabled"`

	AllowedHosts []string `mapstructure:"allowed_hosts"`
	AllowedPorts []int    `mapstructure:"allowed_ports"`

	DefaultTargetHost string `mapstructure:"default_target_host"`
	DefaultTargetPort int    `mapstructure:"default_target_port"`

	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// Limits controls maximum concurrency and shutdown behaviour.
type Limits struct {
	// MaxSessions caps concurrent sessions across all services.
	// Zero means no limit.
	MaxSessions int `mapstructure:"max_sessions"`

	// MaxTunnels caps concurrent forward tunnels. A request beyond the cap
	// is rejected immediately, never queued.
	MaxTunnels int `mapstructure:"max_tunnels"`

	// DrainGraceSeconds is how long in-flight sessions get to finish after
	// shutdown is signalled before they are forcibly closed.
	DrainGraceSeconds int `mapstructure:"drain_grace_seconds"`
}

type Audit struct {
	// LogPath is the append-only JSONL audit log file.
	LogPath string `mapstructure:"log_path"`

	// PostgresDSN enables the optional database session store when set.
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// SummaryIntervalSeconds controls the periodic outcome digest logged to
	// the console. Zero disables it.
	SummaryIntervalSeconds int `mapstructure:"summary_interval_seconds"`
}

// Load reads configuration from a file and allows environment variables to
// override any value. A missing config file is tolerated — defaults plus
// environment are a complete configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("transport.mode", "OPS_TRANSPORT_MODE")
	v.BindEnv("transport.identity_path", "OPS_IDENTITY_PATH")
	v.BindEnv("exec.allowlist", "OPS_EXEC_ALLOWLIST")
	v.BindEnv("exec.timeout_seconds", "OPS_EXEC_TIMEOUT_SECONDS")
	v.BindEnv("exec.max_output_bytes", "OPS_EXEC_MAX_OUTPUT")
	v.BindEnv("files.base_dir", "OPS_FILES_BASE_DIR")
	v.BindEnv("files.chunk_size_bytes", "OPS_FILES_CHUNK_SIZE")
	v.BindEnv("files.idle_timeout_seconds", "OPS_FILES_IDLE_TIMEOUT_SECONDS")
	v.BindEnv("forward.allowed_hosts", "OPS_FORWARD_ALLOWED_HOSTS")
	v.BindEnv("forward.allowed_ports", "OPS_FORWARD_ALLOWED_PORTS")
	v.BindEnv("forward.default_target_host", "OPS_FORWARD_DEFAULT_TARGET_HOST")
	v.BindEnv("forward.default_target_port", "OPS_FORWARD_DEFAULT_TARGET_PORT")
	v.BindEnv("audit.log_path", "OPS_AUDIT_LOG")
	v.BindEnv("audit.postgres_dsn", "OPS_AUDIT_POSTGRES_DSN")
	v.BindEnv("audit.summary_interval_seconds", "OPS_AUDIT_SUMMARY_INTERVAL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// List-valued keys may arrive as comma-separated strings from the
	// environment — Viper does not split those for us.
	cfg.Exec.Allowlist = stringList(v, "exec.allowlist")
	cfg.Forward.AllowedHosts = stringList(v, "forward.allowed_hosts")
	ports, err := intList(v, "forward.allowed_ports")
	if err != nil {
		return nil, fmt.Errorf("config: forward.allowed_ports: %w", err)
	}
	cfg.Forward.AllowedPorts = ports

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing mid-session.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "ziti", "tcp":
	default:
		return fmt.Errorf("config: transport.mode must be \"ziti\" or \"tcp\", got %q", c.Transport.Mode)
	}
	if c.Exec.Enabled && len(c.Exec.Allowlist) == 0 {
		return fmt.Errorf("config: exec enabled with an empty allowlist — every request would be denied")
	}
	if c.Exec.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: exec.timeout_seconds must be positive")
	}
	if c.Exec.MaxOutputBytes <= 0 {
		return fmt.Errorf("config: exec.max_output_bytes must be positive")
	}
	if c.Files.ChunkSizeBytes <= 0 || c.Files.ChunkSizeBytes > maxChunkBytes {
		return fmt.Errorf("config: files.chunk_size_bytes must be in (0, 512KiB], got %d", c.Files.ChunkSizeBytes)
	}
	if base64.StdEncoding.EncodedLen(c.Files.ChunkSizeBytes)+chunkLineOverhead > protocol.MaxLineBytes {
		return fmt.Errorf("config: files.chunk_size_bytes %d encodes past the %d-byte wire line cap", c.Files.ChunkSizeBytes, protocol.MaxLineBytes)
	}
	if c.Files.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: files.idle_timeout_seconds must be positive")
	}
	if c.Forward.Enabled {
		if len(c.Forward.AllowedHosts) == 0 || len(c.Forward.AllowedPorts) == 0 {
			return fmt.Errorf("config: forward enabled with an empty host or port allowlist — every tunnel would be denied")
		}
	}
	for _, p := range c.Forward.AllowedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("config: forward.allowed_ports contains invalid port %d", p)
		}
	}
	if c.Forward.IdleTimeoutSeconds <= 0 || c.Forward.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("config: forward timeouts must be positive")
	}
	if c.Limits.DrainGraceSeconds < 0 {
		return fmt.Errorf("config: limits.drain_grace_seconds must not be negative")
	}
	if c.Audit.SummaryIntervalSeconds < 0 {
		return fmt.Errorf("config: audit.summary_interval_seconds must not be negative")
	}
	return nil
}

// CommandAllowed reports whether cmd exactly matches an allowlist entry.
// Matching is exact and case-sensitive — no prefixes, no globs.
func (e Exec) CommandAllowed(cmd string) bool {
	for _, a := range e.Allowlist {
		if a == cmd {
			return true
		}
	}
	return false
}

// Timeout returns the wall-clock bound for a single command execution.
func (e Exec) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the per-step deadline for a file transfer session.
func (f Files) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutSeconds) * time.Second
}

// HostAllowed reports whether host exactly matches an allowed host entry.
func (f Forward) HostAllowed(host string) bool {
	for _, h := range f.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}

// PortAllowed reports whether port is in the allowed port set.
func (f Forward) PortAllowed(port int) bool {
	for _, p := range f.AllowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

func (f Forward) DialTimeout() time.Duration {
	return time.Duration(f.DialTimeoutSeconds) * time.Second
}

func (f Forward) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutSeconds) * time.Second
}

// DrainGrace returns how long draining sessions get before a forced close.
func (l Limits) DrainGrace() time.Duration {
	return time.Duration(l.DrainGraceSeconds) * time.Second
}

// SummaryInterval returns the period of the console outcome digest, or zero
// when disabled.
func (a Audit) SummaryInterval() time.Duration {
	return time.Duration(a.SummaryIntervalSeconds) * time.Second
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// stringList reads a key that may be a YAML list or a comma-separated
// string (environment override).
func stringList(v *viper.Viper, key string) []string {
	switch val := v.Get(key).(type) {
	case string:
		return splitCSV(val)
	default:
		return v.GetStringSlice(key)
	}
}

// intList is stringList for integer-valued lists.
func intList(v *viper.Viper, key string) ([]int, error) {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = splitCSV(val)
	default:
		return v.GetIntSlice(key), nil
	}
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// setDefaults defines baseline values for all configuration parameters.
// The service defaults mirror a conservative maintenance posture: a small
// command allowlist and loopback-only forwarding.
func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.mode", "ziti")
	v.SetDefault("transport.identity_path", "/ziti-config/edge-device.json")
	v.SetDefault("transport.tcp_bind_host", "127.0.0.1")
	v.SetDefault("transport.tcp_ports", map[string]int{
		"ops.exec":    5555,
		"ops.files":   5556,
		"ops.forward": 5557,
	})

	v.SetDefault("exec.enabled", true)
	v.SetDefault("exec.allowlist", []string{"ls", "uname", "whoami", "echo"})
	v.SetDefault("exec.timeout_seconds", 30)
	v.SetDefault("exec.max_output_bytes", 100_000)

	v.SetDefault("files.enabled", true)
	v.SetDefault("files.base_dir", "/var/local/ops_files")
	v.SetDefault("files.chunk_size_bytes", 64*1024)
	v.SetDefault("files.idle_timeout_seconds", 60)

	v.SetDefault("forward.enabled", true)
	v.SetDefault("forward.allowed_hosts", []string{"127.0.0.1", "localhost"})
	v.SetDefault("forward.allowed_ports", []int{22, 80, 443, 8080, 5900})
	v.SetDefault("forward.default_target_host", "127.0.0.1")
	v.SetDefault("forward.default_target_port", 8080)
	v.SetDefault("forward.dial_timeout_seconds", 5)
	v.SetDefault("forward.idle_timeout_seconds", 60)

	v.SetDefault("limits.max_sessions", 100)
	v.SetDefault("limits.max_tunnels", 16)
	v.SetDefault("limits.drain_grace_seconds", 10)

	v.SetDefault("audit.log_path", "./logs/audit.jsonl")
	v.SetDefault("audit.postgres_dsn", "")
	v.SetDefault("audit.summary_interval_seconds", 300)
}
