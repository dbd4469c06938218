// Package config owns the gateway configuration: a typed tree loaded from a
// JSON5 file, hash-guarded mutation with merge-patch semantics, secret
// redaction, and change watching.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the ClawGate gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Queue     QueueConfig     `json:"queue"`
	Exec      ExecConfig      `json:"exec,omitempty"`
	Media     MediaConfig     `json:"media,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// AgentsConfig names the default agent, the runner command, and per-channel
// bindings.
type AgentsConfig struct {
	Default  string         `json:"default,omitempty"`
	Bindings []AgentBinding `json:"bindings,omitempty"`

	// Command is the agent runner argv. The prompt is written to stdin and
	// the reply read from stdout; empty disables agent runs.
	Command   FlexibleStringSlice `json:"command,omitempty"`
	WorkDir   string              `json:"work_dir,omitempty"`
	TimeoutMs int                 `json:"timeout_ms,omitempty"`
}

// AgentBinding routes messages matching a channel/peer pattern to an agent.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which messages a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer pins a binding to a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// ChannelsConfig holds one entry per channel plugin, keyed by channel name.
type ChannelsConfig map[string]ChannelConfig

// ChannelConfig is the per-channel surface: webhook path, inbound debounce,
// threading capability, and outbound media limits.
type ChannelConfig struct {
	Enabled     bool   `json:"enabled"`
	WebhookPath string `json:"webhook_path,omitempty"`
	// Token comes from env CLAWGATE_CHANNEL_<NAME>_TOKEN only; never persisted.
	Token         string              `json:"-"`
	DebounceMs    int                 `json:"debounce_ms,omitempty"`
	ReplyToMode   string              `json:"reply_to_mode,omitempty"` // off | first | all
	AllowFrom     FlexibleStringSlice `json:"allow_from,omitempty"`
	MediaMaxBytes int64               `json:"media_max_bytes,omitempty"`
	MediaRoots    FlexibleStringSlice `json:"media_roots,omitempty"`
}

// GatewayConfig is the operator surface: listener, auth, rate limiting, and
// webhook body limits.
type GatewayConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	MaxBodyBytes      int64 `json:"max_body_bytes,omitempty"`
	BodyReadTimeoutMs int   `json:"body_read_timeout_ms,omitempty"`
	RestartTimeoutMs  int   `json:"restart_timeout_ms,omitempty"`
}

// AuthConfig selects the operator auth mode.
type AuthConfig struct {
	Mode string `json:"mode,omitempty"` // token | password | trusted-proxy
	// Token comes from env CLAWGATE_TOKEN only; never persisted.
	Token    string `json:"-"`
	Password string `json:"password,omitempty"` // redacted in config.get output

	TrustedProxies  FlexibleStringSlice `json:"trusted_proxies,omitempty"`
	UserHeader      string              `json:"user_header,omitempty"`
	RequiredHeaders FlexibleStringSlice `json:"required_headers,omitempty"`
	AllowUsers      FlexibleStringSlice `json:"allow_users,omitempty"`
}

// RateLimitConfig bounds auth attempts per client ip.
type RateLimitConfig struct {
	PerMinute int `json:"per_minute,omitempty"`
	Burst     int `json:"burst,omitempty"`
}

// SessionsConfig locates the session store and transcript root.
type SessionsConfig struct {
	StorePath string `json:"store_path,omitempty"`
	BaseDir   string `json:"base_dir,omitempty"`
}

// QueueConfig sets default lane behavior; sessions override via /queue.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"` // collect | followup | steer | steer-backlog | interrupt
	Cap        int    `json:"cap,omitempty"`
	Drop       string `json:"drop,omitempty"` // old | new | summarize
	DebounceMs int    `json:"debounce_ms,omitempty"`
}

// ExecConfig governs approval-gated command execution.
type ExecConfig struct {
	ApprovalsPath     string              `json:"approvals_path,omitempty"`
	ApprovalTimeoutMs int                 `json:"approval_timeout_ms,omitempty"`
	OutputCapBytes    int                 `json:"output_cap_bytes,omitempty"`
	TimeoutMs         int                 `json:"timeout_ms,omitempty"`
	DenyPatterns      FlexibleStringSlice `json:"deny_patterns,omitempty"`
}

// MediaConfig is the outbound media safety net.
type MediaConfig struct {
	AllowRoots   FlexibleStringSlice `json:"allow_roots,omitempty"`
	MaxSizeBytes int64               `json:"max_size_bytes,omitempty"`
}

// AuditConfig locates the SQLite audit log.
type AuditConfig struct {
	Path string `json:"path,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty"` // grpc | http
	ServiceName string  `json:"service_name,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Requires building
// with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env CLAWGATE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".clawgate")
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18789,
			Auth:              AuthConfig{Mode: "token"},
			RateLimit:         RateLimitConfig{PerMinute: 30, Burst: 10},
			MaxBodyBytes:      1 << 20,
			BodyReadTimeoutMs: 10000,
			RestartTimeoutMs:  30000,
		},
		Sessions: SessionsConfig{
			StorePath: filepath.Join(base, "sessions.json"),
			BaseDir:   base,
		},
		Queue: QueueConfig{
			Mode:       "collect",
			Cap:        10,
			Drop:       "old",
			DebounceMs: 500,
		},
		Exec: ExecConfig{
			ApprovalsPath:     filepath.Join(base, "exec-approvals.json"),
			ApprovalTimeoutMs: 30000,
			OutputCapBytes:    256 << 10,
			TimeoutMs:         60000,
		},
		Media: MediaConfig{
			MaxSizeBytes: 25 << 20,
		},
		Agents: AgentsConfig{Default: "default", TimeoutMs: 300000},
	}
}

// ApplyDefaults fills unset fields on c from Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Gateway.Host == "" {
		c.Gateway.Host = d.Gateway.Host
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = d.Gateway.Port
	}
	if c.Gateway.Auth.Mode == "" {
		c.Gateway.Auth.Mode = d.Gateway.Auth.Mode
	}
	if c.Gateway.RateLimit.PerMinute == 0 {
		c.Gateway.RateLimit = d.Gateway.RateLimit
	}
	if c.Gateway.MaxBodyBytes == 0 {
		c.Gateway.MaxBodyBytes = d.Gateway.MaxBodyBytes
	}
	if c.Gateway.BodyReadTimeoutMs == 0 {
		c.Gateway.BodyReadTimeoutMs = d.Gateway.BodyReadTimeoutMs
	}
	if c.Gateway.RestartTimeoutMs == 0 {
		c.Gateway.RestartTimeoutMs = d.Gateway.RestartTimeoutMs
	}
	if c.Sessions.StorePath == "" {
		c.Sessions.StorePath = d.Sessions.StorePath
	}
	if c.Sessions.BaseDir == "" {
		c.Sessions.BaseDir = d.Sessions.BaseDir
	}
	if c.Queue.Mode == "" {
		c.Queue.Mode = d.Queue.Mode
	}
	if c.Queue.Cap == 0 {
		c.Queue.Cap = d.Queue.Cap
	}
	if c.Queue.Drop == "" {
		c.Queue.Drop = d.Queue.Drop
	}
	if c.Queue.DebounceMs == 0 {
		c.Queue.DebounceMs = d.Queue.DebounceMs
	}
	if c.Exec.ApprovalsPath == "" {
		c.Exec.ApprovalsPath = d.Exec.ApprovalsPath
	}
	if c.Exec.ApprovalTimeoutMs == 0 {
		c.Exec.ApprovalTimeoutMs = d.Exec.ApprovalTimeoutMs
	}
	if c.Exec.OutputCapBytes == 0 {
		c.Exec.OutputCapBytes = d.Exec.OutputCapBytes
	}
	if c.Exec.TimeoutMs == 0 {
		c.Exec.TimeoutMs = d.Exec.TimeoutMs
	}
	if c.Media.MaxSizeBytes == 0 {
		c.Media.MaxSizeBytes = d.Media.MaxSizeBytes
	}
	if c.Agents.Default == "" {
		c.Agents.Default = d.Agents.Default
	}
	if c.Agents.TimeoutMs == 0 {
		c.Agents.TimeoutMs = d.Agents.TimeoutMs
	}
}

// LoadSecretsFromEnv populates the env-only secret fields.
func (c *Config) LoadSecretsFromEnv() {
	c.Gateway.Auth.Token = os.Getenv("CLAWGATE_TOKEN")
	c.Tailscale.AuthKey = os.Getenv("CLAWGATE_TSNET_AUTH_KEY")
	for name, ch := range c.Channels {
		envKey := "CLAWGATE_CHANNEL_" + strings.ToUpper(name) + "_TOKEN"
		ch.Token = os.Getenv(envKey)
		c.Channels[name] = ch
	}
}

// Validate checks structural constraints. Issues are human-readable and
// returned together so operators can fix a file in one pass.
func (c *Config) Validate() []string {
	var issues []string
	switch c.Gateway.Auth.Mode {
	case "token", "password", "trusted-proxy", "":
	default:
		issues = append(issues, fmt.Sprintf("gateway.auth.mode: unknown mode %q", c.Gateway.Auth.Mode))
	}
	if c.Gateway.Auth.Mode == "trusted-proxy" {
		if len(c.Gateway.Auth.TrustedProxies) == 0 {
			issues = append(issues, "gateway.auth: trusted-proxy mode requires trusted_proxies")
		}
		if c.Gateway.Auth.UserHeader == "" {
			issues = append(issues, "gateway.auth: trusted-proxy mode requires user_header")
		}
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		issues = append(issues, fmt.Sprintf("gateway.port: %d out of range", c.Gateway.Port))
	}
	switch c.Queue.Mode {
	case "collect", "followup", "steer", "steer-backlog", "interrupt", "":
	default:
		issues = append(issues, fmt.Sprintf("queue.mode: unknown mode %q", c.Queue.Mode))
	}
	switch c.Queue.Drop {
	case "old", "new", "summarize", "":
	default:
		issues = append(issues, fmt.Sprintf("queue.drop: unknown policy %q", c.Queue.Drop))
	}
	for name, ch := range c.Channels {
		switch ch.ReplyToMode {
		case "off", "first", "all", "":
		default:
			issues = append(issues, fmt.Sprintf("channels.%s.reply_to_mode: unknown mode %q", name, ch.ReplyToMode))
		}
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http", "":
	default:
		issues = append(issues, fmt.Sprintf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol))
	}
	return issues
}
