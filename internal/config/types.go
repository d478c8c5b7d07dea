package config

// Provider declares one external tool provider. Exactly one of Command or
// Address must be set: Command providers are launched as child processes and
// spoken to over stdio, Address providers are reached over TCP.
type Provider struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Command     []string          `yaml:"command"`
	Address     string            `yaml:"address"`
	Env         map[string]string `yaml:"env"`
	Permissions map[string]bool   `yaml:"permissions"`
	Enabled     bool              `yaml:"enabled"`
}

// Execute reports whether the provider may execute tool calls.
// Permission flags default to granted when absent.
func (p Provider) Execute() bool { return permission(p.Permissions, "execute") }

// Read reports whether the provider may serve resource reads.
func (p Provider) Read() bool { return permission(p.Permissions, "read") }

func permission(m map[string]bool, key string) bool {
	v, ok := m[key]
	if !ok {
		return true
	}
	return v
}

// Rule is one ordered policy entry. Empty pattern fields match any value on
// that dimension. Patterns are regular expressions matched from the start of
// the value, so "delete" covers every delete_* tool.
type Rule struct {
	Name        string `yaml:"name"`
	Operation   string `yaml:"operation_type"` // "tool_call", "resource_read" or "" for any
	Provider    string `yaml:"provider_pattern"`
	Tool        string `yaml:"tool_pattern"`
	Resource    string `yaml:"resource_pattern"`
	Outcome     string `yaml:"outcome"` // "allowed", "require_approval", "denied"
	Description string `yaml:"description"`
}

// Blocklist holds the hard-deny sets checked before any rule.
type Blocklist struct {
	Providers        []string `yaml:"providers" json:"providers"`
	Tools            []string `yaml:"tools" json:"tools"`
	ResourcePrefixes []string `yaml:"resource_prefixes" json:"resource_prefixes"`
}

// Limits is a pair of sliding-window call budgets. Zero means unlimited.
type Limits struct {
	PerMinute int `yaml:"calls_per_minute" json:"calls_per_minute"`
	PerHour   int `yaml:"calls_per_hour" json:"calls_per_hour"`
}

// RateLimits holds the global defaults plus per-provider and per-tool
// overrides. Tool keys are provider-qualified ("provider/tool").
type RateLimits struct {
	Default   Limits            `yaml:"default" json:"default"`
	Providers map[string]Limits `yaml:"providers" json:"providers"`
	Tools     map[string]Limits `yaml:"tools" json:"tools"`
}

// Dispatch groups the supervisor timing knobs.
type Dispatch struct {
	TimeoutSeconds          int `yaml:"timeout_seconds"`
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
	StopGraceSeconds        int `yaml:"stop_grace_seconds"`
	MaxRestartAttempts      int `yaml:"max_restart_attempts"`
	ConsecutiveTimeoutLimit int `yaml:"consecutive_timeout_limit"`
}

// Config is one immutable configuration snapshot: provider definitions, the
// ordered rule set, blocklist, rate limits and the default decision. It is
// replaced as a unit on reload, never edited in place.
type Config struct {
	Providers       []Provider `yaml:"providers"`
	Rules           []Rule     `yaml:"rules"`
	Blocklist       Blocklist  `yaml:"blocklist"`
	RateLimits      RateLimits `yaml:"rate_limits"`
	DefaultDecision string     `yaml:"default_decision"` // defaults to "require_approval"
	AuditFile       string     `yaml:"audit_file"`
	Dispatch        Dispatch   `yaml:"dispatch"`
}

// Defaults applied by Validate when the corresponding field is zero.
const (
	DefaultDispatchTimeoutSeconds   = 30
	DefaultHandshakeTimeoutSeconds  = 10
	DefaultStopGraceSeconds         = 5
	DefaultMaxRestartAttempts       = 3
	DefaultConsecutiveTimeoutLimit  = 3
	DefaultDecisionRequiresApproval = "require_approval"
)

// Provider returns the provider definition by name, or false.
func (c *Config) Provider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// ProviderLimits resolves the effective limits for a provider, falling back
// to the global default.
func (c *Config) ProviderLimits(provider string) Limits {
	if l, ok := c.RateLimits.Providers[provider]; ok {
		return l
	}
	return c.RateLimits.Default
}

// ToolLimits resolves per-tool limits for a provider-qualified tool key.
// Returns false when no override exists; tool calls are then governed only by
// the provider and global windows.
func (c *Config) ToolLimits(provider, tool string) (Limits, bool) {
	l, ok := c.RateLimits.Tools[provider+"/"+tool]
	return l, ok
}
