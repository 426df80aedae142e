// Package config loads the server's YAML or JSON configuration
// document into the §6 data model. Grounded on the teacher's
// gopkg.in/yaml.v3-based loader (LoadConfig: read file, unmarshal,
// validate), extended with a JSON fallback per §6 ("a text document
// (YAML or JSON)") and with the GetX-style default-fallback accessors
// the teacher used for its own config sections.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Verbosity mirrors §6's trace|debug|info|warn|error|off levels.
type Verbosity string

const (
	VerbosityTrace Verbosity = "trace"
	VerbosityDebug Verbosity = "debug"
	VerbosityInfo  Verbosity = "info"
	VerbosityWarn  Verbosity = "warn"
	VerbosityError Verbosity = "error"
	VerbosityOff   Verbosity = "off"
)

var validVerbosity = map[Verbosity]bool{
	VerbosityTrace: true, VerbosityDebug: true, VerbosityInfo: true,
	VerbosityWarn: true, VerbosityError: true, VerbosityOff: true,
}

// Config is the root document described by §6.
type Config struct {
	Verbosity Verbosity           `yaml:"verbosity" json:"verbosity"`
	Address   string              `yaml:"address" json:"address"`
	Script    string              `yaml:"script" json:"script"`
	Upstreams map[string]Upstream `yaml:"upstreams" json:"upstreams"`
	Admin     AdminConfig         `yaml:"admin,omitempty" json:"admin,omitempty"`
	Cache     CacheConfig         `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// AdminConfig is a supplemented (non-spec) section: the admin HTTP
// surface is off unless an address is configured.
type AdminConfig struct {
	Address           string  `yaml:"address,omitempty" json:"address,omitempty"`
	RequestsPerSecond float64 `yaml:"ratelimit,omitempty" json:"ratelimit,omitempty"`
	BurstSize         int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// CacheConfig is a supplemented (non-spec) section sizing the shared
// LRU cache and, if RedisAddr is set, the Persistent-policy sweeper.
type CacheConfig struct {
	Capacity    int    `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	NegativeTTL int    `yaml:"negative_ttl,omitempty" json:"negative_ttl,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
}

// Upstream is a method object: exactly one of UDP/TLS/HTTPS/Hybrid
// must be set (§6).
type Upstream struct {
	UDP    *UDPMethod   `yaml:"udp,omitempty" json:"udp,omitempty"`
	TLS    *TLSMethod   `yaml:"tls,omitempty" json:"tls,omitempty"`
	HTTPS  *HTTPSMethod `yaml:"https,omitempty" json:"https,omitempty"`
	Hybrid []string     `yaml:"hybrid,omitempty" json:"hybrid,omitempty"`
}

// Common holds the sub-fields shared by udp/tls/https method objects.
type Common struct {
	Addr      string  `yaml:"addr,omitempty" json:"addr,omitempty"`
	Timeout   int     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RateLimit float64 `yaml:"ratelimit,omitempty" json:"ratelimit,omitempty"`
	Proxy     string  `yaml:"proxy,omitempty" json:"proxy,omitempty"`
}

// UDPMethod configures a plain Do53 upstream.
type UDPMethod struct {
	Common `yaml:",inline" json:",inline"`
}

// TLSMethod configures a DNS-over-TLS upstream.
type TLSMethod struct {
	Common   `yaml:",inline" json:",inline"`
	Domain   string `yaml:"domain,omitempty" json:"domain,omitempty"`
	SNI      *bool  `yaml:"sni,omitempty" json:"sni,omitempty"`
	MaxReuse int    `yaml:"max_reuse,omitempty" json:"max_reuse,omitempty"`
}

// HTTPSMethod configures a DNS-over-HTTPS upstream.
type HTTPSMethod struct {
	Common `yaml:",inline" json:",inline"`
	URI    string `yaml:"uri,omitempty" json:"uri,omitempty"`
}

// ConfigError wraps a configuration problem; startup aborts on sight
// of one (§7: "configuration errors abort startup").
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s", e.Reason) }

// Load reads filePath and unmarshals it as YAML or JSON, selected by
// extension with YAML as the fallback, then validates the document.
func Load(filePath string) (*Config, error) {
	// #nosec G304 -- filePath is user-controlled via CLI flag by design
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read %s: %v", filePath, err)}
	}

	var cfg Config
	if strings.HasSuffix(filePath, ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("parse JSON: %v", err)}
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("parse YAML: %v", err)}
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Verbosity == "" {
		cfg.Verbosity = VerbosityInfo
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 10000
	}
	for tag, up := range cfg.Upstreams {
		switch {
		case up.UDP != nil:
			up.UDP.Timeout = defaultTimeout(up.UDP.Timeout)
		case up.TLS != nil:
			up.TLS.Timeout = defaultTimeout(up.TLS.Timeout)
			if up.TLS.MaxReuse <= 0 {
				up.TLS.MaxReuse = 64
			}
			if up.TLS.SNI == nil {
				enabled := true
				up.TLS.SNI = &enabled
			}
		case up.HTTPS != nil:
			up.HTTPS.Timeout = defaultTimeout(up.HTTPS.Timeout)
		}
		cfg.Upstreams[tag] = up
	}
}

func defaultTimeout(seconds int) int {
	if seconds <= 0 {
		return 5
	}
	return seconds
}

// Validate enforces the §6 shape invariants: verbosity is one of the
// known levels, address and script are present, and every upstream
// method object has exactly one variant set.
func (c *Config) Validate() error {
	if !validVerbosity[c.Verbosity] {
		return &ConfigError{Reason: fmt.Sprintf("unknown verbosity %q", c.Verbosity)}
	}
	if c.Address == "" {
		return &ConfigError{Reason: "address is required"}
	}
	if strings.TrimSpace(c.Script) == "" {
		return &ConfigError{Reason: "script is required"}
	}
	for tag, up := range c.Upstreams {
		if err := up.validate(tag); err != nil {
			return err
		}
	}
	return nil
}

func (u Upstream) validate(tag string) error {
	set := 0
	if u.UDP != nil {
		set++
	}
	if u.TLS != nil {
		set++
	}
	if u.HTTPS != nil {
		set++
	}
	if u.Hybrid != nil {
		set++
	}
	if set != 1 {
		return &ConfigError{Reason: fmt.Sprintf("upstream %q must set exactly one of udp/tls/https/hybrid, got %d", tag, set)}
	}
	if u.TLS != nil && u.TLS.Domain == "" {
		return &ConfigError{Reason: fmt.Sprintf("upstream %q (tls): domain is required", tag)}
	}
	if u.HTTPS != nil && u.HTTPS.URI == "" {
		return &ConfigError{Reason: fmt.Sprintf("upstream %q (https): uri is required", tag)}
	}
	return nil
}

// GetAdminAddress provides the default-fallback accessor the teacher
// used throughout its config section (GetServerHost, GetDNSTimeout,
// ...): empty means the admin surface does not start.
func (c *Config) GetAdminAddress() string { return c.Admin.Address }

// Seconds converts a config-file timeout field, always expressed in
// whole seconds (§6), into a time.Duration for the upstream package.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
