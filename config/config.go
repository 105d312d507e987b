package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/keybridge/errors"
)

// Node types understood by the runtime.
const (
	NodeTypePut       = "put"
	NodeTypeQuery     = "query"
	NodeTypeQueryable = "queryable"
	NodeTypeSubscribe = "subscribe"
)

// NodeTypes lists every node type a config may reference.
var NodeTypes = []string{NodeTypePut, NodeTypeQuery, NodeTypeQueryable, NodeTypeSubscribe}

// Config is the complete keybridge configuration document.
type Config struct {
	Version  string                   `json:"version,omitempty"`
	Log      LogConfig                `json:"log"`
	HTTP     HTTPConfig               `json:"http"`
	Flow     FlowConfig               `json:"flow"`
	Sessions map[string]SessionConfig `json:"sessions"`
	Nodes    map[string]NodeConfig    `json:"nodes"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// HTTPConfig configures the gateway.
type HTTPConfig struct {
	Addr        string  `json:"addr"`
	InjectRate  float64 `json:"inject_rate"`  // injections per second, 0 disables the limit
	InjectBurst int     `json:"inject_burst"` // token bucket size

	TLS ServerTLSConfig `json:"tls,omitempty"`
}

// ServerTLSConfig serves the gateway over HTTPS when a certificate is set.
// Listing client CAs turns on client certificate verification.
type ServerTLSConfig struct {
	CertFile          string   `json:"cert_file,omitempty"`
	KeyFile           string   `json:"key_file,omitempty"`
	MinVersion        string   `json:"min_version,omitempty"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// Enabled reports whether the gateway serves HTTPS.
func (t ServerTLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

func (t ServerTLSConfig) validate() []error {
	var errs []error
	if (t.CertFile == "") != (t.KeyFile == "") {
		errs = append(errs, fmt.Errorf("http.tls needs both cert_file and key_file"))
	}
	switch t.MinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("http.tls.min_version %q is not one of 1.2, 1.3", t.MinVersion))
	}
	if len(t.ClientCAFiles) > 0 && !t.Enabled() {
		errs = append(errs, fmt.Errorf("http.tls.client_ca_files needs a server certificate"))
	}
	if t.RequireClientCert && len(t.ClientCAFiles) == 0 {
		errs = append(errs, fmt.Errorf("http.tls.require_client_cert needs client_ca_files"))
	}
	if len(t.AllowedClientCNs) > 0 && len(t.ClientCAFiles) == 0 {
		errs = append(errs, fmt.Errorf("http.tls.allowed_client_cns needs client_ca_files"))
	}
	return errs
}

// FlowConfig sizes the delivery worker pool.
type FlowConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// SessionConfig describes one substrate session.
type SessionConfig struct {
	Locator        string        `json:"locator"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	SubjectPrefix  string        `json:"subject_prefix,omitempty"`
	Name           string        `json:"name,omitempty"` // client name announced to the server
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	TLS            TLSConfig     `json:"tls,omitempty"`
}

// TLSConfig holds client certificate paths.
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// NodeConfig declares one pipeline node.
type NodeConfig struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
	Wires   [][]string      `json:"wires,omitempty"` // per output port, target node names
	Config  json.RawMessage `json:"config,omitempty"`
}

// IsEnabled reports whether the node should be built. Nodes are enabled
// unless explicitly switched off.
func (n NodeConfig) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "replace config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Sanitized returns a copy with credentials masked, fit for logs and the gateway.
func (c *Config) Sanitized() *Config {
	out := c.Clone()
	for name, s := range out.Sessions {
		if s.Password != "" {
			s.Password = "***"
		}
		if s.Token != "" {
			s.Token = "***"
		}
		out.Sessions[name] = s
	}
	return out
}

// NodeNames returns node names in sorted order.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.Nodes))
	for name := range c.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SessionNames returns session names in sorted order.
func (c *Config) SessionNames() []string {
	names := make([]string, 0, len(c.Sessions))
	for name := range c.Sessions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks the structure of the config. Every problem found is
// reported, joined into one Invalid error.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			errs = append(errs, fmt.Errorf("version: %w", err))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	if c.HTTP.InjectRate < 0 {
		errs = append(errs, fmt.Errorf("http.inject_rate must not be negative"))
	}
	if c.HTTP.InjectBurst < 0 {
		errs = append(errs, fmt.Errorf("http.inject_burst must not be negative"))
	}
	errs = append(errs, c.HTTP.TLS.validate()...)
	if c.Flow.Workers < 0 {
		errs = append(errs, fmt.Errorf("flow.workers must not be negative"))
	}
	if c.Flow.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("flow.queue_size must not be negative"))
	}

	for _, name := range c.SessionNames() {
		if err := c.Sessions[name].validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range c.NodeNames() {
		errs = append(errs, c.validateNode(name, c.Nodes[name])...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(errs...)),
		"Config", "Validate", "check config")
}

func (s SessionConfig) validate(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.TrimSpace(s.Locator) == "" {
		return fmt.Errorf("sessions.%s.locator is required", name)
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("sessions.%s.connect_timeout must not be negative", name)
	}
	if (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		return fmt.Errorf("sessions.%s.tls needs both cert_file and key_file", name)
	}
	if s.Token != "" && s.Username != "" {
		return fmt.Errorf("sessions.%s: token and username are mutually exclusive", name)
	}
	return nil
}

func (c *Config) validateNode(name string, n NodeConfig) []error {
	var errs []error
	if name == "" {
		return []error{fmt.Errorf("node name cannot be empty")}
	}
	if !slices.Contains(NodeTypes, n.Type) {
		errs = append(errs, fmt.Errorf("nodes.%s.type %q is not one of %s", name, n.Type, strings.Join(NodeTypes, ", ")))
	}
	if n.Session == "" {
		errs = append(errs, fmt.Errorf("nodes.%s.session is required", name))
	} else if _, ok := c.Sessions[n.Session]; !ok {
		errs = append(errs, fmt.Errorf("nodes.%s.session references unknown session %q", name, n.Session))
	}
	for port, targets := range n.Wires {
		for _, target := range targets {
			if _, ok := c.Nodes[target]; !ok {
				errs = append(errs, fmt.Errorf("nodes.%s.wires[%d] references unknown node %q", name, port, target))
			}
		}
	}
	return errs
}

// String returns the sanitized config as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Sanitized(), "", "  ")
	return string(data)
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, stderrors.New("version cannot be empty")
	}

	version = strings.TrimPrefix(version, "v")
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}

	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version part '%s'", p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
