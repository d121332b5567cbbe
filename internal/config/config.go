// Package config assembles the server configuration from built-in defaults,
// an optional YAML file, ADDR_* environment variables, and command-line
// flags, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/addr/internal/netutil"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "ADDR_"

// ConfigEnv names the environment variable holding the YAML file path.
const ConfigEnv = EnvPrefix + "CONFIG"

const (
	defaultDomain            = "localhost"
	defaultSSHListen         = ":22"
	defaultDataDir           = "./data"
	defaultPlan              = 10
	defaultDBMaxOpenConns    = 16
	defaultRendezvousTimeout = 10 * time.Second
	defaultHandshakeTimeout  = 30 * time.Second
	defaultKeepaliveInterval = 120 * time.Second
	defaultKeepaliveCountMax = 720
	defaultMaxAuthTries      = 6
	defaultConnRate          = 5
	defaultConnBurst         = 20
	defaultRedisPrefix       = "addr:"
)

// ServerConfig is the complete server configuration.
type ServerConfig struct {
	Domain      string `yaml:"domain"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DefaultPlan int    `yaml:"default_plan"`

	SSHListen   string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	HostKeysDir string `yaml:"host_keys_dir"`
	NamesDir    string `yaml:"names_dir"`
	PortsDir    string `yaml:"ports_dir"`

	DBPath         string `yaml:"db"`
	DBMaxOpenConns int    `yaml:"db_max_open_conns"`

	ForwardBindHost   string        `yaml:"forward_bind_host"`
	RendezvousTimeout time.Duration `yaml:"rendezvous_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveCountMax int           `yaml:"keepalive_count_max"`
	MaxAuthTries      int           `yaml:"max_auth_tries"`
	ConnRate          float64       `yaml:"conn_rate"`
	ConnBurst         int           `yaml:"conn_burst"`

	OpsListen    string `yaml:"ops_listen"`
	PprofEnabled bool   `yaml:"pprof"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Default returns the built-in defaults. Directory and database paths left
// empty are derived from DataDir by [ServerConfig.Finalize].
func Default() ServerConfig {
	return ServerConfig{
		Domain:            defaultDomain,
		LogLevel:          "info",
		LogFormat:         "text",
		DefaultPlan:       defaultPlan,
		SSHListen:         defaultSSHListen,
		DataDir:           defaultDataDir,
		DBMaxOpenConns:    defaultDBMaxOpenConns,
		RendezvousTimeout: defaultRendezvousTimeout,
		HandshakeTimeout:  defaultHandshakeTimeout,
		KeepaliveInterval: defaultKeepaliveInterval,
		KeepaliveCountMax: defaultKeepaliveCountMax,
		MaxAuthTries:      defaultMaxAuthTries,
		ConnRate:          defaultConnRate,
		ConnBurst:         defaultConnBurst,
		RedisPrefix:       defaultRedisPrefix,
	}
}

// field binds one setting to its env variable and flag.
type field struct {
	flag  string
	env   string
	usage string
	ptr   func(*ServerConfig) any
}

var fields = []field{
	{"domain", "DOMAIN", "Base domain names are published under", func(c *ServerConfig) any { return &c.Domain }},
	{"log-level", "LOG_LEVEL", "Log level: debug|info|warn|error", func(c *ServerConfig) any { return &c.LogLevel }},
	{"log-format", "LOG_FORMAT", "Log format: text|json", func(c *ServerConfig) any { return &c.LogFormat }},
	{"default-plan", "DEFAULT_PLAN", "Names a new device may register", func(c *ServerConfig) any { return &c.DefaultPlan }},
	{"listen", "SSH_LISTEN", "SSH listen address", func(c *ServerConfig) any { return &c.SSHListen }},
	{"data-dir", "DATA_DIR", "Root directory for keys, routes, and the database", func(c *ServerConfig) any { return &c.DataDir }},
	{"host-keys-dir", "HOST_KEYS_DIR", "SSH host key directory (default <data-dir>/ssh)", func(c *ServerConfig) any { return &c.HostKeysDir }},
	{"names-dir", "NAMES_DIR", "Router names directory (default <data-dir>/routes/names)", func(c *ServerConfig) any { return &c.NamesDir }},
	{"ports-dir", "PORTS_DIR", "Router ports directory (default <data-dir>/routes/ports)", func(c *ServerConfig) any { return &c.PortsDir }},
	{"db", "DB_PATH", "SQLite database path (default <data-dir>/routes.db)", func(c *ServerConfig) any { return &c.DBPath }},
	{"db-max-open-conns", "DB_MAX_OPEN_CONNS", "Maximum open SQLite connections", func(c *ServerConfig) any { return &c.DBMaxOpenConns }},
	{"forward-bind-host", "FORWARD_BIND_HOST", "Interface forwarding listeners bind to (empty for all)", func(c *ServerConfig) any { return &c.ForwardBindHost }},
	{"rendezvous-timeout", "RENDEZVOUS_TIMEOUT", "How long a session waits for its forwarding request", func(c *ServerConfig) any { return &c.RendezvousTimeout }},
	{"handshake-timeout", "HANDSHAKE_TIMEOUT", "Deadline for completing SSH authentication", func(c *ServerConfig) any { return &c.HandshakeTimeout }},
	{"keepalive-interval", "KEEPALIVE_INTERVAL", "Interval between client keepalive probes", func(c *ServerConfig) any { return &c.KeepaliveInterval }},
	{"keepalive-count-max", "KEEPALIVE_COUNT_MAX", "Unanswered keepalives before disconnect", func(c *ServerConfig) any { return &c.KeepaliveCountMax }},
	{"max-auth-tries", "MAX_AUTH_TRIES", "Authentication attempts per connection", func(c *ServerConfig) any { return &c.MaxAuthTries }},
	{"conn-rate", "CONN_RATE", "New connections per second per remote IP", func(c *ServerConfig) any { return &c.ConnRate }},
	{"conn-burst", "CONN_BURST", "Connection burst per remote IP", func(c *ServerConfig) any { return &c.ConnBurst }},
	{"ops-listen", "OPS_LISTEN", "Ops HTTP listen address (empty disables)", func(c *ServerConfig) any { return &c.OpsListen }},
	{"pprof", "PPROF", "Serve /debug/pprof on the ops listener", func(c *ServerConfig) any { return &c.PprofEnabled }},
	{"redis-addr", "REDIS_ADDR", "Redis address to mirror route bindings to (empty disables)", func(c *ServerConfig) any { return &c.RedisAddr }},
	{"redis-prefix", "REDIS_PREFIX", "Key prefix for mirrored route bindings", func(c *ServerConfig) any { return &c.RedisPrefix }},
}

func (f field) set(cfg *ServerConfig, raw string) error {
	raw = strings.TrimSpace(raw)
	switch p := f.ptr(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*p = n
	case *float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*p = n
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*p = d
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*p = b
	}
	return nil
}

// LoadFile overlays the YAML document at path onto cfg. Unknown keys are
// rejected.
func LoadFile(path string, cfg *ServerConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays every non-empty ADDR_* variable returned by getenv.
func ApplyEnv(cfg *ServerConfig, getenv func(string) string) error {
	for _, f := range fields {
		key := EnvPrefix + f.env
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		if err := f.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

// BindFlags registers one flag per setting on fs, showing the defaults.
// Values are applied by [ApplyFlags] so that only flags the user set
// override the file and environment.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()
	for _, f := range fields {
		switch p := f.ptr(&def).(type) {
		case *string:
			fs.String(f.flag, *p, f.usage)
		case *int:
			fs.Int(f.flag, *p, f.usage)
		case *float64:
			fs.Float64(f.flag, *p, f.usage)
		case *time.Duration:
			fs.Duration(f.flag, *p, f.usage)
		case *bool:
			fs.Bool(f.flag, *p, f.usage)
		}
	}
}

// ApplyFlags overlays the flags that were set on the command line.
func ApplyFlags(cfg *ServerConfig, fs *pflag.FlagSet) error {
	var err error
	for _, f := range fields {
		fl := fs.Lookup(f.flag)
		if fl == nil || !fl.Changed {
			continue
		}
		if setErr := f.set(cfg, fl.Value.String()); setErr != nil {
			err = errors.Join(err, fmt.Errorf("--%s: %w", f.flag, setErr))
		}
	}
	return err
}

// Finalize normalizes the domain and derives the paths left empty from
// DataDir.
func (c *ServerConfig) Finalize() {
	c.Domain = netutil.NormalizeDomain(c.Domain)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.HostKeysDir == "" {
		c.HostKeysDir = filepath.Join(c.DataDir, "ssh")
	}
	if c.NamesDir == "" {
		c.NamesDir = filepath.Join(c.DataDir, "routes", "names")
	}
	if c.PortsDir == "" {
		c.PortsDir = filepath.Join(c.DataDir, "routes", "ports")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "routes.db")
	}
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	if c.Domain == "" {
		return errors.New("missing --domain or ADDR_DOMAIN")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	if c.DefaultPlan < 1 {
		return errors.New("default plan must be >= 1")
	}
	if c.DBMaxOpenConns < 1 {
		return errors.New("db max open conns must be >= 1")
	}
	if c.RendezvousTimeout <= 0 {
		return errors.New("rendezvous timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be > 0")
	}
	if c.KeepaliveInterval <= 0 {
		return errors.New("keepalive interval must be > 0")
	}
	if c.KeepaliveCountMax < 1 {
		return errors.New("keepalive count max must be >= 1")
	}
	if c.ConnRate <= 0 {
		return errors.New("conn rate must be > 0")
	}
	if c.ConnBurst < 1 {
		return errors.New("conn burst must be >= 1")
	}
	return nil
}

// Load builds the configuration from all layers: defaults, the YAML file at
// path (if non-empty), env via getenv, then the flags set on fs (if non-nil).
func Load(path string, getenv func(string) string, fs *pflag.FlagSet) (ServerConfig, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	if fs != nil {
		if err := ApplyFlags(&cfg, fs); err != nil {
			return cfg, err
		}
	}
	cfg.Finalize()
	return cfg, cfg.Validate()
}
