package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/kelseyhightower/envconfig"
)

// DefaultConfigFile is read from the working directory when --config is not given.
const DefaultConfigFile = "tunnel_config.ini"

// Config is the immutable runtime configuration. It is loaded once at startup
// and passed around by value.
type Config struct {
	RemoteHost    string        // SSH server (VPS) address
	SSHUser       string        // Remote login user
	SSHPort       int           // Remote SSH port
	LocalPort     int           // Local SOCKS listen port (ssh -D)
	SSHKeyPath    string        // Identity file, used when it exists
	SSHPassword   string        // Password for sshpass, used when no key is available
	PingTimeout   time.Duration // Timeout for the port and reachability probes
	CheckInterval time.Duration // Period of both the sampler and supervisor loops
	TestURL       string        // Target fetched through the proxy

	ProxyTimeout        time.Duration // Timeout for the request through the proxy
	PingPrivileged      bool          // Use raw ICMP sockets instead of unprivileged UDP ping
	ServerAliveInterval int           // ssh ServerAliveInterval
	ServerAliveCountMax int           // ssh ServerAliveCountMax
	SSHOptions          []string      // Extra "-o" options passed to ssh
	UseKeyring          bool          // Look up the password in the system keyring
	LogFile             string        // Log file path, empty disables file logging
	MetricsFile         string        // Persisted metrics JSON
	EventsDB            string        // SQLite event journal, empty disables it
	MetricsListen       string        // Prometheus listen address, empty disables it

	Path string // File the configuration was read from, empty when only defaults apply
}

// Target returns the ssh destination in user@host form.
func (c Config) Target() string {
	return fmt.Sprintf("%s@%s", c.SSHUser, c.RemoteHost)
}

// LogValue keeps the password out of log output.
func (c Config) LogValue() slog.Value {
	password := ""
	if c.SSHPassword != "" {
		password = "[MASKED]"
	}
	return slog.GroupValue(
		slog.String("remote_host", c.RemoteHost),
		slog.String("ssh_user", c.SSHUser),
		slog.Int("ssh_port", c.SSHPort),
		slog.Int("local_port", c.LocalPort),
		slog.String("ssh_key", c.SSHKeyPath),
		slog.String("ssh_password", password),
		slog.Duration("ping_timeout", c.PingTimeout),
		slog.Duration("check_interval", c.CheckInterval),
		slog.String("test_url", c.TestURL),
	)
}

// envDefaults holds the built-in defaults. Each one can be replaced by an
// environment variable at the time the defaults are constructed.
type envDefaults struct {
	RemoteHost    string  `envconfig:"VPS_IP" default:"your-vps-ip"`
	SSHUser       string  `envconfig:"SSH_USER" default:"user"`
	SSHPort       int     `envconfig:"SSH_PORT" default:"443"`
	LocalPort     int     `envconfig:"LOCAL_PORT" default:"8080"`
	SSHKey        string  `envconfig:"SSH_KEY" default:"~/.ssh/id_rsa"`
	SSHPassword   string  `envconfig:"SSH_PASSWORD"`
	PingTimeout   float64 `envconfig:"PING_TIMEOUT" default:"2"`
	CheckInterval float64 `envconfig:"CHECK_INTERVAL" default:"30"`
	TestURL       string  `envconfig:"TEST_URL" default:"http://elearning.uonbi.ac.ke"`

	ProxyTimeout        float64  `envconfig:"SOCKSWATCH_PROXY_TIMEOUT" default:"5"`
	PingPrivileged      bool     `envconfig:"SOCKSWATCH_PING_PRIVILEGED" default:"false"`
	ServerAliveInterval int      `envconfig:"SOCKSWATCH_SERVER_ALIVE_INTERVAL" default:"10"`
	ServerAliveCountMax int      `envconfig:"SOCKSWATCH_SERVER_ALIVE_COUNT_MAX" default:"3"`
	SSHOptions          []string `envconfig:"SOCKSWATCH_SSH_OPTIONS"`
	UseKeyring          bool     `envconfig:"SOCKSWATCH_USE_KEYRING" default:"false"`
	LogFile             string   `envconfig:"SOCKSWATCH_LOG_FILE" default:"sockswatch.log"`
	MetricsFile         string   `envconfig:"SOCKSWATCH_METRICS_FILE" default:"tunnel_metrics.json"`
	EventsDB            string   `envconfig:"SOCKSWATCH_EVENTS_DB" default:"sockswatch.db"`
	MetricsListen       string   `envconfig:"SOCKSWATCH_METRICS_LISTEN"`
}

// Defaults returns the built-in configuration with environment overrides applied.
func Defaults() (Config, error) {
	var env envDefaults
	if err := envconfig.Process("", &env); err != nil {
		return Config{}, fmt.Errorf("failed to read environment defaults: %w", err)
	}

	return Config{
		RemoteHost:          env.RemoteHost,
		SSHUser:             env.SSHUser,
		SSHPort:             env.SSHPort,
		LocalPort:           env.LocalPort,
		SSHKeyPath:          expandHome(env.SSHKey),
		SSHPassword:         env.SSHPassword,
		PingTimeout:         seconds(env.PingTimeout),
		CheckInterval:       seconds(env.CheckInterval),
		TestURL:             env.TestURL,
		ProxyTimeout:        seconds(env.ProxyTimeout),
		PingPrivileged:      env.PingPrivileged,
		ServerAliveInterval: env.ServerAliveInterval,
		ServerAliveCountMax: env.ServerAliveCountMax,
		SSHOptions:          env.SSHOptions,
		UseKeyring:          env.UseKeyring,
		LogFile:             env.LogFile,
		MetricsFile:         env.MetricsFile,
		EventsDB:            env.EventsDB,
		MetricsListen:       env.MetricsListen,
	}, nil
}

// fileConfig is the on-disk representation shared by the HCL and INI loaders.
// Nil fields keep the default.
type fileConfig struct {
	RemoteHost    *string  `hcl:"remote_host,optional"`
	VPSIP         *string  `hcl:"vps_ip,optional"`
	SSHUser       *string  `hcl:"ssh_user,optional"`
	SSHPort       *int     `hcl:"ssh_port,optional"`
	LocalPort     *int     `hcl:"local_port,optional"`
	SSHKey        *string  `hcl:"ssh_key,optional"`
	SSHKeyPath    *string  `hcl:"ssh_key_path,optional"`
	SSHPassword   *string  `hcl:"ssh_password,optional"`
	PingTimeout   *float64 `hcl:"ping_timeout,optional"`
	CheckInterval *float64 `hcl:"check_interval,optional"`
	TestURL       *string  `hcl:"test_url,optional"`

	ProxyTimeout        *float64 `hcl:"proxy_timeout,optional"`
	PingPrivileged      *bool    `hcl:"ping_privileged,optional"`
	ServerAliveInterval *int     `hcl:"server_alive_interval,optional"`
	ServerAliveCountMax *int     `hcl:"server_alive_count_max,optional"`
	SSHOptions          []string `hcl:"ssh_options,optional"`
	UseKeyring          *bool    `hcl:"use_keyring,optional"`
	LogFile             *string  `hcl:"log_file,optional"`
	MetricsFile         *string  `hcl:"metrics_file,optional"`
	EventsDB            *string  `hcl:"events_db,optional"`
	MetricsListen       *string  `hcl:"metrics_listen,optional"`
}

// LoadConfig builds the configuration from defaults and the given file.
// A missing file is not an error: the defaults are returned unchanged.
// Files ending in .hcl are parsed as HCL, anything else as INI.
func LoadConfig(filename string) (Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return Config{}, err
	}

	if filename != "" && ConfigExists(filename) {
		var fc *fileConfig
		if strings.EqualFold(filepath.Ext(filename), ".hcl") {
			fc, err = decodeHCL(filename)
		} else {
			fc, err = decodeINI(filename)
		}
		if err != nil {
			return Config{}, err
		}
		cfg.apply(fc)
		cfg.Path = filename
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeHCL(filename string) (*fileConfig, error) {
	var fc fileConfig
	if err := hclsimple.DecodeFile(filename, nil, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}
	return &fc, nil
}

func decodeINI(filename string) (*fileConfig, error) {
	// Option names are case-insensitive, "VPS_IP" and "vps_ip" are the same key
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse INI config: %w", err)
	}
	sec := file.Section(ini.DefaultSection)

	var errs []error
	str := func(key string) *string {
		if !sec.HasKey(key) {
			return nil
		}
		v := sec.Key(key).String()
		return &v
	}
	integer := func(key string) *int {
		if !sec.HasKey(key) {
			return nil
		}
		v, err := sec.Key(key).Int()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return nil
		}
		return &v
	}
	float := func(key string) *float64 {
		if !sec.HasKey(key) {
			return nil
		}
		v, err := sec.Key(key).Float64()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return nil
		}
		return &v
	}
	boolean := func(key string) *bool {
		if !sec.HasKey(key) {
			return nil
		}
		v, err := sec.Key(key).Bool()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return nil
		}
		return &v
	}

	fc := &fileConfig{
		RemoteHost:          str("remote_host"),
		VPSIP:               str("vps_ip"),
		SSHUser:             str("ssh_user"),
		SSHPort:             integer("ssh_port"),
		LocalPort:           integer("local_port"),
		SSHKey:              str("ssh_key"),
		SSHKeyPath:          str("ssh_key_path"),
		SSHPassword:         str("ssh_password"),
		PingTimeout:         float("ping_timeout"),
		CheckInterval:       float("check_interval"),
		TestURL:             str("test_url"),
		ProxyTimeout:        float("proxy_timeout"),
		PingPrivileged:      boolean("ping_privileged"),
		ServerAliveInterval: integer("server_alive_interval"),
		ServerAliveCountMax: integer("server_alive_count_max"),
		UseKeyring:          boolean("use_keyring"),
		LogFile:             str("log_file"),
		MetricsFile:         str("metrics_file"),
		EventsDB:            str("events_db"),
		MetricsListen:       str("metrics_listen"),
	}
	if sec.HasKey("ssh_options") {
		fc.SSHOptions = sec.Key("ssh_options").Strings(",")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to parse INI config: %w", errors.Join(errs...))
	}
	return fc, nil
}

// apply overlays file values on top of the defaults.
func (c *Config) apply(fc *fileConfig) {
	// vps_ip is the historical key name, remote_host wins when both are set
	setString(&c.RemoteHost, fc.VPSIP)
	setString(&c.RemoteHost, fc.RemoteHost)
	setString(&c.SSHUser, fc.SSHUser)
	setInt(&c.SSHPort, fc.SSHPort)
	setInt(&c.LocalPort, fc.LocalPort)
	if fc.SSHKey != nil {
		c.SSHKeyPath = expandHome(*fc.SSHKey)
	}
	if fc.SSHKeyPath != nil {
		c.SSHKeyPath = expandHome(*fc.SSHKeyPath)
	}
	setString(&c.SSHPassword, fc.SSHPassword)
	setSeconds(&c.PingTimeout, fc.PingTimeout)
	setSeconds(&c.CheckInterval, fc.CheckInterval)
	setString(&c.TestURL, fc.TestURL)

	setSeconds(&c.ProxyTimeout, fc.ProxyTimeout)
	setBool(&c.PingPrivileged, fc.PingPrivileged)
	setInt(&c.ServerAliveInterval, fc.ServerAliveInterval)
	setInt(&c.ServerAliveCountMax, fc.ServerAliveCountMax)
	if fc.SSHOptions != nil {
		c.SSHOptions = fc.SSHOptions
	}
	setBool(&c.UseKeyring, fc.UseKeyring)
	setString(&c.LogFile, fc.LogFile)
	setString(&c.MetricsFile, fc.MetricsFile)
	setString(&c.EventsDB, fc.EventsDB)
	setString(&c.MetricsListen, fc.MetricsListen)
}

// Validate checks the values the supervisor cannot work without.
func (c Config) Validate() error {
	var errs []error
	if c.RemoteHost == "" {
		errs = append(errs, errors.New("remote_host must not be empty"))
	}
	if c.SSHUser == "" {
		errs = append(errs, errors.New("ssh_user must not be empty"))
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		errs = append(errs, fmt.Errorf("ssh_port %d out of range", c.SSHPort))
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("local_port %d out of range", c.LocalPort))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, errors.New("ping_timeout must be positive"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}
	if c.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("proxy_timeout must be positive"))
	}
	if c.TestURL == "" {
		errs = append(errs, errors.New("test_url must not be empty"))
	}
	return errors.Join(errs...)
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setSeconds(dst *time.Duration, v *float64) {
	if v != nil {
		*dst = seconds(*v)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
