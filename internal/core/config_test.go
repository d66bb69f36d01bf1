package core

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// clearEnv unsets every variable the defaults read so the host environment
// cannot leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VPS_IP", "SSH_USER", "SSH_PORT", "LOCAL_PORT", "SSH_KEY", "SSH_PASSWORD",
		"PING_TIMEOUT", "CHECK_INTERVAL", "TEST_URL",
		"SOCKSWATCH_PROXY_TIMEOUT", "SOCKSWATCH_PING_PRIVILEGED",
		"SOCKSWATCH_SERVER_ALIVE_INTERVAL", "SOCKSWATCH_SERVER_ALIVE_COUNT_MAX",
		"SOCKSWATCH_SSH_OPTIONS", "SOCKSWATCH_USE_KEYRING", "SOCKSWATCH_LOG_FILE",
		"SOCKSWATCH_METRICS_FILE", "SOCKSWATCH_EVENTS_DB", "SOCKSWATCH_METRICS_LISTEN",
	} {
		if old, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, old) })
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() failed: %v", err)
	}

	if cfg.RemoteHost != "your-vps-ip" {
		t.Errorf("Expected remote host 'your-vps-ip', got %q", cfg.RemoteHost)
	}
	if cfg.SSHUser != "user" {
		t.Errorf("Expected ssh user 'user', got %q", cfg.SSHUser)
	}
	if cfg.SSHPort != 443 {
		t.Errorf("Expected ssh port 443, got %d", cfg.SSHPort)
	}
	if cfg.LocalPort != 8080 {
		t.Errorf("Expected local port 8080, got %d", cfg.LocalPort)
	}
	if cfg.PingTimeout != 2*time.Second {
		t.Errorf("Expected ping timeout 2s, got %v", cfg.PingTimeout)
	}
	if cfg.CheckInterval != 30*time.Second {
		t.Errorf("Expected check interval 30s, got %v", cfg.CheckInterval)
	}
	if cfg.ProxyTimeout != 5*time.Second {
		t.Errorf("Expected proxy timeout 5s, got %v", cfg.ProxyTimeout)
	}
	if cfg.ServerAliveInterval != 10 || cfg.ServerAliveCountMax != 3 {
		t.Errorf("Expected keepalive 10/3, got %d/%d", cfg.ServerAliveInterval, cfg.ServerAliveCountMax)
	}
	if cfg.SSHPassword != "" {
		t.Errorf("Expected empty password, got %q", cfg.SSHPassword)
	}
	if filepath.Base(cfg.SSHKeyPath) != "id_rsa" || cfg.SSHKeyPath[0] == '~' {
		t.Errorf("Expected expanded ~/.ssh/id_rsa, got %q", cfg.SSHKeyPath)
	}
}

func TestDefaults_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("VPS_IP", "198.51.100.7")
	t.Setenv("SSH_PORT", "2222")
	t.Setenv("PING_TIMEOUT", "1.5")
	t.Setenv("SOCKSWATCH_SSH_OPTIONS", "StrictHostKeyChecking=no,BatchMode=yes")

	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() failed: %v", err)
	}

	if cfg.RemoteHost != "198.51.100.7" {
		t.Errorf("Expected remote host from VPS_IP, got %q", cfg.RemoteHost)
	}
	if cfg.SSHPort != 2222 {
		t.Errorf("Expected ssh port 2222, got %d", cfg.SSHPort)
	}
	if cfg.PingTimeout != 1500*time.Millisecond {
		t.Errorf("Expected ping timeout 1.5s, got %v", cfg.PingTimeout)
	}
	want := []string{"StrictHostKeyChecking=no", "BatchMode=yes"}
	if !reflect.DeepEqual(cfg.SSHOptions, want) {
		t.Errorf("Expected ssh options %v, got %v", want, cfg.SSHOptions)
	}
}

func TestDefaults_InvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSH_PORT", "not-a-port")

	if _, err := Defaults(); err == nil {
		t.Error("Expected error for non-numeric SSH_PORT")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.ini"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Path != "" {
		t.Errorf("Expected empty Path for defaults-only config, got %q", cfg.Path)
	}
	if cfg.LocalPort != 8080 {
		t.Errorf("Expected default local port, got %d", cfg.LocalPort)
	}
}

func TestLoadConfig_INI(t *testing.T) {
	clearEnv(t)
	t.Setenv("SSH_USER", "from-env")
	t.Setenv("LOCAL_PORT", "9999")

	configPath := filepath.Join(t.TempDir(), "tunnel_config.ini")
	content := `[DEFAULT]
vps_ip = 203.0.113.5
ssh_port = 443
local_port = 1080
ssh_key =
ssh_password = hunter2
ping_timeout = 3
check_interval = 15
test_url = http://example.com
ssh_options = StrictHostKeyChecking=no, ConnectTimeout=5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Path != configPath {
		t.Errorf("Expected Path=%q, got %q", configPath, cfg.Path)
	}
	if cfg.RemoteHost != "203.0.113.5" {
		t.Errorf("Expected remote host from vps_ip, got %q", cfg.RemoteHost)
	}
	// Not in the file: environment default applies
	if cfg.SSHUser != "from-env" {
		t.Errorf("Expected ssh user from environment, got %q", cfg.SSHUser)
	}
	// In the file: file beats environment
	if cfg.LocalPort != 1080 {
		t.Errorf("Expected local port 1080 from file, got %d", cfg.LocalPort)
	}
	if cfg.SSHKeyPath != "" {
		t.Errorf("Expected empty key path, got %q", cfg.SSHKeyPath)
	}
	if cfg.SSHPassword != "hunter2" {
		t.Errorf("Expected password from file, got %q", cfg.SSHPassword)
	}
	if cfg.PingTimeout != 3*time.Second {
		t.Errorf("Expected ping timeout 3s, got %v", cfg.PingTimeout)
	}
	if cfg.CheckInterval != 15*time.Second {
		t.Errorf("Expected check interval 15s, got %v", cfg.CheckInterval)
	}
	if cfg.TestURL != "http://example.com" {
		t.Errorf("Expected test url from file, got %q", cfg.TestURL)
	}
	want := []string{"StrictHostKeyChecking=no", "ConnectTimeout=5"}
	if !reflect.DeepEqual(cfg.SSHOptions, want) {
		t.Errorf("Expected ssh options %v, got %v", want, cfg.SSHOptions)
	}
}

func TestLoadConfig_INIWithoutSection(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "tunnel.conf")
	if err := os.WriteFile(configPath, []byte("remote_host = 192.0.2.10\nvps_ip = 192.0.2.99\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RemoteHost != "192.0.2.10" {
		t.Errorf("Expected remote_host to win over vps_ip, got %q", cfg.RemoteHost)
	}
}

func TestLoadConfig_INIMixedCaseKeys(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "tunnel_config.ini")
	content := "[DEFAULT]\nVPS_IP = 198.51.100.7\nLocal_Port = 9090\nSSH_User = Deploy\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.RemoteHost != "198.51.100.7" {
		t.Errorf("Expected RemoteHost '198.51.100.7', got %q", cfg.RemoteHost)
	}
	if cfg.LocalPort != 9090 {
		t.Errorf("Expected LocalPort 9090, got %d", cfg.LocalPort)
	}
	// Values keep their case
	if cfg.SSHUser != "Deploy" {
		t.Errorf("Expected SSHUser 'Deploy', got %q", cfg.SSHUser)
	}
}

func TestLoadConfig_INIInvalidNumber(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "tunnel_config.ini")
	if err := os.WriteFile(configPath, []byte("[DEFAULT]\nlocal_port = eighty\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected error for non-numeric local_port")
	}
}

func TestLoadConfig_HCL(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "sockswatch.hcl")
	content := `# Tunnel configuration
remote_host    = "203.0.113.5"
ssh_user       = "tunnel"
ssh_port       = 443
local_port     = 8080
ssh_key_path   = "/etc/sockswatch/id_ed25519"
ping_timeout   = 2
check_interval = 30
test_url       = "http://example.org"

proxy_timeout          = 8
ping_privileged        = true
server_alive_interval  = 20
server_alive_count_max = 4
ssh_options            = ["StrictHostKeyChecking=accept-new"]
metrics_file           = "/var/lib/sockswatch/metrics.json"
metrics_listen         = "127.0.0.1:9105"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load HCL config: %v", err)
	}

	if cfg.RemoteHost != "203.0.113.5" || cfg.SSHUser != "tunnel" {
		t.Errorf("Expected tunnel@203.0.113.5, got %s", cfg.Target())
	}
	if cfg.SSHKeyPath != "/etc/sockswatch/id_ed25519" {
		t.Errorf("Expected key path from file, got %q", cfg.SSHKeyPath)
	}
	if cfg.ProxyTimeout != 8*time.Second {
		t.Errorf("Expected proxy timeout 8s, got %v", cfg.ProxyTimeout)
	}
	if !cfg.PingPrivileged {
		t.Error("Expected ping_privileged=true")
	}
	if cfg.ServerAliveInterval != 20 || cfg.ServerAliveCountMax != 4 {
		t.Errorf("Expected keepalive 20/4, got %d/%d", cfg.ServerAliveInterval, cfg.ServerAliveCountMax)
	}
	if len(cfg.SSHOptions) != 1 || cfg.SSHOptions[0] != "StrictHostKeyChecking=accept-new" {
		t.Errorf("Unexpected ssh options: %v", cfg.SSHOptions)
	}
	if cfg.MetricsFile != "/var/lib/sockswatch/metrics.json" {
		t.Errorf("Expected metrics file from config, got %q", cfg.MetricsFile)
	}
	if cfg.MetricsListen != "127.0.0.1:9105" {
		t.Errorf("Expected metrics listen address, got %q", cfg.MetricsListen)
	}
}

func TestLoadConfig_HCLUnknownAttribute(t *testing.T) {
	clearEnv(t)

	configPath := filepath.Join(t.TempDir(), "sockswatch.hcl")
	if err := os.WriteFile(configPath, []byte(`remote_hots = "typo"`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if _, err := LoadConfig(configPath); err == nil {
		t.Error("Expected error for unknown HCL attribute")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	base, err := Defaults()
	if err != nil {
		t.Fatalf("Defaults() failed: %v", err)
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.RemoteHost = "" }},
		{"empty user", func(c *Config) { c.SSHUser = "" }},
		{"ssh port zero", func(c *Config) { c.SSHPort = 0 }},
		{"local port too large", func(c *Config) { c.LocalPort = 70000 }},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }},
		{"negative interval", func(c *Config) { c.CheckInterval = -time.Second }},
		{"zero proxy timeout", func(c *Config) { c.ProxyTimeout = 0 }},
		{"empty test url", func(c *Config) { c.TestURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestConfigLogValue_MasksPassword(t *testing.T) {
	cfg := Config{SSHPassword: "secret"}

	for _, attr := range cfg.LogValue().Group() {
		if attr.Value.String() == "secret" {
			t.Fatalf("Expected password to be masked, found it in attribute %q", attr.Key)
		}
	}
}
