package tunnel

import (
	"fmt"
	"os"
	"strconv"

	"go.olrik.dev/sockswatch/internal/core"
)

// signatureOption is a custom ssh option ignored by ssh itself. It tags every
// tunnel process so stale ones can be found by command line.
const signatureOption = "sockswatch"

// Signature returns the command-line argument that identifies the tunnel
// process for localPort.
func Signature(localPort int) string {
	return fmt.Sprintf("%s=%d", signatureOption, localPort)
}

// Command is a fully resolved tunnel invocation.
type Command struct {
	Argv []string
	Env  []string // Added to the inherited environment
}

// String renders the command for logs. The password never appears in argv.
func (c Command) String() string {
	return fmt.Sprint(c.Argv)
}

// SSHArgs builds the ssh argument vector. The identity file is only passed
// when useKey is set.
func SSHArgs(cfg core.Config, useKey bool) []string {
	args := []string{
		"ssh",
		"-D", strconv.Itoa(cfg.LocalPort),
		"-p", strconv.Itoa(cfg.SSHPort),
		"-N",
		"-C",
		"-o", fmt.Sprintf("ServerAliveInterval=%d", cfg.ServerAliveInterval),
		"-o", fmt.Sprintf("ServerAliveCountMax=%d", cfg.ServerAliveCountMax),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "IgnoreUnknown=" + signatureOption,
		"-o", Signature(cfg.LocalPort),
	}

	for _, opt := range cfg.SSHOptions {
		args = append(args, "-o", opt)
	}

	if useKey {
		args = append(args, "-i", cfg.SSHKeyPath)
	}

	return append(args, cfg.Target())
}

// BuildCommand resolves the invocation for cfg. A key file that exists on
// disk takes precedence over password authentication. With a password and no
// key, ssh is wrapped in "sshpass -e" and the password travels in SSHPASS.
func BuildCommand(cfg core.Config, password string) Command {
	useKey := keyExists(cfg.SSHKeyPath)
	args := SSHArgs(cfg, useKey)

	if useKey || password == "" {
		return Command{Argv: args}
	}

	return Command{
		Argv: append([]string{"sshpass", "-e"}, args...),
		Env:  []string{"SSHPASS=" + password},
	}
}

func keyExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
