// Package notify delivers short user-facing messages about the tunnel.
// Delivery is best effort and never blocks the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	appName       = "sockswatch"
	summary       = "SSH Tunnel"
	expireTimeout = int32(5000)

	// DefaultTimeout bounds a single delivery attempt across all backends.
	DefaultTimeout = 5 * time.Second
)

// Notifier is implemented by anything that can show a message to the user.
type Notifier interface {
	Notify(msg string)
}

// Backend delivers one message. Backends are tried in order until one succeeds.
type Backend struct {
	Name string
	Send func(ctx context.Context, msg string) error
}

// Desktop sends notifications through the freedesktop notification service,
// falling back to termux-toast on Android.
type Desktop struct {
	Backends []Backend
	Timeout  time.Duration

	wg sync.WaitGroup
}

// NewDesktop returns a notifier using the default backends.
func NewDesktop() *Desktop {
	return &Desktop{
		Backends: []Backend{
			{Name: "dbus", Send: sendDBus},
			{Name: "termux-toast", Send: sendTermuxToast},
		},
		Timeout: DefaultTimeout,
	}
}

// Notify logs msg and delivers it in the background.
func (d *Desktop) Notify(msg string) {
	slog.Info(fmt.Sprintf("Notification: %s", msg))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(msg)
	}()
}

// Wait blocks until in-flight deliveries have finished or timed out.
func (d *Desktop) Wait() {
	d.wg.Wait()
}

func (d *Desktop) deliver(msg string) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, b := range d.Backends {
		err := b.Send(ctx, msg)
		if err == nil {
			return
		}
		slog.Debug("Notification backend failed", "backend", b.Name, "error", err)
		if ctx.Err() != nil {
			return
		}
	}
}

func sendDBus(ctx context.Context, msg string) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")
	call := obj.CallWithContext(ctx, "org.freedesktop.Notifications.Notify", 0,
		appName, uint32(0), "", summary, msg, []string{}, map[string]dbus.Variant{}, expireTimeout)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	return nil
}

func sendTermuxToast(ctx context.Context, msg string) error {
	path, err := exec.LookPath("termux-toast")
	if err != nil {
		return err
	}
	return exec.CommandContext(ctx, path, msg).Run()
}

// Discard drops every message. Used when notifications are disabled.
type Discard struct{}

func (Discard) Notify(string) {}
