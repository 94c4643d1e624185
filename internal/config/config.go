// Package config binds tsid's runtime flags: which vsock port to
// listen on, the guest CID to serve, the debug HTTP bind address, and
// the log level.
package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumenvm/tsi-proxy/internal/wire"
)

// Config holds tsid's validated runtime configuration.
type Config struct {
	ListenPort   uint32
	GuestCID     uint64
	DebugAddr    string
	LogLevel     string
	CreditWindow uint32
}

// Default returns the configuration before flags are bound.
func Default() *Config {
	return &Config{
		ListenPort:   wire.ProxyControlPort,
		GuestCID:     3,
		DebugAddr:    "127.0.0.1:7620",
		LogLevel:     "info",
		CreditWindow: wire.ConnTxBufSize,
	}
}

// BindFlags registers c's fields onto cmd's persistent flag set.
func (c *Config) BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Uint32Var(&c.ListenPort, "listen-port", c.ListenPort, "vsock port to accept the guest control connection on")
	cmd.PersistentFlags().Uint64Var(&c.GuestCID, "guest-cid", c.GuestCID, "vsock CID of the guest this proxy core serves")
	cmd.PersistentFlags().StringVar(&c.DebugAddr, "debug-addr", c.DebugAddr, "address to serve /proxies, /healthz and /metrics on")
	cmd.PersistentFlags().StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	cmd.PersistentFlags().Uint32Var(&c.CreditWindow, "credit-window", c.CreditWindow, "override the advertised per-connection credit window, for testing")
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ListenPort == 0 {
		return fmt.Errorf("config: listen-port must be nonzero")
	}

	if c.GuestCID < 3 {
		return fmt.Errorf("config: guest-cid must be >= 3 (VMADDR_CID_HOST reserves lower values)")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log-level %q", c.LogLevel)
	}

	return nil
}
