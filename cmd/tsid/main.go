// Command tsid runs the transparent socket impersonation proxy core:
// it accepts a single vsock control connection from a guest, decodes
// its socket requests, and drives them against real host sockets.
package main

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/lumenvm/tsi-proxy/internal/api"
	"github.com/lumenvm/tsi-proxy/internal/config"
	"github.com/lumenvm/tsi-proxy/internal/dispatch"
	"github.com/lumenvm/tsi-proxy/internal/eventloop"
	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/metrics"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
	"github.com/lumenvm/tsi-proxy/internal/transport"
)

type cmdGlobal struct {
	cfg *config.Config
}

type cmdDaemon struct {
	global *cmdGlobal
}

func (c *cmdDaemon) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "tsid"
	cmd.Short = "Transparent socket impersonation proxy core"
	cmd.Long = `Description:
  tsid accepts a vsock control connection from a single guest and
  impersonates its BSD socket operations (connect, listen, accept,
  send, recv, getpeername) against real sockets on the host.
`
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdDaemon) Run(cmd *cobra.Command, args []string) error {
	cfg := c.global.cfg

	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Log = logging.New(cfg.LogLevel)
	logging.Log.Info("starting", logging.Ctx{"listen_port": cfg.ListenPort, "guest_cid": cfg.GuestCID})

	ln, err := transport.Listen(cfg.ListenPort)
	if err != nil {
		return err
	}
	defer ln.Close()

	tr, err := ln.Accept()
	if err != nil {
		return err
	}
	defer tr.Close()

	var d *dispatch.Dispatcher

	loop, err := eventloop.New(func(id proxy.ID, readable, writable bool) {
		d.HandleHostEvent(id, readable, writable)
	})
	if err != nil {
		return err
	}
	defer loop.Close()

	d = dispatch.New(cfg.GuestCID, loop, tr, cfg.CreditWindow)

	reg := metrics.Registry()
	handler := api.New(d, reg)

	go func() {
		logging.Log.Info("debug api listening", logging.Ctx{"addr": cfg.DebugAddr})

		if err := http.ListenAndServe(cfg.DebugAddr, handler); err != nil {
			logging.Log.Warn("debug api stopped", logging.Ctx{"err": err.Error()})
		}
	}()

	stop := make(chan struct{})
	go loop.Run(stop)

	for {
		pkt, err := tr.ReadInbound()
		if err != nil {
			close(stop)
			logging.Log.Info("guest disconnected", logging.Ctx{"err": err.Error()})

			return nil
		}

		if err := d.HandleRequest(pkt); err != nil {
			logging.Log.Warn("request handling failed", logging.Ctx{"err": err.Error()})
		}

		d.DrainResponses()
	}
}

func main() {
	daemonCmd := cmdDaemon{}
	app := daemonCmd.Command()
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	global := &cmdGlobal{cfg: config.Default()}
	global.cfg.BindFlags(app)
	daemonCmd.global = global

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
