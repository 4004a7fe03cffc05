// Command gateway runs the R-Type Gateway process: the TCP control
// channel game servers register against and clients use to CREATE/JOIN
// games.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/mbarleon-org/R-Type-Server/internal/ioloop"
	"github.com/mbarleon-org/R-Type-Server/internal/router"
	"github.com/mbarleon-org/R-Type-Server/pkg/config"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway config file")
	flag.Parse()

	pterm.DefaultHeader.WithFullWidth().Println("R-Type Gateway")
	pterm.Info.Println(fmt.Sprintf("gateway — v%s", version))

	cfg := loadGatewayConfig(*configPath)

	if err := metrics.Init("rtype-gateway"); err != nil {
		log.Warn().Err(err).Msg("metrics init failed, continuing without metrics")
	} else if cfg.AdminAddr != "" {
		metrics.Serve(cfg.AdminAddr)
		log.Info().Str("addr", cfg.AdminAddr).Msg("gateway: admin listener serving /metrics")
	}

	if cfg.SharedSecret == "" {
		// The gateway does not use this setting itself; GWP has no HMAC
		// handshake. Game servers are the ones that
		// actually fall back to config.DefaultSharedSecret for auth.
		log.Warn().Msg("no shared secret configured; game servers will fall back to the built-in development secret")
	}

	var registrar router.Registrar
	if cfg.ConsulAddr != "" {
		reg, err := router.NewConsulRegistrar(cfg.ConsulAddr)
		if err != nil {
			log.Warn().Err(err).Msg("consul registrar unavailable, continuing without catalog mirroring")
		} else {
			registrar = reg
		}
	}

	r := router.New(registrar)
	loop := ioloop.NewGatewayLoop(cfg.ListenAddr, r)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sd := &ioloop.Shutdown{}
	go func() {
		<-ctx.Done()
		log.Info().Msg("gateway: shutdown requested")
		sd.Request()
	}()

	if err := loop.Run(sd); err != nil {
		log.Error().Err(err).Msg("gateway: loop exited with error")
		os.Exit(1)
	}
}

func loadGatewayConfig(path string) *config.GatewayCfg {
	cfg := &config.GatewayCfg{ListenAddr: ":4243", WorkerCount: 1, AdminAddr: ":9100"}
	mgr, err := config.NewManager(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("gateway: no config file found, using built-in defaults")
		return cfg
	}
	if err := mgr.Load(cfg); err != nil {
		log.Warn().Err(err).Msg("gateway: config invalid, using built-in defaults")
		return &config.GatewayCfg{ListenAddr: ":4243", WorkerCount: 1, AdminAddr: ":9100"}
	}
	errCh := make(chan error, 1)
	if err := mgr.WatchAndReload(errCh); err != nil {
		log.Debug().Err(err).Msg("gateway: config hot-reload unavailable")
	}
	go func() {
		for err := range errCh {
			log.Warn().Err(err).Msg("gateway: config reload failed")
		}
	}()
	return cfg
}
