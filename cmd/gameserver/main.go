// Command gameserver runs one R-Type game server process: the UDP
// endpoint that authenticates players, applies their inputs to a
// simulation, and broadcasts snapshots.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/mbarleon-org/R-Type-Server/internal/gwp"
	"github.com/mbarleon-org/R-Type-Server/internal/ioloop"
	"github.com/mbarleon-org/R-Type-Server/internal/sim"
	"github.com/mbarleon-org/R-Type-Server/pkg/config"
	"github.com/mbarleon-org/R-Type-Server/pkg/log"
	"github.com/mbarleon-org/R-Type-Server/pkg/metrics"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "gameserver.yaml", "path to the game server config file")
	flag.Parse()

	pterm.DefaultHeader.WithFullWidth().Println("R-Type Game Server")
	pterm.Info.Println(fmt.Sprintf("game server — v%s", version))

	cfg := loadGameServerConfig(*configPath)

	if err := metrics.Init("rtype-gameserver"); err != nil {
		log.Warn().Err(err).Msg("metrics init failed, continuing without metrics")
	} else if cfg.AdminAddr != "" {
		metrics.Serve(cfg.AdminAddr)
		log.Info().Str("addr", cfg.AdminAddr).Msg("gameserver: admin listener serving /metrics")
	}

	secret := cfg.SharedSecret
	if secret == "" {
		secret = config.DefaultSharedSecret
		log.Warn().Msg("no shared secret configured, falling back to the built-in development secret")
	}

	if err := registerWithGateway(cfg); err != nil {
		log.Error().Err(err).Msg("gameserver: registration with gateway failed")
		os.Exit(1)
	}

	world := sim.NewStubWorld()
	loop := ioloop.NewGameServerLoop(cfg.BaseUDPAddr, []byte(secret))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sd := &ioloop.Shutdown{}
	go func() {
		<-ctx.Done()
		log.Info().Msg("gameserver: shutdown requested")
		sd.Request()
	}()

	if err := loop.Run(sd, world); err != nil {
		log.Error().Err(err).Msg("gameserver: loop exited with error")
		os.Exit(1)
	}
}

// registerWithGateway dials the gateway's TCP control channel and sends
// GS(20) with this process's external UDP endpoint. It logs (rather
// than fails startup on) a GS_KO, since a duplicate registration
// doesn't prevent the process from serving players already routed to it.
func registerWithGateway(cfg *config.GameServerCfg) error {
	host, portStr, err := net.SplitHostPort(cfg.ExternalUDPAddr)
	if err != nil {
		return fmt.Errorf("gameserver: invalid externalUdpAddr %q: %w", cfg.ExternalUDPAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("gameserver: invalid port in externalUdpAddr %q: %w", cfg.ExternalUDPAddr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return fmt.Errorf("gameserver: resolving %q: %w", host, err)
		}
		ip = resolved.IP
	}

	conn, err := net.Dial("tcp", cfg.GatewayTCPAddr)
	if err != nil {
		return fmt.Errorf("gameserver: dialing gateway %q: %w", cfg.GatewayTCPAddr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(gwp.BuildGS(ip, uint16(port))); err != nil {
		return fmt.Errorf("gameserver: sending GS: %w", err)
	}

	resp := make([]byte, gwp.HeaderSize)
	if _, err := conn.Read(resp); err != nil {
		return fmt.Errorf("gameserver: reading GS reply: %w", err)
	}
	hdr, err := gwp.ParseHeader(resp)
	if err != nil {
		return fmt.Errorf("gameserver: malformed GS reply: %w", err)
	}
	switch hdr.Cmd {
	case gwp.CmdGSOK:
		log.Info().Str("addr", cfg.ExternalUDPAddr).Msg("registered with gateway")
	case gwp.CmdGSKO:
		log.Warn().Str("addr", cfg.ExternalUDPAddr).Msg("gateway rejected registration: already registered")
	default:
		return fmt.Errorf("gameserver: unexpected GS reply command %s", hdr.Cmd)
	}
	return nil
}

func loadGameServerConfig(path string) *config.GameServerCfg {
	cfg := &config.GameServerCfg{
		BaseUDPAddr:     ":4244",
		ExternalUDPAddr: "127.0.0.1:4244",
		GatewayTCPAddr:  "127.0.0.1:4243",
		WorkerCount:     1,
		AdminAddr:       ":9101",
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("gameserver: no config file found, using built-in defaults")
		return cfg
	}
	if err := mgr.Load(cfg); err != nil {
		log.Warn().Err(err).Msg("gameserver: config invalid, using built-in defaults")
		return &config.GameServerCfg{
			BaseUDPAddr:     ":4244",
			ExternalUDPAddr: "127.0.0.1:4244",
			GatewayTCPAddr:  "127.0.0.1:4243",
			WorkerCount:     1,
			AdminAddr:       ":9101",
		}
	}
	errCh := make(chan error, 1)
	if err := mgr.WatchAndReload(errCh); err != nil {
		log.Debug().Err(err).Msg("gameserver: config hot-reload unavailable")
	}
	go func() {
		for err := range errCh {
			log.Warn().Err(err).Msg("gameserver: config reload failed")
		}
	}()
	return cfg
}
