package config

import "fmt"

// GatewayCfg holds the gateway process's externally supplied
// configuration.
type GatewayCfg struct {
	// ListenAddr is the gateway's TCP bind address.
	ListenAddr string `mapstructure:"listenAddr"`

	// SharedSecret is not used by the gateway's own protocol handling
	// (GWP has no HMAC handshake); an empty value only produces a startup
	// warning. Validate does not check it.
	SharedSecret string `mapstructure:"sharedSecret"`

	// WorkerCount is advisory; the core is single-threaded and may
	// ignore it.
	WorkerCount int `mapstructure:"workerCount"`

	// ConsulAddr, if non-empty, mirrors game-server registrations into
	// a Consul agent catalog.
	ConsulAddr string `mapstructure:"consulAddr"`

	// AdminAddr is the bind address for the admin HTTP listener that
	// exposes /metrics.
	AdminAddr string `mapstructure:"adminAddr"`
}

func (c *GatewayCfg) GetName() string { return "gateway" }

func (c *GatewayCfg) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	return nil
}

// GameServerCfg holds the game server process's externally supplied
// configuration.
type GameServerCfg struct {
	// BaseUDPAddr is the address the process binds its UDP socket to.
	BaseUDPAddr string `mapstructure:"baseUdpAddr"`

	// ExternalUDPAddr is what clients are told to connect to in JOIN
	// responses; it can differ from BaseUDPAddr behind NAT/port-forwarding.
	ExternalUDPAddr string `mapstructure:"externalUdpAddr"`

	// GatewayTCPAddr is the gateway's TCP address this process
	// registers against.
	GatewayTCPAddr string `mapstructure:"gatewayTcpAddr"`

	SharedSecret string `mapstructure:"sharedSecret"`
	WorkerCount  int    `mapstructure:"workerCount"`

	// AdminAddr is the bind address for the admin HTTP listener that
	// exposes /metrics.
	AdminAddr string `mapstructure:"adminAddr"`
}

func (c *GameServerCfg) GetName() string { return "gameserver" }

func (c *GameServerCfg) Validate() error {
	if c.BaseUDPAddr == "" {
		return fmt.Errorf("baseUdpAddr must not be empty")
	}
	if c.ExternalUDPAddr == "" {
		return fmt.Errorf("externalUdpAddr must not be empty")
	}
	if c.GatewayTCPAddr == "" {
		return fmt.Errorf("gatewayTcpAddr must not be empty")
	}
	return nil
}

// DefaultSharedSecret is the built-in fallback used when no shared
// secret is configured. Its use must be logged; callers do so at the
// point they detect the empty config value, since only they know the
// logger context (gateway vs game server).
const DefaultSharedSecret = "r-type-dev-insecure-shared-secret"
