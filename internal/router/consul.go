package router

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulRegistrar mirrors game-server registrations into a Consul agent
// catalog. It is additive: the in-memory registry in router.go stays
// authoritative for every routing decision, this only makes
// registrations externally observable (e.g. by an operator's
// `consul catalog services`).
type ConsulRegistrar struct {
	client *consulapi.Client
}

// NewConsulRegistrar dials addr (host:port of a Consul agent). Errors
// here are configuration errors, not routing errors: a Router built
// without a Registrar functions identically minus the mirror.
func NewConsulRegistrar(addr string) (*ConsulRegistrar, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("router: consul client: %w", err)
	}
	return &ConsulRegistrar{client: client}, nil
}

func serviceID(key GSKey) string {
	return "rtype-gameserver-" + key.String()
}

// Register implements Registrar.
func (c *ConsulRegistrar) Register(key GSKey) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      serviceID(key),
		Name:    "rtype-gameserver",
		Address: key.IP,
		Port:    int(key.Port),
		Tags:    []string{"rtype", "gameserver"},
	}
	return c.client.Agent().ServiceRegister(reg)
}

// Deregister implements Registrar.
func (c *ConsulRegistrar) Deregister(key GSKey) error {
	return c.client.Agent().ServiceDeregister(serviceID(key))
}
