package consul

import (
	"fmt"
	"net"
	"os"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	consul "github.com/hashicorp/consul/api"
	"github.com/huage1994/skein-provisioner/common/utils"
)

const (
	// NetworkEnv optionally names a CIDR; if set, the first local address within it is advertised.
	NetworkEnv = "SKEIN_PROVISIONER_NETWORK"
)

// NewClient returns a new Client with connection to consul
func NewClient(addr string) (*Client, error) {
	cfg := consul.DefaultConfig()
	cfg.Address = addr

	c, err := consul.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	cli := &Client{Client: c}
	config.InitLogger(&cli.logger, "Consul ")

	return cli, nil
}

// Client provides an interface for communicating with registry
type Client struct {
	*consul.Client

	logger logger.Logger
}

// getLocalIP looks for the address of the network named by NetworkEnv.
// If not found, return the first non loopback IP address.
func (c *Client) getLocalIP() (string, error) {
	ips, err := utils.LocalIPv4Addresses()
	if err != nil {
		return "", err
	}

	if len(ips) == 0 {
		return "", fmt.Errorf("registry: can not find local ip")
	} else if len(ips) == 1 {
		return ips[0].String(), nil
	}

	network := os.Getenv(NetworkEnv)
	if network == "" {
		return ips[0].String(), nil
	}

	_, ipNet, err := net.ParseCIDR(network)
	if err != nil {
		c.logger.Error("An invalid network CIDR is set in environment %s: %v", NetworkEnv, network)
		return ips[0].String(), nil
	}

	for _, ip := range ips {
		if ipNet.Contains(ip) {
			c.logger.Info("Advertising address %s from the dedicated network %s", ip.String(), network)
			return ip.String(), nil
		}
	}

	return ips[0].String(), nil
}

// Register a service with registry. If healthPath is non-empty, consul polls it over HTTP.
func (c *Client) Register(name string, id string, ip string, port int, healthPath string) error {
	if ip == "" {
		var err error
		ip, err = c.getLocalIP()
		if err != nil {
			return err
		}
	}

	reg := &consul.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Port:    port,
		Address: ip,
		Tags:    []string{"kernel-provisioner"},
	}

	if healthPath != "" {
		reg.Check = &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", ip, port, healthPath),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		}
	}

	c.logger.Info("Trying to register service [ name: %s, id: %s, address: %s:%d ]", name, id, ip, port)
	return c.Agent().ServiceRegister(reg)
}

// Deregister removes the service address from registry
func (c *Client) Deregister(id string) error {
	c.logger.Info("Deregistering service %s", id)
	return c.Agent().ServiceDeregister(id)
}
