package domain

import (
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/huage1994/skein-provisioner/common/configuration"
)

const (
	DefaultPort                   = 8090
	DefaultShutdownTimeoutSeconds = 30
)

type GatewayOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`
	ConsulAddr           string `name:"consul" description:"Consul agent address. When set, the gateway registers itself with Consul." json:"consul_addr" yaml:"consul_addr"`

	configuration.ProvisionerOptions `yaml:",inline" json:"provisioner_options"`

	Port                   int    `name:"port"             description:"Port the HTTP service listens on."                          json:"port"             yaml:"port"`
	NodeName               string `name:"node-name"        description:"Name reported in metrics and used as the Consul service ID." json:"node_name"        yaml:"node_name"`
	EnableCors             bool   `name:"cors"             description:"Allow cross-origin requests to the HTTP service."           json:"cors"             yaml:"cors"`
	ShutdownTimeoutSeconds int    `name:"shutdown-timeout" description:"Time allowed for in-flight requests to finish on shutdown." json:"shutdown_timeout" yaml:"shutdown_timeout"`
	PrettyPrintOptions     bool   `name:"pretty_print_options" description:"Pretty-print the options when the gateway starts."  json:"pretty_print_options" yaml:"pretty_print_options"`
}

// DefaultGatewayOptions returns the options used when no flag or configuration file overrides them.
func DefaultGatewayOptions() GatewayOptions {
	return GatewayOptions{
		ProvisionerOptions:     configuration.DefaultProvisionerOptions(),
		Port:                   DefaultPort,
		ShutdownTimeoutSeconds: DefaultShutdownTimeoutSeconds,
	}
}

// ValidateGatewayOptions checks the options that ValidateOptions cannot check on its own.
func (opts *GatewayOptions) ValidateGatewayOptions() error {
	if opts.Port <= 0 || opts.Port > 65535 {
		return fmt.Errorf("invalid port: %d", opts.Port)
	}

	if opts.ShutdownTimeoutSeconds <= 0 {
		opts.ShutdownTimeoutSeconds = DefaultShutdownTimeoutSeconds
	}

	return opts.ProvisionerOptions.ValidateProvisionerOptions()
}

func (opts *GatewayOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *GatewayOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(opts, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}
