package domain

import (
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/huage1994/skein-provisioner/common/jupyter"
	"github.com/huage1994/skein-provisioner/common/utils"
)

const (
	DefaultTransport       = "tcp"
	DefaultSignatureScheme = "hmac-sha256"
)

// DefaultArgv starts an IPython kernel.
var DefaultArgv = []string{"python", "-m", "ipykernel_launcher", "-f", jupyter.ConnectionFileVariable}

type LauncherOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	Argv            string `name:"argv"             json:"argv"             yaml:"argv"             description:"JSON-encoded command that starts the kernel. Defaults to KERNEL_ARGV, then to an IPython kernel."`
	ConnectionDir   string `name:"connection-dir"   json:"connection_dir"   yaml:"connection_dir"   description:"Directory that the connection file is written to."`
	IP              string `name:"ip"               json:"ip"               yaml:"ip"               description:"Address the kernel binds to and advertises. Defaults to the first non-loopback IPv4 address."`
	Transport       string `name:"transport"        json:"transport"        yaml:"transport"        description:"Transport used by the kernel's sockets."`
	SignatureScheme string `name:"signature-scheme" json:"signature_scheme" yaml:"signature_scheme" description:"Scheme used to sign messages."`
	KernelName      string `name:"kernel-name"      json:"kernel_name"      yaml:"kernel_name"      description:"Kernel name included in the connection info."`
}

func DefaultLauncherOptions() LauncherOptions {
	return LauncherOptions{
		ConnectionDir:   ".",
		Transport:       DefaultTransport,
		SignatureScheme: DefaultSignatureScheme,
	}
}

// KernelArgv returns the command that starts the kernel.
func (o *LauncherOptions) KernelArgv() ([]string, error) {
	raw := o.Argv
	if raw == "" {
		raw = utils.GetEnv(jupyter.ArgvEnv, "")
	}

	if raw == "" {
		return append([]string(nil), DefaultArgv...), nil
	}

	var argv []string
	if err := json.Unmarshal([]byte(raw), &argv); err != nil {
		return nil, fmt.Errorf("invalid kernel argv %s: %w", raw, err)
	}

	if len(argv) == 0 {
		return nil, fmt.Errorf("kernel argv is empty")
	}

	return argv, nil
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *LauncherOptions) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(o, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}
