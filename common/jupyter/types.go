package jupyter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// KernelInfoKey is the key under which a remote kernel publishes its connection info.
	KernelInfoKey = "ipython.kernel.info"

	// ConnectionFileVariable is the placeholder within a kernel's argv that is replaced with the
	// path of the connection file.
	ConnectionFileVariable = "{connection_file}"

	// ArgvEnv is the environment variable through which a kernel's job receives the JSON-encoded argv
	// that starts the kernel.
	ArgvEnv = "KERNEL_ARGV"
)

var (
	ErrNotSupported            = errors.New("not supported")
	ErrKernelNotLaunched       = errors.New("kernel not launched")
	ErrMalformedConnectionInfo = errors.New("malformed kernel connection info")
	ErrIncompleteConnection    = errors.New("kernel connection info is missing required fields")
)

// ConnectionInfo stores the contents of the kernel connection info.
//
// This is the payload that a remote kernel publishes once its sockets are bound, and it is what
// the notebook framework needs in order to talk to the kernel.
type ConnectionInfo struct {
	IP              string `json:"ip" name:"ip" description:"The IP address of the kernel."`
	ControlPort     int    `json:"control_port" name:"control-port" description:"The port for control messages."`
	ShellPort       int    `json:"shell_port" name:"shell-port" description:"The port for shell messages."`
	StdinPort       int    `json:"stdin_port" name:"stdin-port" description:"The port for stdin messages."`
	HBPort          int    `json:"hb_port" name:"hb-port" description:"The port for heartbeat messages."`
	IOPubPort       int    `json:"iopub_port" name:"iopub-port" description:"The port for iopub messages on the kernel."`
	Transport       string `json:"transport" name:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`

	// Payload is the document the kernel published, kept as-is so that fields not modeled above
	// reach the framework. It is set by ParseConnectionInfo.
	Payload json.RawMessage `json:"-"`
}

// ParseConnectionInfo decodes a JSON-encoded connection info payload. The payload must be a JSON
// object. It is retained verbatim in Payload.
func ParseConnectionInfo(payload []byte) (*ConnectionInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, errors.Join(ErrMalformedConnectionInfo, err)
	} else if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedConnectionInfo)
	}

	var info ConnectionInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, errors.Join(ErrMalformedConnectionInfo, err)
	}
	info.Payload = append(json.RawMessage(nil), payload...)

	return &info, nil
}

// MarshalJSON returns the published payload when there is one, and the modeled fields otherwise.
func (info *ConnectionInfo) MarshalJSON() ([]byte, error) {
	if len(info.Payload) > 0 {
		return info.Payload, nil
	}

	type fields ConnectionInfo
	return json.Marshal((*fields)(info))
}

// Validate returns ErrIncompleteConnection if the address or any of the five ports is missing.
// Kernels on other transports may legitimately omit ports, so callers treat this as advisory.
func (info *ConnectionInfo) Validate() error {
	if info.IP == "" || info.Transport == "" {
		return ErrIncompleteConnection
	}

	for _, port := range []int{info.ControlPort, info.ShellPort, info.StdinPort, info.HBPort, info.IOPubPort} {
		if port <= 0 {
			return ErrIncompleteConnection
		}
	}

	return nil
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (info *ConnectionInfo) PrettyString(indentSize int) string {
	m, err := json.MarshalIndent(info, "", strings.Repeat(" ", indentSize))
	if err != nil {
		panic(err)
	}

	return string(m)
}

// KernelSpec is the subset of a Jupyter kernel spec (kernel.json) that the provisioner consumes.
type KernelSpec struct {
	Argv        []string          `json:"argv"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
	Env         map[string]string `json:"env,omitempty"`
}

func (s *KernelSpec) String() string {
	return fmt.Sprintf("KernelSpec[DisplayName=%s, Language=%s, Argv=%v]", s.DisplayName, s.Language, s.Argv)
}
