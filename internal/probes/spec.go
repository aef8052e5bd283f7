// Package probes defines the declarative probe spec tagged union, the
// host<->guest wire protocol that carries it, and (in eval.go) the guest-side
// evaluator that turns a spec into a pass/fail result.
package probes

import (
	"encoding/json"
	"fmt"
)

// Kind tags the ProbeSpec union.
type Kind string

const (
	KindFileContent        Kind = "file_content"
	KindFileExists          Kind = "file_exists"
	KindService             Kind = "service"
	KindPort                 Kind = "port"
	KindCommand              Kind = "command"
	KindHTTP                 Kind = "http"
	KindK8sNodesReady        Kind = "k8s_nodes_ready"
	KindK8sEndpointsNonempty Kind = "k8s_endpoints_nonempty"
	KindTCPPing              Kind = "tcp_ping"
)

// Protocol is the transport-level protocol a port probe checks (tcp_ping
// always dials TCP).
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ServiceState is the expected systemd unit state for a service probe.
type ServiceState string

const (
	ServiceRunning  ServiceState = "running"
	ServiceStopped  ServiceState = "stopped"
	ServiceEnabled  ServiceState = "enabled"
	ServiceDisabled ServiceState = "disabled"
)

// PortState is the expected listen state for a port probe.
type PortState string

const (
	PortListening PortState = "listening"
	PortClosed    PortState = "closed"
)

// ReachState is the expected reachability for a tcp_ping probe.
type ReachState string

const (
	Reachable   ReachState = "reachable"
	Unreachable ReachState = "unreachable"
)

// Spec is a tagged union of every probe variant. Only the fields relevant to
// Kind are populated; JSON (de)serialization round-trips exactly, including
// the defaults FromDefinition fills in, so that decode(encode(spec)) == spec.
type Spec struct {
	Kind Kind `json:"type"`

	// file_content, file_exists
	Path     string `json:"path,omitempty"`
	Contains string `json:"contains,omitempty"`
	Regex    string `json:"regex,omitempty"`
	Exists   bool   `json:"exists,omitempty"`

	// service
	Service      string       `json:"service,omitempty"`
	ServiceState ServiceState `json:"state,omitempty"`

	// port
	Port     uint16   `json:"port,omitempty"`
	PortState PortState `json:"port_state,omitempty"`
	Protocol Protocol `json:"protocol,omitempty"`

	// command
	Cmd            string `json:"cmd,omitempty"`
	ExitCode       int    `json:"exit_code,omitempty"`
	StdoutContains string `json:"stdout_contains,omitempty"`

	// http
	URL          string `json:"url,omitempty"`
	Status       int    `json:"status,omitempty"`
	BodyContains string `json:"body_contains,omitempty"`

	// k8s_nodes_ready
	ExpectedReady int `json:"expected_ready,omitempty"`

	// k8s_endpoints_nonempty
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`

	// k8s_* (shared)
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Context    string `json:"context,omitempty"`

	// tcp_ping
	Host       string     `json:"host,omitempty"`
	TimeoutMs  int        `json:"timeout_ms,omitempty"`
	ReachState ReachState `json:"reach_state,omitempty"`
}

// FromDefinition builds a Spec from a probe type discriminator and a
// type-specific config map (as produced by scenario.ProbeDefinition.Config),
// applying the defaults the distilled spec calls out explicitly.
func FromDefinition(probeType string, config map[string]any) (Spec, error) {
	merged := make(map[string]any, len(config)+1)
	for k, v := range config {
		merged[k] = v
	}
	merged["type"] = probeType

	raw, err := json.Marshal(merged)
	if err != nil {
		return Spec{}, fmt.Errorf("encode probe config: %w", err)
	}

	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode probe config: %w", err)
	}

	switch spec.Kind {
	case KindPort:
		if spec.Protocol == "" {
			spec.Protocol = ProtocolTCP
		}
	case KindTCPPing:
		if spec.Port == 0 {
			spec.Port = 1
		}
		if spec.TimeoutMs == 0 {
			spec.TimeoutMs = 2000
		}
		if spec.ReachState == "" {
			spec.ReachState = Reachable
		}
	case "":
		return Spec{}, fmt.Errorf("missing probe type")
	}

	return spec, nil
}
