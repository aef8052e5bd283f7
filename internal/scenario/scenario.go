// Package scenario holds the validated in-memory representation of a lab
// environment: its images, probes, and VM definitions. Parsing a scenario
// from a declarative file format is out of scope here; callers construct
// a Scenario directly (or decode one from JSON) and call Validate.
package scenario

import (
	"encoding/json"
	"fmt"
)

// Scenario is the immutable input to a Runner once Validate succeeds.
type Scenario struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Images      map[string]ImageSpec       `json:"images"`
	Probes      map[string]ProbeDefinition `json:"probes"`
	VMs         []VMDefinition             `json:"vms"`
}

// ImageSpec names the per-architecture sources for a base image.
type ImageSpec struct {
	Name    string        `json:"name"`
	Sources []ImageSource `json:"sources"`
}

// ImageSource is one architecture's download location and checksum.
type ImageSource struct {
	Arch     string `json:"arch"`
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
}

// SourceForArch returns the source matching arch, normalizing the common
// uname-style names ("x86_64", "aarch64") to the scenario's amd64/arm64.
func (s ImageSpec) SourceForArch(arch string) (ImageSource, bool) {
	normalized := arch
	switch arch {
	case "x86_64":
		normalized = "amd64"
	case "aarch64":
		normalized = "arm64"
	}
	for _, src := range s.Sources {
		if src.Arch == normalized {
			return src, true
		}
	}
	return ImageSource{}, false
}

// ProbePhase gates when a probe is evaluated.
type ProbePhase string

const (
	ProbePhaseBoot     ProbePhase = "boot"
	ProbePhaseScenario ProbePhase = "scenario"
)

// ProbeDefinition names a probe and carries its type-specific config as a
// flattened map, mirroring how a declarative front end would merge
// type-specific attributes alongside the common fields.
type ProbeDefinition struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Phase       ProbePhase     `json:"phase,omitempty"`
	// Config carries every attribute not named above, mirroring how a
	// declarative front end would merge type-specific probe attributes
	// alongside the common name/type/description/phase fields.
	Config map[string]any `json:"-"`
}

// MarshalJSON flattens Config's entries alongside the named fields.
func (p ProbeDefinition) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Config)+4)
	for k, v := range p.Config {
		out[k] = v
	}
	out["name"] = p.Name
	out["type"] = p.Type
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.Phase != "" {
		out["phase"] = p.Phase
	}
	return json.Marshal(out)
}

// UnmarshalJSON extracts the common fields and collects everything else into
// Config.
func (p *ProbeDefinition) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["name"].(string); ok {
		p.Name = v
	}
	if v, ok := raw["type"].(string); ok {
		p.Type = v
	}
	if v, ok := raw["description"].(string); ok {
		p.Description = v
	}
	if v, ok := raw["phase"].(string); ok {
		p.Phase = ProbePhase(v)
	}

	delete(raw, "name")
	delete(raw, "type")
	delete(raw, "description")
	delete(raw, "phase")
	p.Config = raw
	return nil
}

// VMDefinition is one guest in the scenario.
type VMDefinition struct {
	Name      string          `json:"name"`
	CPU       uint32          `json:"cpu"`
	MemoryMB  uint32          `json:"memory"`
	DiskGB    uint32          `json:"disk"`
	Image     string          `json:"image"`
	CloudInit *CloudInitSpec  `json:"cloud_init,omitempty"`
	Steps     []VMStep        `json:"steps,omitempty"`
	Probes    []string        `json:"probes"`
}

// VMStep is a named, ordered sequence of actions applied once during boot.
type VMStep struct {
	Name    string     `json:"name"`
	Actions []VMAction `json:"actions"`
}

// VMActionKind tags the VMAction union.
type VMActionKind string

const (
	ActionFileDelete    VMActionKind = "file_delete"
	ActionFileWrite     VMActionKind = "file_write"
	ActionFileReplace   VMActionKind = "file_replace"
	ActionSystemctl     VMActionKind = "systemctl"
	ActionCommand       VMActionKind = "command"
	ActionK8sApply      VMActionKind = "k8s_apply"
	ActionK8sNamespace  VMActionKind = "k8s_namespace"
	ActionK8sDeployment VMActionKind = "k8s_deployment"
	ActionK8sService    VMActionKind = "k8s_service"
)

// SystemctlAction is the verb applied to a unit.
type SystemctlAction string

const (
	SystemctlStart      SystemctlAction = "start"
	SystemctlStop       SystemctlAction = "stop"
	SystemctlRestart    SystemctlAction = "restart"
	SystemctlEnable     SystemctlAction = "enable"
	SystemctlDisable    SystemctlAction = "disable"
	SystemctlEnableNow  SystemctlAction = "enable_now"
)

// VMAction is a single boot-time mutation. Exactly the fields relevant to
// Kind are populated; this mirrors a Rust tagged enum more directly than a
// Go interface hierarchy would, and keeps the cloud-init compiler's
// dispatch a simple switch over Kind.
type VMAction struct {
	Kind VMActionKind `json:"type"`

	// file_delete, file_write, file_replace
	Path string `json:"path,omitempty"`

	// file_write
	Content     string `json:"content,omitempty"`
	Permissions string `json:"permissions,omitempty"`

	// file_replace
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Regex       bool   `json:"regex,omitempty"`

	// systemctl
	Unit            string          `json:"unit,omitempty"`
	SystemctlAction SystemctlAction `json:"action,omitempty"`

	// command
	Cmd string `json:"cmd,omitempty"`

	// k8s_apply
	Manifest string `json:"manifest,omitempty"`

	// k8s_namespace, k8s_deployment, k8s_service
	K8sName      string            `json:"k8s_name,omitempty"`
	K8sNamespace string            `json:"k8s_namespace,omitempty"`
	K8sImage     string            `json:"k8s_image,omitempty"`
	Replicas     uint32            `json:"replicas,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Selector     map[string]string `json:"selector,omitempty"`
	ContainerPort uint16           `json:"container_port,omitempty"`
	Port          uint16           `json:"port,omitempty"`
	TargetPort    uint16           `json:"target_port,omitempty"`

	// k8s_* (all variants)
	Kubeconfig string `json:"kubeconfig,omitempty"`
}

// CloudInitSpec is the scenario author's own cloud-init contribution, merged
// with the composer's mandatory boilerplate (agent install, network setup).
type CloudInitSpec struct {
	Packages      []string    `json:"packages,omitempty"`
	NetworkConfig string      `json:"network_config,omitempty"`
	Runcmd        string      `json:"runcmd,omitempty"`
	WriteFiles    []WriteFile `json:"write_files,omitempty"`
}

// WriteFile is a single cloud-init write_files entry.
type WriteFile struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Permissions string `json:"permissions,omitempty"`
}

// Validate checks that every VM's image and probe references resolve, and
// that step names are unique within each VM.
func (s Scenario) Validate() error {
	for _, vm := range s.VMs {
		if _, ok := s.Images[vm.Image]; !ok {
			return fmt.Errorf("image %q not found in scenario", vm.Image)
		}
		for _, probeName := range vm.Probes {
			if _, ok := s.Probes[probeName]; !ok {
				return fmt.Errorf("probe %q not found in scenario", probeName)
			}
		}
		seen := make(map[string]struct{}, len(vm.Steps))
		for _, step := range vm.Steps {
			if _, dup := seen[step.Name]; dup {
				return fmt.Errorf("vm %q has duplicate step %q", vm.Name, step.Name)
			}
			seen[step.Name] = struct{}{}
			if len(step.Actions) == 0 {
				return fmt.Errorf("vm %q step %q has no actions", vm.Name, step.Name)
			}
		}
	}
	return nil
}

// TotalProbeCount returns the number of probe references across all VMs.
func (s Scenario) TotalProbeCount() int {
	total := 0
	for _, vm := range s.VMs {
		total += len(vm.Probes)
	}
	return total
}
