package cloudinit

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/intar-labs/intar/internal/scenario"
)

// ApplyVMSteps compiles a VM's ordered steps into cloud-init write_files and
// runcmd entries, appending to whatever the scenario author already put in
// config.
func ApplyVMSteps(vmName string, steps []scenario.VMStep, config *scenario.CloudInitSpec) error {
	if len(steps) == 0 {
		return nil
	}

	runcmd := config.Runcmd
	vmSlug := slugify(vmName)

	for _, step := range steps {
		stepSlug := slugify(step.Name)
		hidden := isHiddenStep(step)

		var scriptPath string
		if hidden {
			scriptPath = fmt.Sprintf("/run/intar-step-%s-%s.sh", vmSlug, stepSlug)
		} else {
			scriptPath = fmt.Sprintf("/usr/local/bin/intar-step-%s-%s.sh", vmSlug, stepSlug)
		}

		script, err := renderStepScript(vmSlug, stepSlug, step, hidden)
		if err != nil {
			return err
		}

		config.WriteFiles = append(config.WriteFiles, scenario.WriteFile{
			Path:        scriptPath,
			Content:     script,
			Permissions: "0755",
		})

		if hidden {
			runcmd = appendRuncmdLine(runcmd, fmt.Sprintf("bash %s", scriptPath))
		} else {
			runcmd = appendRuncmdLine(runcmd, fmt.Sprintf(
				"cloud-init-per once intar-step-%s-%s %s", vmSlug, stepSlug, scriptPath))
		}
	}

	config.Runcmd = runcmd
	return nil
}

func isHiddenStep(step scenario.VMStep) bool {
	name := strings.ToLower(step.Name)
	return strings.HasPrefix(name, "break") || strings.Contains(name, "break-") || strings.Contains(name, "break_")
}

func renderStepScript(vmSlug, stepSlug string, step scenario.VMStep, hidden bool) (string, error) {
	var b strings.Builder

	renderStepHeader(&b, vmSlug, stepSlug, hidden)

	for idx, action := range step.Actions {
		if err := renderAction(&b, stepSlug, idx, action); err != nil {
			return "", err
		}
	}

	renderStepFooter(&b, vmSlug, stepSlug, hidden)
	return b.String(), nil
}

func renderStepHeader(b *strings.Builder, vmSlug, stepSlug string, hidden bool) {
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -euo pipefail\n")

	if hidden {
		b.WriteString("trap 'rm -f -- \"$0\"' EXIT\n")
		b.WriteString("exec >/dev/null 2>&1\n")
		return
	}

	b.WriteString("LOG_DIR=/var/log/intar\n")
	b.WriteString("mkdir -p \"$LOG_DIR\"\n")
	fmt.Fprintf(b, "exec >\"$LOG_DIR/step-%s-%s.log\" 2>&1\n", vmSlug, stepSlug)
	fmt.Fprintf(b, "echo \"[intar] step %s/%s starting\"\n", vmSlug, stepSlug)
}

func renderStepFooter(b *strings.Builder, vmSlug, stepSlug string, hidden bool) {
	if hidden {
		return
	}
	fmt.Fprintf(b, "echo \"[intar] step %s/%s complete\"\n", vmSlug, stepSlug)
}

func renderAction(b *strings.Builder, stepSlug string, idx int, action scenario.VMAction) error {
	switch action.Kind {
	case scenario.ActionFileDelete:
		fmt.Fprintf(b, "rm -f -- %s\n", shellQuote(action.Path))
		return nil
	case scenario.ActionFileWrite:
		return renderFileWrite(b, stepSlug, idx, action.Path, action.Content, action.Permissions)
	case scenario.ActionFileReplace:
		return renderFileReplace(b, action.Path, action.Pattern, action.Replacement, action.Regex)
	case scenario.ActionSystemctl:
		return renderSystemctl(b, action.Unit, action.SystemctlAction)
	case scenario.ActionCommand:
		renderCommand(b, action.Cmd)
		return nil
	case scenario.ActionK8sApply:
		return renderK8sApply(b, stepSlug, idx, action.Kubeconfig, action.Manifest)
	case scenario.ActionK8sNamespace:
		return renderK8sNamespace(b, stepSlug, idx, action.Kubeconfig, action.K8sName)
	case scenario.ActionK8sDeployment:
		return renderK8sDeployment(b, stepSlug, idx, action)
	case scenario.ActionK8sService:
		return renderK8sService(b, stepSlug, idx, action)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func renderFileWrite(b *strings.Builder, stepSlug string, idx int, path, content, permissions string) error {
	marker := fmt.Sprintf("INTAR_EOF_%s_%d", stepSlug, idx)
	fmt.Fprintf(b, "install -d -m 0755 -- \"$(dirname -- %s)\"\n", shellQuote(path))
	fmt.Fprintf(b, "cat <<'%s' > %s\n", marker, shellQuote(path))
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s\n", marker)
	if permissions != "" {
		fmt.Fprintf(b, "chmod %s -- %s\n", permissions, shellQuote(path))
	}
	return nil
}

func renderFileReplace(b *strings.Builder, path, pattern, replacement string, isRegex bool) error {
	pathLit, err := jsonLiteral(path)
	if err != nil {
		return err
	}
	patternLit, err := jsonLiteral(pattern)
	if err != nil {
		return err
	}
	replacementLit, err := jsonLiteral(replacement)
	if err != nil {
		return err
	}

	b.WriteString("python3 - <<'PY'\n")
	b.WriteString("from pathlib import Path\n")
	b.WriteString("import re\n")
	fmt.Fprintf(b, "path = %s\n", pathLit)
	fmt.Fprintf(b, "pattern = %s\n", patternLit)
	fmt.Fprintf(b, "replacement = %s\n", replacementLit)
	b.WriteString("data = Path(path).read_text(encoding='utf-8')\n")
	if isRegex {
		b.WriteString("new = re.sub(pattern, replacement, data, flags=re.MULTILINE)\n")
	} else {
		b.WriteString("new = data.replace(pattern, replacement)\n")
	}
	b.WriteString("Path(path).write_text(new, encoding='utf-8')\n")
	b.WriteString("PY\n")
	return nil
}

func renderSystemctl(b *strings.Builder, unit string, action scenario.SystemctlAction) error {
	var verb string
	switch action {
	case scenario.SystemctlStart:
		verb = "start"
	case scenario.SystemctlStop:
		verb = "stop"
	case scenario.SystemctlRestart:
		verb = "restart"
	case scenario.SystemctlEnable:
		verb = "enable"
	case scenario.SystemctlDisable:
		verb = "disable"
	case scenario.SystemctlEnableNow:
		verb = "enable --now"
	default:
		return fmt.Errorf("unknown systemctl action %q", action)
	}
	fmt.Fprintf(b, "systemctl %s %s\n", verb, shellQuote(unit))
	return nil
}

func renderCommand(b *strings.Builder, cmd string) {
	b.WriteString("\n")
	b.WriteString(cmd)
	if !strings.HasSuffix(cmd, "\n") {
		b.WriteString("\n")
	}
}

func renderKubeconfigSelection(b *strings.Builder, kubeconfig string) {
	if kubeconfig != "" {
		fmt.Fprintf(b, "export KUBECONFIG=%s\n", shellQuote(kubeconfig))
		return
	}

	b.WriteString("if [ -z \"${KUBECONFIG:-}\" ]; then\n")
	b.WriteString("  if [ -f /etc/rancher/k3s/k3s.yaml ]; then\n")
	b.WriteString("    export KUBECONFIG=/etc/rancher/k3s/k3s.yaml\n")
	b.WriteString("  elif [ -f /etc/kubernetes/admin.conf ]; then\n")
	b.WriteString("    export KUBECONFIG=/etc/kubernetes/admin.conf\n")
	b.WriteString("  fi\n")
	b.WriteString("fi\n")
}

func renderK8sApplyManifest(b *strings.Builder, stepSlug string, idx int, kubeconfig string, manifest string) {
	marker := fmt.Sprintf("INTAR_K8S_MANIFEST_%s_%d", stepSlug, idx)
	renderKubeconfigSelection(b, kubeconfig)
	fmt.Fprintf(b, "cat <<'%s' | kubectl apply -f -\n", marker)
	b.WriteString(manifest)
	if !strings.HasSuffix(manifest, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s\n", marker)
}

func renderK8sApply(b *strings.Builder, stepSlug string, idx int, kubeconfig, manifest string) error {
	renderK8sApplyManifest(b, stepSlug, idx, kubeconfig, manifest)
	return nil
}

func renderK8sNamespace(b *strings.Builder, stepSlug string, idx int, kubeconfig, name string) error {
	manifest, err := marshalIndent(map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]any{"name": name},
	})
	if err != nil {
		return err
	}
	renderK8sApplyManifest(b, stepSlug, idx, kubeconfig, manifest)
	return nil
}

func renderK8sDeployment(b *strings.Builder, stepSlug string, idx int, action scenario.VMAction) error {
	manifest, err := marshalIndent(map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]any{
			"name":      action.K8sName,
			"namespace": action.K8sNamespace,
		},
		"spec": map[string]any{
			"replicas": action.Replicas,
			"selector": map[string]any{"matchLabels": action.Labels},
			"template": map[string]any{
				"metadata": map[string]any{"labels": action.Labels},
				"spec": map[string]any{
					"containers": []map[string]any{{
						"name":  action.K8sName,
						"image": action.K8sImage,
						"ports": []map[string]any{{"containerPort": action.ContainerPort}},
					}},
				},
			},
		},
	})
	if err != nil {
		return err
	}
	renderK8sApplyManifest(b, stepSlug, idx, action.Kubeconfig, manifest)
	return nil
}

func renderK8sService(b *strings.Builder, stepSlug string, idx int, action scenario.VMAction) error {
	manifest, err := marshalIndent(map[string]any{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]any{
			"name":      action.K8sName,
			"namespace": action.K8sNamespace,
		},
		"spec": map[string]any{
			"selector": action.Selector,
			"ports":    []map[string]any{{"port": action.Port, "targetPort": action.TargetPort}},
		},
	})
	if err != nil {
		return err
	}
	renderK8sApplyManifest(b, stepSlug, idx, action.Kubeconfig, manifest)
	return nil
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode k8s manifest: %w", err)
	}
	return string(data), nil
}

func jsonLiteral(s string) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode string literal: %w", err)
	}
	return string(data), nil
}

func appendRuncmdLine(runcmd, line string) string {
	if runcmd != "" && !strings.HasSuffix(runcmd, "\n") {
		runcmd += "\n"
	}
	return runcmd + line + "\n"
}

func slugify(input string) string {
	var b strings.Builder
	lastDash := false
	for _, ch := range input {
		var normalized rune
		var ok bool
		switch {
		case ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9':
			normalized, ok = ch, true
		case ch >= 'A' && ch <= 'Z':
			normalized, ok = ch+('a'-'A'), true
		case ch == '-' || ch == '_':
			normalized, ok = ch, true
		}

		if ok {
			b.WriteRune(normalized)
			lastDash = false
		} else if b.Len() > 0 && !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return "step"
	}
	return out
}

func shellQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, ch := range s {
		if ch == '\'' {
			b.WriteString(`'\''`)
		} else {
			b.WriteRune(ch)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
