package probes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Evaluate runs a single probe inside the guest and returns a Result.
func Evaluate(ctx context.Context, id string, spec Spec) Result {
	passed, message, err := evaluate(ctx, spec)
	if err != nil {
		return Fail(id, err.Error())
	}
	return Result{ID: id, Passed: passed, Message: message}
}

func evaluate(ctx context.Context, spec Spec) (bool, string, error) {
	switch spec.Kind {
	case KindFileContent:
		return evalFileContent(spec)
	case KindFileExists:
		return evalFileExists(spec)
	case KindService:
		return evalService(spec)
	case KindPort:
		return evalPort(spec)
	case KindCommand:
		return evalCommand(spec)
	case KindHTTP:
		return evalHTTP(ctx, spec)
	case KindTCPPing:
		return evalTCPPing(ctx, spec)
	case KindK8sNodesReady:
		return evalK8sNodesReady(ctx, spec)
	case KindK8sEndpointsNonempty:
		return evalK8sEndpointsNonempty(ctx, spec)
	default:
		return false, "", fmt.Errorf("unknown probe type %q", spec.Kind)
	}
}

func evalFileContent(spec Spec) (bool, string, error) {
	data, err := os.ReadFile(spec.Path)
	if err != nil {
		return false, "", fmt.Errorf("read %s: %w", spec.Path, err)
	}
	content := string(data)

	if spec.Regex != "" {
		re, err := regexp.Compile("(?m)" + spec.Regex)
		if err != nil {
			return false, "", fmt.Errorf("compile regex: %w", err)
		}
		if re.MatchString(content) {
			return true, fmt.Sprintf("%s matches regex %q", spec.Path, spec.Regex), nil
		}
		return false, fmt.Sprintf("%s does not match regex %q", spec.Path, spec.Regex), nil
	}

	if spec.Contains != "" {
		if strings.Contains(content, spec.Contains) {
			return true, fmt.Sprintf("%s contains %q", spec.Path, spec.Contains), nil
		}
		return false, fmt.Sprintf("%s does not contain %q", spec.Path, spec.Contains), nil
	}

	return true, fmt.Sprintf("%s exists and was read", spec.Path), nil
}

func evalFileExists(spec Spec) (bool, string, error) {
	_, err := os.Stat(spec.Path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return false, "", fmt.Errorf("stat %s: %w", spec.Path, err)
	}
	if exists == spec.Exists {
		return true, fmt.Sprintf("%s exists=%v as expected", spec.Path, exists), nil
	}
	return false, fmt.Sprintf("%s exists=%v, expected %v", spec.Path, exists, spec.Exists), nil
}

func evalService(spec Spec) (bool, string, error) {
	var sub string
	switch spec.ServiceState {
	case ServiceRunning, ServiceStopped:
		sub = "is-active"
	case ServiceEnabled, ServiceDisabled:
		sub = "is-enabled"
	default:
		return false, "", fmt.Errorf("unknown service state %q", spec.ServiceState)
	}

	cmd := exec.Command("systemctl", sub, spec.Service)
	out, err := cmd.Output()
	active := err == nil
	status := strings.TrimSpace(string(out))

	switch spec.ServiceState {
	case ServiceRunning:
		if active {
			return true, fmt.Sprintf("%s is running", spec.Service), nil
		}
		return false, fmt.Sprintf("%s is not running (status: %s)", spec.Service, status), nil
	case ServiceStopped:
		if !active {
			return true, fmt.Sprintf("%s is stopped", spec.Service), nil
		}
		return false, fmt.Sprintf("%s is running, expected stopped", spec.Service), nil
	case ServiceEnabled:
		if active {
			return true, fmt.Sprintf("%s is enabled", spec.Service), nil
		}
		return false, fmt.Sprintf("%s is not enabled (status: %s)", spec.Service, status), nil
	case ServiceDisabled:
		if !active {
			return true, fmt.Sprintf("%s is disabled", spec.Service), nil
		}
		return false, fmt.Sprintf("%s is enabled, expected disabled", spec.Service), nil
	}
	return false, "", fmt.Errorf("unreachable")
}

// portOutcome classifies the low-level error from a loopback connect/bind
// attempt. "skip" means the address family is unavailable on this guest and
// should not count toward the probe's verdict.
type portOutcome int

const (
	outcomeListening portOutcome = iota
	outcomeClosed
	outcomeSkip
)

func classifyPortError(err error) (portOutcome, error) {
	if err == nil {
		return outcomeListening, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) || os.IsTimeout(err) {
		return outcomeClosed, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return outcomeListening, nil
	}
	if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EINVAL) {
		return outcomeSkip, nil
	}
	return outcomeSkip, err
}

func evalPort(spec Spec) (bool, string, error) {
	protocol := spec.Protocol
	if protocol == "" {
		protocol = ProtocolTCP
	}

	attempted := false
	listening := false

	for _, family := range []string{"4", "6"} {
		var outcome portOutcome
		var err error

		switch protocol {
		case ProtocolTCP:
			network := "tcp" + family
			addr := net.JoinHostPort(loopbackFor(family), fmt.Sprintf("%d", spec.Port))
			conn, dialErr := net.DialTimeout(network, addr, 500*time.Millisecond)
			if dialErr == nil {
				conn.Close()
			}
			outcome, err = classifyPortError(dialErr)
		case ProtocolUDP:
			network := "udp" + family
			addr := net.JoinHostPort(loopbackFor(family), fmt.Sprintf("%d", spec.Port))
			conn, bindErr := net.ListenPacket(network, addr)
			if bindErr == nil {
				conn.Close()
				outcome = outcomeClosed
			} else {
				outcome, err = classifyPortError(bindErr)
			}
		default:
			return false, "", fmt.Errorf("unknown protocol %q", protocol)
		}

		if outcome == outcomeSkip {
			if err != nil {
				return false, "", fmt.Errorf("check port %d/%s: %w", spec.Port, protocol, err)
			}
			continue
		}

		attempted = true
		if outcome == outcomeListening {
			listening = true
		}
	}

	if !attempted {
		return false, "", fmt.Errorf("no address family available to check port %d/%s", spec.Port, protocol)
	}

	switch spec.PortState {
	case PortListening:
		if listening {
			return true, fmt.Sprintf("port %d/%s is listening", spec.Port, protocol), nil
		}
		return false, fmt.Sprintf("port %d/%s is closed, expected listening", spec.Port, protocol), nil
	case PortClosed:
		if !listening {
			return true, fmt.Sprintf("port %d/%s is closed", spec.Port, protocol), nil
		}
		return false, fmt.Sprintf("port %d/%s is listening, expected closed", spec.Port, protocol), nil
	default:
		return false, "", fmt.Errorf("unknown port state %q", spec.PortState)
	}
}

func loopbackFor(family string) string {
	if family == "6" {
		return "::1"
	}
	return "127.0.0.1"
}

func evalCommand(spec Spec) (bool, string, error) {
	cmd := exec.Command("sh", "-c", spec.Cmd)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stdout

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return false, "", fmt.Errorf("run command: %w", err)
		}
	}

	if exitCode != spec.ExitCode {
		return false, fmt.Sprintf("command exited %d, expected %d", exitCode, spec.ExitCode), nil
	}

	if spec.StdoutContains != "" && !strings.Contains(stdout.String(), spec.StdoutContains) {
		return false, fmt.Sprintf("command stdout does not contain %q", spec.StdoutContains), nil
	}

	return true, fmt.Sprintf("command exited %d as expected", exitCode), nil
}

func evalHTTP(ctx context.Context, spec Spec) (bool, string, error) {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return false, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("GET %s: %w", spec.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != spec.Status {
		return false, fmt.Sprintf("GET %s returned %d, expected %d", spec.URL, resp.StatusCode, spec.Status), nil
	}

	if spec.BodyContains != "" {
		var body bytes.Buffer
		if _, err := body.ReadFrom(resp.Body); err != nil {
			return false, "", fmt.Errorf("read body: %w", err)
		}
		if !strings.Contains(body.String(), spec.BodyContains) {
			return false, fmt.Sprintf("GET %s body does not contain %q", spec.URL, spec.BodyContains), nil
		}
	}

	return true, fmt.Sprintf("GET %s returned %d as expected", spec.URL, resp.StatusCode), nil
}

func classifyReachError(err error) (portOutcome, error) {
	if err == nil {
		return outcomeListening, nil // "reachable"
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return outcomeListening, nil // something answered
	}
	if os.IsTimeout(err) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return outcomeClosed, nil // unreachable
	}
	if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.EINVAL) {
		return outcomeSkip, nil
	}
	return outcomeSkip, err
}

func evalTCPPing(ctx context.Context, spec Spec) (bool, string, error) {
	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	resolver := net.DefaultResolver

	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := resolver.LookupHost(resolveCtx, spec.Host)
	if err != nil {
		return false, "", fmt.Errorf("resolve %s: %w", spec.Host, err)
	}

	attempted := false
	reachable := false

	for _, addr := range addrs {
		dialAddr := net.JoinHostPort(addr, fmt.Sprintf("%d", spec.Port))
		conn, dialErr := net.DialTimeout("tcp", dialAddr, timeout)
		if dialErr == nil {
			conn.Close()
		}
		outcome, err := classifyReachError(dialErr)
		if outcome == outcomeSkip {
			if err != nil {
				return false, "", fmt.Errorf("tcp_ping %s:%d: %w", spec.Host, spec.Port, err)
			}
			continue
		}
		attempted = true
		if outcome == outcomeListening {
			reachable = true
		}
	}

	if !attempted {
		return false, "", fmt.Errorf("no resolvable address for %s reachable to check", spec.Host)
	}

	expected := spec.ReachState
	if expected == "" {
		expected = Reachable
	}

	switch expected {
	case Reachable:
		if reachable {
			return true, fmt.Sprintf("%s:%d is reachable", spec.Host, spec.Port), nil
		}
		return false, fmt.Sprintf("%s:%d is unreachable, expected reachable", spec.Host, spec.Port), nil
	case Unreachable:
		if !reachable {
			return true, fmt.Sprintf("%s:%d is unreachable", spec.Host, spec.Port), nil
		}
		return false, fmt.Sprintf("%s:%d is reachable, expected unreachable", spec.Host, spec.Port), nil
	default:
		return false, "", fmt.Errorf("unknown reach state %q", expected)
	}
}

func defaultKubeconfig() string {
	for _, candidate := range []string{"/etc/rancher/k3s/k3s.yaml", "/etc/kubernetes/admin.conf"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func k8sClient(spec Spec) (*kubernetes.Clientset, error) {
	kubeconfig := spec.Kubeconfig
	if kubeconfig == "" {
		kubeconfig = defaultKubeconfig()
	}

	overrides := &clientcmd.ConfigOverrides{}
	if spec.Context != "" {
		overrides.CurrentContext = spec.Context
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build k8s client: %w", err)
	}
	return client, nil
}

func nodeIsReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func evalK8sNodesReady(ctx context.Context, spec Spec) (bool, string, error) {
	client, err := k8sClient(spec)
	if err != nil {
		return false, "", err
	}

	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nodes, err := client.CoreV1().Nodes().List(listCtx, metav1.ListOptions{})
	if err != nil {
		return false, "", fmt.Errorf("list nodes: %w", err)
	}

	ready := 0
	for _, node := range nodes.Items {
		if nodeIsReady(node) {
			ready++
		}
	}

	if ready == spec.ExpectedReady {
		return true, fmt.Sprintf("%d/%d nodes ready as expected", ready, spec.ExpectedReady), nil
	}
	return false, fmt.Sprintf("%d nodes ready, expected exactly %d", ready, spec.ExpectedReady), nil
}

func evalK8sEndpointsNonempty(ctx context.Context, spec Spec) (bool, string, error) {
	client, err := k8sClient(spec)
	if err != nil {
		return false, "", err
	}

	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoints, err := client.CoreV1().Endpoints(spec.Namespace).Get(getCtx, spec.Name, metav1.GetOptions{})
	if err == nil {
		if endpointsHaveAddresses(*endpoints) {
			return true, fmt.Sprintf("endpoints %s/%s has addresses", spec.Namespace, spec.Name), nil
		}
		return false, fmt.Sprintf("endpoints %s/%s has no addresses", spec.Namespace, spec.Name), nil
	}
	if !apierrors.IsNotFound(err) {
		return false, "", fmt.Errorf("get endpoints: %w", err)
	}

	// Fall back to EndpointSlices labelled for this service.
	sliceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slices, err := client.DiscoveryV1().EndpointSlices(spec.Namespace).List(sliceCtx, metav1.ListOptions{
		LabelSelector: "kubernetes.io/service-name=" + spec.Name,
	})
	if err != nil {
		return false, "", fmt.Errorf("list endpointslices: %w", err)
	}

	if endpointSlicesHaveAddresses(slices.Items) {
		return true, fmt.Sprintf("endpointslices for %s/%s have addresses", spec.Namespace, spec.Name), nil
	}
	return false, fmt.Sprintf("endpointslices for %s/%s have no addresses", spec.Namespace, spec.Name), nil
}

// endpointsHaveAddresses counts both ready and not-ready addresses, matching
// the upstream behavior this probe was ported from.
func endpointsHaveAddresses(endpoints corev1.Endpoints) bool {
	for _, subset := range endpoints.Subsets {
		if len(subset.Addresses) > 0 || len(subset.NotReadyAddresses) > 0 {
			return true
		}
	}
	return false
}

// endpointSlicesHaveAddresses has no separate not-ready list to consult —
// the EndpointSlice API exposes readiness per-endpoint — and it does not read
// the endpoints' readiness conditions: it only asks whether any endpoint
// carries addresses at all, ready or not.
func endpointSlicesHaveAddresses(slices []discoveryv1.EndpointSlice) bool {
	for _, slice := range slices {
		for _, ep := range slice.Endpoints {
			if len(ep.Addresses) > 0 {
				return true
			}
		}
	}
	return false
}
