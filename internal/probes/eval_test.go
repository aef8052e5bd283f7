package probes

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_FileContentContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(path, []byte("welcome to the lab\n"), 0o644))

	result := Evaluate(context.Background(), "p1", Spec{Kind: KindFileContent, Path: path, Contains: "welcome"})
	assert.True(t, result.Passed)
	assert.Equal(t, "p1", result.ID)

	result = Evaluate(context.Background(), "p2", Spec{Kind: KindFileContent, Path: path, Contains: "goodbye"})
	assert.False(t, result.Passed)
}

func TestEvaluate_FileContentRegex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("error code=42\n"), 0o644))

	result := Evaluate(context.Background(), "p1", Spec{Kind: KindFileContent, Path: path, Regex: `code=\d+`})
	assert.True(t, result.Passed)
}

func TestEvaluate_FileContentMissingFileFails(t *testing.T) {
	result := Evaluate(context.Background(), "p1", Spec{Kind: KindFileContent, Path: "/nonexistent/path"})
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Message)
}

func TestEvaluate_FileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.True(t, Evaluate(context.Background(), "p", Spec{Kind: KindFileExists, Path: path, Exists: true}).Passed)
	assert.False(t, Evaluate(context.Background(), "p", Spec{Kind: KindFileExists, Path: path, Exists: false}).Passed)
	assert.True(t, Evaluate(context.Background(), "p", Spec{Kind: KindFileExists, Path: path + "-missing", Exists: false}).Passed)
}

func TestEvaluate_PortListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	result := Evaluate(context.Background(), "p", Spec{Kind: KindPort, Port: port, PortState: PortListening, Protocol: ProtocolTCP})
	assert.True(t, result.Passed)
}

func TestEvaluate_PortClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	result := Evaluate(context.Background(), "p", Spec{Kind: KindPort, Port: port, PortState: PortClosed, Protocol: ProtocolTCP})
	assert.True(t, result.Passed)
}

func TestEvaluate_CommandExitCode(t *testing.T) {
	result := Evaluate(context.Background(), "p", Spec{Kind: KindCommand, Cmd: "exit 0", ExitCode: 0})
	assert.True(t, result.Passed)

	result = Evaluate(context.Background(), "p", Spec{Kind: KindCommand, Cmd: "exit 3", ExitCode: 3})
	assert.True(t, result.Passed)

	result = Evaluate(context.Background(), "p", Spec{Kind: KindCommand, Cmd: "exit 3", ExitCode: 0})
	assert.False(t, result.Passed)
}

func TestEvaluate_CommandStdoutContains(t *testing.T) {
	result := Evaluate(context.Background(), "p", Spec{Kind: KindCommand, Cmd: "echo hello-world", StdoutContains: "hello-world"})
	assert.True(t, result.Passed)

	result = Evaluate(context.Background(), "p", Spec{Kind: KindCommand, Cmd: "echo hello-world", StdoutContains: "nope"})
	assert.False(t, result.Passed)
}

func TestEvaluate_HTTPStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("all systems go"))
	}))
	defer srv.Close()

	result := Evaluate(context.Background(), "p", Spec{Kind: KindHTTP, URL: srv.URL, Status: http.StatusOK, BodyContains: "systems go"})
	assert.True(t, result.Passed)

	result = Evaluate(context.Background(), "p", Spec{Kind: KindHTTP, URL: srv.URL, Status: http.StatusNotFound})
	assert.False(t, result.Passed)
}

func TestEvaluate_UnknownKindFails(t *testing.T) {
	result := Evaluate(context.Background(), "p", Spec{Kind: Kind("not_a_real_kind")})
	assert.False(t, result.Passed)
	assert.Contains(t, result.Message, "unknown probe type")
}

func TestFromDefinition_AppliesDefaults(t *testing.T) {
	spec, err := FromDefinition("port", map[string]any{"port": float64(8080), "port_state": "listening"})
	require.NoError(t, err)
	assert.Equal(t, ProtocolTCP, spec.Protocol)

	spec, err = FromDefinition("tcp_ping", map[string]any{"host": "10.10.0.1"})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), spec.Port)
	assert.Equal(t, 2000, spec.TimeoutMs)
	assert.Equal(t, Reachable, spec.ReachState)
}

func TestFromDefinition_MissingTypeErrors(t *testing.T) {
	_, err := FromDefinition("", map[string]any{})
	require.Error(t, err)
}
