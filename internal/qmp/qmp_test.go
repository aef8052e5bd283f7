package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts connections one after another (the client dials afresh
// for every command), sends the QMP greeting on each, then answers commands
// by name using the given handler.
func fakeServer(t *testing.T, handle func(command string, args json.RawMessage) (any, *string)) string {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "qmp.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			func() {
				defer conn.Close()

				_, _ = conn.Write([]byte(`{"QMP": {"version": {"qemu": {"major": 9}}, "capabilities": []}}` + "\n"))

				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadBytes('\n')
					if err != nil {
						return
					}

					var req struct {
						Execute   string          `json:"execute"`
						Arguments json.RawMessage `json:"arguments"`
					}
					if err := json.Unmarshal(line, &req); err != nil {
						return
					}

					if req.Execute == "qmp_capabilities" {
						_, _ = conn.Write([]byte(`{"return": {}}` + "\n"))
						continue
					}

					ret, errMsg := handle(req.Execute, req.Arguments)
					var resp map[string]any
					if errMsg != nil {
						resp = map[string]any{"error": map[string]string{"class": "GenericError", "desc": *errMsg}}
					} else {
						resp = map[string]any{"return": ret}
					}
					payload, _ := json.Marshal(resp)
					_, _ = conn.Write(append(payload, '\n'))
				}
			}()
		}
	}()

	return sockPath
}

func TestCommand_ReturnsResult(t *testing.T) {
	sockPath := fakeServer(t, func(command string, args json.RawMessage) (any, *string) {
		assert.Equal(t, "system_reset", command)
		return map[string]any{}, nil
	})

	client := New(sockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Command(ctx, "system_reset", nil)
	require.NoError(t, err)
}

func TestCommand_PropagatesError(t *testing.T) {
	sockPath := fakeServer(t, func(command string, args json.RawMessage) (any, *string) {
		msg := "device not found"
		return nil, &msg
	})

	client := New(sockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Command(ctx, "system_reset", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device not found")
}

func TestSnapshotSave_WaitsForConcludedJob(t *testing.T) {
	calls := 0
	sockPath := fakeServer(t, func(command string, args json.RawMessage) (any, *string) {
		switch command {
		case "snapshot-save":
			return map[string]any{}, nil
		case "query-jobs":
			calls++
			status := "running"
			if calls >= 2 {
				status = "concluded"
			}
			return []map[string]any{
				{"id": "intar_snapshot_save_vm1_init", "status": status, "error": nil},
			}, nil
		case "job-dismiss":
			return map[string]any{}, nil
		}
		return map[string]any{}, nil
	})

	client := New(sockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.SnapshotSave(ctx, "vm1", "init")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestSnapshotSave_ReturnsJobError(t *testing.T) {
	sockPath := fakeServer(t, func(command string, args json.RawMessage) (any, *string) {
		switch command {
		case "snapshot-save":
			return map[string]any{}, nil
		case "query-jobs":
			return []map[string]any{
				{
					"id":     "intar_snapshot_save_vm1_init",
					"status": "concluded",
					"error":  map[string]string{"class": "GenericError", "desc": "disk full"},
				},
			}, nil
		case "job-dismiss":
			return map[string]any{}, nil
		}
		return map[string]any{}, nil
	})

	client := New(sockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.SnapshotSave(ctx, "vm1", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "GenericError")
}

func TestJobErrorMessage(t *testing.T) {
	assert.Equal(t, "", jobErrorMessage(nil))
	assert.Equal(t, "", jobErrorMessage(json.RawMessage("null")))
	assert.Equal(t, "boom", jobErrorMessage(json.RawMessage(`"boom"`)))
	assert.Equal(t, "Device: boom", jobErrorMessage(json.RawMessage(`{"class":"Device","desc":"boom"}`)))
	assert.Equal(t, "boom", jobErrorMessage(json.RawMessage(`{"desc":"boom"}`)))
}
