// Package qmp implements a minimal QEMU Machine Protocol client: newline
// delimited JSON commands over a Unix socket, with the greeting handshake
// and the asynchronous-job (snapshot-save/snapshot-load) polling dance QEMU
// requires for vmstate-inclusive snapshots.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const (
	// MainDiskNodeName is the block-device node name used for the VM's
	// primary overlay disk, the only device included in vmstate snapshots.
	MainDiskNodeName = "intar_disk0"

	jobPollInterval = 50 * time.Millisecond
	jobTimeout      = 120 * time.Second
)

// Client is a single-use connection to a running QEMU instance's QMP
// socket. Each command opens a fresh connection, mirroring how the guest
// controller issues commands: QMP sessions are not kept open between calls.
type Client struct {
	socketPath string
}

// New returns a client that dials socketPath for every command.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Command executes a single QMP command and returns its raw JSON response
// (the object under "return", or an error if the response carries "error").
func (c *Client) Command(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to QMP: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reader := bufio.NewReader(conn)

	if _, err := readGreeting(reader); err != nil {
		return nil, err
	}

	if _, err := conn.Write([]byte(`{"execute": "qmp_capabilities"}` + "\n")); err != nil {
		return nil, fmt.Errorf("send qmp_capabilities: %w", err)
	}
	if _, err := readResponse(reader); err != nil {
		return nil, err
	}

	req := map[string]any{"execute": command}
	if args != nil {
		req["arguments"] = args
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	msg, err := readResponse(reader)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Return json.RawMessage `json:"return"`
		Error  *struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", command, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("%s error: %s: %s", command, envelope.Error.Class, envelope.Error.Desc)
	}
	return envelope.Return, nil
}

func readLine(reader *bufio.Reader) (json.RawMessage, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read QMP message: %w", err)
	}
	return json.RawMessage(line), nil
}

// readGreeting scans the initial connection messages for QEMU's QMP
// greeting, discarding any events that precede it (none should, but the
// handshake is tolerant of them).
func readGreeting(reader *bufio.Reader) (json.RawMessage, error) {
	for {
		msg, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		var probe struct {
			QMP   json.RawMessage `json:"QMP"`
			Event string          `json:"event"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			return nil, fmt.Errorf("decode QMP greeting: %w", err)
		}
		if probe.QMP != nil {
			return msg, nil
		}
		if probe.Event != "" {
			continue
		}
		return nil, fmt.Errorf("unexpected QMP greeting: %s", msg)
	}
}

// readResponse scans past asynchronous events to find the next command
// response (an object carrying "return" or "error").
func readResponse(reader *bufio.Reader) (json.RawMessage, error) {
	for {
		msg, err := readLine(reader)
		if err != nil {
			return nil, err
		}
		var probe struct {
			Event  string          `json:"event"`
			Return json.RawMessage `json:"return"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			return nil, fmt.Errorf("decode QMP response: %w", err)
		}
		if probe.Event != "" {
			continue
		}
		if probe.Return != nil || probe.Error != nil {
			return msg, nil
		}
	}
}

// SnapshotSave issues a snapshot-save job for vmName/tag and blocks until it
// concludes.
func (c *Client) SnapshotSave(ctx context.Context, vmName, tag string) error {
	jobID := fmt.Sprintf("intar_snapshot_save_%s_%s", vmName, tag)
	_, err := c.Command(ctx, "snapshot-save", map[string]any{
		"job-id":  jobID,
		"tag":     tag,
		"vmstate": MainDiskNodeName,
		"devices": []string{MainDiskNodeName},
	})
	if err != nil {
		return err
	}
	return c.waitForJob(ctx, jobID)
}

// SnapshotLoad issues a snapshot-load job for vmName/tag and blocks until it
// concludes.
func (c *Client) SnapshotLoad(ctx context.Context, vmName, tag string) error {
	jobID := fmt.Sprintf("intar_snapshot_load_%s_%s", vmName, tag)
	_, err := c.Command(ctx, "snapshot-load", map[string]any{
		"job-id":  jobID,
		"tag":     tag,
		"vmstate": MainDiskNodeName,
		"devices": []string{MainDiskNodeName},
	})
	if err != nil {
		return err
	}
	return c.waitForJob(ctx, jobID)
}

func (c *Client) waitForJob(ctx context.Context, jobID string) error {
	deadline := time.Now().Add(jobTimeout)

	for {
		raw, err := c.Command(ctx, "query-jobs", nil)
		if err != nil {
			return fmt.Errorf("query-jobs: %w", err)
		}

		var jobs []struct {
			ID     string          `json:"id"`
			Status string          `json:"status"`
			Error  json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return fmt.Errorf("query-jobs returned unexpected payload: %w", err)
		}

		for _, job := range jobs {
			if job.ID != jobID {
				continue
			}
			if job.Status != "concluded" {
				break
			}

			if _, err := c.Command(ctx, "job-dismiss", map[string]any{"id": jobID}); err != nil {
				return fmt.Errorf("job-dismiss: %w", err)
			}

			if msg := jobErrorMessage(job.Error); msg != "" {
				return fmt.Errorf("job %q failed: %s", jobID, msg)
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for job: %s", jobID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

// jobErrorMessage renders a job's "error" field, which QEMU encodes either
// as a bare string or as a {class, desc} object, into "class: desc" form.
func jobErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var obj struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Desc == "" {
		return string(raw)
	}
	if obj.Class == "" {
		return obj.Desc
	}
	return fmt.Sprintf("%s: %s", obj.Class, obj.Desc)
}

// SystemReset reboots the guest.
func (c *Client) SystemReset(ctx context.Context) error {
	_, err := c.Command(ctx, "system_reset", nil)
	return err
}

// Pause stops guest CPU execution.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.Command(ctx, "stop", nil)
	return err
}

// Resume continues guest CPU execution.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.Command(ctx, "cont", nil)
	return err
}
