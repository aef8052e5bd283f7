// Package agentclient is the host-side client for the guest agent's NDJSON
// protocol over a virtio-serial Unix socket: ping, single-probe, and
// batch-probe requests with a bounded overall deadline per request.
package agentclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/intar-labs/intar/internal/probes"
)

const requestDeadline = 30 * time.Second

// Connection is a single open socket to a guest agent.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Connect dials the guest agent's virtio-serial socket.
func Connect(ctx context.Context, socketPath string) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to agent: %w", err)
	}
	return &Connection{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close releases the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// TryConnect attempts to connect to the agent, retrying up to retries times
// with delay between attempts. The last error is returned if every attempt
// fails.
func TryConnect(ctx context.Context, socketPath string, retries int, delay time.Duration) (*Connection, error) {
	var lastErr error
	for i := 0; i < retries; i++ {
		conn, err := Connect(ctx, socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to agent after %d attempts: %w", retries, lastErr)
}

// Ping asks the agent how long it has been up.
func (c *Connection) Ping(ctx context.Context) (uint64, error) {
	resp, err := c.sendExpect(ctx, probes.NewPing(), probes.ResponsePong)
	if err != nil {
		return 0, err
	}
	return resp.UptimeSecs, nil
}

// CheckProbe evaluates a single probe on the guest.
func (c *Connection) CheckProbe(ctx context.Context, id string, spec probes.Spec) (probes.Result, error) {
	resp, err := c.sendExpect(ctx, probes.NewCheckProbe(id, spec), probes.ResponseProbeResult)
	if err != nil {
		return probes.Result{}, err
	}
	return probes.Result{ID: resp.ID, Passed: resp.Passed, Message: resp.Message}, nil
}

// CheckAll evaluates every probe in one round trip.
func (c *Connection) CheckAll(ctx context.Context, named []probes.NamedSpec) ([]probes.Result, error) {
	resp, err := c.sendExpect(ctx, probes.NewCheckAll(named), probes.ResponseAllResults)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Connection) sendExpect(ctx context.Context, req probes.Request, expected probes.ResponseKind) (probes.Response, error) {
	payload, err := req.MarshalJSON()
	if err != nil {
		return probes.Response{}, fmt.Errorf("encode request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(requestDeadline))
	}

	if _, err := c.conn.Write(append(payload, '\n')); err != nil {
		return probes.Response{}, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(requestDeadline)
	for {
		if time.Now().After(deadline) {
			return probes.Response{}, fmt.Errorf("agent response timeout")
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			return probes.Response{}, fmt.Errorf("read response: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var resp probes.Response
		if err := resp.UnmarshalJSON([]byte(line)); err != nil {
			return probes.Response{}, fmt.Errorf("decode response: %w", err)
		}

		if resp.Kind == probes.ResponseError {
			return probes.Response{}, fmt.Errorf("agent error: %s", resp.Message)
		}
		if resp.Kind == expected {
			return resp, nil
		}
	}
}
