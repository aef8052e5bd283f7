// Package agentsink is the guest-side half of the action event stream: a
// Unix socket that record-ssh and record-command sessions write NDJSON
// events to, and a single writer goroutine that forwards those lines onto
// the intar.actions virtio-serial port, reconnecting if the port goes away.
package agentsink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/intar-labs/intar/internal/actions"
)

const (
	SocketPath  = "/run/intar/actions.sock"
	ActionsPort = "/dev/virtio-ports/intar.actions"

	reconnectDelay = 200 * time.Millisecond
)

// Serve listens on SocketPath and forwards every line written by connecting
// clients onto ActionsPort. It returns only with an error, when the socket
// cannot be set up or when Accept fails; callers typically run it in a
// goroutine and retry on error.
func Serve() error {
	if err := os.MkdirAll(filepath.Dir(SocketPath), 0o755); err != nil {
		return fmt.Errorf("create actions socket dir: %w", err)
	}
	os.Remove(SocketPath)

	listener, err := net.Listen("unix", SocketPath)
	if err != nil {
		return fmt.Errorf("listen on actions socket: %w", err)
	}
	defer listener.Close()
	os.Chmod(SocketPath, 0o666)

	lines := make(chan string, 256)
	go writerLoop(lines)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept actions connection: %w", err)
		}
		go readLines(conn, lines)
	}
}

func readLines(conn net.Conn, lines chan<- string) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines <- line
	}
}

func writerLoop(lines <-chan string) {
	var port *os.File
	for line := range lines {
		for {
			if port == nil {
				f, err := os.OpenFile(ActionsPort, os.O_WRONLY, 0)
				if err != nil {
					time.Sleep(reconnectDelay)
					continue
				}
				port = f
			}

			if _, err := fmt.Fprintln(port, line); err == nil {
				break
			}
			port.Close()
			port = nil
		}
	}
}

// Connect dials the local actions socket for a recording session to write
// events to. Returns nil if the socket isn't reachable; sessions proceed
// unrecorded rather than fail outright.
func Connect() net.Conn {
	conn, err := net.Dial("unix", SocketPath)
	if err != nil {
		return nil
	}
	return conn
}

// Send marshals event and writes it as one NDJSON line to conn. conn may be
// nil, in which case Send is a no-op.
func Send(conn net.Conn, event actions.Event) {
	if conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(conn, "%s\n", data)
}
