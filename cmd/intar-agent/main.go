// Command intar-agent runs inside a guest VM. With no arguments it is the
// long-running daemon: a probe-request dispatcher on the intar.agent
// virtio-serial port and an action-event sink on intar.actions. Invoked as
// "record-ssh" or "record-command" it is the shell a logging-in or
// command-running SSH session actually execs, wrapping the real shell in a
// pty (or a plain subprocess for a single forwarded command) and emitting
// action events for the session to the sink.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/intar-labs/intar/cmd/intar-agent/agentsink"
	"github.com/intar-labs/intar/internal/actions"
	"github.com/intar-labs/intar/internal/probes"
)

const (
	virtioAgentPort   = "/dev/virtio-ports/intar.agent"
	fallbackAgentPort = "/dev/vport0p1"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		daemon()
		return
	}

	switch args[0] {
	case "record-ssh":
		shell := "/bin/bash"
		if len(args) > 1 {
			shell = args[1]
		}
		os.Exit(recordSSH(shell))
	case "record-command":
		shell := "/bin/bash"
		if len(args) > 1 {
			shell = args[1]
		}
		command := ""
		if len(args) > 2 {
			command = args[2]
		}
		os.Exit(recordCommand(shell, command))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func daemon() {
	start := time.Now()

	go func() {
		for {
			if err := agentsink.Serve(); err != nil {
				fmt.Fprintf(os.Stderr, "actions sink error: %v; retrying in 1s\n", err)
				time.Sleep(time.Second)
			}
		}
	}()

	portPath := virtioAgentPort
	if _, err := os.Stat(portPath); err != nil {
		portPath = fallbackAgentPort
	}

	for {
		if err := runProbeAgent(portPath, start); err != nil {
			fmt.Fprintf(os.Stderr, "probe agent error: %v; retrying in 1s\n", err)
			time.Sleep(time.Second)
		}
	}
}

func runProbeAgent(portPath string, start time.Time) error {
	port, err := os.OpenFile(portPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open probe port: %w", err)
	}
	defer port.Close()

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read probe request: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		resp := handleRequest(line, start)
		data, err := resp.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode probe response: %w", err)
		}
		if _, err := port.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write probe response: %w", err)
		}
	}
}

func handleRequest(line string, start time.Time) probes.Response {
	var req probes.Request
	if err := req.UnmarshalJSON([]byte(line)); err != nil {
		return probes.NewErrorResponse(fmt.Sprintf("failed to parse request: %s", err))
	}

	ctx := context.Background()
	switch req.Kind {
	case probes.RequestPing:
		return probes.NewPong(uint64(time.Since(start).Seconds()))
	case probes.RequestCheckProbe:
		result := probes.Evaluate(ctx, req.ID, req.Spec)
		return probes.NewProbeResult(result)
	case probes.RequestCheckAll:
		results := make([]probes.Result, len(req.Probes))
		for i, named := range req.Probes {
			results[i] = probes.Evaluate(ctx, named.ID, named.Spec)
		}
		return probes.NewAllResults(results)
	default:
		return probes.NewErrorResponse(fmt.Sprintf("unknown request type %q", req.Kind))
	}
}

func recordCommand(realShell, command string) int {
	user := os.Getenv("USER")
	if user == "" {
		user = "user"
	}

	sink := agentsink.Connect()
	if sink != nil {
		defer sink.Close()
	}

	agentsink.Send(sink, actions.Event{
		Kind:     actions.EventSSHSessionStart,
		TSUnixMS: nowUnixMS(),
		User:     user,
		Session:  actions.SessionCommand,
	})
	if command != "" {
		agentsink.Send(sink, actions.Event{
			Kind:     actions.EventSSHLine,
			TSUnixMS: nowUnixMS(),
			Line:     command,
		})
	}

	cmd := exec.Command(realShell, "-c", command)
	output, runErr := cmd.CombinedOutput()

	code := 1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if runErr == nil {
		code = 0
	}

	for _, outLine := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(outLine) == "" {
			continue
		}
		agentsink.Send(sink, actions.Event{
			Kind:     actions.EventSSHOutput,
			TSUnixMS: nowUnixMS(),
			Line:     outLine,
		})
	}

	exitCode := int32(code)
	agentsink.Send(sink, actions.Event{
		Kind:     actions.EventSSHSessionEnd,
		TSUnixMS: nowUnixMS(),
		ExitCode: &exitCode,
	})

	return code
}

func recordSSH(realShell string) int {
	sink := agentsink.Connect()
	if sink != nil {
		defer sink.Close()
	}

	cmd := exec.Command(realShell, "-l")
	master, err := pty.Start(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open pty: %v\n", err)
		return 1
	}
	defer master.Close()

	agentsink.Send(sink, actions.Event{
		Kind:     actions.EventSSHSessionStart,
		TSUnixMS: nowUnixMS(),
		User:     os.Getenv("USER"),
		Session:  actions.SessionInteractive,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		io.Copy(os.Stdout, teeRaw(master, sink, actions.EventSSHRawOutput))
	}()
	go io.Copy(master, teeRaw(os.Stdin, sink, actions.EventSSHRawInput))

	err = cmd.Wait()
	<-done

	code := 1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if err == nil {
		code = 0
	}

	exitCode := int32(code)
	agentsink.Send(sink, actions.Event{
		Kind:     actions.EventSSHSessionEnd,
		TSUnixMS: nowUnixMS(),
		ExitCode: &exitCode,
	})

	return code
}

// teeRaw wraps r so that every chunk read from it is also emitted to sink as
// a base64 raw event of the given kind.
func teeRaw(r io.Reader, sink net.Conn, kind actions.EventKind) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				agentsink.Send(sink, actions.Event{
					Kind:     kind,
					TSUnixMS: nowUnixMS(),
					DataB64:  base64.StdEncoding.EncodeToString(chunk),
				})
				if _, werr := pw.Write(chunk); werr != nil {
					pw.CloseWithError(werr)
					return
				}
			}
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()
	return pr
}

func nowUnixMS() uint64 { return uint64(time.Now().UnixMilli()) }
