package actions

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
)

const reconnectDelay = 200 * time.Millisecond

// Recorder consumes one VM's action-event stream, persists it to an NDJSON
// log, maintains an asciicast-v2 recording per SSH session, and forwards
// derived input/output lines on Lines.
type Recorder struct {
	VM        string
	Lines     chan LineEvent
	socketPath string
	logPath    string
	castDir    string
	log        *slog.Logger

	cast       *CastWriter
	castStart  uint64
	inputBuf   *lineBuffer
	outputBuf  *lineBuffer
	preferRaw  bool
}

// NewRecorder constructs a Recorder for vm, reading from socketPath and
// appending NDJSON records to logPath; derived asciicast files are written
// into castDir.
func NewRecorder(vm, socketPath, logPath, castDir string, log *slog.Logger) *Recorder {
	return &Recorder{
		VM:         vm,
		Lines:      make(chan LineEvent, 64),
		socketPath: socketPath,
		logPath:    logPath,
		castDir:    castDir,
		log:        log,
		inputBuf:   newLineBuffer(),
		outputBuf:  newLineBuffer(),
	}
}

// Run consumes the action stream until ctx is canceled, reconnecting on any
// socket error: a failed dial is retried after reconnectDelay, and a
// connection that ends is redialed at once.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.Lines)
	defer r.closeCast()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := net.Dial("unix", r.socketPath)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		r.consume(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Recorder) consume(ctx context.Context, conn net.Conn) {
	logFile, err := os.OpenFile(r.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.log.Error("open action log", "vm", r.VM, "error", err)
		return
	}
	defer logFile.Close()

	connectionID := cuid2.Generate()

	type done struct{}
	doneCh := make(chan done, 1)
	go func() {
		<-ctx.Done()
		conn.Close()
		doneCh <- done{}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		receivedMS := nowUnixMS()
		event := ParseEvent([]byte(trimmed), receivedMS)

		if err := appendLogRecord(logFile, r.VM, connectionID, receivedMS, event); err != nil {
			r.log.Warn("append action log record", "vm", r.VM, "error", err)
		}

		r.handle(event, receivedMS)
	}
}

func (r *Recorder) handle(event Event, receivedMS uint64) {
	switch event.Kind {
	case EventSSHCastStart:
		r.closeCast()
		path := filepath.Join(r.castDir, fmt.Sprintf("ssh-session-%d.cast", event.TSUnixMS))
		cast, err := NewCastWriter(path, event.Width, event.Height, event.TSUnixMS)
		if err != nil {
			r.log.Warn("create cast writer", "vm", r.VM, "error", err)
			return
		}
		r.cast = cast
		r.castStart = event.TSUnixMS

	case EventSSHSessionStart:
		r.inputBuf = newLineBuffer()
		r.outputBuf = newLineBuffer()
		r.preferRaw = false

	case EventSSHRawInput:
		r.preferRaw = true
		data, err := base64.StdEncoding.DecodeString(event.DataB64)
		if err != nil {
			return
		}
		r.writeCastFrame(event.TSUnixMS, "i", data)
		for _, line := range r.inputBuf.feed(data) {
			r.emitLine(line, LineInput, receivedMS)
		}

	case EventSSHRawOutput:
		r.preferRaw = true
		data, err := base64.StdEncoding.DecodeString(event.DataB64)
		if err != nil {
			return
		}
		r.writeCastFrame(event.TSUnixMS, "o", data)
		for _, line := range r.outputBuf.feed(data) {
			if !looksLikePrompt(line) {
				r.emitLine(line, LineOutput, receivedMS)
			}
		}

	case EventSSHLine:
		if !r.preferRaw {
			r.emitLine(event.Line, LineInput, receivedMS)
		}

	case EventSSHOutput:
		if !r.preferRaw && !looksLikePrompt(event.Line) {
			r.emitLine(event.Line, LineOutput, receivedMS)
		}

	case EventSSHSessionEnd:
		if residual := r.outputBuf.flush(); residual != "" && !looksLikePrompt(residual) {
			r.emitLine(residual, LineOutput, receivedMS)
		}
		if residual := r.inputBuf.flush(); residual != "" {
			r.emitLine(residual, LineInput, receivedMS)
		}
		r.closeCast()
	}
}

func (r *Recorder) writeCastFrame(tsUnixMS uint64, stream string, data []byte) {
	if r.cast == nil {
		return
	}
	if err := r.cast.WriteFrame(tsUnixMS, stream, data); err != nil {
		r.log.Warn("write cast frame", "vm", r.VM, "error", err)
	}
}

func (r *Recorder) emitLine(line string, kind LineKind, receivedMS uint64) {
	if line == "" {
		return
	}
	select {
	case r.Lines <- LineEvent{VM: r.VM, ReceivedAtMS: receivedMS, Line: line, Kind: kind}:
	default:
	}
}

func (r *Recorder) closeCast() {
	if r.cast == nil {
		return
	}
	if err := r.cast.Close(); err != nil {
		r.log.Warn("close cast writer", "vm", r.VM, "error", err)
	}
	r.cast = nil
}

func nowUnixMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
