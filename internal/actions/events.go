// Package actions consumes a VM's action-event stream over its
// intar.actions virtio-serial socket, persists it as NDJSON, derives
// asciicast-v2 recordings and human-readable input/output lines from raw
// byte events, and forwards line events to interested subscribers.
package actions

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the ActionEvent union.
type EventKind string

const (
	EventSSHSessionStart EventKind = "ssh_session_start"
	EventSSHRawInput     EventKind = "ssh_raw_input"
	EventSSHRawOutput    EventKind = "ssh_raw_output"
	EventSSHLine         EventKind = "ssh_line"
	EventSSHOutput       EventKind = "ssh_output"
	EventSSHCastStart    EventKind = "ssh_cast_start"
	EventSSHSessionEnd   EventKind = "ssh_session_end"
	EventError           EventKind = "error"
)

// SessionKind distinguishes an interactive login from a single forwarded
// command ("ssh host -c CMD").
type SessionKind string

const (
	SessionInteractive SessionKind = "interactive"
	SessionCommand     SessionKind = "command"
)

// Event is one line of the guest action stream. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind      EventKind   `json:"type"`
	TSUnixMS  uint64      `json:"ts_unix_ms"`
	User      string      `json:"user,omitempty"`
	Session   SessionKind `json:"kind,omitempty"`
	DataB64   string      `json:"data_b64,omitempty"`
	Line      string      `json:"line,omitempty"`
	Width     uint16      `json:"width,omitempty"`
	Height    uint16      `json:"height,omitempty"`
	ExitCode  *int32      `json:"exit_code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// ParseEvent decodes one NDJSON line into an Event, producing a synthetic
// EventError event (rather than failing the caller) if the line is
// malformed, mirroring how a recorder must stay alive across a guest
// sending garbage.
func ParseEvent(line []byte, nowUnixMS uint64) Event {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{
			Kind:     EventError,
			TSUnixMS: nowUnixMS,
			Message:  fmt.Sprintf("failed to parse action event: %s", err),
		}
	}
	return e
}

// LineKind distinguishes a derived input line from a derived output line.
type LineKind int

const (
	LineInput LineKind = iota
	LineOutput
)

// LineEvent is a human-readable line derived from either a pre-derived
// ssh_line/ssh_output event or a raw byte stream run through the ANSI
// stripper.
type LineEvent struct {
	VM           string
	ReceivedAtMS uint64
	Line         string
	Kind         LineKind
}
