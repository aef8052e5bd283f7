package actions

import (
	"encoding/json"
	"os"
)

// logRecord wraps a guest action Event with the host's own receive
// timestamp, the originating VM, and the connection the event arrived on,
// matching the persisted NDJSON schema. ConnectionID disambiguates events
// from different reconnects of the same VM's socket, since a VM that loses
// and regains its action socket keeps appending to the same log file.
type logRecord struct {
	ReceivedUnixMS uint64 `json:"received_unix_ms"`
	VM             string `json:"vm"`
	ConnectionID   string `json:"connection_id"`
	Event          Event  `json:"event"`
}

func appendLogRecord(f *os.File, vm, connectionID string, receivedUnixMS uint64, event Event) error {
	data, err := json.Marshal(logRecord{
		ReceivedUnixMS: receivedUnixMS,
		VM:             vm,
		ConnectionID:   connectionID,
		Event:          event,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}
