package actions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// castHeader is the first line of an asciicast v2 file.
type castHeader struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// CastWriter appends "i"/"o" frames to an asciicast v2 file, timestamping
// each frame relative to the recording's start.
type CastWriter struct {
	file      *os.File
	w         *bufio.Writer
	startMS   uint64
}

// NewCastWriter creates path and writes the v2 header, anchoring subsequent
// frame timestamps to startUnixMS.
func NewCastWriter(path string, width, height uint16, startUnixMS uint64) (*CastWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create cast file: %w", err)
	}

	w := bufio.NewWriter(f)
	header := castHeader{
		Version:   2,
		Width:     int(width),
		Height:    int(height),
		Timestamp: int64(startUnixMS / 1000),
	}
	data, err := json.Marshal(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encode cast header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("write cast header: %w", err)
	}

	return &CastWriter{file: f, w: w, startMS: startUnixMS}, nil
}

// WriteFrame appends one event frame at the given absolute time.
func (c *CastWriter) WriteFrame(tsUnixMS uint64, stream string, data []byte) error {
	relSeconds := float64(int64(tsUnixMS)-int64(c.startMS)) / 1000.0
	if relSeconds < 0 {
		relSeconds = 0
	}
	frame := []any{relSeconds, stream, string(data)}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode cast frame: %w", err)
	}
	if _, err := c.w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write cast frame: %w", err)
	}
	return c.w.Flush()
}

// Close flushes and closes the underlying file.
func (c *CastWriter) Close() error {
	if err := c.w.Flush(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
