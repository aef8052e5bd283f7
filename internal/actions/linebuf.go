package actions

import "strings"

// lineBuffer is the tiny state machine that turns a raw byte stream into
// human-readable lines: it strips ANSI escape sequences, treats CR/LF as
// line breaks, and honors DEL/BS while preserving tabs and printable ASCII.
type lineBuffer struct {
	buf       []byte
	inEscape  bool
}

func newLineBuffer() *lineBuffer {
	return &lineBuffer{}
}

// feed appends b and returns every complete line produced, in order.
func (lb *lineBuffer) feed(b []byte) []string {
	var lines []string

	for _, c := range b {
		if lb.inEscape {
			// An escape sequence ends at the first ASCII alphabetic byte or
			// '~' (covers CSI sequences like "\x1b[31m" and "\x1b[3~").
			if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '~' {
				lb.inEscape = false
			}
			continue
		}

		switch {
		case c == 0x1b:
			lb.inEscape = true
		case c == '\r' || c == '\n':
			if len(lb.buf) > 0 {
				lines = append(lines, strings.TrimSpace(string(lb.buf)))
				lb.buf = lb.buf[:0]
			}
		case c == 0x7f || c == 0x08: // DEL / BS
			if len(lb.buf) > 0 {
				lb.buf = lb.buf[:len(lb.buf)-1]
			}
		case c == '\t' || (c >= 0x20 && c < 0x7f):
			lb.buf = append(lb.buf, c)
		default:
			// Drop other control bytes silently.
		}
	}

	return lines
}

// flush returns and clears any residual buffered (non-line-terminated)
// content, used on session end.
func (lb *lineBuffer) flush() string {
	line := strings.TrimSpace(string(lb.buf))
	lb.buf = lb.buf[:0]
	return line
}

// looksLikePrompt applies the shell-prompt heuristic used to suppress
// prompt echoes from the derived output stream: a line such as
// "user@host:path$" or "root@host:path#" counts as a prompt if it contains
// '@', then a later ':', and ends in '$' or '#'.
func looksLikePrompt(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	last := trimmed[len(trimmed)-1]
	if last != '$' && last != '#' {
		return false
	}
	at := strings.IndexByte(trimmed, '@')
	if at < 0 {
		return false
	}
	colon := strings.IndexByte(trimmed, ':')
	return colon > at
}
