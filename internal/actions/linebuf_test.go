package actions

import "testing"

import "github.com/stretchr/testify/assert"

func TestLineBuffer_DerivesPlainLine(t *testing.T) {
	lb := newLineBuffer()

	lines := lb.feed([]byte("ls\n"))
	assert.Equal(t, []string{"ls"}, lines)
}

func TestLineBuffer_StripsColorCodes(t *testing.T) {
	lb := newLineBuffer()

	lines := lb.feed([]byte("\x1b[31mx\x1b[0m\n"))
	assert.Equal(t, []string{"x"}, lines)
}

func TestLineBuffer_HandlesBackspace(t *testing.T) {
	lb := newLineBuffer()

	lines := lb.feed([]byte("lsx\x7f\n"))
	assert.Equal(t, []string{"ls"}, lines)
}

func TestLineBuffer_FlushReturnsResidual(t *testing.T) {
	lb := newLineBuffer()
	lb.feed([]byte("partial"))
	assert.Equal(t, "partial", lb.flush())
	assert.Equal(t, "", lb.flush())
}

func TestLooksLikePrompt(t *testing.T) {
	assert.True(t, looksLikePrompt("user@host:~$"))
	assert.True(t, looksLikePrompt("root@vm:/etc#"))
	assert.False(t, looksLikePrompt("ls"))
	assert.False(t, looksLikePrompt("no-at-sign:path$"))
}
