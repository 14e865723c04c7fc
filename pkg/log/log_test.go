package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingWriterEvictsOldestLines(t *testing.T) {
	r := NewRingWriter(10)
	r.Write([]byte("12345"))
	r.Write([]byte("67890"))
	r.Write([]byte("abcde"))

	lines := r.Lines()
	assert.Equal(t, []string{"67890", "abcde"}, lines)
	assert.LessOrEqual(t, len(strings.Join(lines, "")), 10)
}

func TestRingWriterKeepsEverythingUnderCapacity(t *testing.T) {
	r := NewRingWriter(1024)
	r.Write([]byte("hello"))
	r.Write([]byte("world"))

	assert.Equal(t, []string{"hello", "world"}, r.Lines())
}
