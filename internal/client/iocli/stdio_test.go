package iocli

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeIO(t *testing.T, input string) (*Stdio, *bytes.Buffer) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	go func() {
		_, _ = w.Write([]byte(input))
		_ = w.Close()
	}()

	var out bytes.Buffer
	return NewFileIO(r, &out), &out
}

func TestNewStdio(t *testing.T) {
	assert.NotNil(t, NewStdio())
}

func TestPrintlnAndPrintf(t *testing.T) {
	s, out := pipeIO(t, "")

	s.Println("hello", "world")
	s.Printf("test %d %s", 1, "abc")
	_, err := s.Write([]byte("!"))
	require.NoError(t, err)

	assert.Equal(t, "hello world\ntest 1 abc!", out.String())
}

func TestReadInput(t *testing.T) {
	s, out := pipeIO(t, "  orders  \nsecond\nlast")

	got, err := s.ReadInput("Type: ")
	require.NoError(t, err)
	assert.Equal(t, "orders", got)
	assert.Equal(t, "Type: ", out.String())

	got, err = s.ReadInput("")
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	// a final line without newline is still returned
	got, err = s.ReadInput("")
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = s.ReadInput("")
	assert.Error(t, err)
}

func TestReadPassword_NotATerminal(t *testing.T) {
	s, _ := pipeIO(t, "1234\n")

	got, err := s.ReadPassword("PIN: ")
	require.NoError(t, err)
	assert.Equal(t, "1234", got)
}
