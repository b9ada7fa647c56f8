package container

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// frame builds one multiplexed stream frame: stream id, 3 zero bytes, a
// big-endian length and the payload.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemultiplexSplitsStdoutLines(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, "{\"a\":1}\n{\"b\":"))
	input.Write(frame(1, "2}\n"))
	input.Write(frame(2, "warning on stderr\n"))
	input.Write(frame(1, "{\"c\":3}"))

	var lines []string
	var stderr bytes.Buffer
	err := demultiplex(&input, func(line []byte) bool {
		lines = append(lines, string(line))
		return true
	}, &stderr)
	require.NoError(t, err)

	// Lines split across frames reassemble; the trailing partial line is
	// still delivered at EOF.
	require.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, lines)
	require.Equal(t, "warning on stderr\n", stderr.String())
}

func TestDemultiplexSkipsBlankLines(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, "\n\n{\"a\":1}\n\n"))

	var lines []string
	err := demultiplex(&input, func(line []byte) bool {
		lines = append(lines, string(line))
		return true
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, []string{`{"a":1}`}, lines)
}

func TestDemultiplexStopsWhenConsumerDeclines(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, "one\ntwo\nthree\n"))

	var lines []string
	err := demultiplex(&input, func(line []byte) bool {
		lines = append(lines, string(line))
		return len(lines) < 2
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)
}

func TestDemultiplexZeroLengthFrames(t *testing.T) {
	var input bytes.Buffer
	input.Write(frame(1, ""))
	input.Write(frame(1, "data\n"))

	var lines []string
	err := demultiplex(&input, func(line []byte) bool {
		lines = append(lines, string(line))
		return true
	}, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, []string{"data"}, lines)
}
